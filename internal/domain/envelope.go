package domain

import "time"

// Wire formats treated as stable. Field names must not change.

// WebhookEnvelope is the raw capture of an inbound webhook request, written
// when the rejection-retention policy keeps full envelopes.
type WebhookEnvelope struct {
	Provider        string              `json:"provider"`
	ReceivedAt      time.Time           `json:"receivedAt"`
	Method          string              `json:"method"`
	Path            string              `json:"path"`
	Query           string              `json:"query"`
	Headers         map[string][]string `json:"headers"`
	ContentType     string              `json:"contentType"`
	BodyBytesBase64 string              `json:"bodyBytesBase64"`
}

// WebhookEventRecord is the classified form of an accepted event, stored as
// the inbox payload.
type WebhookEventRecord struct {
	Provider        string              `json:"provider"`
	DedupeKey       string              `json:"dedupeKey"`
	ProviderEventID string              `json:"providerEventId,omitempty"`
	EventType       string              `json:"eventType"`
	Headers         map[string][]string `json:"headers"`
	Body            []byte              `json:"body"`
	ContentType     string              `json:"contentType"`
	ReceivedAt      time.Time           `json:"receivedAt"`
}

// FanoutSlice is the payload of a fanout slice message.
type FanoutSlice struct {
	FanoutTopic   string    `json:"fanoutTopic"`
	ShardKey      string    `json:"shardKey"`
	WorkKey       string    `json:"workKey"`
	WindowStart   time.Time `json:"windowStart"`
	CorrelationID string    `json:"correlationId,omitempty"`
}
