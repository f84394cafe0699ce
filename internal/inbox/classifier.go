package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// Decision is the classifier's verdict on an inbound request.
type Decision string

const (
	// DecisionAccepted stores the event for background processing.
	DecisionAccepted Decision = "accepted"
	// DecisionIgnored acknowledges the event without storing it, e.g. event
	// types this deployment does not consume.
	DecisionIgnored Decision = "ignored"
	// DecisionRejected refuses the event as malformed.
	DecisionRejected Decision = "rejected"
)

// Classification is the derived identity of an inbound event.
type Classification struct {
	Decision        Decision
	ProviderEventID string // empty when the provider sent none
	EventType       string
	DedupeKey       string
	Reason          string // set for ignored and rejected decisions
}

// Classifier derives the event identity from an authenticated request.
type Classifier interface {
	Classify(provider string, headers http.Header, rawBody []byte) Classification
}

// DedupeKey builds the primary idempotency key for an event: the provider's
// event id when present, otherwise a digest of the raw body. The provider
// name is part of the hashed input so two providers delivering identical
// bodies never collide.
func DedupeKey(provider, providerEventID string, rawBody []byte) string {
	if providerEventID != "" {
		return provider + ":" + providerEventID
	}
	sum := sha256.Sum256(append([]byte(provider+":"), rawBody...))
	return provider + ":" + hex.EncodeToString(sum[:])
}

// BodyHash is the weak fallback fingerprint stored alongside every event.
func BodyHash(rawBody []byte) string {
	sum := sha256.Sum256(rawBody)
	return hex.EncodeToString(sum[:])
}

// HeaderClassifier reads the event id and type from configurable headers.
// Events whose type is empty are rejected; events whose type is on the
// ignore list are acknowledged without storage.
type HeaderClassifier struct {
	eventIDHeader   string
	eventTypeHeader string
	ignoredTypes    map[string]struct{}
}

// ClassifierOption configures a HeaderClassifier.
type ClassifierOption func(*HeaderClassifier)

// WithEventIDHeader overrides the event id header (default: X-Event-Id).
func WithEventIDHeader(name string) ClassifierOption {
	return func(c *HeaderClassifier) { c.eventIDHeader = name }
}

// WithEventTypeHeader overrides the event type header
// (default: X-Event-Type).
func WithEventTypeHeader(name string) ClassifierOption {
	return func(c *HeaderClassifier) { c.eventTypeHeader = name }
}

// WithIgnoredTypes marks event types to acknowledge without storing.
func WithIgnoredTypes(types ...string) ClassifierOption {
	return func(c *HeaderClassifier) {
		for _, t := range types {
			c.ignoredTypes[t] = struct{}{}
		}
	}
}

// NewHeaderClassifier creates a classifier with the default header names.
func NewHeaderClassifier(opts ...ClassifierOption) *HeaderClassifier {
	c := &HeaderClassifier{
		eventIDHeader:   "X-Event-Id",
		eventTypeHeader: "X-Event-Type",
		ignoredTypes:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify derives the event identity from headers and body.
func (c *HeaderClassifier) Classify(provider string, headers http.Header, rawBody []byte) Classification {
	eventType := headers.Get(c.eventTypeHeader)
	if eventType == "" {
		return Classification{Decision: DecisionRejected, Reason: "missing event type"}
	}

	eventID := headers.Get(c.eventIDHeader)
	cl := Classification{
		ProviderEventID: eventID,
		EventType:       eventType,
		DedupeKey:       DedupeKey(provider, eventID, rawBody),
	}

	if _, ignored := c.ignoredTypes[eventType]; ignored {
		cl.Decision = DecisionIgnored
		cl.Reason = "event type not consumed"
		return cl
	}

	cl.Decision = DecisionAccepted
	return cl
}
