package inbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// RetentionPolicy controls what happens to rejected requests. Accepted
// events are unaffected.
type RetentionPolicy string

const (
	// RetentionNone discards rejected requests. The default.
	RetentionNone RetentionPolicy = "none"
	// RetentionEnvelope keeps the full request envelope including the body.
	RetentionEnvelope RetentionPolicy = "envelope"
	// RetentionRedactedMetadata keeps headers and metadata with the body
	// redacted.
	RetentionRedactedMetadata RetentionPolicy = "redacted_metadata"
)

// AcceptStore persists accepted events.
type AcceptStore interface {
	UpsertAccepted(ctx context.Context, msg *domain.InboxMessage) (created bool, err error)
}

// RejectionSink receives rejected-request envelopes when retention is
// enabled.
type RejectionSink interface {
	SaveRejected(ctx context.Context, envelope *domain.WebhookEnvelope, reason string) error
}

// SlogRejectionSink records rejected envelopes as structured log events.
type SlogRejectionSink struct{}

// SaveRejected logs the envelope at warning level.
func (SlogRejectionSink) SaveRejected(ctx context.Context, envelope *domain.WebhookEnvelope, reason string) error {
	slog.WarnContext(ctx, "webhook rejected",
		"provider", envelope.Provider, "path", envelope.Path,
		"content_type", envelope.ContentType, "reason", reason)
	return nil
}

// Ingestor is the fast-ack webhook receiver: verify, classify, store,
// respond 202. Handler execution happens later on the background path.
type Ingestor struct {
	store          AcceptStore
	classifier     Classifier
	authenticators map[string]Authenticator

	retention    RetentionPolicy
	sink         RejectionSink
	maxBodyBytes int64
	now          func() time.Time
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithRetention sets the rejected-request retention policy and its sink.
func WithRetention(policy RetentionPolicy, sink RejectionSink) IngestorOption {
	return func(in *Ingestor) {
		in.retention = policy
		in.sink = sink
	}
}

// WithMaxBodyBytes caps the accepted request body size (default: 1 MiB).
func WithMaxBodyBytes(n int64) IngestorOption {
	return func(in *Ingestor) {
		if n > 0 {
			in.maxBodyBytes = n
		}
	}
}

// withNow injects the clock. Test hook.
func withNow(now func() time.Time) IngestorOption {
	return func(in *Ingestor) { in.now = now }
}

// NewIngestor creates the receiver. One authenticator per provider; requests
// for unknown providers are not served.
func NewIngestor(store AcceptStore, classifier Classifier, authenticators map[string]Authenticator, opts ...IngestorOption) (*Ingestor, error) {
	if store == nil || classifier == nil || len(authenticators) == 0 {
		return nil, fmt.Errorf("%w: store, classifier and at least one authenticator are required", domain.ErrInvalidInput)
	}

	in := &Ingestor{
		store:          store,
		classifier:     classifier,
		authenticators: authenticators,
		retention:      RetentionNone,
		maxBodyBytes:   1 << 20,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

// Routes mounts the webhook endpoint.
func (in *Ingestor) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/webhooks/{provider}", in.handleWebhook)
	return r
}

type webhookResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (in *Ingestor) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := chi.URLParam(r, "provider")

	auth, known := in.authenticators[provider]
	if !known {
		respond(w, http.StatusNotFound, webhookResponse{Status: "rejected", Reason: "unknown provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, in.maxBodyBytes+1))
	if err != nil {
		respond(w, http.StatusBadRequest, webhookResponse{Status: "rejected", Reason: "unreadable body"})
		return
	}
	if int64(len(body)) > in.maxBodyBytes {
		respond(w, http.StatusRequestEntityTooLarge, webhookResponse{Status: "rejected", Reason: "body too large"})
		return
	}

	now := in.now().UTC()

	if err := auth.Verify(r.Header, body, now); err != nil {
		in.retainRejected(ctx, provider, r, body, "authentication failed")
		if errors.Is(err, domain.ErrAuthRejected) {
			respond(w, http.StatusUnauthorized, webhookResponse{Status: "rejected", Reason: "authentication failed"})
			return
		}
		respond(w, http.StatusInternalServerError, webhookResponse{Status: "error"})
		return
	}

	cl := in.classifier.Classify(provider, r.Header, body)
	switch cl.Decision {
	case DecisionRejected:
		in.retainRejected(ctx, provider, r, body, cl.Reason)
		respond(w, http.StatusBadRequest, webhookResponse{Status: "rejected", Reason: cl.Reason})
		return
	case DecisionIgnored:
		respond(w, http.StatusAccepted, webhookResponse{Status: "ignored", Reason: cl.Reason})
		return
	}

	record := domain.WebhookEventRecord{
		Provider:        provider,
		DedupeKey:       cl.DedupeKey,
		ProviderEventID: cl.ProviderEventID,
		EventType:       cl.EventType,
		Headers:         r.Header,
		Body:            body,
		ContentType:     r.Header.Get("Content-Type"),
		ReceivedAt:      now,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		respond(w, http.StatusInternalServerError, webhookResponse{Status: "error"})
		return
	}

	msg := &domain.InboxMessage{
		ID:         domain.NewMessageID(),
		Source:     provider,
		DedupeID:   cl.DedupeKey,
		ProviderID: cl.ProviderEventID,
		EventType:  cl.EventType,
		Payload:    payload,
		Hash:       BodyHash(body),
	}

	created, err := in.store.UpsertAccepted(ctx, msg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to store webhook event",
			"provider", provider, "dedupe_key", cl.DedupeKey, "error", err)
		respond(w, http.StatusInternalServerError, webhookResponse{Status: "error"})
		return
	}
	if !created {
		slog.InfoContext(ctx, "duplicate webhook event",
			"provider", provider, "dedupe_key", cl.DedupeKey)
	}

	// Duplicates get the same accepted response as first deliveries.
	respond(w, http.StatusAccepted, webhookResponse{Status: "accepted"})
}

func (in *Ingestor) retainRejected(ctx context.Context, provider string, r *http.Request, body []byte, reason string) {
	if in.retention == RetentionNone || in.sink == nil {
		return
	}

	envelope := &domain.WebhookEnvelope{
		Provider:    provider,
		ReceivedAt:  in.now().UTC(),
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		Headers:     r.Header,
		ContentType: r.Header.Get("Content-Type"),
	}
	if in.retention == RetentionEnvelope {
		envelope.BodyBytesBase64 = base64.StdEncoding.EncodeToString(body)
	}

	if err := in.sink.SaveRejected(ctx, envelope, reason); err != nil {
		slog.WarnContext(ctx, "failed to retain rejected webhook",
			"provider", provider, "error", err)
	}
}

func respond(w http.ResponseWriter, code int, body webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
