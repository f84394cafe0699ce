// Package inbox implements webhook ingestion: signature verification,
// classification, the fast-ack HTTP path and exactly-once background
// processing.
package inbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// Authenticator verifies an inbound request against the untouched raw body.
// Verification failures return an error wrapping domain.ErrAuthRejected.
type Authenticator interface {
	Verify(headers http.Header, rawBody []byte, now time.Time) error
}

// HMACAuthenticator verifies an HMAC-SHA256 hex signature computed over
// "{timestamp}.{body}". The timestamp must fall inside the tolerance window
// to bound replay.
type HMACAuthenticator struct {
	secret          []byte
	signatureHeader string
	timestampHeader string
	tolerance       time.Duration
}

// HMACOption configures an HMACAuthenticator.
type HMACOption func(*HMACAuthenticator)

// WithSignatureHeader overrides the signature header (default: X-Signature).
func WithSignatureHeader(name string) HMACOption {
	return func(a *HMACAuthenticator) { a.signatureHeader = name }
}

// WithTimestampHeader overrides the timestamp header (default: X-Timestamp).
func WithTimestampHeader(name string) HMACOption {
	return func(a *HMACAuthenticator) { a.timestampHeader = name }
}

// WithTolerance overrides the replay window (default: 5 minutes).
func WithTolerance(d time.Duration) HMACOption {
	return func(a *HMACAuthenticator) {
		if d > 0 {
			a.tolerance = d
		}
	}
}

// NewHMACAuthenticator creates an authenticator for one shared secret.
func NewHMACAuthenticator(secret []byte, opts ...HMACOption) (*HMACAuthenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: signing secret is required", domain.ErrInvalidInput)
	}

	a := &HMACAuthenticator{
		secret:          secret,
		signatureHeader: "X-Signature",
		timestampHeader: "X-Timestamp",
		tolerance:       5 * time.Minute,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Verify checks the timestamp window first, then the signature with a
// constant-time comparison.
func (a *HMACAuthenticator) Verify(headers http.Header, rawBody []byte, now time.Time) error {
	tsValue := headers.Get(a.timestampHeader)
	if tsValue == "" {
		return fmt.Errorf("%w: missing %s header", domain.ErrAuthRejected, a.timestampHeader)
	}
	unix, err := strconv.ParseInt(tsValue, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", domain.ErrAuthRejected)
	}
	ts := time.Unix(unix, 0)
	if drift := now.Sub(ts).Abs(); drift > a.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance window", domain.ErrAuthRejected)
	}

	signature := strings.TrimPrefix(headers.Get(a.signatureHeader), "sha256=")
	if signature == "" {
		return fmt.Errorf("%w: missing %s header", domain.ErrAuthRejected, a.signatureHeader)
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(tsValue))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) != 1 {
		return fmt.Errorf("%w: signature mismatch", domain.ErrAuthRejected)
	}
	return nil
}
