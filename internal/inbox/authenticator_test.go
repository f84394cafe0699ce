package inbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanlabs/conveyor/internal/domain"
)

func signRequest(t *testing.T, secret []byte, ts time.Time, body []byte) http.Header {
	t.Helper()

	tsValue := fmt.Sprintf("%d", ts.Unix())
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tsValue))
	mac.Write([]byte("."))
	mac.Write(body)

	headers := http.Header{}
	headers.Set("X-Timestamp", tsValue)
	headers.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	return headers
}

func TestHMACAuthenticator_ValidSignature(t *testing.T) {
	secret := []byte("whsec_test")
	auth, err := NewHMACAuthenticator(secret)
	require.NoError(t, err)

	now := time.Now()
	body := []byte(`{"event":"ping"}`)
	headers := signRequest(t, secret, now, body)

	assert.NoError(t, auth.Verify(headers, body, now))
}

func TestHMACAuthenticator_SignaturePrefixAccepted(t *testing.T) {
	secret := []byte("whsec_test")
	auth, err := NewHMACAuthenticator(secret)
	require.NoError(t, err)

	now := time.Now()
	body := []byte(`{"event":"ping"}`)
	headers := signRequest(t, secret, now, body)
	headers.Set("X-Signature", "sha256="+headers.Get("X-Signature"))

	assert.NoError(t, auth.Verify(headers, body, now))
}

func TestHMACAuthenticator_TamperedBodyRejected(t *testing.T) {
	secret := []byte("whsec_test")
	auth, err := NewHMACAuthenticator(secret)
	require.NoError(t, err)

	now := time.Now()
	headers := signRequest(t, secret, now, []byte(`{"amount":10}`))

	err = auth.Verify(headers, []byte(`{"amount":9999}`), now)
	assert.ErrorIs(t, err, domain.ErrAuthRejected)
}

func TestHMACAuthenticator_WrongSecretRejected(t *testing.T) {
	auth, err := NewHMACAuthenticator([]byte("right"))
	require.NoError(t, err)

	now := time.Now()
	body := []byte(`{}`)
	headers := signRequest(t, []byte("wrong"), now, body)

	assert.ErrorIs(t, auth.Verify(headers, body, now), domain.ErrAuthRejected)
}

func TestHMACAuthenticator_TimestampWindow(t *testing.T) {
	secret := []byte("whsec_test")
	auth, err := NewHMACAuthenticator(secret, WithTolerance(5*time.Minute))
	require.NoError(t, err)

	now := time.Now()
	body := []byte(`{}`)

	t.Run("stale timestamp rejected", func(t *testing.T) {
		headers := signRequest(t, secret, now.Add(-6*time.Minute), body)
		assert.ErrorIs(t, auth.Verify(headers, body, now), domain.ErrAuthRejected)
	})

	t.Run("future timestamp rejected", func(t *testing.T) {
		headers := signRequest(t, secret, now.Add(6*time.Minute), body)
		assert.ErrorIs(t, auth.Verify(headers, body, now), domain.ErrAuthRejected)
	})

	t.Run("inside window accepted", func(t *testing.T) {
		headers := signRequest(t, secret, now.Add(-4*time.Minute), body)
		assert.NoError(t, auth.Verify(headers, body, now))
	})
}

func TestHMACAuthenticator_MissingHeadersRejected(t *testing.T) {
	auth, err := NewHMACAuthenticator([]byte("whsec_test"))
	require.NoError(t, err)

	now := time.Now()
	body := []byte(`{}`)

	assert.ErrorIs(t, auth.Verify(http.Header{}, body, now), domain.ErrAuthRejected)

	headers := http.Header{}
	headers.Set("X-Timestamp", fmt.Sprintf("%d", now.Unix()))
	assert.ErrorIs(t, auth.Verify(headers, body, now), domain.ErrAuthRejected)

	headers.Set("X-Timestamp", "not-a-number")
	assert.ErrorIs(t, auth.Verify(headers, body, now), domain.ErrAuthRejected)
}

func TestNewHMACAuthenticator_RequiresSecret(t *testing.T) {
	_, err := NewHMACAuthenticator(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
