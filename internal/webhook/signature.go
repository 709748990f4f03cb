// ABOUTME: HMAC-SHA256 authentication for inbound webhook requests
// ABOUTME: Signature covers timestamp and body; stale timestamps are rejected

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Header names carrying the request signature.
const (
	HeaderTimestamp = "X-Parley-Timestamp"
	HeaderSignature = "X-Parley-Signature"
)

// ErrBadSignature is returned for missing, stale or mismatched signatures.
var ErrBadSignature = errors.New("invalid webhook signature")

// Sign returns the hex signature for timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature. timestamp is RFC 3339 and must lie within
// maxSkew of now in either direction.
func Verify(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) error {
	if timestamp == "" || signature == "" {
		return errors.Join(ErrBadSignature, errors.New("missing signature headers"))
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return errors.Join(ErrBadSignature, errors.New("invalid timestamp"))
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return errors.Join(ErrBadSignature, errors.New("timestamp outside replay window"))
	}

	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return errors.Join(ErrBadSignature, errors.New("signature mismatch"))
	}
	return nil
}
