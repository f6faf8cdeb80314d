package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

var (
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrStaleTimestamp = errors.New("webhook timestamp outside freshness window")
)

// Sign computes the delivery signature the gateway attaches to inbound
// replies: hex HMAC-SHA256 of the timestamp concatenated with the raw
// body, keyed by the shared API key.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature authenticates an inbound delivery before any state
// is touched. The timestamp is unix seconds; deliveries outside the
// window are rejected as replays regardless of signature validity.
func VerifySignature(secret, timestamp string, payload []byte, signature string, window time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > window || age < -window {
		return ErrStaleTimestamp
	}

	expected := Sign(secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
