// Package signature implements HMAC-SHA256 webhook payload signing with a
// timestamp-window replay guard.
//
// The signed base string is "{timestamp}.{payload}" and the signature header
// value is "v1=" followed by the hex digest, so receivers can verify both
// payload integrity and freshness from the same header pair.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// Prefix identifies the signature scheme version.
const Prefix = "v1="

// DefaultMaxSkew is the allowed clock drift between signer and verifier.
const DefaultMaxSkew = 300 * time.Second

// Sign computes the signature for payload at the current time.
func Sign(payload, secret []byte) (sig string, timestamp int64) {
	timestamp = time.Now().Unix()
	return SignAt(payload, secret, timestamp), timestamp
}

// SignAt computes the signature for payload at an explicit timestamp.
func SignAt(payload, secret []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against payload and secret. It returns false if
// the timestamp is outside maxSkew of the current time, or if the signature
// does not match. Comparison is constant-time. It never panics on malformed
// input; any mismatch in length or content is simply false.
func Verify(payload []byte, sig string, timestamp int64, secret []byte, maxSkew time.Duration) bool {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}

	now := time.Now().Unix()
	skew := now - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(maxSkew.Seconds()) {
		return false
	}

	expected := SignAt(payload, secret, timestamp)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}
