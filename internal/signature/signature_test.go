package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	payload := []byte(`{"id":"evt-1","type":"order.created","data":{"order_id":"42"},"created":1700000000}`)
	secret := []byte("whsec_test-secret")

	sig, ts := Sign(payload, secret)

	require.True(t, len(sig) > len(Prefix))
	assert.Equal(t, Prefix, sig[:3])
	assert.True(t, Verify(payload, sig, ts, secret, DefaultMaxSkew))
}

func TestVerify_TamperedPayload(t *testing.T) {
	payload := []byte(`{"amount":100}`)
	secret := []byte("secret")

	sig, ts := Sign(payload, secret)

	tampered := make([]byte, len(payload))
	copy(tampered, payload)
	tampered[10] ^= 0x01

	assert.False(t, Verify(tampered, sig, ts, secret, DefaultMaxSkew))
}

func TestVerify_TamperedSignature(t *testing.T) {
	payload := []byte(`{"amount":100}`)
	secret := []byte("secret")

	sig, ts := Sign(payload, secret)

	flipped := []byte(sig)
	last := len(flipped) - 1
	if flipped[last] == 'a' {
		flipped[last] = 'b'
	} else {
		flipped[last] = 'a'
	}

	assert.False(t, Verify(payload, string(flipped), ts, secret, DefaultMaxSkew))
}

func TestVerify_StaleTimestamp(t *testing.T) {
	payload := []byte(`{"replayed":true}`)
	secret := []byte("secret")

	stale := time.Now().Unix() - 301
	sig := SignAt(payload, secret, stale)

	// Signature itself is valid, but it falls outside the replay window.
	assert.False(t, Verify(payload, sig, stale, secret, DefaultMaxSkew))
}

func TestVerify_FutureTimestamp(t *testing.T) {
	payload := []byte(`{}`)
	secret := []byte("secret")

	future := time.Now().Unix() + 301
	sig := SignAt(payload, secret, future)

	assert.False(t, Verify(payload, sig, future, secret, DefaultMaxSkew))
}

func TestVerify_WithinWindow(t *testing.T) {
	payload := []byte(`{}`)
	secret := []byte("secret")

	ts := time.Now().Unix() - 250
	sig := SignAt(payload, secret, ts)

	assert.True(t, Verify(payload, sig, ts, secret, DefaultMaxSkew))
}

func TestVerify_WrongSecret(t *testing.T) {
	payload := []byte(`{"a":1}`)

	sig, ts := Sign(payload, []byte("secret-1"))

	assert.False(t, Verify(payload, sig, ts, []byte("secret-2"), DefaultMaxSkew))
}

func TestVerify_MalformedSignature(t *testing.T) {
	payload := []byte(`{"a":1}`)
	secret := []byte("secret")
	_, ts := Sign(payload, secret)

	for _, sig := range []string{"", "v1=", "garbage", "v1=zz", "sha256=deadbeef"} {
		assert.False(t, Verify(payload, sig, ts, secret, DefaultMaxSkew), "sig=%q", sig)
	}
}

func TestSignAt_Deterministic(t *testing.T) {
	payload := []byte(`{"event":"test"}`)
	secret := []byte("test-secret")

	assert.Equal(t, SignAt(payload, secret, 1700000000), SignAt(payload, secret, 1700000000))
	assert.NotEqual(t, SignAt(payload, secret, 1700000000), SignAt(payload, secret, 1700000001))
}
