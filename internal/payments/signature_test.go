package payments

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"id":"evt_1","type":"charge.refunded"}`)
	header := Sign("whsec", body, now)

	assert.NoError(t, VerifySignature(body, header, "whsec", DefaultTolerance, now.Add(10*time.Second)))
	assert.ErrorIs(t, VerifySignature(body, header, "other", DefaultTolerance, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature([]byte(`{}`), header, "whsec", DefaultTolerance, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(body, header, "whsec", DefaultTolerance, now.Add(301*time.Second)), ErrSignatureExpired)
	assert.ErrorIs(t, VerifySignature(body, "", "whsec", DefaultTolerance, now), ErrMissingSignature)
	assert.ErrorIs(t, VerifySignature(body, "v1=abc", "whsec", DefaultTolerance, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(body, "t=nope,v1=abc", "whsec", DefaultTolerance, now), ErrInvalidSignature)
}

func TestVerifySignatureAcceptsAnyV1(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte("payload")
	good := Sign("whsec", body, now)
	header := fmt.Sprintf("t=%d,v1=deadbeef,%s", now.Unix(), good[len(fmt.Sprintf("t=%d,", now.Unix())):])
	assert.NoError(t, VerifySignature(body, header, "whsec", DefaultTolerance, now))
}

func TestSignatureRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.StringMatching(`[a-z0-9]{1,32}`).Draw(t, "secret")
		body := rapid.SliceOf(rapid.Byte()).Draw(t, "body")
		skew := rapid.IntRange(-300, 300).Draw(t, "skew")
		at := time.Unix(1_700_000_000, 0)
		header := Sign(secret, body, at)
		if err := VerifySignature(body, header, secret, DefaultTolerance, at.Add(time.Duration(skew)*time.Second)); err != nil {
			t.Fatalf("verify: %v", err)
		}
		tampered := append(append([]byte(nil), body...), 'x')
		if err := VerifySignature(tampered, header, secret, DefaultTolerance, at); err == nil {
			t.Fatalf("tampered body verified")
		}
	})
}
