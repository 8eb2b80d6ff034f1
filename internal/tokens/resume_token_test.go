package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueValidateRoundTrip(t *testing.T) {
	secret := []byte("cluster-secret")
	now := time.Now()

	wire := Issue(secret, "r1", 42, now)
	tok, err := Validate(secret, wire, "r1", time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, "r1", tok.RecipientID)
	require.Equal(t, uint64(42), tok.Offset)
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	secret := []byte("s")
	issuedAt := time.Now()
	wire := Issue(secret, "r1", 1, issuedAt)

	ttl := time.Hour

	// Just inside the window.
	_, err := Validate(secret, wire, "r1", ttl, issuedAt.Add(ttl-time.Second))
	require.NoError(t, err)

	// Just outside the window.
	_, err = Validate(secret, wire, "r1", ttl, issuedAt.Add(ttl+time.Second))
	require.ErrorIs(t, err, ErrExpired)
}

func TestValidate_RejectsTamperedSignature(t *testing.T) {
	secret := []byte("s")
	wire := Issue(secret, "r1", 1, time.Now())
	_, err := Validate([]byte("other-secret"), wire, "r1", time.Hour, time.Now())
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestValidate_RejectsRecipientMismatch(t *testing.T) {
	secret := []byte("s")
	wire := Issue(secret, "r1", 1, time.Now())
	_, err := Validate(secret, wire, "r2", time.Hour, time.Now())
	require.ErrorIs(t, err, ErrRecipientMismatch)
}

func TestValidate_RejectsMalformed(t *testing.T) {
	_, err := Validate([]byte("s"), "not-base64!!", "r1", time.Hour, time.Now())
	require.ErrorIs(t, err, ErrMalformed)
}
