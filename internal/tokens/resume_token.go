// Package tokens implements the ResumeToken: an HMAC-authenticated offset a
// client presents on reconnect to resume delivery from the replay buffer.
package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned for tokens that don't parse.
	ErrMalformed = errors.New("tokens: malformed resume token")
	// ErrBadSignature is returned when the HMAC does not match.
	ErrBadSignature = errors.New("tokens: bad signature")
	// ErrExpired is returned when the token's age exceeds the validity window.
	ErrExpired = errors.New("tokens: expired")
	// ErrRecipientMismatch is returned when the token names a different recipient.
	ErrRecipientMismatch = errors.New("tokens: recipient mismatch")
)

// Token is the parsed, validated content of a ResumeToken.
type Token struct {
	RecipientID string
	Offset      uint64
	IssuedAtMs  int64
}

// Issue produces the wire form:
//
//	base64(recipient_id "|" offset "|" issued_at_ms "|" hmac_sha256(secret, recipient_id "|" offset "|" issued_at_ms))
func Issue(secret []byte, recipientID string, offset uint64, issuedAt time.Time) string {
	issuedAtMs := issuedAt.UnixMilli()
	payload := signingPayload(recipientID, offset, issuedAtMs)
	mac := hmacOf(secret, payload)
	raw := fmt.Sprintf("%s|%s", payload, mac)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// Validate parses and authenticates a ResumeToken, rejecting it if the HMAC
// does not match, if it names a different recipient, or if it is older than
// ttl.
func Validate(secret []byte, wire string, expectedRecipient string, ttl time.Duration, now time.Time) (Token, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return Token{}, ErrMalformed
	}
	parts := strings.SplitN(string(raw), "|", 4)
	if len(parts) != 4 {
		return Token{}, ErrMalformed
	}
	recipientID, offsetStr, issuedAtStr, mac := parts[0], parts[1], parts[2], parts[3]

	offset, err := strconv.ParseUint(offsetStr, 10, 64)
	if err != nil {
		return Token{}, ErrMalformed
	}
	issuedAtMs, err := strconv.ParseInt(issuedAtStr, 10, 64)
	if err != nil {
		return Token{}, ErrMalformed
	}

	payload := signingPayload(recipientID, offset, issuedAtMs)
	expectedMAC := hmacOf(secret, payload)
	if subtle.ConstantTimeCompare([]byte(mac), []byte(expectedMAC)) != 1 {
		return Token{}, ErrBadSignature
	}

	if recipientID != expectedRecipient {
		return Token{}, ErrRecipientMismatch
	}

	age := now.Sub(time.UnixMilli(issuedAtMs))
	if age > ttl {
		return Token{}, ErrExpired
	}

	return Token{RecipientID: recipientID, Offset: offset, IssuedAtMs: issuedAtMs}, nil
}

func signingPayload(recipientID string, offset uint64, issuedAtMs int64) string {
	return fmt.Sprintf("%s|%d|%d", recipientID, offset, issuedAtMs)
}

func hmacOf(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
