// Package session defines the Session Store (C2) consumer contract and a
// NATS JetStream KV-backed implementation, modeled on the NATS client usage
// in go-server/pkg/nats/client.go.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/adred-codev/ringfabric/internal/envelope"
)

// ErrSuperseded marks a session evicted because a concurrent attach won the
// race for a recipient's attachment (last-writer-wins). No Store method
// returns it; the socket node's reconciliation loop logs it on eviction.
var ErrSuperseded = errors.New("session: attachment superseded")

// ErrNotFound is returned when no attachment/offset exists for a recipient.
var ErrNotFound = errors.New("session: not found")

// Store is the operation set the core invokes on the external session store.
// Implementations must make AppendBuffer/ReadBufferFrom/CurrentOffset
// consistent with each other for a given recipient.
type Store interface {
	// PutAttachment records that recipientID is attached to nodeID with a
	// server-side expiry of ttl. Concurrent attaches for the same recipient
	// resolve last-writer-wins; PutAttachment itself always succeeds for its
	// caller, but a losing writer learns about it via GetAttachment returning
	// a different NodeID on its next call.
	PutAttachment(ctx context.Context, recipientID, nodeID string, ttl time.Duration) error

	// GetAttachment returns the NodeID currently attached to recipientID, or
	// ErrNotFound if none.
	GetAttachment(ctx context.Context, recipientID string) (string, error)

	// DelAttachment conditionally deletes the attachment only if it is
	// currently set to ifNodeID; used on detach so a stale detach from a
	// superseded session cannot clobber a newer attachment.
	DelAttachment(ctx context.Context, recipientID, ifNodeID string) error

	// AppendBuffer appends env to recipientID's replay buffer, trimming to
	// cap entries (oldest dropped) and refreshing the buffer's TTL, and
	// returns the offset assigned to env (the offset the *next* append will
	// use is AppendBuffer's return value + 1).
	AppendBuffer(ctx context.Context, recipientID string, env envelope.Envelope, cap int, ttl time.Duration) (uint64, error)

	// ReadBufferFrom returns buffered envelopes for recipientID with offset
	// greater than or equal to `from`, in order, so reading from a
	// CurrentOffset value returns exactly what was appended after it.
	ReadBufferFrom(ctx context.Context, recipientID string, from uint64) ([]BufferedEnvelope, error)

	// CurrentOffset returns the next offset to be assigned for recipientID,
	// or ErrNotFound if the recipient has never buffered anything.
	CurrentOffset(ctx context.Context, recipientID string) (uint64, error)
}

// BufferedEnvelope pairs an Envelope with the offset it was stored at.
type BufferedEnvelope struct {
	Offset   uint64
	Envelope envelope.Envelope
}
