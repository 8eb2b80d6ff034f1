package session

import (
	"context"
	"testing"

	"github.com/adred-codev/ringfabric/internal/envelope"
	"github.com/stretchr/testify/require"
)

// TestAppendBuffer_TrimsToCapacityAndResumeReturnsRemainingInOrder confirms
// that once a buffer exceeds its capacity, reading from an offset before the
// trim point still returns only what's left, in order.
func TestAppendBuffer_TrimsToCapacityAndResumeReturnsRemainingInOrder(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	ids := []string{"m3", "m4", "m5", "m6"}
	for _, id := range ids {
		_, err := store.AppendBuffer(ctx, "r5", envelope.Envelope{MsgID: id, To: "r5"}, 3, 0)
		require.NoError(t, err)
	}

	entries, err := store.ReadBufferFrom(ctx, "r5", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "m4", entries[0].Envelope.MsgID)
	require.Equal(t, "m5", entries[1].Envelope.MsgID)
	require.Equal(t, "m6", entries[2].Envelope.MsgID)
}

func TestDelAttachment_ConditionalOnCurrentOwner(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.PutAttachment(ctx, "r1", "nodeA", 0))
	require.NoError(t, store.PutAttachment(ctx, "r1", "nodeB", 0)) // newer writer wins

	// Stale detach from the superseded nodeA must not remove nodeB's attachment.
	require.NoError(t, store.DelAttachment(ctx, "r1", "nodeA"))
	got, err := store.GetAttachment(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "nodeB", got)

	require.NoError(t, store.DelAttachment(ctx, "r1", "nodeB"))
	_, err = store.GetAttachment(ctx, "r1")
	require.ErrorIs(t, err, ErrNotFound)
}
