package socketnode

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/ringfabric/internal/msglog"
	"github.com/adred-codev/ringfabric/internal/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestReconcileOnce_EvictsSessionSupersededByAnotherNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()
	a := New(testConfig("A"), log, store, zerolog.Nop())

	sess, err := a.Attach(ctx, "r1", "")
	require.NoError(t, err)

	require.NoError(t, store.PutAttachment(ctx, "r1", "B", time.Minute))

	a.reconcileOnce(ctx)

	select {
	case fc := <-sess.CloseSignal():
		require.Equal(t, "superseded", fc.Reason)
		require.NotEmpty(t, fc.ResumeToken)
	case <-time.After(time.Second):
		t.Fatal("expected superseded session to be force-closed")
	}

	a.mu.RLock()
	_, stillAttached := a.sessions["r1"]
	a.mu.RUnlock()
	require.False(t, stillAttached)
}

func TestReconcileOnce_LeavesOwnedSessionAttached(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()
	a := New(testConfig("A"), log, store, zerolog.Nop())

	sess, err := a.Attach(ctx, "r1", "")
	require.NoError(t, err)

	a.reconcileOnce(ctx)

	select {
	case <-sess.CloseSignal():
		t.Fatal("owned session should not be force-closed")
	default:
	}

	a.mu.RLock()
	_, stillAttached := a.sessions["r1"]
	a.mu.RUnlock()
	require.True(t, stillAttached)
}
