package socketnode

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/ringfabric/internal/envelope"
	"github.com/adred-codev/ringfabric/internal/msglog"
	"github.com/adred-codev/ringfabric/internal/ring"
	"github.com/adred-codev/ringfabric/internal/session"
	"github.com/adred-codev/ringfabric/internal/tokens"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig(nodeID string) Config {
	return Config{
		NodeID:            nodeID,
		ClusterSecret:     []byte("test-secret"),
		PerConnQueue:      8,
		HandshakeRPS:      1000,
		HandshakeBurst:    1000,
		BufferCapacity:    32,
		BufferTTL:         time.Minute,
		AttachmentTTL:     time.Minute,
		TokenTTL:          time.Minute,
		DrainStep:         10 * time.Millisecond,
		DrainBatch:        10,
		DrainMax:          time.Second,
		PublishMaxBackoff: 200 * time.Millisecond,
	}
}

func singleNodeRing(t *testing.T, nodeID string, version uint64) *ring.Ring {
	t.Helper()
	r, err := ring.New([]ring.NodeDescriptor{{NodeID: nodeID, Weight: 100}}, version)
	require.NoError(t, err)
	return r
}

func TestAttachThenSendSameNode_DeliversToRecipient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()

	a := New(testConfig("A"), log, store, zerolog.Nop())
	a.ApplyRing(singleNodeRing(t, "A", 1))

	go a.consumeOwnTopic(ctx)

	r1, err := a.Attach(ctx, "r1", "")
	require.NoError(t, err)
	r2, err := a.Attach(ctx, "r2", "")
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, r1, envelope.Envelope{MsgID: "m1", To: "r2", Payload: []byte("hi")}))

	select {
	case got := <-r2.Outbound():
		require.Equal(t, "m1", got.MsgID)
		require.Equal(t, []byte("hi"), got.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSend_AssignsMsgIDWhenAbsent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()

	a := New(testConfig("A"), log, store, zerolog.Nop())
	a.ApplyRing(singleNodeRing(t, "A", 1))
	go a.consumeOwnTopic(ctx)

	sender, err := a.Attach(ctx, "r1", "")
	require.NoError(t, err)
	recv, err := a.Attach(ctx, "r2", "")
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, sender, envelope.Envelope{To: "r2"}))

	select {
	case got := <-recv.Outbound():
		require.NotEmpty(t, got.MsgID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestHandleInbound_DuplicateMsgIDDeliveredOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()

	a := New(testConfig("A"), log, store, zerolog.Nop())
	a.ApplyRing(singleNodeRing(t, "A", 1))

	recv, err := a.Attach(ctx, "r2", "")
	require.NoError(t, err)

	env := envelope.Envelope{MsgID: "dup-1", To: "r2", Payload: []byte("x")}
	data, err := env.Marshal()
	require.NoError(t, err)

	a.handleInbound(ctx, msglog.Record{Key: "r2", Value: data})
	a.handleInbound(ctx, msglog.Record{Key: "r2", Value: data})

	require.Len(t, recv.outbound, 1)
}

func TestAttach_UnattachedRecipientBuffersForReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()

	a := New(testConfig("A"), log, store, zerolog.Nop())
	a.ApplyRing(singleNodeRing(t, "A", 1))

	env := envelope.Envelope{MsgID: "m1", To: "r9", Payload: []byte("hello")}
	data, err := env.Marshal()
	require.NoError(t, err)

	a.handleInbound(ctx, msglog.Record{Key: "r9", Value: data})

	token := tokens.Issue(a.cfg.ClusterSecret, "r9", 0, time.Now())
	recv, err := a.Attach(ctx, "r9", token)
	require.NoError(t, err)

	select {
	case got := <-recv.Outbound():
		require.Equal(t, "m1", got.MsgID)
	default:
		t.Fatal("expected buffered envelope to be delivered on attach")
	}
}

func TestAttach_RejectsWhileDraining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()

	a := New(testConfig("A"), log, store, zerolog.Nop())
	a.setState(StateDraining)

	_, err := a.Attach(ctx, "r1", "")
	require.ErrorIs(t, err, ErrDraining)
}

func TestAttach_RejectsOverHandshakeRate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig("A")
	cfg.HandshakeRPS = 0
	cfg.HandshakeBurst = 1

	log := msglog.NewMemLog()
	store := session.NewMemStore()
	a := New(cfg, log, store, zerolog.Nop())

	_, err := a.Attach(ctx, "r1", "")
	require.NoError(t, err)

	_, err = a.Attach(ctx, "r2", "")
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestClose_IssuesResumeTokenValidForRecipient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()
	a := New(testConfig("A"), log, store, zerolog.Nop())

	sess, err := a.Attach(ctx, "r1", "")
	require.NoError(t, err)

	token, reason := a.Close(ctx, sess)
	require.Equal(t, "client", reason)
	require.NotEmpty(t, token)

	_, err = tokens.Validate(a.cfg.ClusterSecret, token, "r1", a.cfg.TokenTTL, time.Now())
	require.NoError(t, err)

	a2, err := a.Attach(ctx, "r1", token)
	_ = a2
	require.NoError(t, err)
}

func TestHandleControl_IgnoresStaleRingVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()
	a := New(testConfig("A"), log, store, zerolog.Nop())

	a.ApplyRing(singleNodeRing(t, "A", 5))

	msg := envelope.ControlMessage{
		Kind:       envelope.ControlKindRingUpdate,
		RingUpdate: &envelope.RingUpdate{Version: 3, Weights: map[string]int{"A": 100, "B": 100}},
	}
	data, err := msg.Marshal()
	require.NoError(t, err)

	a.handleControl(ctx, msglog.Record{Value: data})

	require.Equal(t, uint64(5), a.CurrentRing().Version())
}

func TestHandleControl_DrainDirectiveForThisNodeTransitionsState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()
	a := New(testConfig("A"), log, store, zerolog.Nop())

	msg := envelope.ControlMessage{
		Kind:           envelope.ControlKindDrainDirective,
		DrainDirective: &envelope.DrainDirective{NodeID: "A", Deadline: time.Now().Add(time.Minute).UnixMilli()},
	}
	data, err := msg.Marshal()
	require.NoError(t, err)

	a.handleControl(ctx, msglog.Record{Value: data})

	require.Equal(t, StateDraining, a.State())
}

func TestHandleControl_DrainDirectiveForOtherNodeIsIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()
	a := New(testConfig("A"), log, store, zerolog.Nop())
	a.MarkReady()

	msg := envelope.ControlMessage{
		Kind:           envelope.ControlKindDrainDirective,
		DrainDirective: &envelope.DrainDirective{NodeID: "B", Deadline: time.Now().Add(time.Minute).UnixMilli()},
	}
	data, err := msg.Marshal()
	require.NoError(t, err)

	a.handleControl(ctx, msglog.Record{Value: data})

	require.Equal(t, StateReady, a.State())
}

func TestBeginDrain_ForceClosesAllSessionsWithResumeTokens(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := msglog.NewMemLog()
	store := session.NewMemStore()
	cfg := testConfig("A")
	cfg.DrainBatch = 1
	cfg.DrainStep = 5 * time.Millisecond
	cfg.DrainMax = 2 * time.Second
	a := New(cfg, log, store, zerolog.Nop())

	s1, err := a.Attach(ctx, "r1", "")
	require.NoError(t, err)
	s2, err := a.Attach(ctx, "r2", "")
	require.NoError(t, err)

	a.BeginDrain(ctx, time.Now().Add(time.Second))

	for _, s := range []*Session{s1, s2} {
		select {
		case fc := <-s.CloseSignal():
			require.Equal(t, "drain", fc.Reason)
			require.NotEmpty(t, fc.ResumeToken)
		case <-time.After(2 * time.Second):
			t.Fatalf("session %s was never force-closed", s.RecipientID())
		}
	}
}
