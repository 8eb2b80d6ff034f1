// Package socketnode implements the Socket Node (C4): the process that
// terminates client connections, publishes outbound envelopes to the
// message log, consumes its own delivery topic, buffers per-recipient, and
// honors drain. Framing of the actual client transport (HTTP/WebSocket) is
// out of scope; this package exposes Attach/Send/Close as a plain Go API
// that an httpapi transport layer wraps.
package socketnode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ringfabric/internal/envelope"
	"github.com/adred-codev/ringfabric/internal/logging"
	"github.com/adred-codev/ringfabric/internal/metrics"
	"github.com/adred-codev/ringfabric/internal/msglog"
	"github.com/adred-codev/ringfabric/internal/ring"
	"github.com/adred-codev/ringfabric/internal/session"
	"github.com/adred-codev/ringfabric/internal/tokens"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// State is one point in the node's lifecycle.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrDraining      = errors.New("socketnode: node is draining, no new attaches accepted")
	ErrRateLimited   = errors.New("socketnode: handshake rate exceeded")
	ErrUnknownSession = errors.New("socketnode: unknown session handle")
)

// Config holds the tunables relevant to one socket node.
type Config struct {
	NodeID         string
	ClusterSecret  []byte
	PerConnQueue   int
	HandshakeRPS   float64
	HandshakeBurst int
	BufferCapacity int
	BufferTTL      time.Duration
	AttachmentTTL  time.Duration
	TokenTTL       time.Duration
	DrainStep      time.Duration
	DrainBatch     int
	DrainMax       time.Duration
	PublishMaxBackoff time.Duration
	ReconcileInterval time.Duration
}

// Node is one C4 socket node.
type Node struct {
	cfg    Config
	logger zerolog.Logger

	log   msglog.Log
	store session.Store

	ring atomic.Pointer[ring.Ring]

	state atomic.Int32

	handshakeLimiter *rate.Limiter
	dedup            *dedupTracker

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by recipientID; one attached session per recipient on this node

	drainDeadline atomic.Int64 // unix millis, 0 if not draining
}

// New constructs a Node. The caller must call Run to start its goroutines.
func New(cfg Config, log msglog.Log, store session.Store, logger zerolog.Logger) *Node {
	n := &Node{
		cfg:              cfg,
		logger:           logger.With().Str("component", "socket_node").Str("node_id", cfg.NodeID).Logger(),
		log:              log,
		store:            store,
		handshakeLimiter: rate.NewLimiter(rate.Limit(cfg.HandshakeRPS), cfg.HandshakeBurst),
		dedup:            newDedupTracker(cfg.BufferCapacity, cfg.BufferTTL),
		sessions:         make(map[string]*Session),
	}
	n.state.Store(int32(StateStarting))
	return n
}

// ApplyRing atomically swaps the local ring snapshot, applying only if the
// incoming version is not lower than current. Equal versions are a no-op.
func (n *Node) ApplyRing(next *ring.Ring) {
	for {
		cur := n.ring.Load()
		if cur != nil && next.Version() <= cur.Version() {
			return
		}
		if n.ring.CompareAndSwap(cur, next) {
			metrics.RingVersion.Set(float64(next.Version()))
			return
		}
	}
}

// CurrentRing returns the node's local ring snapshot (may be nil before the
// first RingUpdate is applied), the same snapshot Send routes by.
func (n *Node) CurrentRing() *ring.Ring { return n.ring.Load() }

// State returns the node's current lifecycle state.
func (n *Node) State() State { return State(n.state.Load()) }

// setState transitions the node's state, logging the change.
func (n *Node) setState(s State) {
	prev := State(n.state.Swap(int32(s)))
	if prev != s {
		n.logger.Info().Str("from", prev.String()).Str("to", s.String()).Msg("state transition")
	}
}

// MarkReady sets the node's state to READY. It does not itself check that
// the own-topic subscription or a ring snapshot is in place.
func (n *Node) MarkReady() { n.setState(StateReady) }

// Run starts the node's background goroutines: own-topic consumption,
// control-topic consumption, and heartbeat publication. It blocks until ctx
// is canceled, then waits for those goroutines to return, marks the node
// STOPPED and returns. Records not yet consumed are left in the log.
func (n *Node) Run(ctx context.Context, heartbeatInterval time.Duration, heartbeatFn func(ctx context.Context) error) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.consumeOwnTopic(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.consumeControlTopic(ctx)
	}()

	if heartbeatFn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.runHeartbeat(ctx, heartbeatInterval, heartbeatFn)
		}()
	}

	if n.cfg.ReconcileInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.runReconcile(ctx, n.cfg.ReconcileInterval)
		}()
	}

	wg.Wait()
	n.setState(StateStopped)
}

func (n *Node) runHeartbeat(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) {
	defer logging.RecoverPanic(n.logger, "heartbeat", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				n.logger.Warn().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

// consumeOwnTopic handles every envelope on this node's delivery topic:
// append to the local session's outbound queue if attached here, else append
// to the replay buffer.
func (n *Node) consumeOwnTopic(ctx context.Context) {
	defer logging.RecoverPanic(n.logger, "own_topic_consumer", nil)

	records, err := n.log.Subscribe(ctx, msglog.DeliveryTopicFor(n.cfg.NodeID), "node-"+n.cfg.NodeID)
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to subscribe to own delivery topic; refusing to reach READY")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			n.handleInbound(ctx, rec)
		}
	}
}

func (n *Node) handleInbound(ctx context.Context, rec msglog.Record) {
	env, err := envelope.Unmarshal(rec.Value)
	if err != nil {
		n.logger.Warn().Err(err).Msg("dropping unparseable envelope")
		_ = rec.Ack()
		return
	}

	if env.MsgID != "" && n.dedup.SeenRecently(env.To, env.MsgID, time.Now()) {
		_ = rec.Ack()
		return
	}

	n.mu.RLock()
	sess, attached := n.sessions[env.To]
	n.mu.RUnlock()

	if attached {
		sess.deliver(env)
		metrics.Deliveries.Inc()
		_ = rec.Ack()
		return
	}

	// Not attached here right now: this is the window where the recipient is
	// owned by this node but momentarily disconnected. Buffer for resume.
	if _, err := n.store.AppendBuffer(ctx, env.To, env, n.cfg.BufferCapacity, n.cfg.BufferTTL); err != nil {
		n.logger.Warn().Err(err).Str("to", env.To).Msg("failed to append replay buffer")
	}
	_ = rec.Ack()
}

// consumeControlTopic applies RingUpdates and reacts to DrainDirectives
// addressed to this node.
func (n *Node) consumeControlTopic(ctx context.Context) {
	defer logging.RecoverPanic(n.logger, "control_topic_consumer", nil)

	records, err := n.log.Subscribe(ctx, msglog.ControlTopic, "node-"+n.cfg.NodeID+"-control")
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to subscribe to control topic")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			n.handleControl(ctx, rec)
		}
	}
}

func (n *Node) handleControl(ctx context.Context, rec msglog.Record) {
	defer func() { _ = rec.Ack() }()

	msg, err := envelope.UnmarshalControl(rec.Value)
	if err != nil {
		n.logger.Warn().Err(err).Msg("dropping unparseable control message")
		return
	}

	switch msg.Kind {
	case envelope.ControlKindRingUpdate:
		if msg.RingUpdate == nil {
			return
		}
		nodes := make([]ring.NodeDescriptor, 0, len(msg.RingUpdate.Weights))
		for id, w := range msg.RingUpdate.Weights {
			nodes = append(nodes, ring.NodeDescriptor{NodeID: id, Weight: w})
		}
		newRing, err := ring.New(nodes, msg.RingUpdate.Version)
		if err != nil {
			n.logger.Warn().Err(err).Msg("invalid ring update, ignoring")
			return
		}
		if cur := n.ring.Load(); cur != nil && newRing.Version() < cur.Version() {
			n.logger.Warn().Uint64("incoming", newRing.Version()).Uint64("current", cur.Version()).Msg("ignoring stale ring version")
			return
		}
		n.ApplyRing(newRing)

	case envelope.ControlKindDrainDirective:
		if msg.DrainDirective != nil && msg.DrainDirective.NodeID == n.cfg.NodeID {
			n.BeginDrain(ctx, time.UnixMilli(msg.DrainDirective.Deadline))
		}
	}
}

// Attach admits a connection for recipientID. If a valid ResumeToken is
// presented, buffered envelopes with offset >= token.Offset (the next offset
// that was still unassigned when the token was issued) are delivered first,
// in order; otherwise delivery starts with an empty backlog.
func (n *Node) Attach(ctx context.Context, recipientID string, resumeToken string) (*Session, error) {
	if n.State() == StateDraining || n.State() == StateStopped {
		return nil, ErrDraining
	}
	if !n.handshakeLimiter.Allow() {
		metrics.AttachRejected.Inc()
		return nil, ErrRateLimited
	}

	var startOffset uint64
	tokenValid := false
	if resumeToken != "" {
		tok, err := tokens.Validate(n.cfg.ClusterSecret, resumeToken, recipientID, n.cfg.TokenTTL, time.Now())
		if err == nil {
			startOffset = tok.Offset
			tokenValid = true
		}
		// Invalid token (bad HMAC, stale, mismatched recipient): reject the
		// token but still let the attach succeed with an empty backlog
		// rather than rejecting the connection.
	}

	sess := newSession(recipientID, n.cfg.PerConnQueue)

	n.mu.Lock()
	n.sessions[recipientID] = sess
	n.mu.Unlock()
	metrics.AttachedSessions.Inc()

	if err := n.store.PutAttachment(ctx, recipientID, n.cfg.NodeID, n.cfg.AttachmentTTL); err != nil {
		n.logger.Warn().Err(err).Str("recipient_id", recipientID).Msg("failed to record attachment")
	}

	if tokenValid {
		backlog, err := n.store.ReadBufferFrom(ctx, recipientID, startOffset)
		if err != nil {
			n.logger.Warn().Err(err).Str("recipient_id", recipientID).Msg("failed to read replay buffer")
		}
		for _, be := range backlog {
			sess.deliver(be.Envelope)
		}
	}

	return sess, nil
}

// Send publishes env to its recipient's current ring owner. The node is the
// authoritative timestamper; MsgID is assigned if absent.
func (n *Node) Send(ctx context.Context, from *Session, env envelope.Envelope) error {
	if env.MsgID == "" {
		env.MsgID = newMsgID()
	}
	env.From = from.recipientID
	env.TS = time.Now().UnixMilli()
	if env.Hop == "" {
		env.Hop = envelope.HopDirect
	}

	r := n.ring.Load()
	if r == nil {
		return ring.ErrNoNodes
	}
	target, err := r.Select(env.To)
	if err != nil {
		return err
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	return n.publishWithBackoff(ctx, msglog.DeliveryTopicFor(target), env.To, data)
}

func (n *Node) publishWithBackoff(ctx context.Context, topic, key string, data []byte) error {
	backoff := 50 * time.Millisecond
	deadline := time.Now().Add(n.cfg.PublishMaxBackoff)
	for {
		err := n.log.Publish(ctx, topic, key, data)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			metrics.Drops.WithLabelValues("publish_failed").Inc()
			n.logger.Warn().Err(err).Str("topic", topic).Msg("publish failed after max backoff, dropping envelope")
			return nil // at-least-once gives no stronger guarantee to the producer
		}
		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

// Close detaches a session. If the node is draining, the close reason is
// "drain" and a fresh ResumeToken is returned so the client can resume
// elsewhere.
func (n *Node) Close(ctx context.Context, sess *Session) (resumeToken string, reason string) {
	n.mu.Lock()
	delete(n.sessions, sess.recipientID)
	n.mu.Unlock()
	metrics.AttachedSessions.Dec()

	sess.discardOutbound()

	if err := n.store.DelAttachment(ctx, sess.recipientID, n.cfg.NodeID); err != nil {
		n.logger.Warn().Err(err).Str("recipient_id", sess.recipientID).Msg("failed to clear attachment on close")
	}

	reason = "client"
	if n.State() == StateDraining {
		reason = "drain"
	}

	offset, err := n.store.CurrentOffset(ctx, sess.recipientID)
	if err != nil {
		offset = 0
	}
	resumeToken = tokens.Issue(n.cfg.ClusterSecret, sess.recipientID, offset, time.Now())
	return resumeToken, reason
}
