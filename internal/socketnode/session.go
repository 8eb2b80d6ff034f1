package socketnode

import (
	"sync"

	"github.com/adred-codev/ringfabric/internal/envelope"
	"github.com/adred-codev/ringfabric/internal/metrics"
)

// ForceClose carries the reason and fresh ResumeToken issued when the node
// unilaterally disconnects a session (drain, or eviction after another node
// won the recipient's attachment). The owning transport layer
// reads CloseSignal() and forwards this to the client before closing the
// physical connection.
type ForceClose struct {
	ResumeToken string
	Reason      string
}

// Session is a handle to one attached recipient on this node. The transport
// layer (out of scope here) reads Outbound() for envelopes to deliver and
// CloseSignal() for node-initiated disconnects.
type Session struct {
	recipientID string

	mu       sync.Mutex
	outbound chan envelope.Envelope
	closeCh  chan ForceClose
	closed   bool
}

func newSession(recipientID string, queueDepth int) *Session {
	return &Session{
		recipientID: recipientID,
		outbound:    make(chan envelope.Envelope, queueDepth),
		closeCh:     make(chan ForceClose, 1),
	}
}

// RecipientID returns the recipient this session is attached for.
func (s *Session) RecipientID() string { return s.recipientID }

// Outbound is the channel the transport layer drains to deliver envelopes to
// the client, in the order they were enqueued.
func (s *Session) Outbound() <-chan envelope.Envelope { return s.outbound }

// CloseSignal fires at most once, when the node force-closes this session
// (drain or superseded attachment). The transport layer should send the attached ResumeToken to the
// client and then close the physical connection.
func (s *Session) CloseSignal() <-chan ForceClose { return s.closeCh }

// deliver enqueues env for the client, dropping the oldest queued envelope
// if the bounded outbound queue is full.
func (s *Session) deliver(env envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.outbound <- env:
			metrics.OutboundQueueDepth.Inc()
			return
		default:
		}
		select {
		case <-s.outbound:
			metrics.OutboundQueueDepth.Dec()
			metrics.Drops.WithLabelValues("buffer_full").Inc()
		default:
			return
		}
	}
}

// discardOutbound drains and closes the outbound channel on detach so the
// transport loop sees it close rather than blocking forever.
func (s *Session) discardOutbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbound)
	for range s.outbound {
		metrics.OutboundQueueDepth.Dec()
	}
}

// forceClose signals the transport layer to disconnect the client, handing
// it the resume token to pass along.
func (s *Session) forceClose(fc ForceClose) {
	select {
	case s.closeCh <- fc:
	default:
	}
}
