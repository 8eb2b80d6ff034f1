package socketnode

import (
	"context"
	"time"

	"github.com/adred-codev/ringfabric/internal/logging"
)

// BeginDrain transitions the node to DRAINING and starts disconnecting
// attached sessions in batches, each given a fresh ResumeToken so it can
// reattach elsewhere. New Attach calls are rejected for the remainder of the
// node's life once this is called.
func (n *Node) BeginDrain(ctx context.Context, deadline time.Time) {
	if State(n.state.Load()) == StateDraining || State(n.state.Load()) == StateStopped {
		return
	}
	n.setState(StateDraining)
	n.drainDeadline.Store(deadline.UnixMilli())
	go n.runDrain(ctx, deadline)
}

func (n *Node) runDrain(ctx context.Context, deadline time.Time) {
	defer logging.RecoverPanic(n.logger, "drain", nil)

	hardDeadline := deadline
	if capped := time.Now().Add(n.cfg.DrainMax); capped.Before(hardDeadline) {
		hardDeadline = capped
	}

	ticker := time.NewTicker(n.cfg.DrainStep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		moved := n.drainBatch(ctx)
		n.mu.RLock()
		remaining := len(n.sessions)
		n.mu.RUnlock()

		if remaining == 0 {
			n.logger.Info().Msg("drain complete, all sessions reattached elsewhere")
			return
		}
		if time.Now().After(hardDeadline) {
			n.logger.Warn().Int("remaining_sessions", remaining).Msg("drain deadline exceeded, sessions remain force-closed without graceful handoff")
			n.drainRemainder(ctx)
			return
		}
		_ = moved
	}
}

// drainBatch force-closes up to cfg.DrainBatch currently attached sessions
// and returns how many it closed.
func (n *Node) drainBatch(ctx context.Context) int {
	n.mu.RLock()
	victims := make([]*Session, 0, n.cfg.DrainBatch)
	for _, sess := range n.sessions {
		victims = append(victims, sess)
		if len(victims) >= n.cfg.DrainBatch {
			break
		}
	}
	n.mu.RUnlock()

	for _, sess := range victims {
		resumeToken, reason := n.Close(ctx, sess)
		sess.forceClose(ForceClose{ResumeToken: resumeToken, Reason: reason})
	}
	return len(victims)
}

// drainRemainder force-closes every remaining session in one final pass once
// the hard deadline has passed.
func (n *Node) drainRemainder(ctx context.Context) {
	for {
		n.mu.RLock()
		remaining := len(n.sessions)
		n.mu.RUnlock()
		if remaining == 0 {
			return
		}
		n.drainBatch(ctx)
	}
}
