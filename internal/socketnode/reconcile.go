package socketnode

import (
	"context"
	"errors"
	"time"

	"github.com/adred-codev/ringfabric/internal/logging"
	"github.com/adred-codev/ringfabric/internal/metrics"
	"github.com/adred-codev/ringfabric/internal/session"
	"github.com/adred-codev/ringfabric/internal/tokens"
)

// runReconcile periodically checks every locally attached session's
// attachment record in the store and evicts any that lost a concurrent
// PutAttachment race to another node. PutAttachment is last-writer-wins and
// always succeeds for its own caller, so a losing writer only finds out by
// reading the attachment back; without this loop it would keep serving a
// recipient the store has already handed to a different node.
func (n *Node) runReconcile(ctx context.Context, interval time.Duration) {
	defer logging.RecoverPanic(n.logger, "reconcile", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce checks one round of locally attached sessions.
func (n *Node) reconcileOnce(ctx context.Context) {
	n.mu.RLock()
	sessions := make([]*Session, 0, len(n.sessions))
	for _, sess := range n.sessions {
		sessions = append(sessions, sess)
	}
	n.mu.RUnlock()

	for _, sess := range sessions {
		owner, err := n.store.GetAttachment(ctx, sess.recipientID)
		if err != nil {
			if !errors.Is(err, session.ErrNotFound) {
				n.logger.Warn().Err(err).Str("recipient_id", sess.recipientID).Msg("failed to read attachment during reconciliation")
			}
			continue
		}
		if owner != n.cfg.NodeID {
			n.evictSuperseded(ctx, sess, owner)
		}
	}
}

// evictSuperseded force-closes a session whose attachment has moved to a
// different node. DelAttachment is skipped: it would no-op anyway since the
// store no longer has this node as the owner, so calling it is a wasted
// write.
func (n *Node) evictSuperseded(ctx context.Context, sess *Session, newOwner string) {
	n.mu.Lock()
	delete(n.sessions, sess.recipientID)
	n.mu.Unlock()
	metrics.AttachedSessions.Dec()
	metrics.SupersededEvictions.Inc()

	n.logger.Info().
		Err(session.ErrSuperseded).
		Str("recipient_id", sess.recipientID).
		Str("new_owner", newOwner).
		Msg("evicting session superseded by another node")

	sess.discardOutbound()

	offset, err := n.store.CurrentOffset(ctx, sess.recipientID)
	if err != nil {
		offset = 0
	}
	resumeToken := tokens.Issue(n.cfg.ClusterSecret, sess.recipientID, offset, time.Now())
	sess.forceClose(ForceClose{ResumeToken: resumeToken, Reason: "superseded"})
}
