// Package leader implements lease-based single-writer election (C5) over a
// NATS JetStream KV bucket: one key per cluster, compare-and-swap renewal,
// built the way go-server/pkg/nats/client.go wires a NATS connection for
// coordination primitives.
package leader

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const leaseKey = "leader"

// Election runs the lease acquire/renew loop for one candidate process.
type Election struct {
	kv         nats.KeyValue
	instanceID string
	leaseDur   time.Duration
	renewEvery time.Duration
	logger     zerolog.Logger

	isLeader atomic.Bool
	revision atomic.Uint64
}

// Config configures an Election.
type Config struct {
	Conn          *nats.Conn
	InstanceID    string
	LeaseDuration time.Duration
	RenewInterval time.Duration
	Logger        zerolog.Logger
}

// New binds to (or creates) the cluster's leader-election KV bucket.
func New(cfg Config) (*Election, error) {
	js, err := cfg.Conn.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue("rf_leader")
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: "rf_leader",
			TTL:    cfg.LeaseDuration,
		})
	}
	if err != nil {
		return nil, err
	}
	return &Election{
		kv:         kv,
		instanceID: cfg.InstanceID,
		leaseDur:   cfg.LeaseDuration,
		renewEvery: cfg.RenewInterval,
		logger:     cfg.Logger.With().Str("component", "leader_election").Logger(),
	}, nil
}

// IsLeader reports whether this process currently holds the lease. Safe to
// call from any goroutine.
func (e *Election) IsLeader() bool { return e.isLeader.Load() }

// Run drives acquire/renew attempts every renewEvery until ctx is canceled.
// On loss of leadership it flips isLeader to false within one renewal tick,
// which bounds the worst-case dual-writer window at LeaseDuration.
func (e *Election) Run(ctx context.Context) {
	ticker := time.NewTicker(e.renewEvery)
	defer ticker.Stop()

	e.tryAcquireOrRenew(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tryAcquireOrRenew(ctx)
		}
	}
}

func (e *Election) tryAcquireOrRenew(ctx context.Context) {
	entry, err := e.kv.Get(leaseKey)
	switch {
	case errors.Is(err, nats.ErrKeyNotFound):
		rev, err := e.kv.Create(leaseKey, []byte(e.instanceID))
		if err != nil {
			e.setLeader(false)
			return
		}
		e.revision.Store(rev)
		e.setLeader(true)
		return
	case err != nil:
		e.logger.Warn().Err(err).Msg("failed to read lease")
		e.setLeader(false)
		return
	}

	holder := string(entry.Value())
	if holder != e.instanceID {
		e.setLeader(false)
		return
	}

	// We believe we hold the lease; renew it with a CAS on the revision just
	// read, so a concurrent taker (after our lease expired server-side)
	// is detected instead of silently overwritten.
	rev, err := e.kv.Update(leaseKey, []byte(e.instanceID), entry.Revision())
	if err != nil {
		e.logger.Warn().Err(err).Msg("lost leadership on renew")
		e.setLeader(false)
		return
	}
	e.revision.Store(rev)
	e.setLeader(true)
}

func (e *Election) setLeader(v bool) {
	prev := e.isLeader.Swap(v)
	if prev != v {
		e.logger.Info().Bool("is_leader", v).Msg("leadership state changed")
	}
}
