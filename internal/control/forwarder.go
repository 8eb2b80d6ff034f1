package control

import (
	"context"
	"time"

	"github.com/adred-codev/ringfabric/internal/envelope"
	"github.com/adred-codev/ringfabric/internal/logging"
	"github.com/adred-codev/ringfabric/internal/metrics"
	"github.com/adred-codev/ringfabric/internal/msglog"
	"github.com/adred-codev/ringfabric/internal/ring"
	"github.com/rs/zerolog"
)

// RingSource supplies the current ring snapshot so the forwarder can resolve
// each record's recipient to its new owner. A single atomic pointer swap on
// the caller's side is enough to satisfy this.
type RingSource interface {
	Current() *ring.Ring
}

// Forwarder tails a removed node's delivery topic for a bounded horizon and
// re-routes its messages through the current ring (C9).
type Forwarder struct {
	log        msglog.Log
	ringSource RingSource
	logger     zerolog.Logger

	forwardHorizon time.Duration
	forwardQuiet   time.Duration
}

// NewForwarder creates a Forwarder.
func NewForwarder(log msglog.Log, ringSource RingSource, forwardHorizon, forwardQuiet time.Duration, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		log:            log,
		ringSource:     ringSource,
		forwardHorizon: forwardHorizon,
		forwardQuiet:   forwardQuiet,
		logger:         logger.With().Str("component", "forwarder").Logger(),
	}
}

// Run tails deliveryTopicFor(removedNodeID) under a distinct group id,
// resolving each record's recipient through the current ring and
// republishing. It stops after forwardHorizon elapses, or after lag reaches
// zero and stays there for forwardQuiet, whichever comes first.
func (f *Forwarder) Run(ctx context.Context, removedNodeID string) {
	defer logging.RecoverPanic(f.logger, "forwarder", map[string]any{"node_id": removedNodeID})

	ctx, cancel := context.WithTimeout(ctx, f.forwardHorizon)
	defer cancel()

	topic := msglog.DeliveryTopicFor(removedNodeID)
	groupID := "rf-forwarder-" + removedNodeID

	records, err := f.log.SubscribeBacklog(ctx, topic, groupID)
	if err != nil {
		f.logger.Error().Err(err).Str("node_id", removedNodeID).Msg("forwarder failed to subscribe")
		return
	}

	var quietSince time.Time
	quietTimer := time.NewTicker(f.forwardQuiet / 4)
	defer quietTimer.Stop()

	sawRecordSince := true
	for {
		select {
		case <-ctx.Done():
			f.logger.Info().Str("node_id", removedNodeID).Msg("forwarder horizon elapsed")
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			sawRecordSince = true
			quietSince = time.Time{}
			f.forwardOne(ctx, rec)
		case now := <-quietTimer.C:
			if sawRecordSince {
				sawRecordSince = false
				quietSince = now
				continue
			}
			if !quietSince.IsZero() && now.Sub(quietSince) >= f.forwardQuiet {
				f.logger.Info().Str("node_id", removedNodeID).Msg("forwarder quiet period elapsed, stopping")
				return
			}
		}
	}
}

func (f *Forwarder) forwardOne(ctx context.Context, rec msglog.Record) {
	env, err := envelope.Unmarshal(rec.Value)
	if err != nil {
		f.logger.Warn().Err(err).Msg("forwarder dropping unparseable record")
		_ = rec.Ack()
		return
	}

	r := f.ringSource.Current()
	target, err := r.Select(env.To)
	if err != nil {
		f.logger.Warn().Err(err).Str("to", env.To).Msg("forwarder could not resolve target, dropping")
		_ = rec.Ack()
		return
	}

	env.Hop = envelope.HopRelay
	data, err := env.Marshal()
	if err != nil {
		f.logger.Warn().Err(err).Msg("forwarder failed to marshal envelope")
		return
	}

	if err := f.log.Publish(ctx, msglog.DeliveryTopicFor(target), env.To, data); err != nil {
		f.logger.Warn().Err(err).Str("target", target).Msg("forwarder failed to republish")
		return
	}
	metrics.ForwarderForwarded.Inc()
	_ = rec.Ack()
}
