// Package control implements the Ring Publisher (C8) and the Forwarder (C9):
// the leader-only writers of control-topic messages and the transient
// consumer that re-routes a removed node's in-flight deliveries.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/ringfabric/internal/envelope"
	"github.com/adred-codev/ringfabric/internal/msglog"
	"github.com/rs/zerolog"
)

// Orchestrator is the external collaborator that actually adds/removes
// socket-node replicas. Container orchestration itself is out of scope here;
// this package only emits the signals an orchestrator would act on.
type Orchestrator interface {
	// SetDesiredReplicas requests the orchestrator scale to n replicas.
	SetDesiredReplicas(ctx context.Context, n int) error
	// SetRemovalCost writes a per-node removal-priority hint (cost =
	// active connection count) so the orchestrator removes the
	// least-loaded node first on scale-in.
	SetRemovalCost(ctx context.Context, nodeID string, cost float64) error
}

// Publisher serializes ring/scale/drain messages to the control topic and
// drives the orchestrator's replica count.
type Publisher struct {
	log          msglog.Log
	orchestrator Orchestrator
	logger       zerolog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(log msglog.Log, orchestrator Orchestrator, logger zerolog.Logger) *Publisher {
	return &Publisher{log: log, orchestrator: orchestrator, logger: logger.With().Str("component", "ring_publisher").Logger()}
}

// PublishRingUpdate writes a RingUpdate to the control topic.
func (p *Publisher) PublishRingUpdate(ctx context.Context, version uint64, weights map[string]int, reason string, now time.Time) error {
	msg := envelope.ControlMessage{
		Kind: envelope.ControlKindRingUpdate,
		RingUpdate: &envelope.RingUpdate{
			Version: version,
			Weights: weights,
			Reason:  reason,
			TS:      now.UnixMilli(),
		},
	}
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal ring update: %w", err)
	}
	if err := p.log.Publish(ctx, msglog.ControlTopic, "", data); err != nil {
		return fmt.Errorf("publish ring update: %w", err)
	}
	p.logger.Info().Uint64("version", version).Str("reason", reason).Msg("published ring update")
	return nil
}

// PublishDrainDirective tells nodeID to begin draining.
func (p *Publisher) PublishDrainDirective(ctx context.Context, nodeID, reason string, deadline time.Time) error {
	msg := envelope.ControlMessage{
		Kind: envelope.ControlKindDrainDirective,
		DrainDirective: &envelope.DrainDirective{
			NodeID:   nodeID,
			Deadline: deadline.UnixMilli(),
			Reason:   reason,
		},
	}
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal drain directive: %w", err)
	}
	if err := p.log.Publish(ctx, msglog.ControlTopic, "", data); err != nil {
		return fmt.Errorf("publish drain directive: %w", err)
	}
	p.logger.Info().Str("node_id", nodeID).Msg("published drain directive")
	return nil
}

// PublishScaleOut requests k additional replicas and announces the action.
func (p *Publisher) PublishScaleOut(ctx context.Context, fromN, k int, reason string, now time.Time) error {
	if err := p.orchestrator.SetDesiredReplicas(ctx, fromN+k); err != nil {
		return fmt.Errorf("request scale out: %w", err)
	}
	return p.publishScaleSignal(ctx, envelope.ScaleActionOut, fromN, fromN+k, reason, now)
}

// PublishScaleIn writes removal-cost hints for the given candidates (lowest
// activeConn first gets removed first), then requests the replica decrement.
// Costs are written before the decrement is requested, so the orchestrator
// always has fresh hints before it acts.
func (p *Publisher) PublishScaleIn(ctx context.Context, fromN int, costsByNode map[string]float64, reason string, now time.Time) error {
	for nodeID, cost := range costsByNode {
		if err := p.orchestrator.SetRemovalCost(ctx, nodeID, cost); err != nil {
			return fmt.Errorf("set removal cost for %s: %w", nodeID, err)
		}
	}
	if err := p.orchestrator.SetDesiredReplicas(ctx, fromN-1); err != nil {
		return fmt.Errorf("request scale in: %w", err)
	}
	return p.publishScaleSignal(ctx, envelope.ScaleActionIn, fromN, fromN-1, reason, now)
}

func (p *Publisher) publishScaleSignal(ctx context.Context, action envelope.ScaleAction, fromN, toN int, reason string, now time.Time) error {
	msg := envelope.ControlMessage{
		Kind: envelope.ControlKindScaleSignal,
		ScaleSignal: &envelope.ScaleSignal{
			Action: action,
			FromN:  fromN,
			ToN:    toN,
			Reason: reason,
			TS:     now.UnixMilli(),
		},
	}
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal scale signal: %w", err)
	}
	if err := p.log.Publish(ctx, msglog.ControlTopic, "", data); err != nil {
		return fmt.Errorf("publish scale signal: %w", err)
	}
	p.logger.Info().Str("action", string(action)).Int("from_n", fromN).Int("to_n", toN).Msg("published scale signal")
	return nil
}
