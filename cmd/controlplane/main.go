// Command controlplane runs the leader-elected C5-C9 control plane: exactly
// one instance across the fleet acts on heartbeats, decides scaling and
// weight changes, and publishes ring/drain/scale signals to the control
// topic. Every replica serves /resolve and /ring from the ring it last built
// itself; rings are only built by the leader's decision cycle, so a replica
// that has never held the lease answers both with 503.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adred-codev/ringfabric/internal/aggregator"
	"github.com/adred-codev/ringfabric/internal/config"
	"github.com/adred-codev/ringfabric/internal/control"
	"github.com/adred-codev/ringfabric/internal/httpapi"
	"github.com/adred-codev/ringfabric/internal/leader"
	"github.com/adred-codev/ringfabric/internal/logging"
	"github.com/adred-codev/ringfabric/internal/metrics"
	"github.com/adred-codev/ringfabric/internal/msglog"
	"github.com/adred-codev/ringfabric/internal/ring"
	"github.com/adred-codev/ringfabric/internal/scaling"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"
)

func main() {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.LoadControlPlane(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With().Str("instance_id", cfg.InstanceID).Logger()

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	natsConn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer natsConn.Close()

	election, err := leader.New(leader.Config{
		Conn:          natsConn,
		InstanceID:    cfg.InstanceID,
		LeaseDuration: cfg.LeaseDuration,
		RenewInterval: cfg.LeaseRenew,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up leader election")
	}
	go election.Run(ctx)

	log, err := msglog.NewKafkaLog(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create message log")
	}
	defer log.Close()

	if err := log.CreateTopic(ctx, msglog.ControlTopic, 1, 1); err != nil {
		logger.Fatal().Err(err).Msg("failed to create control topic")
	}

	registry := aggregator.NewRegistry()
	agg := aggregator.New(registry, cfg.StaleAfter)
	controller := scaling.New(scaling.Config{
		MinWeight:       cfg.MinWeight,
		MaxScaleOutStep: cfg.MaxScaleOutStep,
		ScaleOutWindow:  cfg.ScaleOutWindow,
		NMin:            cfg.NMin,
	})
	publisher := control.NewPublisher(log, noopOrchestrator{}, logger)

	var ringHolder atomic.Pointer[ring.Ring]
	ringSource := ringHolderSource{holder: &ringHolder}

	mux := httpapi.NewControlPlaneServer(registry, election, &ringHolder, logger)
	httpServer := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	go func() {
		defer logging.RecoverPanic(logger, "scaling_decision_loop", nil)
		agg.Run(ctx, cfg.AggregateInterval, func(snapshots map[string]aggregator.LoadSnapshot) {
			metrics.IsLeader.Set(boolToFloat(election.IsLeader()))
			if !election.IsLeader() {
				return
			}
			runDecisionCycle(ctx, controller, publisher, &ringHolder, snapshots, cfg.ForwardHorizon, cfg.ForwardQuiet, log, ringSource, logger)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down control plane")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	logger.Info().Msg("control plane stopped")
}

// ringHolderSource adapts the shared ring holder to control.RingSource.
type ringHolderSource struct {
	holder *atomic.Pointer[ring.Ring]
}

func (s ringHolderSource) Current() *ring.Ring { return s.holder.Load() }

// noopOrchestrator satisfies control.Orchestrator when no container
// orchestrator integration is configured. Scale-out and scale-in signals are
// still published to the control topic; desired-replica and removal-cost
// calls are discarded.
type noopOrchestrator struct{}

func (noopOrchestrator) SetDesiredReplicas(ctx context.Context, n int) error     { return nil }
func (noopOrchestrator) SetRemovalCost(ctx context.Context, nodeID string, cost float64) error {
	return nil
}

func runDecisionCycle(
	ctx context.Context,
	controller *scaling.Controller,
	publisher *control.Publisher,
	ringHolder *atomic.Pointer[ring.Ring],
	snapshots map[string]aggregator.LoadSnapshot,
	forwardHorizon, forwardQuiet time.Duration,
	log msglog.Log,
	ringSource control.RingSource,
	logger zerolog.Logger,
) {
	now := time.Now()
	prev := ringHolder.Load()

	nodes := make([]ring.NodeDescriptor, 0, len(snapshots))
	for id := range snapshots {
		weight := ring.MinWeight
		nodes = append(nodes, ring.NodeDescriptor{NodeID: id, Weight: weight, JoinedAt: now.UnixMilli()})
	}

	topologyChanged := prev == nil
	var removed []string
	if prev != nil {
		tentative, err := ring.New(nodes, prev.Version())
		if err == nil {
			_, removed = ring.Diff(prev, tentative)
			topologyChanged = len(removed) > 0 || len(tentative.Nodes()) != len(prev.Nodes())
		}
	}

	decision := controller.Decide(snapshots, topologyChanged, now)
	metrics.ScalingUrgency.Set(float64(scalingUrgencyOf(decision)))

	switch decision.Action {
	case scaling.ActionScaleOut:
		metrics.ScaleOutMagnitude.Set(float64(decision.ScaleOutCount))
		_ = publisher.PublishScaleOut(ctx, decision.Snapshot.N, decision.ScaleOutCount, decision.Reason, now)
	case scaling.ActionScaleIn:
		costsByNode := make(map[string]float64, len(snapshots))
		for id, s := range snapshots {
			costsByNode[id] = float64(s.ActiveConn)
		}
		_ = publisher.PublishScaleIn(ctx, decision.Snapshot.N, costsByNode, decision.Reason, now)
	}

	if decision.PublishRing && len(decision.Weights) > 0 {
		version := uint64(1)
		if prev != nil {
			version = prev.Version() + 1
		}
		weighted := make([]ring.NodeDescriptor, 0, len(decision.Weights))
		for id, w := range decision.Weights {
			weighted = append(weighted, ring.NodeDescriptor{NodeID: id, Weight: w, JoinedAt: now.UnixMilli()})
		}
		next, err := ring.New(weighted, version)
		if err == nil {
			ringHolder.Store(next)
			metrics.RingVersion.Set(float64(version))
			_ = publisher.PublishRingUpdate(ctx, version, decision.Weights, decision.RingReason, now)
		}
	}

	for _, nodeID := range removed {
		logger.Info().Str("node_id", nodeID).Msg("node removed from ring, starting forwarder")
		metrics.ForwarderActive.Inc()
		forwarder := control.NewForwarder(log, ringSource, forwardHorizon, forwardQuiet, logger)
		go func(id string) {
			defer metrics.ForwarderActive.Dec()
			forwarder.Run(ctx, id)
		}(nodeID)
	}
}

// scalingUrgencyOf approximates the 0-3 urgency gauge from the public
// Decision fields; the controller's internal Urgency classification isn't
// itself exported, so a scale-out's clamped magnitude stands in for it.
func scalingUrgencyOf(d scaling.Decision) int {
	if d.Action != scaling.ActionScaleOut {
		return 0
	}
	if d.ScaleOutCount > 3 {
		return 3
	}
	return d.ScaleOutCount
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
