// Command socketnode runs one C4 socket-node replica: it terminates client
// connections, publishes/consumes its delivery topic, and reports load to
// the control plane.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/ringfabric/internal/config"
	"github.com/adred-codev/ringfabric/internal/httpapi"
	"github.com/adred-codev/ringfabric/internal/logging"
	"github.com/adred-codev/ringfabric/internal/msglog"
	"github.com/adred-codev/ringfabric/internal/platform"
	"github.com/adred-codev/ringfabric/internal/session"
	"github.com/adred-codev/ringfabric/internal/socketnode"
	"github.com/nats-io/nats.go"

	_ "go.uber.org/automaxprocs"
)

func main() {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.LoadSocketNode(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With().Str("node_id", cfg.NodeID).Logger()

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting socket node")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	natsConn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer natsConn.Close()

	store, err := session.NewNATSStore(session.NATSStoreConfig{
		Conn:          natsConn,
		AttachmentTTL: cfg.AttachmentTTL,
		BufferTTL:     cfg.BufferTTL,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bind session store")
	}

	log, err := msglog.NewKafkaLog(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create message log")
	}
	defer log.Close()

	ownTopic := msglog.DeliveryTopicFor(cfg.NodeID)
	if err := log.CreateTopic(ctx, ownTopic, 6, 1); err != nil {
		logger.Fatal().Err(err).Msg("failed to create own delivery topic")
	}

	node := socketnode.New(socketnode.Config{
		NodeID:            cfg.NodeID,
		ClusterSecret:     []byte(cfg.ClusterSecret),
		PerConnQueue:      cfg.PerConnQueue,
		HandshakeRPS:      cfg.HandshakeRPS,
		HandshakeBurst:    cfg.HandshakeBurst,
		BufferCapacity:    cfg.BufferCapacity,
		BufferTTL:         cfg.BufferTTL,
		AttachmentTTL:     cfg.AttachmentTTL,
		TokenTTL:          cfg.TokenTTL,
		DrainStep:         cfg.DrainStep,
		DrainBatch:        cfg.DrainBatch,
		DrainMax:          cfg.DrainMax,
		PublishMaxBackoff: cfg.PublishMaxBackoff,
		ReconcileInterval: cfg.ReconcileInterval,
	}, log, store, logger)

	resourceReader := platform.NewReader()
	heartbeat := &heartbeatPublisher{controlPlaneAddr: cfg.ControlPlaneAddr, nodeID: cfg.NodeID, reader: resourceReader}

	mux := httpapi.NewSocketNodeServer(node, logger)
	httpServer := &http.Server{
		Addr:           cfg.Addr,
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
		node.Run(ctx, cfg.HeartbeatInterval, heartbeat.publish)
	}()
	node.MarkReady()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("received shutdown signal, draining")
	node.BeginDrain(context.Background(), time.Now().Add(cfg.DrainMax))
	// runDrain enforces its own hard deadline at cfg.DrainMax; giving it that
	// long here guarantees every session is force-closed before we tear down
	// the consumer goroutines it depends on.
	time.Sleep(cfg.DrainMax)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	logger.Info().Msg("socket node stopped")
}

// heartbeatPublisher samples local resource utilization, then POSTs it to
// the control plane's heartbeat sink.
type heartbeatPublisher struct {
	controlPlaneAddr string
	nodeID           string
	reader           *platform.Reader
}

func (h *heartbeatPublisher) publish(ctx context.Context) error {
	cpuFrac, memFrac, err := h.reader.Sample(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"node_id": h.nodeID,
		"cpu":     cpuFrac,
		"mem":     memFrac,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.controlPlaneAddr+"/nodes/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
