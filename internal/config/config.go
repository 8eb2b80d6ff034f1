// Package config centralizes the environment-driven configuration for both
// the socket-node process and the control-plane process.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// SocketNode holds the configuration for a single C4 socket-node process.
type SocketNode struct {
	NodeID        string `env:"NODE_ID,required"`
	Addr          string `env:"RF_ADDR" envDefault:":8080"`
	PublicAddress string `env:"RF_PUBLIC_ADDR" envDefault:"localhost:8080"`

	KafkaBrokers  []string `env:"RF_KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	NATSURL       string   `env:"RF_NATS_URL" envDefault:"nats://localhost:4222"`
	ClusterSecret string   `env:"RF_CLUSTER_SECRET,required"`

	ControlPlaneAddr string `env:"RF_CONTROL_PLANE_ADDR" envDefault:"http://localhost:8090"`

	PerConnQueue  int           `env:"RF_PER_CONN_QUEUE" envDefault:"256"`
	HandshakeRPS  float64       `env:"RF_HANDSHAKE_RPS" envDefault:"100"`
	HandshakeBurst int          `env:"RF_HANDSHAKE_BURST" envDefault:"200"`
	BufferCapacity int          `env:"RF_BUFFER_CAPACITY" envDefault:"100"`
	BufferTTL      time.Duration `env:"RF_BUFFER_TTL" envDefault:"3600s"`
	AttachmentTTL  time.Duration `env:"RF_ATTACHMENT_TTL" envDefault:"300s"`
	TokenTTL       time.Duration `env:"RF_TOKEN_TTL" envDefault:"3600s"`

	HeartbeatInterval time.Duration `env:"RF_HEARTBEAT_INTERVAL" envDefault:"5s"`

	DrainStep     time.Duration `env:"RF_DRAIN_STEP" envDefault:"1s"`
	DrainBatch    int           `env:"RF_DRAIN_BATCH" envDefault:"25"`
	DrainMax      time.Duration `env:"RF_DRAIN_MAX" envDefault:"300s"`

	PublishMaxBackoff time.Duration `env:"RF_PUBLISH_MAX_BACKOFF" envDefault:"10s"`
	ReconcileInterval time.Duration `env:"RF_RECONCILE_INTERVAL" envDefault:"10s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"RF_METRICS_ADDR" envDefault:":9100"`
}

// ControlPlane holds the configuration for the leader-elected C5-C9 process.
type ControlPlane struct {
	InstanceID string `env:"INSTANCE_ID,required"`

	KafkaBrokers []string `env:"RF_KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	NATSURL      string   `env:"RF_NATS_URL" envDefault:"nats://localhost:4222"`

	MinWeight       int           `env:"RF_MIN_WEIGHT" envDefault:"10"`
	MaxScaleOutStep int           `env:"RF_MAX_SCALE_OUT_STEP" envDefault:"5"`
	ScaleOutWindow  time.Duration `env:"RF_SCALE_OUT_WINDOW" envDefault:"5m"`
	DecideInterval  time.Duration `env:"RF_DECIDE_INTERVAL" envDefault:"15s"`
	AggregateInterval time.Duration `env:"RF_AGGREGATE_INTERVAL" envDefault:"5s"`
	StaleAfter      time.Duration `env:"RF_STALE_AFTER" envDefault:"30s"`
	NMin            int           `env:"RF_N_MIN" envDefault:"2"`
	NMax            int           `env:"RF_N_MAX" envDefault:"50"`

	ForwardHorizon time.Duration `env:"RF_FORWARD_HORIZON" envDefault:"5m"`
	ForwardQuiet   time.Duration `env:"RF_FORWARD_QUIET" envDefault:"30s"`

	LeaseDuration time.Duration `env:"RF_LEASE_DURATION" envDefault:"15s"`
	LeaseRenew    time.Duration `env:"RF_LEASE_RENEW" envDefault:"10s"`

	ClusterSecret string `env:"RF_CLUSTER_SECRET,required"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	HTTPAddr    string `env:"RF_HTTP_ADDR" envDefault:":8090"`
	MetricsAddr string `env:"RF_METRICS_ADDR" envDefault:":9100"`
}

// LoadSocketNode reads configuration from a .env file (if present, optional)
// and the process environment. Priority: ENV vars > .env file > defaults.
func LoadSocketNode(logger *zerolog.Logger) (*SocketNode, error) {
	loadDotEnv(logger)

	cfg := &SocketNode{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse socket node config: %w", err)
	}
	return cfg, nil
}

// LoadControlPlane reads the control-plane configuration the same way.
func LoadControlPlane(logger *zerolog.Logger) (*ControlPlane, error) {
	loadDotEnv(logger)

	cfg := &ControlPlane{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse control plane config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(logger *zerolog.Logger) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}
}
