package httpapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ringfabric/internal/aggregator"
	"github.com/adred-codev/ringfabric/internal/leader"
	"github.com/adred-codev/ringfabric/internal/metrics"
	"github.com/adred-codev/ringfabric/internal/ring"
	"github.com/rs/zerolog"
)

// ControlPlaneServer wires the control plane's HTTP surface: the socket
// fleet's heartbeat sink, ring resolution for debugging/admin tooling, and
// health/ready probes (readiness depends on holding a ring snapshot, not on
// leadership).
type ControlPlaneServer struct {
	registry  *aggregator.Registry
	election  *leader.Election
	ringHolder *atomic.Pointer[ring.Ring]
	logger    zerolog.Logger
}

// NewControlPlaneServer builds the mux for a control-plane process.
// ringHolder is the same atomic pointer the control plane's decision cycle
// swaps before each RingUpdate it publishes, so /ring and /resolve see the
// latest ring this process built.
func NewControlPlaneServer(registry *aggregator.Registry, election *leader.Election, ringHolder *atomic.Pointer[ring.Ring], logger zerolog.Logger) *http.ServeMux {
	s := &ControlPlaneServer{
		registry:   registry,
		election:   election,
		ringHolder: ringHolder,
		logger:     logger.With().Str("component", "http_api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/metrics", metrics.Handler().ServeHTTP)
	mux.HandleFunc("/nodes/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/resolve", s.handleResolve)
	mux.HandleFunc("/ring", s.handleRing)
	return mux
}

func (s *ControlPlaneServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReadyz reports ready once this process has a ring snapshot to serve;
// leadership itself is not checked. Only the leader's decision cycle stores
// snapshots, so a replica that has never held the lease stays not ready.
func (s *ControlPlaneServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ringHolder.Load() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "is_leader": s.election.IsLeader()})
}

// heartbeatBody is what each socket node POSTs on its heartbeat interval.
type heartbeatBody struct {
	NodeID       string  `json:"node_id"`
	Cpu          float64 `json:"cpu"`
	Mem          float64 `json:"mem"`
	ActiveConn   uint64  `json:"active_conn"`
	Mps          float64 `json:"mps"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	LagMs        float64 `json:"lag_ms"`
}

// handleHeartbeat ingests one socket node's LoadSnapshot. Accepted on every
// control-plane replica (not leader-gated) so a node's heartbeat doesn't
// depend on knowing which replica currently holds the lease; only the
// scaling controller's decision loop is leader-gated.
func (s *ControlPlaneServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body heartbeatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed heartbeat body"})
		return
	}
	if body.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "node_id required"})
		return
	}

	s.registry.Record(aggregator.LoadSnapshot{
		NodeID:       body.NodeID,
		Cpu:          body.Cpu,
		Mem:          body.Mem,
		ActiveConn:   body.ActiveConn,
		Mps:          body.Mps,
		P95LatencyMs: body.P95LatencyMs,
		LagMs:        body.LagMs,
		TS:           time.Now(),
	})

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "recorded"})
}

// handleResolve answers which node currently owns recipientId, for admin and
// debugging tooling (the socket fleet itself routes off its own local ring
// snapshot, not this endpoint).
func (s *ControlPlaneServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipientId")
	if recipientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "recipientId query parameter required"})
		return
	}

	snapshot := s.ringHolder.Load()
	if snapshot == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no ring published yet"})
		return
	}

	nodeID, err := snapshot.Select(recipientID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"recipient_id": recipientID,
		"node_id":      nodeID,
		"ring_version": snapshot.Version(),
	})
}

// handleRing dumps the current ring membership for admin tooling.
func (s *ControlPlaneServer) handleRing(w http.ResponseWriter, r *http.Request) {
	snapshot := s.ringHolder.Load()
	if snapshot == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no ring published yet"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version": snapshot.Version(),
		"nodes":   snapshot.Nodes(),
	})
}
