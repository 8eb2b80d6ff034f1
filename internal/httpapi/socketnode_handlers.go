// Package httpapi exposes the socketnode/control-plane APIs over HTTP, in
// the mux/handler style of server.go: one http.ServeMux, one handler method
// per route, JSON responses with explicit CORS headers for the health
// surface.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/adred-codev/ringfabric/internal/metrics"
	"github.com/adred-codev/ringfabric/internal/socketnode"
	"github.com/rs/zerolog"
)

// SocketNodeServer wires a socketnode.Node's public API onto an HTTP mux.
type SocketNodeServer struct {
	node   *socketnode.Node
	logger zerolog.Logger
}

// NewSocketNodeServer builds the mux for a socket node process: health/ready
// probes, Prometheus metrics, and the operator-facing drain trigger. The
// actual client-facing attach/send surface (WebSocket upgrade, framing) is a
// transport concern layered on top of node.Attach/Send/Close and is not part
// of this package.
func NewSocketNodeServer(node *socketnode.Node, logger zerolog.Logger) *http.ServeMux {
	s := &SocketNodeServer{node: node, logger: logger.With().Str("component", "http_api").Logger()}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/metrics", metrics.Handler().ServeHTTP)
	mux.HandleFunc("/drain", s.handleDrain)
	return mux
}

func (s *SocketNodeServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.node.State().String(),
	})
}

// handleReadyz reports ready only once the node has left STARTING; load
// balancers should stop sending new traffic once it's DRAINING or STOPPED.
func (s *SocketNodeServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	state := s.node.State()
	if state == socketnode.StateReady {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "state": state.String()})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "state": state.String()})
}

// handleDrain begins graceful drain for this node. Called by the control
// plane after it has published a DrainDirective naming this node, or
// directly by an operator for manual draining.
func (s *SocketNodeServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		DeadlineSeconds int `json:"deadline_seconds"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	deadline := time.Now().Add(time.Minute)
	if body.DeadlineSeconds > 0 {
		deadline = time.Now().Add(time.Duration(body.DeadlineSeconds) * time.Second)
	}

	s.node.BeginDrain(r.Context(), deadline)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "draining"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
