package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adred-codev/ringfabric/internal/msglog"
	"github.com/adred-codev/ringfabric/internal/session"
	"github.com/adred-codev/ringfabric/internal/socketnode"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *socketnode.Node {
	t.Helper()
	cfg := socketnode.Config{
		NodeID:            "A",
		ClusterSecret:     []byte("secret"),
		PerConnQueue:      8,
		HandshakeRPS:      1000,
		HandshakeBurst:    1000,
		BufferCapacity:    32,
		BufferTTL:         time.Minute,
		AttachmentTTL:     time.Minute,
		TokenTTL:          time.Minute,
		DrainStep:         10 * time.Millisecond,
		DrainBatch:        10,
		DrainMax:          time.Second,
		PublishMaxBackoff: 100 * time.Millisecond,
	}
	return socketnode.New(cfg, msglog.NewMemLog(), session.NewMemStore(), zerolog.Nop())
}

func TestHandleHealthz_AlwaysOK(t *testing.T) {
	node := newTestNode(t)
	mux := NewSocketNodeServer(node, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReadyz_NotReadyBeforeMarkReady(t *testing.T) {
	node := newTestNode(t)
	mux := NewSocketNodeServer(node, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleReadyz_ReadyAfterMarkReady(t *testing.T) {
	node := newTestNode(t)
	node.MarkReady()
	mux := NewSocketNodeServer(node, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDrain_TransitionsNodeToDraining(t *testing.T) {
	node := newTestNode(t)
	mux := NewSocketNodeServer(node, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/drain", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, socketnode.StateDraining, node.State())
}

func TestHandleDrain_RejectsNonPost(t *testing.T) {
	node := newTestNode(t)
	mux := NewSocketNodeServer(node, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/drain", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleHealthz_ReportsCurrentState(t *testing.T) {
	node := newTestNode(t)
	mux := NewSocketNodeServer(node, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "starting", body["state"])
}
