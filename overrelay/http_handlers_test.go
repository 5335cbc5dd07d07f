package overrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// relayPair is a hub serving HTTP and an edge node talking to it
type relayPair struct {
	hub      *RelayService
	edge     *RelayService
	handlers *HTTPHandlers
	server   *httptest.Server
}

func newRelayPair(t *testing.T) *relayPair {
	t.Helper()
	hub := newItemNode(t, "hub", nil)
	edge := newItemNode(t, "edge", nil)
	h := NewHTTPHandlers(hub, hub.JWT(), testLogger())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &relayPair{hub: hub, edge: edge, handlers: h, server: srv}
}

func (p *relayPair) register(t *testing.T) Node {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.hub.OpenRegistration(ctx, "edge"))
	require.NoError(t, p.edge.Registrar().Register(ctx, Node{NodeID: "hub", SyncURL: p.server.URL}))
	peer, err := GetNode(ctx, p.edge.DB(), "hub")
	require.NoError(t, err)
	return *peer
}

func (p *relayPair) do(t *testing.T, method, path, nodeID string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if nodeID != "" {
		token, err := p.hub.JWT().GenerateToken(nodeID, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	p.handlers.Router().ServeHTTP(w, req)
	return w
}

func TestRegistration_EnablesPeer(t *testing.T) {
	ctx := context.Background()
	p := newRelayPair(t)

	// closed registration is refused
	err := p.edge.Registrar().Register(ctx, Node{NodeID: "hub", SyncURL: p.server.URL})
	require.Error(t, err)
	require.Equal(t, FailureNotAuthenticated, Classify(err))

	peer := p.register(t)
	require.True(t, peer.SyncEnabled)
	require.NotEmpty(t, peer.AuthToken)

	edgeOnHub, err := GetNode(ctx, p.hub.DB(), "edge")
	require.NoError(t, err)
	require.True(t, edgeOnHub.SyncEnabled)
	require.False(t, edgeOnHub.RegistrationOpen)
	require.NotNil(t, edgeOnHub.RegisteredAt)
	require.NoError(t, p.hub.Registry().CheckPeer(ctx, "edge"))
}

func TestPushAndPull_OverHTTP(t *testing.T) {
	ctx := context.Background()
	p := newRelayPair(t)
	hubPeer := p.register(t)

	_, err := p.edge.DB().Exec(`INSERT INTO item (id, name) VALUES (1, 'from edge')`)
	require.NoError(t, err)
	routed, err := p.edge.AssembleBatches(ctx)
	require.NoError(t, err)
	require.Len(t, routed.BatchIDs, 1)

	res, err := p.edge.Push().PushOnce(ctx, hubPeer)
	require.NoError(t, err)
	require.Equal(t, 1, res.Batches)
	require.Equal(t, 1, res.Acked)

	name, ok := itemName(t, p.hub, 1)
	require.True(t, ok)
	require.Equal(t, "from edge", name)
	counts, err := p.edge.Batches().CountByStatus(ctx, "hub")
	require.NoError(t, err)
	require.Equal(t, map[BatchStatus]int{BatchOK: 1}, counts)

	_, err = p.hub.DB().Exec(`INSERT INTO item (id, name) VALUES (2, 'from hub')`)
	require.NoError(t, err)
	routed, err = p.hub.AssembleBatches(ctx)
	require.NoError(t, err)
	require.Len(t, routed.BatchIDs, 1, "loaded rows are not routed back")

	res, err = p.edge.Pull().PullOnce(ctx, hubPeer)
	require.NoError(t, err)
	require.Equal(t, 1, res.Batches)
	require.Equal(t, 1, res.Acked)

	name, ok = itemName(t, p.edge, 2)
	require.True(t, ok)
	require.Equal(t, "from hub", name)
	counts, err = p.hub.Batches().CountByStatus(ctx, "edge")
	require.NoError(t, err)
	require.Equal(t, map[BatchStatus]int{BatchOK: 1}, counts)

	// nothing left in either direction
	res, err = p.edge.Pull().PullOnce(ctx, hubPeer)
	require.NoError(t, err)
	require.Zero(t, res.Batches)
	res, err = p.edge.Push().PushOnce(ctx, hubPeer)
	require.NoError(t, err)
	require.Zero(t, res.Batches)
}

func TestPush_BusyPeerRetriesBatch(t *testing.T) {
	ctx := context.Background()
	p := newRelayPair(t)
	hubPeer := p.register(t)

	_, err := p.edge.DB().Exec(`INSERT INTO item (id, name) VALUES (1, 'x')`)
	require.NoError(t, err)
	routed, err := p.edge.AssembleBatches(ctx)
	require.NoError(t, err)
	batchID := routed.BatchIDs[0]

	workers := int64(p.hub.config.MaxConcurrentWorkers)
	require.True(t, p.handlers.workers.TryAcquire(workers))
	_, err = p.edge.Push().PushOnce(ctx, hubPeer)
	require.Error(t, err)
	require.Equal(t, FailureBusy, Classify(err))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, StatusServiceBusy, terr.StatusCode)

	b, err := p.edge.Batches().FindOutgoingBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchError, b.Status)

	p.handlers.workers.Release(workers)
	res, err := p.edge.Push().PushOnce(ctx, hubPeer)
	require.NoError(t, err)
	require.Equal(t, 1, res.Acked)
	b, err = p.edge.Batches().FindOutgoingBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchOK, b.Status)
	require.True(t, b.ErrorFlag)
}

func TestHandlers_AuthAndStatusCodes(t *testing.T) {
	p := newRelayPair(t)
	p.register(t)

	w := p.do(t, http.MethodGet, PathPull+"?nodeId=edge", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = p.do(t, http.MethodGet, PathPull+"?nodeId=other", "edge", "")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = p.do(t, http.MethodGet, PathPull+"?nodeId=stranger", "stranger", "")
	require.Equal(t, StatusRegistrationRequired, w.Code)
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er))
	require.Equal(t, "registration_required", er.Error)

	require.NoError(t, p.hub.SavePeer(context.Background(), Node{NodeID: "paused", SyncEnabled: false}))
	w = p.do(t, http.MethodPost, PathPush, "paused", `{"batches":[]}`)
	require.Equal(t, StatusSyncDisabled, w.Code)

	w = p.do(t, http.MethodPost, PathPush, "edge", `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = p.do(t, http.MethodPost, PathAck, "edge", `{"acks":"batch-1=ok","acks_ext":""}`)
	require.Equal(t, http.StatusInternalServerError, w.Code, "ack for an unknown batch")

	w = p.do(t, http.MethodPost, PathAck+"?nodeId=edge", "edge", `{"acks":"","acks_ext":""}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = p.do(t, http.MethodPost, PathRegister, "", `{"node_id":""}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = p.do(t, http.MethodGet, PathHealth, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, "hub", health.NodeID)

	w = p.do(t, http.MethodGet, PathMetrics, "", "")
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, p.hub.Close())
	w = p.do(t, http.MethodGet, PathPull, "edge", "")
	require.Equal(t, StatusServiceBusy, w.Code)
}

// brokenResponseWriter accepts headers but fails every body write
type brokenResponseWriter struct {
	header http.Header
}

func (w *brokenResponseWriter) Header() http.Header { return w.header }
func (w *brokenResponseWriter) WriteHeader(int) {}
func (w *brokenResponseWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestHandlers_LogResponseEncodingFailures(t *testing.T) {
	svc := newTestService(t, "hub", nil)
	var logs bytes.Buffer
	h := NewHTTPHandlers(svc, svc.JWT(), slog.New(slog.NewTextHandler(&logs, nil)))

	h.HandleHealth(&brokenResponseWriter{header: http.Header{}}, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	require.Contains(t, logs.String(), "Failed to encode health response")
	require.Contains(t, logs.String(), "connection reset")

	logs.Reset()
	h.HandleRegister(&brokenResponseWriter{header: http.Header{}},
		httptest.NewRequest(http.MethodPost, PathRegister, strings.NewReader("{")))
	require.Contains(t, logs.String(), "Failed to encode error response")
}
