package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rebaser/cas"
	"rebaser/config"
	"rebaser/events"
	"rebaser/graph"
	"rebaser/proto"
	"rebaser/rebase"
	"rebaser/store"
	"rebaser/update"
)

type testServer struct {
	*httptest.Server
	svc *rebase.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := store.OpenDir(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(nil)
	svc := rebase.New(db, rebase.Config{
		PollInterval:    10 * time.Millisecond,
		QuiescentPeriod: time.Second,
	}, rebase.WithPublisher(bus))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		bus.Close()
	})

	cfg := &config.Config{Version: "1.0.0", WaitTimeout: 5 * time.Second}
	srv := httptest.NewServer(WithDefaults(NewRouter(svc, bus, cfg, zap.NewNop()), zap.NewNop()))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, svc: svc}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) createWorkspace(t *testing.T) proto.WorkspaceResponse {
	t.Helper()
	var resp proto.WorkspaceResponse
	code := s.do(t, "POST", "/v1/workspaces", proto.CreateWorkspaceRequest{Name: "acme"}, &resp)
	require.Equal(t, http.StatusCreated, code)
	return resp
}

func changeSetPath(ws, cs graph.ID) string {
	return "/v1/workspaces/" + ws.String() + "/change_sets/" + cs.String()
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	var resp proto.HealthResponse
	assert.Equal(t, http.StatusOK, srv.do(t, "GET", "/healthz", nil, &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.0.0", resp.Version)

	assert.Equal(t, http.StatusOK, srv.do(t, "GET", "/readyz", nil, &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Zero(t, resp.QueueDepth)
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(t)
	srv.createWorkspace(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rebaser_http_requests_total")
}

func TestMetrics_CompressedOnce(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest("GET", srv.URL+"/metrics", nil)
	require.NoError(t, err)
	// Setting the header by hand turns off the client's transparent decoding.
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	gr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Contains(t, string(body), "# HELP")
}

func TestWorkspacesAndChangeSets(t *testing.T) {
	srv := newTestServer(t)
	created := srv.createWorkspace(t)
	ws := created.Workspace

	assert.Equal(t, store.HeadName, created.Head.Name)
	assert.Equal(t, ws.DefaultChangeSetID, created.Head.ID)

	var got proto.WorkspaceResponse
	require.Equal(t, http.StatusOK, srv.do(t, "GET", "/v1/workspaces/"+ws.ID.String(), nil, &got))
	assert.Equal(t, created.Head.Snapshot, got.Head.Snapshot)

	var list proto.WorkspacesResponse
	require.Equal(t, http.StatusOK, srv.do(t, "GET", "/v1/workspaces", nil, &list))
	assert.Len(t, list.Workspaces, 1)

	var cs store.ChangeSet
	code := srv.do(t, "POST", "/v1/workspaces/"+ws.ID.String()+"/change_sets",
		proto.CreateChangeSetRequest{Name: "feature"}, &cs)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, created.Head.ID, cs.BaseChangeSetID)
	assert.Equal(t, created.Head.Snapshot, cs.Snapshot)

	var abandoned store.ChangeSet
	require.Equal(t, http.StatusOK, srv.do(t, "POST", changeSetPath(ws.ID, cs.ID)+"/abandon", nil, &abandoned))
	assert.Equal(t, store.StatusAbandoned, abandoned.Status)

	var open proto.ChangeSetsResponse
	require.Equal(t, http.StatusOK, srv.do(t, "GET", "/v1/workspaces/"+ws.ID.String()+"/change_sets?status=Open", nil, &open))
	require.Len(t, open.ChangeSets, 1)
	assert.Equal(t, created.Head.ID, open.ChangeSets[0].ID)

	var errResp proto.ErrorResponse
	code = srv.do(t, "POST", changeSetPath(ws.ID, created.Head.ID)+"/abandon", nil, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "invariant_violation", errResp.Code)
}

func TestErrors(t *testing.T) {
	srv := newTestServer(t)
	created := srv.createWorkspace(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"bad workspace id", "GET", "/v1/workspaces/nope", nil, http.StatusBadRequest},
		{"unknown workspace", "GET", "/v1/workspaces/" + graph.NewID().String(), nil, http.StatusNotFound},
		{"unknown change set", "GET", changeSetPath(created.Workspace.ID, graph.NewID()), nil, http.StatusNotFound},
		{"change set of another workspace", "GET", changeSetPath(graph.NewID(), created.Head.ID), nil, http.StatusNotFound},
		{"missing name", "POST", "/v1/workspaces", proto.CreateWorkspaceRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp proto.ErrorResponse
			assert.Equal(t, tt.status, srv.do(t, tt.method, tt.path, tt.body, &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestEnqueueUpdates(t *testing.T) {
	srv := newTestServer(t)
	created := srv.createWorkspace(t)
	ws, head := created.Workspace, created.Head

	_, g, err := srv.svc.Head(context.Background(), head.ID)
	require.NoError(t, err)
	category, _ := g.Category(graph.CategoryComponent)
	component := graph.MustNewWeight(graph.KindComponent, graph.ContentAddress{
		Kind: graph.ContentComponent, Hash: cas.Sum([]byte("web")),
	})
	updates, err := update.NewBatch(g).Add(category, graph.NewEdgeWeight(graph.EdgeUse), component).Updates()
	require.NoError(t, err)

	body := proto.EnqueueUpdatesRequest{BaseSnapshotAddress: head.Snapshot, Updates: updates}
	var resp proto.EnqueueUpdatesResponse
	code := srv.do(t, "POST", changeSetPath(ws.ID, head.ID)+"/updates?wait=1", body, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, proto.StatusSuccess, resp.Status.Kind, resp.Status.Message)

	var cs store.ChangeSet
	require.Equal(t, http.StatusOK, srv.do(t, "GET", changeSetPath(ws.ID, head.ID), nil, &cs))
	assert.Equal(t, resp.Status.NewSnapshotAddress, cs.Snapshot)

	snap, err := http.Get(srv.URL + changeSetPath(ws.ID, head.ID) + "/snapshot")
	require.NoError(t, err)
	data, err := io.ReadAll(snap.Body)
	snap.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, cs.Snapshot.String(), snap.Header.Get("X-Snapshot-Address"))
	decoded, err := graph.Decode(data)
	require.NoError(t, err)
	assert.True(t, decoded.NodeExists(component.ID))

	var history proto.HistoryResponse
	require.Equal(t, http.StatusOK, srv.do(t, "GET", changeSetPath(ws.ID, head.ID)+"/history", nil, &history))
	require.Len(t, history.Entries, 2)
	assert.Equal(t, resp.ID.String(), history.Entries[1].RequestID)

	var queued proto.EnqueueResponse
	code = srv.do(t, "POST", changeSetPath(ws.ID, head.ID)+"/updates", proto.EnqueueUpdatesRequest{}, &queued)
	require.Equal(t, http.StatusAccepted, code)
	assert.Positive(t, queued.Seq)
}

func TestEnqueueUpdates_AbandonedChangeSet(t *testing.T) {
	srv := newTestServer(t)
	created := srv.createWorkspace(t)
	ws := created.Workspace

	var cs store.ChangeSet
	srv.do(t, "POST", "/v1/workspaces/"+ws.ID.String()+"/change_sets", proto.CreateChangeSetRequest{Name: "f"}, &cs)
	srv.do(t, "POST", changeSetPath(ws.ID, cs.ID)+"/abandon", nil, nil)

	var resp proto.EnqueueUpdatesResponse
	code := srv.do(t, "POST", changeSetPath(ws.ID, cs.ID)+"/updates?wait=true", proto.EnqueueUpdatesRequest{}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, proto.StatusError, resp.Status.Kind)

	var dead proto.DeadLettersResponse
	require.Equal(t, http.StatusOK, srv.do(t, "GET", changeSetPath(ws.ID, cs.ID)+"/dead_letters", nil, &dead))
	assert.Len(t, dead.DeadLetters, 1)
}

func TestEvents(t *testing.T) {
	srv := newTestServer(t)
	created := srv.createWorkspace(t)
	ws, head := created.Workspace, created.Head

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?match=" + ws.ID.String() + "/*"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var resp proto.EnqueueUpdatesResponse
	code := srv.do(t, "POST", changeSetPath(ws.ID, head.ID)+"/updates?wait=1", proto.EnqueueUpdatesRequest{}, &resp)
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e proto.SnapshotWritten
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, head.ID, e.ChangeSetID)
	assert.Equal(t, resp.ID, e.RequestID)
}

func TestGzipMiddleware(t *testing.T) {
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
