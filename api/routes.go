// Package api provides the HTTP API of the rebaser: workspace and change
// set administration, request ingress onto the rebase queue, inspection of
// heads and pointer history, and the event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rebaser/apperror"
	"rebaser/config"
	"rebaser/events"
	"rebaser/graph"
	"rebaser/proto"
	"rebaser/rebase"
	"rebaser/store"
)

// maxBodySize bounds request bodies.
const maxBodySize = 64 << 20

// Handler wraps the rebase service and config for HTTP handlers.
type Handler struct {
	svc *rebase.Service
	db  *store.DB
	cfg *config.Config
	log *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *rebase.Service, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{svc: svc, db: svc.DB(), cfg: cfg, log: log}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(svc *rebase.Service, bus *events.Bus, cfg *config.Config, log *zap.Logger) http.Handler {
	h := NewHandler(svc, cfg, log)
	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)
	// GzipMiddleware compresses the exposition; promhttp must not do it again.
	mux.Handle("GET /metrics", promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{DisableCompression: true})))

	// Workspaces
	mux.HandleFunc("POST /v1/workspaces", h.CreateWorkspace)
	mux.HandleFunc("GET /v1/workspaces", h.ListWorkspaces)
	mux.HandleFunc("GET /v1/workspaces/{ws}", h.GetWorkspace)

	// Change sets
	mux.HandleFunc("POST /v1/workspaces/{ws}/change_sets", h.CreateChangeSet)
	mux.HandleFunc("GET /v1/workspaces/{ws}/change_sets", h.ListChangeSets)
	mux.HandleFunc("GET /v1/workspaces/{ws}/change_sets/{cs}", h.GetChangeSet)
	mux.HandleFunc("POST /v1/workspaces/{ws}/change_sets/{cs}/abandon", h.AbandonChangeSet)
	mux.HandleFunc("GET /v1/workspaces/{ws}/change_sets/{cs}/snapshot", h.GetSnapshot)
	mux.HandleFunc("GET /v1/workspaces/{ws}/change_sets/{cs}/history", h.History)
	mux.HandleFunc("GET /v1/workspaces/{ws}/change_sets/{cs}/dead_letters", h.DeadLetters)

	// Rebase queue
	mux.HandleFunc("POST /v1/workspaces/{ws}/change_sets/{cs}/updates", h.EnqueueUpdates)

	// Event stream
	if bus != nil {
		mux.Handle("GET /v1/events", events.NewHandler(bus, log))
	}

	return mux
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	depth, err := h.db.QueueDepth(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:     "ready",
		Version:    h.cfg.Version,
		QueueDepth: depth,
	})
}

// ----- Workspaces -----

func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateWorkspaceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		h.writeError(w, apperror.Serialization("name required", nil))
		return
	}

	ws, head, err := h.svc.CreateWorkspace(r.Context(), req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proto.WorkspaceResponse{Workspace: ws, Head: head})
}

func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := h.db.ListWorkspaces(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.WorkspacesResponse{Workspaces: list})
}

func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	head, err := h.db.GetChangeSet(r.Context(), ws.DefaultChangeSetID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.WorkspaceResponse{Workspace: ws, Head: head})
}

// ----- Change sets -----

func (h *Handler) CreateChangeSet(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req proto.CreateChangeSetRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		h.writeError(w, apperror.Serialization("name required", nil))
		return
	}

	cs, err := h.db.CreateChangeSet(r.Context(), ws.ID, req.Name, req.BaseChangeSetID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cs)
}

func (h *Handler) ListChangeSets(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	list, err := h.db.ListChangeSets(r.Context(), ws.ID, store.Status(r.URL.Query().Get("status")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.ChangeSetsResponse{ChangeSets: list})
}

func (h *Handler) GetChangeSet(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.changeSet(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) AbandonChangeSet(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.changeSet(w, r)
	if !ok {
		return
	}
	if err := h.db.SetChangeSetStatus(r.Context(), cs.ID, store.StatusAbandoned); err != nil {
		h.writeError(w, err)
		return
	}
	cs, err := h.db.GetChangeSet(r.Context(), cs.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// GetSnapshot returns the encoded graph a change set points at.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.changeSet(w, r)
	if !ok {
		return
	}
	g, err := h.svc.Snapshot(r.Context(), cs.Snapshot)
	if err != nil {
		h.writeError(w, err)
		return
	}
	data, _, err := g.Encode()
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Snapshot-Address", cs.Snapshot.String())
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.changeSet(w, r)
	if !ok {
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.db.PointerHistory(r.Context(), cs.ID, after, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.HistoryResponse{Entries: entries})
}

func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.changeSet(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	key := store.Key{WorkspaceID: cs.WorkspaceID, ChangeSetID: cs.ID}

	list, err := h.db.DeadLetters(r.Context(), key, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.DeadLettersResponse{DeadLetters: list})
}

// ----- Rebase queue -----

// EnqueueUpdates queues a batch for the change set in the path. With
// ?wait=1 it answers with the rebase outcome instead of the queue position.
func (h *Handler) EnqueueUpdates(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.changeSet(w, r)
	if !ok {
		return
	}
	var req proto.EnqueueUpdatesRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.WorkspaceID = cs.WorkspaceID
	req.ChangeSetID = cs.ID

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		seq, err := h.svc.Enqueue(r.Context(), &req)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, proto.EnqueueResponse{ID: req.ID, Seq: seq})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.WaitTimeout)
	defer cancel()
	resp, err := h.svc.EnqueueAndWait(ctx, &req)
	if errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusGatewayTimeout, proto.ErrorResponse{
			Error: "timed out waiting for the rebase; the request stays queued",
		})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----- Helpers -----

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, apperror.Serialization("invalid request body", err))
		return false
	}
	return true
}

func (h *Handler) workspace(w http.ResponseWriter, r *http.Request) (*store.Workspace, bool) {
	id, err := graph.ParseID(r.PathValue("ws"))
	if err != nil {
		h.writeError(w, apperror.Serialization("invalid workspace id", err))
		return nil, false
	}
	ws, err := h.db.GetWorkspace(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return ws, true
}

func (h *Handler) changeSet(w http.ResponseWriter, r *http.Request) (*store.ChangeSet, bool) {
	wsID, err := graph.ParseID(r.PathValue("ws"))
	if err != nil {
		h.writeError(w, apperror.Serialization("invalid workspace id", err))
		return nil, false
	}
	csID, err := graph.ParseID(r.PathValue("cs"))
	if err != nil {
		h.writeError(w, apperror.Serialization("invalid change set id", err))
		return nil, false
	}
	cs, err := h.db.GetChangeSet(r.Context(), csID)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	if cs.WorkspaceID != wsID {
		h.writeError(w, store.ErrChangeSetNotFound)
		return nil, false
	}
	return cs, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	switch apperror.KindOf(err) {
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindSerialization:
		return http.StatusBadRequest
	case apperror.KindAbandoned:
		return http.StatusConflict
	case apperror.KindInvariantViolation, apperror.KindGraphTraversal:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, proto.ErrorResponse{
		Error: err.Error(),
		Code:  string(apperror.KindOf(err)),
	})
}

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// NewServer returns an http.Server for handler. Writes are not bounded so
// event streams and waiting enqueues stay open.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
