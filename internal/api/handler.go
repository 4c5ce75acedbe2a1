package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/confidence"
	"github.com/nidhogg/nuka-flow/internal/orchestrator"
	"github.com/nidhogg/nuka-flow/internal/progress"
	"github.com/nidhogg/nuka-flow/internal/provider"
	"github.com/nidhogg/nuka-flow/internal/store"
)

// recentResults is how many finished results are kept in memory.
const recentResults = 256

// Workflows runs one request through the pipeline.
type Workflows interface {
	Process(ctx context.Context, req orchestrator.Request) *orchestrator.Result
}

// Results reads persisted workflow results.
type Results interface {
	GetResult(ctx context.Context, id string) (*orchestrator.Result, error)
	ListResults(ctx context.Context, limit int) ([]store.ResultSummary, error)
}

// ProviderLister lists the registered LLM providers.
type ProviderLister interface {
	ListProviders() []provider.Provider
	DefaultID() string
}

// Options are the Handler's dependencies. Workflows and Tracker are
// required; the rest switch their routes off when nil.
type Options struct {
	Workflows Workflows
	Tracker   *progress.Tracker
	Results   Results
	Providers ProviderLister
	Metrics   http.Handler
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	opts   Options
	logger *zap.Logger

	recent *lru.Cache[string, *orchestrator.Result]

	// ctx outlives requests so async workflows keep running after 202.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a new API handler.
func NewHandler(opts Options, logger *zap.Logger) (*Handler, error) {
	if opts.Workflows == nil || opts.Tracker == nil {
		return nil, errors.New("api: workflows and tracker are required")
	}
	recent, err := lru.New[string, *orchestrator.Result](recentResults)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{opts: opts, logger: logger, recent: recent, ctx: ctx, cancel: cancel}, nil
}

// Shutdown cancels running async workflows and waits for them to record
// their results, or for ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/workflows", h.submitWorkflow)
		r.Post("/workflows/sync", h.runWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Get("/workflows/{id}/events", h.streamWorkflow)

		r.Get("/results", h.listResults)
		r.Get("/results/{id}", h.getResult)

		r.Get("/providers", h.listProviders)
	})
	if h.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.opts.Metrics)
	}

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"workflows": len(h.opts.Tracker.List()),
		"store":     h.opts.Results != nil,
	})
}

type workflowRequest struct {
	Request        string   `json:"request"`
	Context        string   `json:"context,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Answers        []string `json:"answers,omitempty"`
}

func (h *Handler) decodeWorkflow(w http.ResponseWriter, r *http.Request) (orchestrator.Request, bool) {
	var body workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return orchestrator.Request{}, false
	}
	if body.Request == "" {
		writeError(w, http.StatusBadRequest, "request is required")
		return orchestrator.Request{}, false
	}
	return orchestrator.Request{
		Text:           body.Request,
		Context:        body.Context,
		ConversationID: body.ConversationID,
		WorkflowID:     uuid.NewString(),
		Input:          answerInput(body.Answers),
	}, true
}

func (h *Handler) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeWorkflow(w, r)
	if !ok {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.remember(h.opts.Workflows.Process(h.ctx, req))
	}()
	h.logger.Info("workflow accepted", zap.String("workflow_id", req.WorkflowID))
	writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": req.WorkflowID, "status": "accepted"})
}

func (h *Handler) runWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeWorkflow(w, r)
	if !ok {
		return
	}
	res := h.opts.Workflows.Process(r.Context(), req)
	h.remember(res)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) remember(res *orchestrator.Result) {
	if res != nil {
		h.recent.Add(res.WorkflowID, res)
	}
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Tracker.List())
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.opts.Tracker.Snapshot(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// streamWorkflow sends the workflow's progress events as server-sent events
// until it completes or the client goes away.
func (h *Handler) streamWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, unsubscribe := h.opts.Tracker.Subscribe(64)
	defer unsubscribe()

	wf, ok := h.opts.Tracker.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	writeEvent(w, progress.Event{Type: progress.EventStageChanged, WorkflowID: id, Workflow: wf})
	flusher.Flush()
	if wf.Stage == progress.StageCompleted || wf.Stage == progress.StageFailed {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.WorkflowID != id {
				continue
			}
			writeEvent(w, ev)
			flusher.Flush()
			if ev.Type == progress.EventWorkflowCompleted {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev progress.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

func (h *Handler) getResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if res, ok := h.recent.Get(id); ok {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if h.opts.Results == nil {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	res, err := h.opts.Results.GetResult(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "result not found")
	case err != nil:
		h.logger.Error("load result", zap.String("workflow_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) listResults(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if h.opts.Results != nil {
		rows, err := h.opts.Results.ListResults(r.Context(), limit)
		if err != nil {
			h.logger.Error("list results", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}
	writeJSON(w, http.StatusOK, h.recentSummaries(limit))
}

// recentSummaries lists the in-memory results, newest first.
func (h *Handler) recentSummaries(limit int) []store.ResultSummary {
	rows := make([]store.ResultSummary, 0, h.recent.Len())
	for _, res := range h.recent.Values() {
		row := store.ResultSummary{
			ID:             res.WorkflowID,
			ConversationID: res.ConversationID,
			Request:        res.OriginalRequest,
			Success:        res.Success,
			Error:          res.Error,
			ElapsedSeconds: res.ElapsedSeconds,
			CreatedAt:      res.Timestamp,
		}
		if res.FinalCritique != nil {
			q := res.FinalCritique.QualityScore
			row.Quality = &q
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

type providerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	out := []providerInfo{}
	if h.opts.Providers != nil {
		def := h.opts.Providers.DefaultID()
		for _, p := range h.opts.Providers.ListProviders() {
			out = append(out, providerInfo{ID: p.ID(), Name: p.Name(), Default: p.ID() == def})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// answerInput replays pre-supplied answers in order, then answers empty.
func answerInput(answers []string) confidence.InputFunc {
	var (
		mu   sync.Mutex
		next int
	)
	return func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(answers) {
			return "", nil
		}
		a := answers[next]
		next++
		return a, nil
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
