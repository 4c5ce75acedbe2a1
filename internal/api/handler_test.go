package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/orchestrator"
	"github.com/nidhogg/nuka-flow/internal/progress"
	"github.com/nidhogg/nuka-flow/internal/store"
)

// fakeWorkflows answers every request through the tracker, asking one
// clarification question so tests can check the supplied answers.
type fakeWorkflows struct {
	tracker *progress.Tracker
	release chan struct{}
}

func (f *fakeWorkflows) Process(ctx context.Context, req orchestrator.Request) *orchestrator.Result {
	f.tracker.Start(req.WorkflowID, req.Text)
	if f.release != nil {
		<-f.release
	}
	answer := ""
	if req.Input != nil {
		answer, _ = req.Input(ctx, "Which format?")
	}
	res := &orchestrator.Result{
		WorkflowID:      req.WorkflowID,
		OriginalRequest: req.Text,
		FinalOutput:     "done: " + answer,
		Success:         true,
		Timestamp:       time.Now(),
	}
	f.tracker.Complete(req.WorkflowID, res.FinalOutput, true, "")
	return res
}

type fakeResults struct {
	byID map[string]*orchestrator.Result
}

func (f *fakeResults) GetResult(_ context.Context, id string) (*orchestrator.Result, error) {
	if r, ok := f.byID[id]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeResults) ListResults(_ context.Context, limit int) ([]store.ResultSummary, error) {
	var out []store.ResultSummary
	for id, r := range f.byID {
		out = append(out, store.ResultSummary{ID: id, Request: r.OriginalRequest, Success: r.Success})
	}
	return out, nil
}

func newTestServer(t *testing.T, opts Options) (*Handler, *httptest.Server) {
	t.Helper()
	if opts.Tracker == nil {
		opts.Tracker = progress.NewTracker(nil, zap.NewNop())
	}
	if opts.Workflows == nil {
		opts.Workflows = &fakeWorkflows{tracker: opts.Tracker}
	}
	h, err := NewHandler(opts, zap.NewNop())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	ts := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = h.Shutdown(context.Background())
	})
	return h, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestNewHandlerRequiresWorkflows(t *testing.T) {
	if _, err := NewHandler(Options{}, zap.NewNop()); err == nil {
		t.Fatal("expected error without workflows and tracker")
	}
}

func TestHealthCheck(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestRunWorkflowSync(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp := postJSON(t, ts, "/api/workflows/sync", map[string]any{
		"request": "write a haiku",
		"answers": []string{"5-7-5"},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var res orchestrator.Result
	decodeJSON(t, resp, &res)
	if !res.Success || res.FinalOutput != "done: 5-7-5" {
		t.Errorf("unexpected result: %+v", res)
	}

	// The result stays readable without a store.
	resp = getJSON(t, ts, "/api/results/"+res.WorkflowID)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 for recent result, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/results")
	var rows []store.ResultSummary
	decodeJSON(t, resp, &rows)
	if len(rows) != 1 || rows[0].ID != res.WorkflowID {
		t.Errorf("unexpected summaries: %+v", rows)
	}
}

func TestSubmitWorkflowValidation(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp := postJSON(t, ts, "/api/workflows", map[string]string{"context": "no request"})
	if resp.StatusCode != 400 {
		t.Errorf("expected 400 for missing request, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Post(ts.URL+"/api/workflows", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("expected 400 for bad json, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubmitWorkflowAsync(t *testing.T) {
	tracker := progress.NewTracker(nil, zap.NewNop())
	wf := &fakeWorkflows{tracker: tracker, release: make(chan struct{})}
	h, ts := newTestServer(t, Options{Tracker: tracker, Workflows: wf})

	resp := postJSON(t, ts, "/api/workflows", map[string]any{"request": "plan a trip"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	id := body["workflow_id"]
	if id == "" {
		t.Fatal("expected workflow_id")
	}

	close(wf.release)
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	resp = getJSON(t, ts, "/api/workflows/"+id)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap progress.Workflow
	decodeJSON(t, resp, &snap)
	if snap.Stage != progress.StageCompleted {
		t.Errorf("expected completed, got %s", snap.Stage)
	}

	resp = getJSON(t, ts, "/api/workflows")
	var all []progress.Workflow
	decodeJSON(t, resp, &all)
	if len(all) != 1 {
		t.Errorf("expected 1 workflow, got %d", len(all))
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp := getJSON(t, ts, "/api/workflows/missing")
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestResultsFromStore(t *testing.T) {
	results := &fakeResults{byID: map[string]*orchestrator.Result{
		"wf-9": {WorkflowID: "wf-9", OriginalRequest: "old", Success: true},
	}}
	_, ts := newTestServer(t, Options{Results: results})

	resp := getJSON(t, ts, "/api/results/wf-9")
	var res orchestrator.Result
	decodeJSON(t, resp, &res)
	if res.OriginalRequest != "old" {
		t.Errorf("unexpected result %+v", res)
	}

	resp = getJSON(t, ts, "/api/results/nope")
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/results?limit=zero")
	if resp.StatusCode != 400 {
		t.Errorf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/results?limit=5")
	var rows []store.ResultSummary
	decodeJSON(t, resp, &rows)
	if len(rows) != 1 {
		t.Errorf("expected 1 row, got %d", len(rows))
	}
}

func TestStreamCompletedWorkflow(t *testing.T) {
	tracker := progress.NewTracker(nil, zap.NewNop())
	tracker.Start("wf-1", "req")
	tracker.Complete("wf-1", "out", true, "")
	_, ts := newTestServer(t, Options{Tracker: tracker})

	resp := getJSON(t, ts, "/api/workflows/wf-1/events")
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "event: stage_changed\n" {
		t.Errorf("unexpected first line %q", line)
	}
}

func TestMetricsAndProviders(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("nuka_flow_up 1\n"))
	})
	_, ts := newTestServer(t, Options{Metrics: metrics})

	resp := getJSON(t, ts, "/metrics")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/providers")
	var provs []providerInfo
	decodeJSON(t, resp, &provs)
	if len(provs) != 0 {
		t.Errorf("expected no providers, got %d", len(provs))
	}
}

func TestAnswerInput(t *testing.T) {
	ask := answerInput([]string{"a", "b"})
	ctx := context.Background()
	for _, want := range []string{"a", "b", "", ""} {
		got, err := ask(ctx, "q")
		if err != nil || got != want {
			t.Errorf("got %q, %v; want %q", got, err, want)
		}
	}
}
