// Package runner executes a single task according to its source.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/critique"
	"github.com/nidhogg/nuka-flow/internal/task"
	"github.com/nidhogg/nuka-flow/internal/textutil"
)

var (
	// ErrUnsupportedSource means no runner is registered for the source.
	ErrUnsupportedSource = errors.New("unsupported task source")
	// ErrNotConfigured means the runner exists but its backend is disabled.
	ErrNotConfigured = errors.New("runner not configured")
)

// maxOutput caps what a runner hands back for critique and synthesis.
const maxOutput = 64 << 10

// Attempt is one earlier try at the same task.
type Attempt struct {
	Description string
	Output      string
	Critique    critique.Result
}

// Request is everything a runner sees. Task must not be mutated.
type Request struct {
	Task *task.Task
	// Inputs holds the outputs of the task's dependencies by task id.
	Inputs  map[string]string
	History []Attempt
}

// Output is a runner's result. Text is what gets critiqued and synthesized;
// Data optionally carries the structured form.
type Output struct {
	Text string `json:"text"`
	Data any    `json:"data,omitempty"`
}

// Runner executes tasks of one source.
type Runner interface {
	Run(ctx context.Context, req Request) (Output, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, req Request) (Output, error)

func (f Func) Run(ctx context.Context, req Request) (Output, error) { return f(ctx, req) }

// Registry dispatches by task source.
type Registry struct {
	runners map[task.Source]Runner
	logger  *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{runners: make(map[task.Source]Runner), logger: logger}
}

// Register binds r to src, replacing any previous runner.
func (r *Registry) Register(src task.Source, run Runner) {
	r.runners[src] = run
}

// Sources lists registered sources in sorted order.
func (r *Registry) Sources() []task.Source {
	out := make([]task.Source, 0, len(r.runners))
	for s := range r.runners {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run executes req with the runner registered for its source.
func (r *Registry) Run(ctx context.Context, req Request) (Output, error) {
	run, ok := r.runners[req.Task.Source]
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrUnsupportedSource, req.Task.Source)
	}
	r.logger.Debug("running task",
		zap.String("task_id", req.Task.ID),
		zap.String("source", string(req.Task.Source)),
		zap.Int("attempt", len(req.History)+1))
	out, err := run.Run(ctx, req)
	if err != nil {
		return Output{}, err
	}
	out.Text = truncate(out.Text, maxOutput)
	return out, nil
}

// detailMap reads an object detail.
func detailMap(t *task.Task, key string) map[string]any {
	if t.SourceDetails == nil {
		return nil
	}
	m, _ := t.SourceDetails[key].(map[string]any)
	return m
}

func toJSONText(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func truncate(s string, n int) string {
	return textutil.Clip(s, n, "\n...[truncated]")
}
