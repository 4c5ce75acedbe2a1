// Package executor walks a plan's dependency graph, running each task with a
// runner inside a critique-driven retry loop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/config"
	"github.com/nidhogg/nuka-flow/internal/critique"
	"github.com/nidhogg/nuka-flow/internal/decision"
	"github.com/nidhogg/nuka-flow/internal/progress"
	"github.com/nidhogg/nuka-flow/internal/provider"
	"github.com/nidhogg/nuka-flow/internal/retry"
	"github.com/nidhogg/nuka-flow/internal/runner"
	"github.com/nidhogg/nuka-flow/internal/task"
	"github.com/nidhogg/nuka-flow/internal/telemetry"
)

// ErrCircularDependency is returned alongside partial results when pending
// tasks remain but none can become ready.
var ErrCircularDependency = errors.New("circular dependency")

// ValidationError lists the success criteria an output failed.
type ValidationError struct {
	Failed []string
}

func (e *ValidationError) Error() string {
	return "Validation failed: " + strings.Join(e.Failed, ", ")
}

// Result is the outcome of one task.
type Result struct {
	TaskID     string             `json:"task_id"`
	Success    bool               `json:"success"`
	Output     string             `json:"output"`
	Duration   time.Duration      `json:"duration"`
	Retries    int                `json:"retries"`
	Attempts   int                `json:"attempts"`
	Error      string             `json:"error,omitempty"`
	Validation map[string]bool    `json:"validation,omitempty"`
	Critiques  []critique.Result  `json:"critiques,omitempty"`
	Decision   *decision.Decision `json:"decision,omitempty"`
}

// Quality is the score of the last critique, or -1 when uncritiqued.
func (r *Result) Quality() float64 {
	if len(r.Critiques) == 0 {
		return -1
	}
	return r.Critiques[len(r.Critiques)-1].QualityScore
}

// Results maps task ids to results.
type Results map[string]*Result

// Reporter receives task progress.
type Reporter interface {
	UpdateTask(workflowID string, u progress.TaskUpdate)
}

// Options are the executor's collaborators. Critic, Decider, Validator,
// Reporter and Metrics may be nil.
type Options struct {
	Runner    runner.Runner
	Critic    critique.Critic
	Decider   *decision.Maker
	Validator provider.Generator
	Reporter  Reporter
	Metrics   *telemetry.Metrics
}

// Executor runs plans.
type Executor struct {
	cfg    config.ExecutionConfig
	opts   Options
	logger *zap.Logger
}

// New creates an Executor.
func New(cfg config.ExecutionConfig, opts Options, logger *zap.Logger) *Executor {
	return &Executor{cfg: cfg, opts: opts, logger: logger}
}

// critiqueAttempts is the cap on critique-driven attempts per task.
func (e *Executor) critiqueAttempts() int {
	return max(1, e.cfg.MaxRetries)
}

// ExecutePlan runs plan with strategy, mutating task statuses in place. It
// always returns the results gathered so far; the error is non-nil only
// for a circular dependency.
func (e *Executor) ExecutePlan(ctx context.Context, workflowID string, plan *task.Plan, strategy config.Strategy) (Results, error) {
	ctx, span := telemetry.StartSpan(ctx, "executor.plan",
		attribute.String("workflow.id", workflowID),
		attribute.String("strategy", string(strategy)),
		attribute.Int("tasks", len(plan.Tasks)))
	defer span.End()

	e.logger.Info("executing task plan",
		zap.String("workflow_id", workflowID),
		zap.Int("tasks", len(plan.Tasks)),
		zap.String("strategy", string(strategy)))

	r := &run{
		e:         e,
		wfID:      workflowID,
		plan:      plan,
		completed: make(map[string]bool),
		results:   make(Results),
	}

	var err error
	switch strategy {
	case config.StrategySequential:
		err = r.sequential(ctx)
	case config.StrategyParallel:
		err = r.parallel(ctx)
	default:
		err = r.greedy(ctx)
	}

	ok := 0
	for _, res := range r.results {
		if res.Success {
			ok++
		}
	}
	e.logger.Info("task plan execution completed",
		zap.String("workflow_id", workflowID),
		zap.Int("executed", len(r.results)),
		zap.Int("successful", ok),
		zap.Int("skipped", plan.Count(task.StatusSkipped)))
	return r.results, err
}

// run is the mutable state of one ExecutePlan call. mu guards task
// statuses, completed and results.
type run struct {
	e    *Executor
	wfID string
	plan *task.Plan

	mu        sync.Mutex
	completed map[string]bool
	results   Results
}

func (r *run) setStatus(t *task.Task, s task.Status) {
	r.mu.Lock()
	err := t.SetStatus(s)
	r.mu.Unlock()
	if err != nil {
		r.e.logger.Error("invalid task transition", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (r *run) report(u progress.TaskUpdate) {
	if r.e.opts.Reporter != nil {
		r.e.opts.Reporter.UpdateTask(r.wfID, u)
	}
}

// inputs collects the outputs of t's dependencies.
func (r *run) inputs(t *task.Task) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(t.Dependencies) == 0 {
		return nil
	}
	in := make(map[string]string, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if res, ok := r.results[dep]; ok && res.Success {
			in[dep] = res.Output
		}
	}
	return in
}

// start claims a pending task. Callers hold no lock.
func (r *run) start(t *task.Task) {
	r.setStatus(t, task.StatusInProgress)
	r.report(progress.TaskUpdate{TaskID: t.ID, Status: progress.StatusInProgress, Attempt: 1,
		MaxAttempts: r.e.critiqueAttempts()})
}

// finish records res and returns whether the task failed. A task whose run
// was cut short by cancellation of ctx is skipped instead of failed and
// gets no result.
func (r *run) finish(ctx context.Context, t *task.Task, res *Result) (failed bool) {
	if !res.Success && ctx.Err() != nil {
		r.skip(t, "cancelled")
		return false
	}
	var err error
	r.mu.Lock()
	r.results[t.ID] = res
	if res.Success {
		r.completed[t.ID] = true
		t.Result = res.Output
		err = t.SetStatus(task.StatusCompleted)
	} else {
		t.Error = res.Error
		err = t.SetStatus(task.StatusFailed)
	}
	r.mu.Unlock()
	if err != nil {
		r.e.logger.Error("invalid task transition", zap.String("task_id", t.ID), zap.Error(err))
	}

	u := progress.TaskUpdate{TaskID: t.ID, Output: res.Output, Error: res.Error}
	if q := res.Quality(); q >= 0 {
		u.Quality = &q
	}
	if res.Success {
		u.Status = progress.StatusCompleted
	} else {
		u.Status = progress.StatusFailed
	}
	r.report(u)
	return !res.Success
}

func (r *run) skip(t *task.Task, reason string) {
	r.setStatus(t, task.StatusSkipped)
	r.report(progress.TaskUpdate{TaskID: t.ID, Status: progress.StatusSkipped, Error: reason})
}

// skipPending marks every pending task skipped.
func (r *run) skipPending(reason string) {
	r.mu.Lock()
	ids := r.plan.SkipPending()
	r.mu.Unlock()
	for _, id := range ids {
		r.report(progress.TaskUpdate{TaskID: id, Status: progress.StatusSkipped, Error: reason})
	}
	if len(ids) > 0 {
		r.e.logger.Info("tasks skipped", zap.Strings("task_ids", ids), zap.String("reason", reason))
	}
}

// stuck handles the no-ready-but-pending condition. Tasks that depend,
// directly or through other pending tasks, on a failed, skipped or missing
// task are skipped. Whatever is still pending after that forms a cycle.
func (r *run) stuck() error {
	r.mu.Lock()
	pending := r.plan.Pending()
	blocked := make(map[string]bool, len(pending))
	for changed := true; changed; {
		changed = false
		for _, t := range pending {
			if blocked[t.ID] {
				continue
			}
			for _, dep := range t.Dependencies {
				d := r.plan.Get(dep)
				if d == nil || d.Status == task.StatusFailed || d.Status == task.StatusSkipped || blocked[dep] {
					blocked[t.ID] = true
					changed = true
					break
				}
			}
		}
	}
	var skipped, cyclic []*task.Task
	for _, t := range pending {
		if blocked[t.ID] {
			skipped = append(skipped, t)
		} else {
			cyclic = append(cyclic, t)
		}
	}
	r.mu.Unlock()

	if len(skipped) > 0 {
		r.e.logger.Warn("pending tasks blocked by failed or missing dependencies", zap.Strings("task_ids", taskIDs(skipped)))
		for _, t := range skipped {
			r.skip(t, "dependency not satisfied")
		}
	}
	if len(cyclic) == 0 {
		return nil
	}
	ids := taskIDs(cyclic)
	r.e.logger.Error("circular dependency detected", zap.Strings("pending_tasks", ids))
	r.e.opts.Metrics.IncCircularDependency()
	r.skipPending("circular dependency")
	return fmt.Errorf("%w among tasks %s", ErrCircularDependency, strings.Join(ids, ", "))
}

func taskIDs(tasks []*task.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func (r *run) ready() []*task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan.Ready(r.completed)
}

func (r *run) greedy(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			r.skipPending("cancelled")
			return nil
		}
		ready := r.ready()
		if len(ready) == 0 {
			return r.stuck()
		}
		t := ready[0]
		r.start(t)
		res := r.e.executeTask(ctx, r, t)
		if r.finish(ctx, t, res) && r.e.cfg.FailFast {
			r.e.logger.Warn("fail-fast triggered, stopping execution", zap.String("task_id", t.ID))
			r.skipPending("fail-fast")
			return nil
		}
	}
}

func (r *run) sequential(ctx context.Context) error {
	for _, t := range r.plan.Tasks {
		if ctx.Err() != nil {
			r.skipPending("cancelled")
			return nil
		}
		r.mu.Lock()
		pending := t.Status == task.StatusPending
		ready := t.Ready(r.completed)
		r.mu.Unlock()
		if !pending {
			continue
		}
		if !ready {
			r.e.logger.Warn("task dependencies not met",
				zap.String("task_id", t.ID), zap.Strings("dependencies", t.Dependencies))
			r.skip(t, "dependencies not met")
			continue
		}
		r.start(t)
		res := r.e.executeTask(ctx, r, t)
		if r.finish(ctx, t, res) && r.e.cfg.FailFast {
			r.e.logger.Warn("fail-fast triggered, stopping execution", zap.String("task_id", t.ID))
			r.skipPending("fail-fast")
			return nil
		}
	}
	return nil
}

type done struct {
	t   *task.Task
	res *Result
}

// parallel dispatches every ready task up to MaxParallelTasks at once. With
// FailFast the first failure stops dispatch and cancels in-flight tasks,
// which are then skipped.
func (r *run) parallel(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	slots := make(chan struct{}, max(1, r.e.cfg.MaxParallelTasks))
	results := make(chan done)
	running := 0
	stopped := false

	for {
		if !stopped && ctx.Err() == nil {
		dispatch:
			for _, t := range r.ready() {
				select {
				case slots <- struct{}{}:
				default:
					break dispatch
				}
				r.start(t)
				running++
				go func() {
					res := r.e.executeTask(ctx, r, t)
					<-slots
					results <- done{t: t, res: res}
				}()
			}
		}

		if running == 0 {
			break
		}
		d := <-results
		running--
		if r.finish(ctx, d.t, d.res) && r.e.cfg.FailFast && !stopped {
			r.e.logger.Warn("fail-fast triggered, cancelling in-flight tasks", zap.String("task_id", d.t.ID))
			stopped = true
			cancel()
		}
	}

	switch {
	case stopped:
		r.skipPending("fail-fast")
	case parent.Err() != nil:
		r.skipPending("cancelled")
	default:
		return r.stuck()
	}
	return nil
}

// runOnce calls the runner, retrying runner errors with backoff.
func (e *Executor) runOnce(ctx context.Context, req runner.Request) (runner.Output, int, error) {
	policy := retry.Policy{Base: e.cfg.RetryBackoff(), MaxAttempts: e.cfg.MaxRetries + 1}
	var out runner.Output
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		out, err = e.opts.Runner.Run(ctx, req)
		e.opts.Metrics.ObserveTaskAttempt(string(req.Task.Source), err)
		if errors.Is(err, runner.ErrUnsupportedSource) || errors.Is(err, runner.ErrNotConfigured) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("task execution failed, retrying",
			zap.String("task_id", req.Task.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	return out, max(0, attempts-1), err
}
