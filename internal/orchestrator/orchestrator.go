// Package orchestrator sequences the request pipeline: confidence scoring,
// clarification, planning, execution and synthesis.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/config"
	"github.com/nidhogg/nuka-flow/internal/confidence"
	"github.com/nidhogg/nuka-flow/internal/conversation"
	"github.com/nidhogg/nuka-flow/internal/critique"
	"github.com/nidhogg/nuka-flow/internal/decision"
	"github.com/nidhogg/nuka-flow/internal/executor"
	"github.com/nidhogg/nuka-flow/internal/progress"
	"github.com/nidhogg/nuka-flow/internal/provider"
	"github.com/nidhogg/nuka-flow/internal/runner"
	"github.com/nidhogg/nuka-flow/internal/task"
	"github.com/nidhogg/nuka-flow/internal/telemetry"
	"github.com/nidhogg/nuka-flow/internal/textutil"
)

// sideEffectTimeout bounds persistence and notification after a workflow.
const sideEffectTimeout = 30 * time.Second

type Clarifier interface {
	Resolve(ctx context.Context, request string, score confidence.Score, input confidence.InputFunc) confidence.Outcome
}

type Planner interface {
	Plan(ctx context.Context, request, extra string) *task.Plan
}

type PlanExecutor interface {
	ExecutePlan(ctx context.Context, workflowID string, plan *task.Plan, strategy config.Strategy) (executor.Results, error)
}

// ResultStore persists finished workflows.
type ResultStore interface {
	SaveResult(ctx context.Context, r *Result) error
}

// PlanRecorder persists plan graphs.
type PlanRecorder interface {
	SavePlan(ctx context.Context, workflowID, request string, plan *task.Plan) error
}

// Indexer makes final outputs searchable by later search tasks.
type Indexer interface {
	Add(ctx context.Context, text string, meta map[string]string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, r *Result) error
}

// Options wires the pipeline. Scorer, Planner, Executor and Synth are
// required; everything else may be nil.
type Options struct {
	Scorer    confidence.Rater
	Clarifier Clarifier
	Planner   Planner
	Critic    critique.Critic
	Decider   *decision.Maker
	Executor  PlanExecutor
	Synth     provider.Generator
	Tracker   *progress.Tracker
	Sessions  *conversation.Sessions
	Results   ResultStore
	Graph     PlanRecorder
	Index     Indexer
	Notifier  Notifier
	Metrics   *telemetry.Metrics
}

// Orchestrator runs requests end to end.
type Orchestrator struct {
	cfg    config.OrchestratorConfig
	opts   Options
	logger *zap.Logger
}

// New creates an Orchestrator. A nil Tracker is replaced by a private one.
func New(cfg config.OrchestratorConfig, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case opts.Scorer == nil:
		return nil, errors.New("orchestrator: scorer is required")
	case opts.Planner == nil:
		return nil, errors.New("orchestrator: planner is required")
	case opts.Executor == nil:
		return nil, errors.New("orchestrator: executor is required")
	case opts.Synth == nil:
		return nil, errors.New("orchestrator: synthesis generator is required")
	}
	if opts.Tracker == nil {
		opts.Tracker = progress.NewTracker(nil, logger)
	}
	return &Orchestrator{cfg: cfg, opts: opts, logger: logger}, nil
}

// Tracker returns the progress registry workflows report to.
func (o *Orchestrator) Tracker() *progress.Tracker { return o.opts.Tracker }

// Config returns the pipeline tunables.
func (o *Orchestrator) Config() config.OrchestratorConfig { return o.cfg }

// Process runs req through the whole pipeline. It never fails: every
// problem, panics included, ends up in the returned Result.
func (o *Orchestrator) Process(ctx context.Context, req Request) (res *Result) {
	start := time.Now()
	id := req.WorkflowID
	if id == "" {
		id = uuid.NewString()
	}
	res = &Result{
		WorkflowID:      id,
		ConversationID:  req.ConversationID,
		OriginalRequest: req.Text,
		Timestamp:       start,
	}

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.process",
		attribute.String("workflow.id", id), attribute.Int("request.length", len(req.Text)))
	defer span.End()
	ctx = runner.WithInput(ctx, runner.InputFunc(req.Input))

	o.opts.Tracker.Start(id, req.Text)
	o.logger.Info("processing user request",
		zap.String("workflow_id", id),
		zap.Int("request_length", len(req.Text)),
		zap.Bool("has_context", req.Context != ""))

	f := &flow{o: o, req: req, res: res, start: start, stage: progress.StageInitializing}
	defer func() {
		if p := recover(); p != nil {
			werr := &WorkflowError{Stage: f.stage, Err: fmt.Errorf("panic: %v", p)}
			o.logger.Error("orchestrator process failed",
				zap.String("workflow_id", id), zap.Error(werr), zap.Stack("stack"))
			span.RecordError(werr)
			res.Success = false
			res.Error = werr.Error()
		}
		res.ElapsedSeconds = time.Since(start).Seconds()
		o.finish(ctx, res)
	}()

	f.run(ctx)
	return res
}

// flow is the state of one Process call.
type flow struct {
	o     *Orchestrator
	req   Request
	res   *Result
	start time.Time
	stage progress.Stage
}

func (f *flow) setStage(s progress.Stage) {
	f.stage = s
	f.o.opts.Tracker.SetStage(f.res.WorkflowID, s)
}

func (f *flow) warn(msg string) {
	f.res.Warnings = append(f.res.Warnings, msg)
	f.o.logger.Warn(msg, zap.String("workflow_id", f.res.WorkflowID))
}

func (f *flow) run(ctx context.Context) {
	o := f.o
	history := f.history(ctx)
	extra := joinNonEmpty(f.req.Context, history)

	score := o.opts.Scorer.Score(ctx, f.req.Text, extra)
	f.res.Confidence = &score
	o.logger.Info("confidence assessed",
		zap.String("workflow_id", f.res.WorkflowID),
		zap.Float64("overall", score.Overall),
		zap.Bool("confident", score.Confident(o.cfg.Confidence.MinThreshold)))

	request, clarified := f.clarify(ctx, score)
	plan := f.plan(ctx, request, joinNonEmpty(extra, clarified))
	f.res.Plan = plan

	o.opts.Tracker.AddTasks(f.res.WorkflowID, plan.Tasks, max(1, o.cfg.Execution.MaxRetries))
	f.setStage(progress.StageExecuting)
	results, err := o.opts.Executor.ExecutePlan(ctx, f.res.WorkflowID, plan, o.cfg.Execution.Strategy)
	f.res.Tasks = results
	if err != nil {
		f.warn(fmt.Sprintf("Execution halted: %v", err))
	}
	if skipped := plan.Count(task.StatusSkipped); skipped > 0 {
		f.warn(fmt.Sprintf("%d task(s) were skipped", skipped))
	}

	f.synthesize(ctx, request, history)

	wd := decision.Workflow(results.Decisions(), f.res.FinalCritique)
	f.res.Decision = &wd

	failed := failedTasks(results)
	switch {
	case ctx.Err() != nil:
		f.res.Error = "Workflow cancelled: " + ctx.Err().Error()
	case len(results) == 0:
		f.res.Error = "No tasks were executed"
	case len(failed) > 0:
		f.res.Error = "Tasks failed: " + strings.Join(failed, ", ")
	default:
		f.res.Success = true
	}
}

// history renders earlier turns of the conversation, if any.
func (f *flow) history(ctx context.Context) string {
	if f.o.opts.Sessions == nil || f.req.ConversationID == "" {
		return ""
	}
	return f.o.opts.Sessions.Get(ctx, f.req.ConversationID).Context(f.req.Text)
}

// clarify returns the request to plan for and the clarification context.
func (f *flow) clarify(ctx context.Context, score confidence.Score) (string, string) {
	o := f.o
	threshold := o.cfg.Confidence.MinThreshold
	if score.Confident(threshold) {
		return f.req.Text, ""
	}
	if !o.cfg.Confidence.AutoClarify {
		f.warn(fmt.Sprintf("Confidence %.2f is below threshold %.2f and auto-clarification is disabled; continuing with the original request",
			score.Overall, threshold))
		return f.req.Text, ""
	}
	if o.opts.Clarifier == nil || f.req.Input == nil {
		f.warn(fmt.Sprintf("Confidence %.2f is below threshold %.2f but clarification questions cannot be asked; continuing with the original request",
			score.Overall, threshold))
		return f.req.Text, ""
	}

	f.setStage(progress.StageClarifying)
	id := f.res.WorkflowID
	input := func(ctx context.Context, question string) (string, error) {
		o.opts.Tracker.SetClarification(id, f.res.ClarificationRounds, question)
		return f.req.Input(ctx, question)
	}
	out := o.opts.Clarifier.Resolve(ctx, f.req.Text, score, input)

	f.res.ClarificationRounds = out.Rounds
	f.res.Clarifications = out.Exchanges
	o.opts.Tracker.SetClarification(id, out.Rounds, "")
	if out.Rounds > 0 {
		s := out.Score
		f.res.ClarifiedConfidence = &s
	}
	if out.Request != f.req.Text {
		f.res.EnhancedRequest = out.Request
	}
	if !out.Score.Confident(threshold) {
		f.warn(fmt.Sprintf("Confidence %.2f still below threshold %.2f after %d clarification round(s)",
			out.Score.Overall, threshold, out.Rounds))
	}
	return out.Request, out.Context()
}

// plan decomposes request, re-planning while the plan critique asks for it.
func (f *flow) plan(ctx context.Context, request, extra string) *task.Plan {
	o := f.o
	f.setStage(progress.StagePlanning)
	attempts := max(1, o.cfg.Critique.PlanAttempts)

	var (
		plan     *task.Plan
		history  []critique.Result
		feedback string
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		plan = o.opts.Planner.Plan(ctx, request, joinNonEmpty(extra, feedback))
		if o.opts.Critic == nil || o.opts.Decider == nil || ctx.Err() != nil {
			break
		}
		c := o.opts.Critic.CritiquePlan(ctx, request, plan, extra)
		d := o.opts.Decider.WithMaxRetries(attempts).Decide(c, attempt, history)
		history = append(history, c)
		f.res.PlanCritique = &history[len(history)-1]
		if d.ShouldProceed {
			break
		}
		o.logger.Info("re-planning after critique",
			zap.String("workflow_id", f.res.WorkflowID),
			zap.Int("attempt", attempt),
			zap.Float64("quality", c.QualityScore))
		feedback = critiqueFeedback("plan", c)
	}
	o.logger.Info("tasks planned",
		zap.String("workflow_id", f.res.WorkflowID),
		zap.Int("tasks", len(plan.Tasks)),
		zap.String("complexity", plan.EstimatedComplexity))
	return plan
}

// synthesize combines task outputs into the final answer. The final
// critique is advisory: the last synthesis is always kept.
func (f *flow) synthesize(ctx context.Context, request, history string) {
	o := f.o
	plan, results := f.res.Plan, f.res.Tasks
	combined := combineResults(plan, results)
	if combined == "" {
		f.warn("No task produced output to synthesize")
		return
	}

	f.setStage(progress.StageSynthesizing)
	attempts := max(1, o.cfg.Critique.SynthesisAttempts)
	var (
		critiques []critique.Result
		feedback  string
	)
	for attempt := 1; ; attempt++ {
		f.res.FinalOutput = o.synthesizeOutput(ctx, request, history, combined, feedback)
		if o.opts.Critic == nil || o.opts.Decider == nil {
			return
		}

		f.setStage(progress.StageCritiquing)
		c := o.opts.Critic.CritiqueFinalOutput(ctx, request, f.res.FinalOutput, critique.Stats{
			TasksCompleted: plan.Count(task.StatusCompleted),
			TasksTotal:     len(plan.Tasks),
			Elapsed:        time.Since(f.start).Round(time.Millisecond).String(),
		})
		d := o.opts.Decider.WithMaxRetries(attempts).Decide(c, attempt, critiques)
		critiques = append(critiques, c)
		f.res.FinalCritique = &critiques[len(critiques)-1]
		if d.ShouldProceed || attempt >= attempts || ctx.Err() != nil {
			return
		}
		o.logger.Info("re-synthesizing after critique",
			zap.String("workflow_id", f.res.WorkflowID),
			zap.Int("attempt", attempt),
			zap.Float64("quality", c.QualityScore))
		feedback = critiqueFeedback("response", c)
		f.setStage(progress.StageSynthesizing)
	}
}

// synthesizeOutput makes one synthesis call, falling back to the raw
// combined results.
func (o *Orchestrator) synthesizeOutput(ctx context.Context, request, history, combined, feedback string) string {
	text, err := o.opts.Synth.Generate(ctx, provider.GenerateRequest{
		Prompt:      buildSynthesisPrompt(request, history, combined, feedback),
		Temperature: 0.5,
	})
	if err != nil {
		o.logger.Error("failed to synthesize output", zap.Error(err))
		return combined
	}
	if text = strings.TrimSpace(text); text == "" {
		o.logger.Warn("empty synthesis, returning raw task results")
		return combined
	}
	o.logger.Info("output synthesized", zap.Int("output_length", len(text)))
	return text
}

// finish publishes the outcome. Side effects run detached from ctx so a
// cancelled request is still recorded.
func (o *Orchestrator) finish(ctx context.Context, res *Result) {
	o.opts.Tracker.Complete(res.WorkflowID, res.FinalOutput, res.Success, res.Error)
	overall := 0.0
	if res.Confidence != nil {
		overall = res.Confidence.Overall
	}
	o.opts.Metrics.ObserveWorkflow(res.Success, time.Duration(res.ElapsedSeconds*float64(time.Second)),
		overall, res.ClarificationRounds)
	o.logger.Info("orchestrator processing completed",
		zap.String("workflow_id", res.WorkflowID),
		zap.Bool("success", res.Success),
		zap.Float64("execution_time", res.ElapsedSeconds),
		zap.Int("warnings", len(res.Warnings)))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	o.record(ctx, res)
}

func (o *Orchestrator) record(ctx context.Context, res *Result) {
	log := o.logger.With(zap.String("workflow_id", res.WorkflowID))

	if o.opts.Sessions != nil && res.ConversationID != "" && res.FinalOutput != "" {
		meta := map[string]string{"workflow_id": res.WorkflowID}
		if res.FinalCritique != nil {
			meta["quality"] = fmt.Sprintf("%.2f", res.FinalCritique.QualityScore)
		}
		o.opts.Sessions.Record(ctx, res.ConversationID, res.OriginalRequest, res.FinalOutput, meta)
	}
	if o.opts.Results != nil {
		if err := o.opts.Results.SaveResult(ctx, res); err != nil {
			log.Warn("failed to persist result", zap.Error(err))
		}
	}
	if o.opts.Graph != nil && res.Plan != nil {
		if err := o.opts.Graph.SavePlan(ctx, res.WorkflowID, res.Request(), res.Plan); err != nil {
			log.Warn("failed to persist plan graph", zap.Error(err))
		}
	}
	if o.opts.Index != nil && res.Success && res.FinalOutput != "" {
		if _, err := o.opts.Index.Add(ctx, res.FinalOutput, map[string]string{
			"workflow_id": res.WorkflowID,
			"request":     textutil.Truncate(res.OriginalRequest, 200),
		}); err != nil {
			log.Warn("failed to index final output", zap.Error(err))
		}
	}
	if o.opts.Notifier != nil {
		if err := o.opts.Notifier.Notify(ctx, res); err != nil {
			log.Warn("failed to send completion notification", zap.Error(err))
		}
	}
}

func joinNonEmpty(parts ...string) string {
	var keep []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keep = append(keep, p)
		}
	}
	return strings.Join(keep, "\n\n")
}
