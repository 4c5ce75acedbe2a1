package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/critique"
	"github.com/nidhogg/nuka-flow/internal/decision"
	"github.com/nidhogg/nuka-flow/internal/llmjson"
	"github.com/nidhogg/nuka-flow/internal/progress"
	"github.com/nidhogg/nuka-flow/internal/provider"
	"github.com/nidhogg/nuka-flow/internal/runner"
	"github.com/nidhogg/nuka-flow/internal/task"
	"github.com/nidhogg/nuka-flow/internal/telemetry"
	"github.com/nidhogg/nuka-flow/internal/textutil"
)

// executeTask runs t, which the caller has already moved to in_progress,
// through the critique loop and optional validation. The task description
// is never modified; earlier attempts reach the runner as history.
func (e *Executor) executeTask(ctx context.Context, r *run, t *task.Task) *Result {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "executor.task",
		attribute.String("task.id", t.ID), attribute.String("task.source", string(t.Source)))
	defer span.End()
	if timeout := e.cfg.TaskTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e.logger.Info("executing task",
		zap.String("task_id", t.ID), zap.String("title", t.Title), zap.String("source", string(t.Source)))

	res := &Result{TaskID: t.ID}
	req := runner.Request{Task: t, Inputs: r.inputs(t)}
	maxAttempts := e.critiqueAttempts()

	var runErr error
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		out, retries, err := e.runOnce(ctx, req)
		res.Retries += retries
		if err != nil {
			runErr = err
			break
		}
		res.Output = out.Text
		if e.opts.Critic == nil || e.opts.Decider == nil {
			break
		}

		r.report(progress.TaskUpdate{TaskID: t.ID, Status: progress.StatusCritiquing, Attempt: attempt})
		c := e.opts.Critic.CritiqueTaskOutput(ctx, t, out.Text, "")
		d := e.opts.Decider.Decide(c, attempt, res.Critiques)
		res.Critiques = append(res.Critiques, c)
		res.Decision = &d
		if d.ShouldProceed || attempt >= maxAttempts {
			break
		}

		req.History = append(req.History, runner.Attempt{Description: t.Description, Output: out.Text, Critique: c})
		q := c.QualityScore
		r.setStatus(t, task.StatusRetrying)
		r.report(progress.TaskUpdate{TaskID: t.ID, Status: progress.StatusRetrying,
			Attempt: attempt, MaxAttempts: maxAttempts, Quality: &q, Issues: c.CriticalIssues})
		e.logger.Info("retrying task after critique",
			zap.String("task_id", t.ID),
			zap.Int("attempt", attempt),
			zap.Float64("quality", c.QualityScore),
			zap.String("reason", string(d.Reason)))
		r.setStatus(t, task.StatusInProgress)
		r.report(progress.TaskUpdate{TaskID: t.ID, Status: progress.StatusInProgress, Attempt: attempt + 1})
	}

	if runErr != nil {
		res.Error = runErr.Error()
		span.RecordError(runErr)
		e.logger.Error("task failed", zap.String("task_id", t.ID), zap.Int("retries", res.Retries), zap.Error(runErr))
	} else {
		res.Success = true
		if e.cfg.ValidateResults && e.opts.Validator != nil && len(t.SuccessCriteria) > 0 {
			res.Validation = e.validate(ctx, t, res.Output)
			if failed := failedCriteria(t, res.Validation); len(failed) > 0 {
				verr := &ValidationError{Failed: failed}
				res.Success = false
				res.Error = verr.Error()
			}
		}
	}

	res.Duration = time.Since(start)
	e.opts.Metrics.ObserveTask(string(t.Source), res.Duration)
	e.logger.Info("task finished",
		zap.String("task_id", t.ID),
		zap.Bool("success", res.Success),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration))
	return res
}

// validate asks the oracle which criteria the output meets. An unusable
// answer counts every criterion as met.
func (e *Executor) validate(ctx context.Context, t *task.Task, output string) map[string]bool {
	allTrue := func() map[string]bool {
		m := make(map[string]bool, len(t.SuccessCriteria))
		for _, c := range t.SuccessCriteria {
			m[c] = true
		}
		return m
	}

	text, err := e.opts.Validator.Generate(ctx, provider.GenerateRequest{
		Prompt:      buildValidationPrompt(t, output),
		Temperature: 0.2,
	})
	if err != nil {
		e.logger.Warn("validation call failed, assuming criteria met", zap.String("task_id", t.ID), zap.Error(err))
		return allTrue()
	}
	var verdicts map[string]bool
	if err := llmjson.Decode(text, &verdicts); err != nil || len(verdicts) == 0 {
		e.logger.Warn("validation response unusable, assuming criteria met", zap.String("task_id", t.ID), zap.Error(err))
		return allTrue()
	}
	e.logger.Info("validation completed", zap.String("task_id", t.ID), zap.Any("validation", verdicts))
	return verdicts
}

// failedCriteria lists false verdicts, declared criteria first.
func failedCriteria(t *task.Task, verdicts map[string]bool) []string {
	var failed []string
	seen := make(map[string]bool)
	for _, c := range t.SuccessCriteria {
		seen[c] = true
		if ok, present := verdicts[c]; present && !ok {
			failed = append(failed, c)
		}
	}
	var extra []string
	for c, ok := range verdicts {
		if !seen[c] && !ok {
			extra = append(extra, c)
		}
	}
	sort.Strings(extra)
	return append(failed, extra...)
}

func buildValidationPrompt(t *task.Task, output string) string {
	var b strings.Builder
	b.WriteString("Evaluate if the following result meets the success criteria.\n\n")
	fmt.Fprintf(&b, "**Task:** %s\n**Description:** %s\n\n", t.Title, t.Description)
	fmt.Fprintf(&b, "**Result:**\n%s\n\n**Success Criteria:**\n", textutil.Truncate(output, 1000))
	for i, c := range t.SuccessCriteria {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	b.WriteString("\nFor each criterion, determine if it is met (true/false). Use the criterion text as the key.\n\n")
	b.WriteString("Respond ONLY with JSON in this format:\n{\n")
	for i, c := range t.SuccessCriteria {
		sep := ","
		if i == len(t.SuccessCriteria)-1 {
			sep = ""
		}
		fmt.Fprintf(&b, "  %q: true%s\n", c, sep)
	}
	b.WriteString("}")
	return b.String()
}

// Decisions returns the final decision of every critiqued result.
func (rs Results) Decisions() []decision.Decision {
	ids := make([]string, 0, len(rs))
	for id := range rs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []decision.Decision
	for _, id := range ids {
		if d := rs[id].Decision; d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// History returns the critiques recorded for one task.
func (rs Results) History(id string) []critique.Result {
	if r, ok := rs[id]; ok {
		return r.Critiques
	}
	return nil
}
