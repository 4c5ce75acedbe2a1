// Package critique judges plans, task outputs and final outputs against a
// rubric and returns a retry/accept verdict.
package critique

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/llmjson"
	"github.com/nidhogg/nuka-flow/internal/provider"
	"github.com/nidhogg/nuka-flow/internal/task"
	"github.com/nidhogg/nuka-flow/internal/textutil"
)

// Verdict is the critic's raw decision.
type Verdict string

const (
	Accept Verdict = "accept"
	Retry  Verdict = "retry"
	Reject Verdict = "reject"
)

// ParseVerdict maps free text to a Verdict. Anything unrecognised is Retry.
func ParseVerdict(s string) Verdict {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept":
		return Accept
	case "reject":
		return Reject
	default:
		return Retry
	}
}

// Quality weights.
const (
	AccuracyWeight     = 0.35
	CompletenessWeight = 0.35
	ClarityWeight      = 0.15
	RelevanceWeight    = 0.15
)

// Result is one critique.
type Result struct {
	Decision       Verdict  `json:"decision"`
	QualityScore   float64  `json:"quality_score"`
	Accuracy       float64  `json:"accuracy_score"`
	Completeness   float64  `json:"completeness_score"`
	Clarity        float64  `json:"clarity_score"`
	Relevance      float64  `json:"relevance_score"`
	CriticalIssues []string `json:"critical_issues"`
	MinorIssues    []string `json:"minor_issues"`
	Suggestions    []string `json:"suggestions"`
	Comments       string   `json:"comments"`
}

// Quality combines the four sub-scores.
func Quality(accuracy, completeness, clarity, relevance float64) float64 {
	return AccuracyWeight*accuracy + CompletenessWeight*completeness +
		ClarityWeight*clarity + RelevanceWeight*relevance
}

// Acceptable reports an accept verdict at or above threshold.
func (r Result) Acceptable(threshold float64) bool {
	return r.Decision == Accept && r.QualityScore >= threshold
}

// Failed is the conservative result used when critique itself fails.
func Failed(issue string) Result {
	return Result{
		Decision:       Retry,
		QualityScore:   0.5,
		Accuracy:       0.5,
		Completeness:   0.5,
		Clarity:        0.5,
		Relevance:      0.5,
		CriticalIssues: []string{issue},
		Suggestions:    []string{"Please retry the critique process"},
	}
}

// Critic is what the executor and orchestrator depend on.
type Critic interface {
	CritiquePlan(ctx context.Context, request string, plan *task.Plan, extra string) Result
	CritiqueTaskOutput(ctx context.Context, t *task.Task, output, extra string) Result
	CritiqueFinalOutput(ctx context.Context, request, output string, stats Stats) Result
}

// Stats is execution context for final critiques.
type Stats struct {
	TasksCompleted int
	TasksTotal     int
	Elapsed        string
}

// Generators selects which oracle role judges each kind of artifact.
type Generators struct {
	Plan  provider.Generator
	Task  provider.Generator
	Final provider.Generator
}

// Engine is the oracle-backed Critic.
type Engine struct {
	gens   Generators
	logger *zap.Logger
}

// New creates an Engine. Nil Plan or Final generators fall back to Task.
func New(gens Generators, logger *zap.Logger) *Engine {
	if gens.Plan == nil {
		gens.Plan = gens.Task
	}
	if gens.Final == nil {
		gens.Final = gens.Task
	}
	return &Engine{gens: gens, logger: logger}
}

const (
	planSystem  = "You are a harsh critic evaluating task planning. Demand clarity, proper dependencies, and realistic success criteria. Be brutal about poor planning."
	taskSystem  = "You are a harsh, unbiased critic. Be brutally honest and demanding. No favoritism, no sugarcoating. Point out every flaw and demand excellence."
	finalSystem = "You are a harsh, demanding critic evaluating whether this output truly satisfies the user's request. Be brutally honest. Demand excellence."
)

// CritiquePlan judges a plan before execution.
func (e *Engine) CritiquePlan(ctx context.Context, request string, plan *task.Plan, extra string) Result {
	e.logger.Info("critiquing task plan", zap.Int("tasks", len(plan.Tasks)))
	return e.run(ctx, "plan", e.gens.Plan, planSystem, buildPlanPrompt(request, plan, extra),
		"Failed to critique task plan")
}

// CritiqueTaskOutput judges one task's output against its success criteria.
func (e *Engine) CritiqueTaskOutput(ctx context.Context, t *task.Task, output, extra string) Result {
	e.logger.Info("critiquing task output",
		zap.String("task_id", t.ID), zap.Int("criteria", len(t.SuccessCriteria)))
	return e.run(ctx, "task", e.gens.Task, taskSystem, buildTaskPrompt(t, output, extra),
		"Failed to complete critique evaluation")
}

// CritiqueFinalOutput judges the synthesized answer against the request.
func (e *Engine) CritiqueFinalOutput(ctx context.Context, request, output string, stats Stats) Result {
	e.logger.Info("critiquing final output", zap.Int("output_length", len(output)))
	return e.run(ctx, "final", e.gens.Final, finalSystem, buildFinalPrompt(request, output, stats),
		"Critique evaluation failed")
}

func (e *Engine) run(ctx context.Context, kind string, gen provider.Generator, system, prompt, failure string) Result {
	text, err := gen.Generate(ctx, provider.GenerateRequest{
		Prompt:       prompt,
		SystemPrompt: provider.System(system),
		Temperature:  0.2,
	})
	if err != nil {
		e.logger.Error("critique failed", zap.String("kind", kind), zap.Error(err))
		return Failed(failure)
	}
	res, err := Parse(text)
	if err != nil {
		e.logger.Error("failed to parse critique response",
			zap.String("kind", kind), zap.Error(err), zap.String("response", textutil.Truncate(text, 500)))
		return Failed("Failed to parse critique evaluation")
	}
	e.logger.Info("critique completed",
		zap.String("kind", kind),
		zap.String("decision", string(res.Decision)),
		zap.Float64("quality", res.QualityScore),
		zap.Int("critical_issues", len(res.CriticalIssues)))
	return res
}

type response struct {
	Accuracy       *llmjson.Score `json:"accuracy_score"`
	Completeness   *llmjson.Score `json:"completeness_score"`
	Clarity        *llmjson.Score `json:"clarity_score"`
	Relevance      *llmjson.Score `json:"relevance_score"`
	CriticalIssues []string       `json:"critical_issues"`
	MinorIssues    []string       `json:"minor_issues"`
	Suggestions    []string       `json:"suggestions"`
	HarshComments  string         `json:"harsh_comments"`
	Decision       string         `json:"decision"`
}

// Parse decodes an oracle critique. Missing scores default to 0.5.
func Parse(text string) (Result, error) {
	var resp response
	if err := llmjson.Decode(text, &resp); err != nil {
		return Result{}, err
	}
	r := Result{
		Decision:       ParseVerdict(resp.Decision),
		Accuracy:       scoreOr(resp.Accuracy),
		Completeness:   scoreOr(resp.Completeness),
		Clarity:        scoreOr(resp.Clarity),
		Relevance:      scoreOr(resp.Relevance),
		CriticalIssues: nonEmpty(resp.CriticalIssues),
		MinorIssues:    nonEmpty(resp.MinorIssues),
		Suggestions:    nonEmpty(resp.Suggestions),
		Comments:       resp.HarshComments,
	}
	r.QualityScore = Quality(r.Accuracy, r.Completeness, r.Clarity, r.Relevance)
	return r, nil
}

func scoreOr(s *llmjson.Score) float64 {
	if s == nil {
		return 0.5
	}
	return float64(*s)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
