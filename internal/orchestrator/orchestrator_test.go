package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
)

type fixedScorer struct {
	mu     sync.Mutex
	scores []float64
	extras []string
}

func (s *fixedScorer) Score(_ context.Context, _ string, extra string) confidence.Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extras = append(s.extras, extra)
	v := s.scores[0]
	if len(s.scores) > 1 {
		s.scores = s.scores[1:]
	}
	return confidence.Score{Clarity: v, Completeness: v, Feasibility: v, Specificity: v, Overall: v}
}

type planFunc func(ctx context.Context, request, extra string) *task.Plan

func (f planFunc) Plan(ctx context.Context, request, extra string) *task.Plan { return f(ctx, request, extra) }

func twoTaskPlan(context.Context, string, string) *task.Plan {
	return &task.Plan{Tasks: []*task.Task{
		{ID: "T1", Title: "Research", Description: "research", Source: task.SourceGeneration, Priority: 1, Status: task.StatusPending},
		{ID: "T2", Title: "Write", Description: "write", Source: task.SourceGeneration, Priority: 2,
			Dependencies: []string{"T1"}, Status: task.StatusPending},
	}, EstimatedComplexity: "low"}
}

func succeed(_ context.Context, req runner.Request) (runner.Output, error) {
	return runner.Output{Text: "output of " + req.Task.ID}, nil
}

func synthEcho(_ context.Context, req provider.GenerateRequest) (string, error) {
	return "final answer", nil
}

type fixture struct {
	cfg    config.OrchestratorConfig
	opts   Options
	scorer *fixedScorer
}

func newFixture(run runner.Func) *fixture {
	cfg := config.Default().Orchestrator
	cfg.Execution.RetryBackoffSeconds = 0
	cfg.Execution.MaxRetries = 0
	cfg.Execution.ValidateResults = false
	scorer := &fixedScorer{scores: []float64{0.9}}
	tracker := progress.NewTracker(nil, zap.NewNop())
	return &fixture{
		cfg:    cfg,
		scorer: scorer,
		opts: Options{
			Scorer:   scorer,
			Planner:  planFunc(twoTaskPlan),
			Executor: executor.New(cfg.Execution, executor.Options{Runner: run, Reporter: tracker}, zap.NewNop()),
			Synth:    provider.GeneratorFunc(synthEcho),
			Tracker:  tracker,
		},
	}
}

func (f *fixture) build(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(f.cfg, f.opts, zap.NewNop())
	require.NoError(t, err)
	return o
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(config.Default().Orchestrator, Options{}, zap.NewNop())
	assert.ErrorContains(t, err, "scorer is required")
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(succeed)
	var synthPrompt string
	f.opts.Synth = provider.GeneratorFunc(func(_ context.Context, req provider.GenerateRequest) (string, error) {
		synthPrompt = req.Prompt
		return "  final answer  ", nil
	})
	o := f.build(t)

	res := o.Process(context.Background(), Request{Text: "write a report", WorkflowID: "wf-1"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "wf-1", res.WorkflowID)
	assert.Equal(t, "final answer", res.FinalOutput)
	assert.Len(t, res.Tasks, 2)
	assert.Equal(t, 2, res.Plan.Count(task.StatusCompleted))
	assert.Empty(t, res.EnhancedRequest)
	assert.Contains(t, synthPrompt, "**Research**\noutput of T1")
	assert.Contains(t, synthPrompt, "write a report")
	require.NotNil(t, res.Decision)
	assert.True(t, res.Decision.ShouldProceed)

	w, ok := o.Tracker().Snapshot("wf-1")
	require.True(t, ok)
	assert.Equal(t, progress.StageCompleted, w.Stage)
	assert.Equal(t, 100, w.Percent())
}

func TestLowConfidenceWithoutAutoClarifyContinues(t *testing.T) {
	f := newFixture(succeed)
	f.scorer.scores = []float64{0.3}
	f.cfg.Confidence.AutoClarify = false
	var planned string
	f.opts.Planner = planFunc(func(ctx context.Context, request, extra string) *task.Plan {
		planned = request
		return twoTaskPlan(ctx, request, extra)
	})

	res := f.build(t).Process(context.Background(), Request{Text: "do stuff"})
	assert.True(t, res.Success)
	assert.Equal(t, "do stuff", planned)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "auto-clarification is disabled")
	assert.Zero(t, res.ClarificationRounds)
}

type fakeClarifier struct {
	out   confidence.Outcome
	asked []string
}

func (c *fakeClarifier) Resolve(ctx context.Context, _ string, _ confidence.Score, input confidence.InputFunc) confidence.Outcome {
	ans, _ := input(ctx, "Who is the audience?")
	c.asked = append(c.asked, ans)
	return c.out
}

func TestClarificationEnhancesRequest(t *testing.T) {
	f := newFixture(succeed)
	f.scorer.scores = []float64{0.3}
	clar := &fakeClarifier{out: confidence.Outcome{
		Request: "do stuff for engineers", Rounds: 1,
		Score:     confidence.Score{Overall: 0.85},
		Exchanges: []confidence.Exchange{{Question: "Who is the audience?", Answer: "engineers"}},
	}}
	f.opts.Clarifier = clar
	var planned, plannedExtra string
	f.opts.Planner = planFunc(func(ctx context.Context, request, extra string) *task.Plan {
		planned, plannedExtra = request, extra
		return twoTaskPlan(ctx, request, extra)
	})

	res := f.build(t).Process(context.Background(), Request{
		Text:  "do stuff",
		Input: func(context.Context, string) (string, error) { return "engineers", nil },
	})
	assert.True(t, res.Success)
	assert.Equal(t, []string{"engineers"}, clar.asked)
	assert.Equal(t, "do stuff for engineers", res.EnhancedRequest)
	assert.Equal(t, "do stuff for engineers", planned)
	assert.Contains(t, plannedExtra, "Who is the audience?")
	assert.Equal(t, 1, res.ClarificationRounds)
	require.NotNil(t, res.ClarifiedConfidence)
	assert.InDelta(t, 0.3, res.Confidence.Overall, 1e-9)
	assert.Empty(t, res.Warnings)
}

func TestClarificationWithoutInputWarns(t *testing.T) {
	f := newFixture(succeed)
	f.scorer.scores = []float64{0.3}
	f.opts.Clarifier = &fakeClarifier{}

	res := f.build(t).Process(context.Background(), Request{Text: "do stuff"})
	assert.True(t, res.Success)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "cannot be asked")
}

func TestTaskFailureMarksResultFailed(t *testing.T) {
	f := newFixture(func(_ context.Context, req runner.Request) (runner.Output, error) {
		if req.Task.ID == "T1" {
			return runner.Output{}, errors.New("upstream down")
		}
		return runner.Output{Text: "ok"}, nil
	})
	res := f.build(t).Process(context.Background(), Request{Text: "write a report"})
	assert.False(t, res.Success)
	assert.Equal(t, "Tasks failed: T1", res.Error)
	assert.Equal(t, task.StatusSkipped, res.Plan.Get("T2").Status)
	assert.Empty(t, res.FinalOutput)
	assert.Contains(t, res.Warnings, "1 task(s) were skipped")
}

func TestCircularPlanFailsWithoutExecutingAnything(t *testing.T) {
	f := newFixture(succeed)
	f.opts.Planner = planFunc(func(context.Context, string, string) *task.Plan {
		return &task.Plan{Tasks: []*task.Task{
			{ID: "T1", Source: task.SourceGeneration, Dependencies: []string{"T2"}, Status: task.StatusPending},
			{ID: "T2", Source: task.SourceGeneration, Dependencies: []string{"T1"}, Status: task.StatusPending},
		}}
	})
	res := f.build(t).Process(context.Background(), Request{Text: "loop"})
	assert.False(t, res.Success)
	assert.Equal(t, "No tasks were executed", res.Error)
	assert.Equal(t, 2, res.Plan.Count(task.StatusSkipped))
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "circular dependency")
}

func TestPanicIsCapturedIntoResult(t *testing.T) {
	f := newFixture(succeed)
	f.opts.Planner = planFunc(func(context.Context, string, string) *task.Plan { panic("planner exploded") })
	o := f.build(t)

	res := o.Process(context.Background(), Request{Text: "x", WorkflowID: "wf-panic"})
	assert.False(t, res.Success)
	assert.Equal(t, "Orchestrator error during planning: panic: planner exploded", res.Error)
	w, _ := o.Tracker().Snapshot("wf-panic")
	assert.Equal(t, progress.StageFailed, w.Stage)
}

func TestSynthesisFailureFallsBackToRawResults(t *testing.T) {
	f := newFixture(succeed)
	f.opts.Synth = provider.GeneratorFunc(func(context.Context, provider.GenerateRequest) (string, error) {
		return "", errors.New("oracle down")
	})
	res := f.build(t).Process(context.Background(), Request{Text: "x"})
	assert.True(t, res.Success)
	assert.Equal(t, "**Research**\noutput of T1\n\n**Write**\noutput of T2", res.FinalOutput)
}

type scriptedCritic struct {
	plans  []critique.Result
	finals []critique.Result
	stats  []critique.Stats
}

func next(rs *[]critique.Result) critique.Result {
	r := (*rs)[0]
	if len(*rs) > 1 {
		*rs = (*rs)[1:]
	}
	return r
}

func (c *scriptedCritic) CritiquePlan(context.Context, string, *task.Plan, string) critique.Result {
	return next(&c.plans)
}

func (c *scriptedCritic) CritiqueTaskOutput(context.Context, *task.Task, string, string) critique.Result {
	return critique.Result{Decision: critique.Accept, QualityScore: 0.9}
}

func (c *scriptedCritic) CritiqueFinalOutput(_ context.Context, _, _ string, stats critique.Stats) critique.Result {
	c.stats = append(c.stats, stats)
	return next(&c.finals)
}

func TestPlanAndSynthesisCritiqueLoops(t *testing.T) {
	f := newFixture(succeed)
	critic := &scriptedCritic{
		plans: []critique.Result{
			{Decision: critique.Retry, QualityScore: 0.4, CriticalIssues: []string{"missing testing step"}, Suggestions: []string{"add tests"}},
			{Decision: critique.Accept, QualityScore: 0.9},
		},
		finals: []critique.Result{
			{Decision: critique.Retry, QualityScore: 0.5, CriticalIssues: []string{"too vague"}},
			{Decision: critique.Accept, QualityScore: 0.88},
		},
	}
	f.opts.Critic = critic
	f.opts.Decider = decision.NewMaker(decision.Config{MaxRetries: 3, QualityThreshold: 0.75, ImprovementThreshold: 0.10}, nil, zap.NewNop())

	var extras []string
	f.opts.Planner = planFunc(func(ctx context.Context, request, extra string) *task.Plan {
		extras = append(extras, extra)
		return twoTaskPlan(ctx, request, extra)
	})
	var prompts []string
	f.opts.Synth = provider.GeneratorFunc(func(_ context.Context, req provider.GenerateRequest) (string, error) {
		prompts = append(prompts, req.Prompt)
		return "answer", nil
	})

	res := f.build(t).Process(context.Background(), Request{Text: "build it"})
	require.True(t, res.Success)
	require.Len(t, extras, 2)
	assert.NotContains(t, extras[0], "missing testing step")
	assert.Contains(t, extras[1], "missing testing step")
	assert.Contains(t, extras[1], "add tests")
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "too vague")
	assert.InDelta(t, 0.9, res.PlanCritique.QualityScore, 1e-9)
	assert.InDelta(t, 0.88, res.FinalCritique.QualityScore, 1e-9)
	assert.Equal(t, decision.QualityAcceptable, res.Decision.Reason)

	require.Len(t, critic.stats, 2)
	assert.Equal(t, 2, critic.stats[1].TasksCompleted)
	assert.Equal(t, 2, critic.stats[1].TasksTotal)
	_, err := time.ParseDuration(critic.stats[1].Elapsed)
	assert.NoError(t, err, "elapsed %q", critic.stats[1].Elapsed)
}

func TestResultJSONRoundTrip(t *testing.T) {
	f := newFixture(succeed)
	f.scorer.scores = []float64{0.81}
	res := f.build(t).Process(context.Background(), Request{Text: "write a report"})

	data, err := res.JSON()
	require.NoError(t, err)
	back, err := ParseResult(data)
	require.NoError(t, err)

	assert.Equal(t, res.Success, back.Success)
	assert.Len(t, back.Plan.Tasks, len(res.Plan.Tasks))
	assert.Len(t, back.Tasks, len(res.Tasks))
	assert.Equal(t, res.Confidence.Clarity, back.Confidence.Clarity)
	assert.Equal(t, res.Confidence.Completeness, back.Confidence.Completeness)
	assert.Equal(t, res.Confidence.Feasibility, back.Confidence.Feasibility)
	assert.Equal(t, res.Confidence.Specificity, back.Confidence.Specificity)
	assert.Equal(t, res.FinalOutput, back.FinalOutput)
}

type sink struct {
	mu       sync.Mutex
	results  []*Result
	plans    []string
	indexed  []string
	notified []string
}

func (s *sink) SaveResult(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *sink) SavePlan(_ context.Context, id, _ string, _ *task.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, id)
	return nil
}

func (s *sink) Add(_ context.Context, text string, _ map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed = append(s.indexed, text)
	return "id", nil
}

func (s *sink) Notify(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, r.WorkflowID)
	return errors.New("slack unreachable")
}

func TestSideEffectsAndConversationMemory(t *testing.T) {
	f := newFixture(succeed)
	s := &sink{}
	sessions, err := conversation.NewSessions(8, conversation.DefaultConfig(), nil, zap.NewNop())
	require.NoError(t, err)
	f.opts.Results, f.opts.Graph, f.opts.Index, f.opts.Notifier = s, s, s, s
	f.opts.Sessions = sessions
	o := f.build(t)

	first := o.Process(context.Background(), Request{Text: "name three rivers", ConversationID: "c1", WorkflowID: "wf-a"})
	require.True(t, first.Success)
	second := o.Process(context.Background(), Request{Text: "tell me more about the previous answer", ConversationID: "c1"})
	require.True(t, second.Success)

	assert.Len(t, s.results, 2)
	assert.Equal(t, []string{"wf-a", second.WorkflowID}, s.plans)
	assert.Equal(t, []string{"final answer", "final answer"}, s.indexed)
	assert.Len(t, s.notified, 2, "notification errors are not fatal")

	require.Len(t, f.scorer.extras, 2)
	assert.Empty(t, f.scorer.extras[0])
	assert.Contains(t, f.scorer.extras[1], "name three rivers")
	assert.Equal(t, 2, sessions.Get(context.Background(), "c1").Len())
}

func TestHumanInputTasksUseRequestInput(t *testing.T) {
	f := newFixture(nil)
	reg := runner.NewRegistry(zap.NewNop())
	reg.Register(task.SourceHumanInput, runner.HumanInput{})
	reg.Register(task.SourceGeneration, runner.Func(succeed))
	f.opts.Executor = executor.New(f.cfg.Execution, executor.Options{Runner: reg}, zap.NewNop())
	f.opts.Planner = planFunc(func(context.Context, string, string) *task.Plan {
		return &task.Plan{Tasks: []*task.Task{
			{ID: "T1", Title: "Ask", Source: task.SourceHumanInput, Status: task.StatusPending,
				SourceDetails: map[string]any{"question": "Budget?"}},
		}}
	})

	res := f.build(t).Process(context.Background(), Request{
		Text:  "plan a trip",
		Input: func(_ context.Context, q string) (string, error) { return "answer to " + q, nil },
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "answer to Budget?", res.Tasks["T1"].Output)
}

func TestCriticFeedbackFormatting(t *testing.T) {
	fb := critiqueFeedback("plan", critique.Result{QualityScore: 0.42,
		CriticalIssues: []string{"a"}, MinorIssues: []string{"b"}, Suggestions: []string{"c"}})
	assert.Equal(t, "**Previous plan issues (quality 0.42):**\n- a\n- (minor) b\n**Suggestions:**\n- c", fb)
	assert.False(t, strings.HasSuffix(fb, "\n"))
}
