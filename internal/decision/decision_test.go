package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/nidhogg/nuka-flow/internal/critique"
)

var cfg = Config{MaxRetries: 3, QualityThreshold: 0.75, ImprovementThreshold: 0.10}

func result(v critique.Verdict, q float64, critical ...string) critique.Result {
	return critique.Result{Decision: v, QualityScore: q, CriticalIssues: critical,
		Suggestions: []string{"be specific"}}
}

func TestDecideRules(t *testing.T) {
	tests := []struct {
		name     string
		current  critique.Result
		attempt  int
		previous []critique.Result
		proceed  bool
		reason   Reason
		conf     float64
	}{
		{"accept above threshold", result(critique.Accept, 0.8, "ignored"), 1, nil, true, QualityAcceptable, 0.9},
		{"accept below threshold falls through", result(critique.Accept, 0.5), 1, nil, false, CriticalIssues, 0.8},
		{"max retries", result(critique.Reject, 0.1, "bad"), 3, nil, true, MaxRetriesReached, 0.7},
		{"critical issues", result(critique.Retry, 0.9, "bad"), 1, nil, false, CriticalIssues, 0.95},
		{"improved by delta", result(critique.Retry, 0.62), 2, []critique.Result{result(critique.Retry, 0.5)}, false, QualityImproved, 0.85},
		{"fewer critical issues", result(critique.Retry, 0.5), 2, []critique.Result{result(critique.Retry, 0.5, "x")}, false, QualityImproved, 0.85},
		{"no improvement", result(critique.Retry, 0.55), 2, []critique.Result{result(critique.Retry, 0.5)}, true, NoImprovement, 0.8},
		{"minor issues only", result(critique.Retry, 0.66), 1, nil, true, MinorIssuesOnly, 0.75},
		{"default retry", result(critique.Retry, 0.5), 1, nil, false, CriticalIssues, 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.current, tt.attempt, tt.previous, cfg)
			assert.Equal(t, tt.proceed, d.ShouldProceed)
			assert.Equal(t, !tt.proceed, d.ShouldRetry)
			assert.Equal(t, tt.reason, d.Reason)
			assert.InDelta(t, tt.conf, d.Confidence, 1e-9)
			assert.NotEmpty(t, d.Explanation)
		})
	}
}

func TestDecideImprovementsFromSuggestions(t *testing.T) {
	d := Decide(result(critique.Retry, 0.9, "bad"), 1, nil, cfg)
	assert.Equal(t, []string{"be specific"}, d.Improvements)
}

func TestDecideMaxRetriesWarning(t *testing.T) {
	d := Decide(result(critique.Retry, 0.1), 5, nil, cfg)
	assert.Equal(t, "Quality may be suboptimal", d.Metadata["warning"])
}

func TestRetryTrendScenario(t *testing.T) {
	first := result(critique.Retry, 0.50)
	d1 := Decide(first, 1, nil, cfg)
	assert.False(t, d1.ShouldProceed)
	assert.Equal(t, CriticalIssues, d1.Reason)

	d2 := Decide(result(critique.Retry, 0.55), 2, []critique.Result{first}, cfg)
	assert.True(t, d2.ShouldProceed)
	assert.Equal(t, NoImprovement, d2.Reason)
}

func genResult(t *rapid.T) critique.Result {
	verdict := rapid.SampledFrom([]critique.Verdict{critique.Accept, critique.Retry, critique.Reject}).Draw(t, "verdict")
	issues := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 0, 3).Draw(t, "issues")
	return critique.Result{
		Decision:       verdict,
		QualityScore:   rapid.Float64Range(0, 1).Draw(t, "quality"),
		CriticalIssues: issues,
	}
}

func TestMaxRetriesAlwaysProceeds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := genResult(t)
		attempt := rapid.IntRange(cfg.MaxRetries, cfg.MaxRetries+10).Draw(t, "attempt")
		var prev []critique.Result
		for i := rapid.IntRange(0, 3).Draw(t, "history"); i > 0; i-- {
			prev = append(prev, genResult(t))
		}
		if d := Decide(c, attempt, prev, cfg); !d.ShouldProceed {
			t.Fatalf("attempt %d did not proceed: %s", attempt, d.Reason)
		}
	})
}

func TestAcceptAboveThresholdAlwaysProceeds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := genResult(t)
		c.Decision = critique.Accept
		c.QualityScore = rapid.Float64Range(cfg.QualityThreshold, 1).Draw(t, "q")
		attempt := rapid.IntRange(1, 10).Draw(t, "attempt")
		if d := Decide(c, attempt, []critique.Result{genResult(t)}, cfg); d.Reason != QualityAcceptable {
			t.Fatalf("got %s", d.Reason)
		}
	})
}

func TestMakerRecordsDecision(t *testing.T) {
	m := NewMaker(cfg, nil, zap.NewNop())
	d := m.Decide(result(critique.Accept, 0.9), 1, nil)
	assert.True(t, d.ShouldProceed)
	assert.Equal(t, cfg, m.Config())
}

func TestWorkflow(t *testing.T) {
	accept := result(critique.Accept, 0.9)
	ok := Decision{ShouldProceed: true, Reason: QualityAcceptable}
	forced := Decision{ShouldProceed: true, Reason: MaxRetriesReached}

	d := Workflow([]Decision{ok, ok}, &accept)
	assert.Equal(t, QualityAcceptable, d.Reason)
	assert.InDelta(t, 0.95, d.Confidence, 1e-9)

	d = Workflow([]Decision{ok, forced}, nil)
	assert.Equal(t, MaxRetriesReached, d.Reason)
	assert.InDelta(t, 0.6, d.Confidence, 1e-9)
	assert.NotEmpty(t, d.Metadata["warning"])

	d = Workflow(nil, nil)
	assert.Equal(t, QualityAcceptable, d.Reason)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
}

func TestTrends(t *testing.T) {
	assert.Equal(t, TrendUnknown, Trends(nil).Trend)

	r := Trends([]critique.Result{{QualityScore: 0.4}, {QualityScore: 0.3}, {QualityScore: 0.7}})
	assert.Equal(t, TrendImproving, r.Trend)
	assert.InDelta(t, 0.4666666, r.AverageQuality, 1e-6)
	assert.InDelta(t, 0.1, r.ImprovementRate, 1e-9)
	assert.InDelta(t, 0.7, r.BestScore, 1e-9)
	assert.InDelta(t, 0.3, r.WorstScore, 1e-9)
	assert.Equal(t, 3, r.Attempts)

	assert.Equal(t, TrendDeclining, Trends([]critique.Result{{QualityScore: 0.6}, {QualityScore: 0.5}}).Trend)
	single := Trends([]critique.Result{{QualityScore: 0.6}})
	assert.Equal(t, TrendStable, single.Trend)
	assert.Zero(t, single.ImprovementRate)
}
