package critique

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/nidhogg/nuka-flow/internal/provider"
	"github.com/nidhogg/nuka-flow/internal/task"
)

func fixed(text string, err error) provider.Generator {
	return provider.GeneratorFunc(func(context.Context, provider.GenerateRequest) (string, error) {
		return text, err
	})
}

func TestParseVerdict(t *testing.T) {
	assert.Equal(t, Accept, ParseVerdict(" ACCEPT "))
	assert.Equal(t, Reject, ParseVerdict("reject"))
	assert.Equal(t, Retry, ParseVerdict("retry"))
	assert.Equal(t, Retry, ParseVerdict("maybe?"))
	assert.Equal(t, Retry, ParseVerdict(""))
}

func TestParseComputesQuality(t *testing.T) {
	res, err := Parse(`{"accuracy_score": 1, "completeness_score": 0.8, "clarity_score": "0.6",
		"relevance_score": 0.4, "critical_issues": ["wrong date", " "], "suggestions": ["fix date"],
		"harsh_comments": "sloppy", "decision": "Accept"}`)
	require.NoError(t, err)

	assert.Equal(t, Accept, res.Decision)
	assert.InDelta(t, 0.35*1+0.35*0.8+0.15*0.6+0.15*0.4, res.QualityScore, 1e-9)
	assert.Equal(t, []string{"wrong date"}, res.CriticalIssues)
	assert.Equal(t, "sloppy", res.Comments)
}

func TestParseDefaultsMissingScores(t *testing.T) {
	res, err := Parse(`{"decision": "reject"}`)
	require.NoError(t, err)
	assert.Equal(t, Reject, res.Decision)
	assert.InDelta(t, 0.5, res.QualityScore, 1e-9)
}

func TestEngineFallbacks(t *testing.T) {
	tk := &task.Task{ID: "T1", Title: "t", Description: "d", SuccessCriteria: []string{"c"}}
	plan := &task.Plan{Tasks: []*task.Task{tk}}

	for name, gen := range map[string]provider.Generator{
		"oracle error": fixed("", errors.New("down")),
		"garbage":      fixed("looks fine to me", nil),
		"nan score":    fixed(`{"accuracy_score": "NaN", "decision": "accept"}`, nil),
	} {
		t.Run(name, func(t *testing.T) {
			e := New(Generators{Task: gen}, zap.NewNop())
			for _, res := range []Result{
				e.CritiquePlan(context.Background(), "req", plan, ""),
				e.CritiqueTaskOutput(context.Background(), tk, "out", ""),
				e.CritiqueFinalOutput(context.Background(), "req", "out", Stats{}),
			} {
				assert.Equal(t, Retry, res.Decision)
				assert.InDelta(t, 0.5, res.QualityScore, 1e-9)
				assert.InDelta(t, 0.5, res.Accuracy, 1e-9)
				assert.Len(t, res.CriticalIssues, 1)
				_, err := json.Marshal(res)
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskFailureIssue(t *testing.T) {
	e := New(Generators{Task: fixed("", errors.New("down"))}, zap.NewNop())
	res := e.CritiqueTaskOutput(context.Background(), &task.Task{ID: "T1"}, "out", "")
	assert.Equal(t, []string{"Failed to complete critique evaluation"}, res.CriticalIssues)
}

func TestEngineRoutesByKind(t *testing.T) {
	var calls []string
	mk := func(kind string) provider.Generator {
		return provider.GeneratorFunc(func(_ context.Context, req provider.GenerateRequest) (string, error) {
			calls = append(calls, kind)
			require.NotNil(t, req.SystemPrompt)
			assert.InDelta(t, 0.2, req.Temperature, 1e-9)
			return `{"decision": "accept", "accuracy_score": 0.9, "completeness_score": 0.9,
				"clarity_score": 0.9, "relevance_score": 0.9}`, nil
		})
	}
	e := New(Generators{Plan: mk("plan"), Task: mk("task"), Final: mk("final")}, zap.NewNop())
	tk := &task.Task{ID: "T1", Title: "Write", Description: "Write it", SuccessCriteria: []string{"written"}}

	e.CritiquePlan(context.Background(), "req", &task.Plan{Tasks: []*task.Task{tk}}, "")
	res := e.CritiqueTaskOutput(context.Background(), tk, "done", "")
	e.CritiqueFinalOutput(context.Background(), "req", "done", Stats{TasksCompleted: 1, TasksTotal: 1})

	assert.Equal(t, []string{"plan", "task", "final"}, calls)
	assert.True(t, res.Acceptable(0.75))
	assert.False(t, res.Acceptable(0.95))
}

func TestQualityBoundsAndMonotonicity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unit := rapid.Float64Range(0, 1)
		a, c, l, r := unit.Draw(t, "a"), unit.Draw(t, "c"), unit.Draw(t, "l"), unit.Draw(t, "r")
		q := Quality(a, c, l, r)
		if q < 0 || q > 1+1e-9 {
			t.Fatalf("quality %v out of range", q)
		}
		bump := rapid.Float64Range(0, 1-a).Draw(t, "bump")
		if Quality(a+bump, c, l, r) < q-1e-12 {
			t.Fatalf("quality decreased when accuracy rose")
		}
	})
}
