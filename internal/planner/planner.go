// Package planner decomposes a request into a task dependency graph.
package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/llmjson"
	"github.com/nidhogg/nuka-flow/internal/provider"
	"github.com/nidhogg/nuka-flow/internal/task"
	"github.com/nidhogg/nuka-flow/internal/textutil"
)

const (
	// MaxTasks is the largest plan kept; extra tasks are trimmed.
	MaxTasks = 15
	// MinTasks is the smallest plan that is not flagged.
	MinTasks = 2
)

// FallbackWarning marks a plan produced without a usable oracle response.
const FallbackWarning = "Fallback plan - original planning failed"

// Planner turns requests into plans with one oracle call.
type Planner struct {
	gen    provider.Generator
	logger *zap.Logger
}

// New creates a Planner.
func New(gen provider.Generator, logger *zap.Logger) *Planner {
	return &Planner{gen: gen, logger: logger}
}

type planResponse struct {
	Tasks               []taskResponse `json:"tasks"`
	EstimatedComplexity string         `json:"estimated_complexity"`
	EstimatedTime       string         `json:"estimated_time"`
	Warnings            []string       `json:"warnings"`
}

type taskResponse struct {
	ID              string         `json:"task_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Source          string         `json:"source"`
	SourceDetails   map[string]any `json:"source_details"`
	SuccessCriteria []string       `json:"success_criteria"`
	Dependencies    []string       `json:"dependencies"`
	Priority        int            `json:"priority"`
}

// Plan decomposes request. It never fails: an unusable oracle response
// yields a single-task fallback plan.
func (p *Planner) Plan(ctx context.Context, request, extra string) *task.Plan {
	p.logger.Info("planning task breakdown",
		zap.Int("request_length", len(request)), zap.Bool("has_context", extra != ""))

	text, err := p.gen.Generate(ctx, provider.GenerateRequest{
		Prompt:      buildPlanPrompt(request, extra),
		Temperature: 0.3,
	})
	if err != nil {
		p.logger.Error("task planning failed", zap.Error(err))
		return Fallback(request)
	}

	plan, err := p.parse(text)
	if err != nil {
		p.logger.Error("failed to parse task plan",
			zap.Error(err), zap.String("response", textutil.Truncate(text, 500)))
		return Fallback(request)
	}

	Validate(plan, p.logger)
	p.logger.Info("task plan created",
		zap.Int("tasks", len(plan.Tasks)),
		zap.String("complexity", plan.EstimatedComplexity),
		zap.Int("warnings", len(plan.Warnings)))
	return plan
}

func (p *Planner) parse(text string) (*task.Plan, error) {
	var resp planResponse
	if err := llmjson.Decode(text, &resp); err != nil {
		return nil, err
	}

	plan := &task.Plan{
		EstimatedComplexity: orDefault(resp.EstimatedComplexity, "moderate"),
		EstimatedTime:       orDefault(resp.EstimatedTime, "unknown"),
		Warnings:            nonEmpty(resp.Warnings),
	}
	seen := make(map[string]bool)
	for i, tr := range resp.Tasks {
		t, err := convertTask(tr)
		if err != nil {
			p.logger.Warn("failed to parse task", zap.Int("index", i), zap.Error(err))
			continue
		}
		if seen[t.ID] {
			p.logger.Warn("duplicate task id dropped", zap.String("task_id", t.ID))
			continue
		}
		seen[t.ID] = true
		plan.Tasks = append(plan.Tasks, t)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no usable tasks")
	}
	return plan, nil
}

func convertTask(tr taskResponse) (*task.Task, error) {
	if strings.TrimSpace(tr.ID) == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(tr.Title) == "" && strings.TrimSpace(tr.Description) == "" {
		return nil, fmt.Errorf("task %s has neither title nor description", tr.ID)
	}
	src := task.SourceGeneration
	if tr.Source != "" {
		var err error
		if src, err = task.ParseSource(tr.Source); err != nil {
			return nil, fmt.Errorf("task %s: %w", tr.ID, err)
		}
	}
	priority := tr.Priority
	if priority < 1 {
		priority = 1
	}
	return &task.Task{
		ID:              strings.TrimSpace(tr.ID),
		Title:           orDefault(tr.Title, tr.ID),
		Description:     orDefault(tr.Description, tr.Title),
		Source:          src,
		SourceDetails:   tr.SourceDetails,
		SuccessCriteria: nonEmpty(tr.SuccessCriteria),
		Dependencies:    nonEmpty(tr.Dependencies),
		Priority:        priority,
		Status:          task.StatusPending,
	}, nil
}

// Fallback wraps the whole request in one generation task.
func Fallback(request string) *task.Plan {
	return &task.Plan{
		Tasks: []*task.Task{{
			ID:              "T1",
			Title:           "Process user request",
			Description:     request,
			Source:          task.SourceGeneration,
			SourceDetails:   map[string]any{"prompt": request},
			SuccessCriteria: []string{"Response generated", "Response is relevant"},
			Priority:        1,
			Status:          task.StatusPending,
		}},
		EstimatedComplexity: "unknown",
		EstimatedTime:       "unknown",
		Warnings:            []string{FallbackWarning},
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
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
