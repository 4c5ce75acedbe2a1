// Package task defines the unit of work produced by the planner and driven by
// the executor, together with its lifecycle.
package task

import (
	"fmt"
	"sort"
	"strings"
)

// Source says how a task is carried out. It is a closed set.
type Source string

const (
	SourceGeneration Source = "generation"
	SourceAPICall    Source = "api-call"
	SourceSearch     Source = "search"
	SourceDBQuery    Source = "db-query"
	SourceCodeExec   Source = "code-exec"
	SourceFileOp     Source = "file-op"
	SourceHumanInput Source = "human-input"
	SourceComposite  Source = "composite"
)

// Sources lists every valid Source in planning-prompt order.
var Sources = []Source{
	SourceGeneration, SourceAPICall, SourceSearch, SourceDBQuery,
	SourceCodeExec, SourceFileOp, SourceHumanInput, SourceComposite,
}

var sourceAliases = map[string]Source{
	"llm_generation": SourceGeneration,
	"llm-generation": SourceGeneration,
	"api_call":       SourceAPICall,
	"web_search":     SourceSearch,
	"web-search":     SourceSearch,
	"database_query": SourceDBQuery,
	"db_query":       SourceDBQuery,
	"code_execution": SourceCodeExec,
	"code_exec":      SourceCodeExec,
	"file_operation": SourceFileOp,
	"file_op":        SourceFileOp,
	"human_input":    SourceHumanInput,
}

// ParseSource maps planner output to a Source, accepting common spellings.
func ParseSource(s string) (Source, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for _, src := range Sources {
		if string(src) == norm {
			return src, nil
		}
	}
	if src, ok := sourceAliases[norm]; ok {
		return src, nil
	}
	return "", fmt.Errorf("unknown task source %q", s)
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// validTransitions defines allowed state transitions. retrying always
// re-enters in_progress.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusSkipped},
	StatusInProgress: {StatusRetrying, StatusCompleted, StatusFailed, StatusSkipped},
	StatusRetrying:   {StatusInProgress, StatusSkipped},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Task is one node of a plan.
type Task struct {
	ID              string         `json:"task_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Source          Source         `json:"source"`
	SourceDetails   map[string]any `json:"source_details,omitempty"`
	SuccessCriteria []string       `json:"success_criteria"`
	Dependencies    []string       `json:"dependencies"`
	Priority        int            `json:"priority"`
	Status          Status         `json:"status"`
	Result          string         `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// SetStatus moves t to status, enforcing the lifecycle.
func (t *Task) SetStatus(status Status) error {
	if err := Transition(t.Status, status); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Status = status
	return nil
}

// Ready reports whether t is pending and every dependency is completed.
func (t *Task) Ready(completed map[string]bool) bool {
	if t.Status != StatusPending {
		return false
	}
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Detail returns sourceDetails[key] as a string, or "".
func (t *Task) Detail(key string) string {
	if v, ok := t.SourceDetails[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case nil:
			return ""
		default:
			return fmt.Sprint(s)
		}
	}
	return ""
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.SuccessCriteria = append([]string(nil), t.SuccessCriteria...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.SourceDetails != nil {
		c.SourceDetails = make(map[string]any, len(t.SourceDetails))
		for k, v := range t.SourceDetails {
			c.SourceDetails[k] = v
		}
	}
	return &c
}

// Plan is an ordered task graph.
type Plan struct {
	Tasks               []*Task  `json:"tasks"`
	EstimatedComplexity string   `json:"estimated_complexity"`
	EstimatedTime       string   `json:"estimated_time"`
	Warnings            []string `json:"warnings"`
}

// Get returns the task with id, or nil.
func (p *Plan) Get(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// IDs returns the set of task ids in p.
func (p *Plan) IDs() map[string]bool {
	ids := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		ids[t.ID] = true
	}
	return ids
}

// Ready returns pending tasks whose dependencies are all completed, ordered by
// priority (1 first) and then by declaration order.
func (p *Plan) Ready(completed map[string]bool) []*Task {
	var ready []*Task
	for _, t := range p.Tasks {
		if t.Ready(completed) {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].Priority < ready[j].Priority })
	return ready
}

// Pending returns the tasks still in StatusPending.
func (p *Plan) Pending() []*Task {
	var out []*Task
	for _, t := range p.Tasks {
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	return out
}

// SkipPending marks every pending task skipped and returns their ids.
func (p *Plan) SkipPending() []string {
	var ids []string
	for _, t := range p.Tasks {
		if t.Status == StatusPending {
			t.Status = StatusSkipped
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// Count returns how many tasks are in status.
func (p *Plan) Count(status Status) int {
	n := 0
	for _, t := range p.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := &Plan{
		EstimatedComplexity: p.EstimatedComplexity,
		EstimatedTime:       p.EstimatedTime,
		Warnings:            append([]string(nil), p.Warnings...),
		Tasks:               make([]*Task, len(p.Tasks)),
	}
	for i, t := range p.Tasks {
		c.Tasks[i] = t.Clone()
	}
	return c
}
