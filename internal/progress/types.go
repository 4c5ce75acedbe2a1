// Package progress tracks workflow and task state for display and streams
// every change to subscribers.
package progress

import "time"

// Stage is the phase a workflow is in.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageClarifying   Stage = "clarifying"
	StagePlanning     Stage = "planning"
	StageExecuting    Stage = "executing"
	StageCritiquing   Stage = "critiquing"
	StageSynthesizing Stage = "synthesizing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Status is the display status of a task. It is finer grained than
// task.Status: critiquing has no counterpart there.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCritiquing Status = "critiquing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// TaskProgress is the display state of one task.
type TaskProgress struct {
	TaskID          string     `json:"task_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Status          Status     `json:"status"`
	Attempt         int        `json:"attempt"`
	MaxAttempts     int        `json:"max_attempts"`
	ProgressPercent int        `json:"progress_percent"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Output          string     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	Quality         *float64   `json:"quality,omitempty"`
	Issues          []string   `json:"issues,omitempty"`
}

// Percent is 0 for pending, 50 in progress, 75 while critiqued, 100 once
// terminal, and attempt/max while retrying.
func (t TaskProgress) Percent() int {
	switch t.Status {
	case StatusInProgress:
		return 50
	case StatusCritiquing:
		return 75
	case StatusRetrying:
		if t.MaxAttempts <= 0 {
			return 0
		}
		return min(100, t.Attempt*100/t.MaxAttempts)
	case StatusCompleted, StatusFailed, StatusSkipped:
		return 100
	default:
		return 0
	}
}

// Workflow is the display state of one request.
type Workflow struct {
	ID                  string         `json:"workflow_id"`
	Request             string         `json:"request"`
	Stage               Stage          `json:"stage"`
	Tasks               []TaskProgress `json:"tasks"`
	ProgressPercent     int            `json:"progress_percent"`
	Counts              map[Status]int `json:"counts"`
	ClarificationRounds int            `json:"clarification_rounds"`
	PendingQuestion     string         `json:"pending_question,omitempty"`
	FinalOutput         string         `json:"final_output,omitempty"`
	Error               string         `json:"error,omitempty"`
	StartedAt           time.Time      `json:"started_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

// Percent is the mean task percent.
func (w *Workflow) Percent() int {
	if len(w.Tasks) == 0 {
		return 0
	}
	total := 0
	for _, t := range w.Tasks {
		total += t.Percent()
	}
	return total / len(w.Tasks)
}

func (w *Workflow) task(id string) *TaskProgress {
	for i := range w.Tasks {
		if w.Tasks[i].TaskID == id {
			return &w.Tasks[i]
		}
	}
	return nil
}

// clone returns a deep copy with derived fields filled in.
func (w *Workflow) clone() Workflow {
	c := *w
	c.Tasks = make([]TaskProgress, len(w.Tasks))
	c.Counts = make(map[Status]int)
	for i, t := range w.Tasks {
		t.Issues = append([]string(nil), t.Issues...)
		t.ProgressPercent = t.Percent()
		c.Tasks[i] = t
		c.Counts[t.Status]++
	}
	c.ProgressPercent = w.Percent()
	return c
}

// EventType names a tracker event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventStageChanged      EventType = "stage_changed"
	EventTasksAdded        EventType = "tasks_added"
	EventTaskUpdated       EventType = "task_updated"
	EventWorkflowCompleted EventType = "workflow_completed"
)

// Event is one change, carrying a snapshot of the workflow after it.
type Event struct {
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Time       time.Time `json:"time"`
	Workflow   Workflow  `json:"workflow"`
}

// TaskUpdate changes one task. Zero fields are left as they were.
type TaskUpdate struct {
	TaskID      string
	Status      Status
	Attempt     int
	MaxAttempts int
	Output      string
	Error       string
	Quality     *float64
	Issues      []string
}
