package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/nuka-flow/internal/confidence"
	"github.com/nidhogg/nuka-flow/internal/critique"
	"github.com/nidhogg/nuka-flow/internal/decision"
	"github.com/nidhogg/nuka-flow/internal/executor"
	"github.com/nidhogg/nuka-flow/internal/progress"
	"github.com/nidhogg/nuka-flow/internal/task"
)

// Result is the terminal record of one workflow. It is never modified after
// Process returns.
type Result struct {
	WorkflowID          string                `json:"workflow_id"`
	ConversationID      string                `json:"conversation_id,omitempty"`
	OriginalRequest     string                `json:"original_request"`
	EnhancedRequest     string                `json:"enhanced_request,omitempty"`
	Confidence          *confidence.Score     `json:"confidence_score,omitempty"`
	ClarifiedConfidence *confidence.Score     `json:"clarified_confidence_score,omitempty"`
	ClarificationRounds int                   `json:"clarification_rounds"`
	Clarifications      []confidence.Exchange `json:"clarifications,omitempty"`
	Plan                *task.Plan            `json:"task_plan,omitempty"`
	PlanCritique        *critique.Result      `json:"plan_critique,omitempty"`
	Tasks               executor.Results      `json:"execution_results"`
	FinalOutput         string                `json:"final_output"`
	FinalCritique       *critique.Result      `json:"final_critique,omitempty"`
	Decision            *decision.Decision    `json:"workflow_decision,omitempty"`
	Success             bool                  `json:"success"`
	Error               string                `json:"error,omitempty"`
	Warnings            []string              `json:"warnings,omitempty"`
	ElapsedSeconds      float64               `json:"execution_time_seconds"`
	Timestamp           time.Time             `json:"timestamp"`
}

// Request is what the caller wants, plus how to reach them for answers.
type Request struct {
	Text           string
	Context        string
	ConversationID string
	// WorkflowID is generated when empty.
	WorkflowID string
	// Input answers clarification questions and human-input tasks. Nil
	// means nobody can be asked.
	Input confidence.InputFunc
}

// WorkflowError is an unexpected failure while orchestrating, captured into
// Result.Error.
type WorkflowError struct {
	Stage progress.Stage
	Err   error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("Orchestrator error during %s: %v", e.Stage, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// JSON renders r indented.
func (r *Result) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ParseResult decodes a record produced by JSON.
func ParseResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &r, nil
}

// Request returns the request text the pipeline acted on.
func (r *Result) Request() string {
	if r.EnhancedRequest != "" {
		return r.EnhancedRequest
	}
	return r.OriginalRequest
}

// Counts tallies plan tasks by status.
func (r *Result) Counts() map[task.Status]int {
	counts := make(map[task.Status]int)
	if r.Plan == nil {
		return counts
	}
	for _, t := range r.Plan.Tasks {
		counts[t.Status]++
	}
	return counts
}

// Summary is a short human-readable digest used by notifications and the
// CLI.
func (r *Result) Summary() string {
	var b strings.Builder
	status := "succeeded"
	if !r.Success {
		status = "failed"
	}
	fmt.Fprintf(&b, "Workflow %s %s in %.1fs", r.WorkflowID, status, r.ElapsedSeconds)
	if r.Plan != nil {
		c := r.Counts()
		fmt.Fprintf(&b, " (%d tasks: %d completed, %d failed, %d skipped)", len(r.Plan.Tasks),
			c[task.StatusCompleted], c[task.StatusFailed], c[task.StatusSkipped])
	}
	if r.FinalCritique != nil {
		fmt.Fprintf(&b, ", quality %.2f", r.FinalCritique.QualityScore)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", r.Error)
	}
	return b.String()
}

// failedTasks lists unsuccessful task ids in order.
func failedTasks(results executor.Results) []string {
	var ids []string
	for id, res := range results {
		if !res.Success {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
