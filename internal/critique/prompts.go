package critique

import (
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-flow/internal/task"
	"github.com/nidhogg/nuka-flow/internal/textutil"
)

const responseFormat = `**Response Format (JSON):**
{
  "accuracy_score": 0.0-1.0,
  "completeness_score": 0.0-1.0,
  "clarity_score": 0.0-1.0,
  "relevance_score": 0.0-1.0,
  "critical_issues": ["problems that MUST be fixed"],
  "minor_issues": ["problems that should be improved"],
  "suggestions": ["specific, actionable improvements"],
  "harsh_comments": "your brutal, honest assessment",
  "decision": "accept|retry|reject"
}

Respond ONLY with the JSON object.
`

func buildPlanPrompt(request string, plan *task.Plan, extra string) string {
	var b strings.Builder
	b.WriteString("You are a HARSH CRITIC evaluating a task breakdown plan. Be BRUTAL about poor planning.\n\n")
	fmt.Fprintf(&b, "**User Request:**\n%s\n\n", request)
	fmt.Fprintf(&b, "**Proposed Task Plan:**\n- Total tasks: %d\n- Estimated complexity: %s\n- Estimated time: %s\n\n**Tasks:**\n",
		len(plan.Tasks), plan.EstimatedComplexity, plan.EstimatedTime)
	for _, t := range plan.Tasks {
		deps := "None"
		if len(t.Dependencies) > 0 {
			deps = strings.Join(t.Dependencies, ", ")
		}
		fmt.Fprintf(&b, "**Task %s**: %s\n  Description: %s\n  Source: %s\n  Success Criteria: %s\n  Dependencies: %s\n  Priority: %d\n",
			t.ID, t.Title, t.Description, t.Source, strings.Join(t.SuccessCriteria, ", "), deps, t.Priority)
	}
	if extra != "" {
		fmt.Fprintf(&b, "\n**Reasoning Context:**\n%s\n", extra)
	}
	b.WriteString(`
**Evaluate This Task Plan:**
1. Accuracy: do the tasks address the request?
2. Completeness: do they cover everything needed?
3. Clarity: are descriptions clear and specific?
4. Relevance: is every task necessary?

Check that the task count is reasonable (2-15), dependencies are correct and
non-circular, success criteria are measurable and the execution order is logical.

**Decision:** ACCEPT if the plan is ready for execution, RETRY if it needs
replanning, REJECT if it is fundamentally flawed.

`)
	b.WriteString(responseFormat)
	return b.String()
}

func buildTaskPrompt(t *task.Task, output, extra string) string {
	var b strings.Builder
	b.WriteString("You are a HARSH, UNBIASED CRITIC. Brutally evaluate this task output. NO FAVORITISM. NO SUGARCOATING.\n\n")
	fmt.Fprintf(&b, "**Task Description:**\n%s\n\n", t.Description)
	fmt.Fprintf(&b, "**Expected Outcome:**\n%s\n\n", t.Title)
	fmt.Fprintf(&b, "**Actual Output:**\n%s\n\n", textutil.Truncate(output, 2000))
	b.WriteString("**Success Criteria:**\n")
	for i, c := range t.SuccessCriteria {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	if extra != "" {
		fmt.Fprintf(&b, "\n**Additional Context:**\n%s\n", extra)
	}
	b.WriteString(`
Rate each dimension from 0.0 to 1.0:
1. Accuracy: is it factually correct?
2. Completeness: does it meet ALL success criteria?
3. Clarity: is it clear and well-structured?
4. Relevance: is it relevant to the task?

**Decision:** ACCEPT only if every criterion is met (be very strict), RETRY if
feedback can fix it, REJECT if it needs major rework.

`)
	b.WriteString(responseFormat)
	return b.String()
}

func buildFinalPrompt(request, output string, stats Stats) string {
	var b strings.Builder
	b.WriteString("You are a HARSH, DEMANDING CRITIC evaluating the final output. Be BRUTALLY HONEST.\n\n")
	fmt.Fprintf(&b, "**User's Original Request:**\n%s\n\n", request)
	fmt.Fprintf(&b, "**Final Output:**\n%s\n", textutil.Truncate(output, 3000))
	if stats.TasksTotal > 0 {
		fmt.Fprintf(&b, "\n**Execution Context:**\n- Tasks completed: %d/%d\n", stats.TasksCompleted, stats.TasksTotal)
		if stats.Elapsed != "" {
			fmt.Fprintf(&b, "- Total time: %s\n", stats.Elapsed)
		}
	}
	b.WriteString(`
Does this output TRULY satisfy the request? Rate accuracy, completeness,
clarity and relevance from 0.0 to 1.0.

**Decision:** ACCEPT if it truly satisfies the request (be VERY strict), RETRY
if it needs improvement, REJECT if it does not satisfy the request.

`)
	b.WriteString(responseFormat)
	return b.String()
}
