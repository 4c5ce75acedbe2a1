package orchestrator

import (
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-flow/internal/critique"
	"github.com/nidhogg/nuka-flow/internal/executor"
	"github.com/nidhogg/nuka-flow/internal/task"
)

// combineResults joins successful outputs in plan order.
func combineResults(plan *task.Plan, results executor.Results) string {
	var parts []string
	for _, t := range plan.Tasks {
		if r, ok := results[t.ID]; ok && r.Success {
			parts = append(parts, fmt.Sprintf("**%s**\n%s", t.Title, r.Output))
		}
	}
	return strings.Join(parts, "\n\n")
}

func buildSynthesisPrompt(request, history, combined, feedback string) string {
	var b strings.Builder
	b.WriteString("Given the user's request and the results from executing tasks, provide a comprehensive, well-structured response.\n\n")
	if history != "" {
		b.WriteString(history)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "**User Request:**\n%s\n\n**Task Results:**\n%s\n\n", request, combined)
	if feedback != "" {
		b.WriteString(feedback)
		b.WriteString("\n\n")
	}
	b.WriteString("**Your Task:**\nSynthesize a clear, complete response that directly addresses the user's request. ")
	b.WriteString("Organize the information logically and ensure it's easy to understand.\n\nResponse:")
	return b.String()
}

// critiqueFeedback turns a critique into guidance for the next attempt.
func critiqueFeedback(what string, c critique.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Previous %s issues (quality %.2f):**\n", what, c.QualityScore)
	for _, issue := range c.CriticalIssues {
		fmt.Fprintf(&b, "- %s\n", issue)
	}
	for _, issue := range c.MinorIssues {
		fmt.Fprintf(&b, "- (minor) %s\n", issue)
	}
	if len(c.Suggestions) > 0 {
		b.WriteString("**Suggestions:**\n")
		for _, s := range c.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
