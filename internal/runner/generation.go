package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/nuka-flow/internal/provider"
)

// Generation answers a task with one oracle call.
type Generation struct {
	Gen provider.Generator
}

func (g Generation) Run(ctx context.Context, req Request) (Output, error) {
	t := req.Task
	prompt := t.Detail("prompt")
	if prompt == "" {
		prompt = t.Description
	}

	var b strings.Builder
	b.WriteString(prompt)
	if len(req.Inputs) > 0 {
		b.WriteString("\n\n## Results from prerequisite tasks\n")
		ids := make([]string, 0, len(req.Inputs))
		for id := range req.Inputs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "\n### %s\n%s\n", id, truncate(req.Inputs[id], 4000))
		}
	}
	if len(t.SuccessCriteria) > 0 {
		b.WriteString("\n\n## The answer must satisfy\n")
		for _, c := range t.SuccessCriteria {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	b.WriteString(Feedback(req.History))

	gr := provider.GenerateRequest{Prompt: b.String(), Temperature: 0.7}
	if sys := t.Detail("system_prompt"); sys != "" {
		gr.SystemPrompt = provider.System(sys)
	}
	text, err := g.Gen.Generate(ctx, gr)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: text}, nil
}

// Feedback renders earlier attempts and their critiques as a prompt section.
// It is empty when there is no history.
func Feedback(history []Attempt) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n## Previous attempts\nEarlier answers were rejected. Address every point below.\n")
	for i, a := range history {
		fmt.Fprintf(&b, "\n### Attempt %d (quality %.2f)\n", i+1, a.Critique.QualityScore)
		if a.Output != "" {
			fmt.Fprintf(&b, "Answer excerpt: %s\n", truncate(a.Output, 500))
		}
		for _, issue := range a.Critique.CriticalIssues {
			fmt.Fprintf(&b, "- Critical: %s\n", issue)
		}
		for _, s := range a.Critique.Suggestions {
			fmt.Fprintf(&b, "- Improve: %s\n", s)
		}
	}
	return b.String()
}
