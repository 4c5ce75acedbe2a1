package planner

import (
	"strings"

	"github.com/nidhogg/nuka-flow/internal/task"
)

var sourceHelp = map[task.Source]string{
	task.SourceGeneration: "use the language model to produce text",
	task.SourceAPICall:    "call an external HTTP API (details: url, method, headers, body)",
	task.SourceSearch:     "search the knowledge base (details: query)",
	task.SourceDBQuery:    "run a read-only SQL query (details: query)",
	task.SourceCodeExec:   "execute a code snippet (details: language, code)",
	task.SourceFileOp:     "read, write or list files (details: operation, path, content)",
	task.SourceHumanInput: "ask the user (details: question)",
	task.SourceComposite:  "combine several sub-steps (details: steps)",
}

func buildPlanPrompt(request, extra string) string {
	var b strings.Builder
	b.WriteString("You are an expert at breaking down complex problems into executable tasks.\n\n")
	b.WriteString("**User Request:**\n")
	b.WriteString(request)
	b.WriteString("\n")
	if extra != "" {
		b.WriteString("\n**Additional Context:**\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}
	b.WriteString(`
**Your Task:**
Break this request into 2 to 15 concrete, executable tasks. For each task give:

1. task_id: T1, T2, ...
2. title: brief, descriptive title
3. description: what needs to be done
4. source: how to accomplish it, one of:
`)
	for _, s := range task.Sources {
		b.WriteString("   - ")
		b.WriteString(string(s))
		b.WriteString(": ")
		b.WriteString(sourceHelp[s])
		b.WriteString("\n")
	}
	b.WriteString(`5. source_details: parameters for the source
6. success_criteria: checkable statements that prove the task succeeded
7. dependencies: task ids this task needs first
8. priority: 1-5, 1 is highest

Also provide estimated_complexity ("simple", "moderate" or "complex"),
estimated_time (a rough human estimate) and warnings.

**Response Format (JSON):**
{
  "tasks": [
    {
      "task_id": "T1",
      "title": "Task title",
      "description": "What to do",
      "source": "generation",
      "source_details": {"prompt": "..."},
      "success_criteria": ["Criterion 1"],
      "dependencies": [],
      "priority": 1
    }
  ],
  "estimated_complexity": "moderate",
  "estimated_time": "5-10 minutes",
  "warnings": []
}

Respond ONLY with the JSON object, no additional text.
`)
	return b.String()
}
