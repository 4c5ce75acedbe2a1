package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-flow/internal/task"
)

// Composite runs the sub-steps listed in a task's "steps" detail (or, when
// absent, every object-valued detail) concurrently through Subs. Each step
// is {source, description, details}. A failing step contributes
// "Error: ..." to the merged result; the task fails only if all steps fail.
type Composite struct {
	Subs     Runner
	Parallel int
}

type step struct {
	key  string
	task *task.Task
}

func (c Composite) steps(t *task.Task) ([]step, error) {
	specs := detailMap(t, "steps")
	if specs == nil {
		specs = make(map[string]any)
		for k, v := range t.SourceDetails {
			if _, ok := v.(map[string]any); ok {
				specs[k] = v
			}
		}
	}
	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]step, 0, len(keys))
	for _, k := range keys {
		spec, ok := specs[k].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("composite: step %q is not an object", k)
		}
		src := task.SourceGeneration
		if s, _ := spec["source"].(string); s != "" {
			var err error
			if src, err = task.ParseSource(s); err != nil {
				return nil, fmt.Errorf("composite: step %q: %w", k, err)
			}
		}
		if src == task.SourceComposite {
			return nil, fmt.Errorf("composite: step %q cannot be composite", k)
		}
		desc, _ := spec["description"].(string)
		details, _ := spec["details"].(map[string]any)
		out = append(out, step{key: k, task: &task.Task{
			ID:            t.ID + "_" + k,
			Title:         t.Title + " - " + k,
			Description:   desc,
			Source:        src,
			SourceDetails: details,
			Status:        task.StatusInProgress,
		}})
	}
	return out, nil
}

func (c Composite) Run(ctx context.Context, req Request) (Output, error) {
	steps, err := c.steps(req.Task)
	if err != nil {
		return Output{}, err
	}
	if len(steps) == 0 {
		return Output{}, fmt.Errorf("composite: task %s has no steps", req.Task.ID)
	}

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(steps))
		failed  int
	)
	g, gctx := errgroup.WithContext(ctx)
	if c.Parallel > 0 {
		g.SetLimit(c.Parallel)
	}
	for _, s := range steps {
		g.Go(func() error {
			out, err := c.Subs.Run(gctx, Request{Task: s.task, Inputs: req.Inputs})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				results[s.key] = "Error: " + err.Error()
				return nil
			}
			results[s.key] = out.Text
			return nil
		})
	}
	_ = g.Wait()

	if failed == len(steps) {
		return Output{}, fmt.Errorf("composite: all %d steps failed", failed)
	}
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "## %s\n%s\n\n", s.key, results[s.key])
	}
	return Output{Text: strings.TrimSpace(b.String()), Data: results}, nil
}
