package planner

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/task"
)

// Validate enforces the soft plan invariants in place. Plans over MaxTasks
// are trimmed; small plans and dangling dependencies are only flagged.
func Validate(plan *task.Plan, logger *zap.Logger) {
	if len(plan.Tasks) > MaxTasks {
		logger.Warn("plan too large, trimming",
			zap.Int("tasks", len(plan.Tasks)), zap.Int("max", MaxTasks))
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("Plan trimmed from %d to %d tasks", len(plan.Tasks), MaxTasks))
		plan.Tasks = plan.Tasks[:MaxTasks]
	}
	if len(plan.Tasks) < MinTasks {
		logger.Warn("plan has fewer tasks than expected", zap.Int("tasks", len(plan.Tasks)))
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("Plan has only %d task(s); expected at least %d", len(plan.Tasks), MinTasks))
	}

	ids := plan.IDs()
	for _, t := range plan.Tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				w := fmt.Sprintf("Task %s has invalid dependency: %s", t.ID, dep)
				logger.Warn("invalid task dependency", zap.String("task_id", t.ID), zap.String("dependency", dep))
				plan.Warnings = append(plan.Warnings, w)
			}
		}
	}
}
