package config

import (
	"fmt"
	"math"
)

// weightTolerance is how far the confidence weights may drift from 1.0.
const weightTolerance = 0.01

// ConfigurationError reports an invalid setting. It is returned before any
// oracle call is made.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	if c.Oracle.TimeoutSeconds < 0 {
		return invalid("oracle.timeout_seconds", "must be >= 0, got %v", c.Oracle.TimeoutSeconds)
	}
	if c.Oracle.CacheSize < 0 {
		return invalid("oracle.cache_size", "must be >= 0, got %d", c.Oracle.CacheSize)
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return invalid(fmt.Sprintf("providers[%d].id", i), "is required")
		}
		if seen[p.ID] {
			return invalid(fmt.Sprintf("providers[%d].id", i), "duplicate id %q", p.ID)
		}
		seen[p.ID] = true
	}
	for i, r := range c.Roles {
		if r.Provider != "" && !seen[r.Provider] {
			return invalid(fmt.Sprintf("roles[%d].provider", i), "unknown provider %q", r.Provider)
		}
	}
	return nil
}

// Validate checks the pipeline tunables.
func (o OrchestratorConfig) Validate() error {
	if err := o.Confidence.Validate(); err != nil {
		return err
	}
	if err := o.Execution.Validate(); err != nil {
		return err
	}
	return o.Critique.Validate()
}

// Validate checks thresholds, weights and round limits.
func (c ConfidenceConfig) Validate() error {
	if !unit(c.MinThreshold) {
		return invalid("confidence.min_confidence_threshold", "must be in [0,1], got %v", c.MinThreshold)
	}
	weights := map[string]float64{
		"clarity_weight":      c.ClarityWeight,
		"completeness_weight": c.CompletenessWeight,
		"feasibility_weight":  c.FeasibilityWeight,
		"specificity_weight":  c.SpecificityWeight,
	}
	for name, w := range weights {
		if !unit(w) {
			return invalid("confidence."+name, "must be in [0,1], got %v", w)
		}
	}
	sum := c.ClarityWeight + c.CompletenessWeight + c.FeasibilityWeight + c.SpecificityWeight
	if math.Abs(sum-1.0) > weightTolerance {
		return invalid("confidence.weights", "must sum to 1.0, got %.3f", sum)
	}
	if c.MaxClarificationRounds < 1 {
		return invalid("confidence.max_clarification_rounds", "must be >= 1, got %d", c.MaxClarificationRounds)
	}
	return nil
}

// Validate checks strategy and execution limits.
func (c ExecutionConfig) Validate() error {
	switch c.Strategy {
	case StrategyGreedy, StrategySequential, StrategyParallel:
	default:
		return invalid("execution.strategy", "unknown strategy %q", c.Strategy)
	}
	if c.MaxRetries < 0 {
		return invalid("execution.max_retries", "must be >= 0, got %d", c.MaxRetries)
	}
	if c.RetryBackoffSeconds < 0 {
		return invalid("execution.retry_backoff_seconds", "must be >= 0, got %v", c.RetryBackoffSeconds)
	}
	if c.MaxParallelTasks < 1 {
		return invalid("execution.max_parallel_tasks", "must be >= 1, got %d", c.MaxParallelTasks)
	}
	if c.TaskTimeoutSeconds <= 0 {
		return invalid("execution.task_timeout_seconds", "must be > 0, got %v", c.TaskTimeoutSeconds)
	}
	return nil
}

// Validate checks critique thresholds.
func (c CritiqueConfig) Validate() error {
	if !unit(c.CriticalQualityThreshold) {
		return invalid("critique.critical_quality_threshold", "must be in [0,1], got %v", c.CriticalQualityThreshold)
	}
	if !unit(c.ImprovementThreshold) {
		return invalid("critique.improvement_threshold", "must be in [0,1], got %v", c.ImprovementThreshold)
	}
	if c.PlanAttempts < 1 {
		return invalid("critique.plan_attempts", "must be >= 1, got %d", c.PlanAttempts)
	}
	if c.SynthesisAttempts < 1 {
		return invalid("critique.synthesis_attempts", "must be >= 1, got %d", c.SynthesisAttempts)
	}
	return nil
}

func unit(f float64) bool {
	return f >= 0 && f <= 1 && !math.IsNaN(f)
}
