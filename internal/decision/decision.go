// Package decision turns critiques and retry history into proceed/retry
// verdicts. Everything here is pure; Maker only adds logging and metrics.
package decision

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/critique"
	"github.com/nidhogg/nuka-flow/internal/telemetry"
)

// Reason explains a Decision.
type Reason string

const (
	QualityAcceptable Reason = "quality_acceptable"
	QualityImproved   Reason = "quality_improved"
	MaxRetriesReached Reason = "max_retries_reached"
	CriticalIssues    Reason = "critical_issues"
	NoImprovement     Reason = "no_improvement"
	MinorIssuesOnly   Reason = "minor_issues_only"
)

// MinorIssueMargin is how far below the threshold rule 5 still proceeds.
const MinorIssueMargin = 0.10

// Decision is the verdict for one attempt.
type Decision struct {
	ShouldProceed bool              `json:"should_proceed"`
	ShouldRetry   bool              `json:"should_retry_task"`
	Reason        Reason            `json:"reason"`
	Explanation   string            `json:"explanation"`
	Improvements  []string          `json:"improvements,omitempty"`
	Confidence    float64           `json:"confidence"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Config holds the decision thresholds.
type Config struct {
	MaxRetries           int
	QualityThreshold     float64
	ImprovementThreshold float64
}

func proceed(reason Reason, confidence float64, explanation string) Decision {
	return Decision{ShouldProceed: true, Reason: reason, Confidence: confidence, Explanation: explanation}
}

func retry(reason Reason, confidence float64, explanation string, improvements []string) Decision {
	return Decision{ShouldRetry: true, Reason: reason, Confidence: confidence,
		Explanation: explanation, Improvements: improvements}
}

// Decide applies the rule chain. The first matching rule wins:
//
//  1. accept verdict at or above threshold: proceed
//  2. attempt >= MaxRetries: proceed
//  3. critical issues: retry with the suggestions
//  4. with history: retry while improving, otherwise proceed
//  5. within MinorIssueMargin of threshold: proceed
//  6. retry
//
// attempt is 1-based.
func Decide(c critique.Result, attempt int, previous []critique.Result, cfg Config) Decision {
	if c.Decision == critique.Accept && c.QualityScore >= cfg.QualityThreshold {
		return proceed(QualityAcceptable, 0.9, fmt.Sprintf(
			"Quality score %.2f meets threshold %.2f. Output is acceptable.", c.QualityScore, cfg.QualityThreshold))
	}

	if attempt >= cfg.MaxRetries {
		d := proceed(MaxRetriesReached, 0.7, fmt.Sprintf(
			"Maximum retries (%d) reached. Proceeding with best available output.", cfg.MaxRetries))
		d.Metadata = map[string]string{"warning": "Quality may be suboptimal"}
		return d
	}

	if len(c.CriticalIssues) > 0 {
		return retry(CriticalIssues, 0.95, fmt.Sprintf(
			"Found %d critical issue(s) that must be fixed.", len(c.CriticalIssues)), c.Suggestions)
	}

	if len(previous) > 0 {
		if Improving(c, previous[len(previous)-1], cfg.ImprovementThreshold) {
			return retry(QualityImproved, 0.85, fmt.Sprintf(
				"Quality improving. Score: %.2f. Retry recommended.", c.QualityScore), c.Suggestions)
		}
		return proceed(NoImprovement, 0.8,
			"Quality is not improving with retries. Proceeding with current output.")
	}

	if c.QualityScore >= cfg.QualityThreshold-MinorIssueMargin {
		return proceed(MinorIssuesOnly, 0.75, fmt.Sprintf(
			"Only minor issues found. Quality %.2f is close enough to threshold.", c.QualityScore))
	}

	return retry(CriticalIssues, 0.8, fmt.Sprintf(
		"Quality %.2f below threshold. Retry with improvements.", c.QualityScore), c.Suggestions)
}

// Improving reports whether current beats last by at least threshold, or
// has fewer critical issues.
func Improving(current, last critique.Result, threshold float64) bool {
	if current.QualityScore-last.QualityScore >= threshold {
		return true
	}
	return len(current.CriticalIssues) < len(last.CriticalIssues)
}

// Maker wraps Decide with logging and metrics.
type Maker struct {
	cfg     Config
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// NewMaker creates a Maker. metrics may be nil.
func NewMaker(cfg Config, metrics *telemetry.Metrics, logger *zap.Logger) *Maker {
	return &Maker{cfg: cfg, metrics: metrics, logger: logger}
}

// WithMaxRetries returns a Maker sharing m's logger and metrics whose rule 2
// fires at attempt n. Plan and synthesis loops have their own budgets.
func (m *Maker) WithMaxRetries(n int) *Maker {
	c := *m
	c.cfg.MaxRetries = n
	return &c
}

// Config returns the thresholds in use.
func (m *Maker) Config() Config { return m.cfg }

// Decide is the logged form of the package-level Decide.
func (m *Maker) Decide(c critique.Result, attempt int, previous []critique.Result) Decision {
	d := Decide(c, attempt, previous, m.cfg)
	m.logger.Info("decision made",
		zap.Int("attempt", attempt),
		zap.Float64("quality", c.QualityScore),
		zap.String("verdict", string(c.Decision)),
		zap.Int("critical_issues", len(c.CriticalIssues)),
		zap.String("reason", string(d.Reason)),
		zap.Bool("proceed", d.ShouldProceed))
	if d.Reason == MaxRetriesReached {
		m.logger.Warn("max retries reached, proceeding with suboptimal output", zap.Int("attempt", attempt))
	}
	m.metrics.IncDecision(string(d.Reason))
	return d
}
