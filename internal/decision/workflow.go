package decision

import (
	"fmt"

	"github.com/nidhogg/nuka-flow/internal/critique"
)

// Workflow summarises the per-task decisions of a run. final may be nil.
func Workflow(tasks []Decision, final *critique.Result) Decision {
	allProceed := true
	forced := 0
	for _, d := range tasks {
		if !d.ShouldProceed {
			allProceed = false
		}
		if d.Reason == MaxRetriesReached {
			forced++
		}
	}

	if allProceed && final != nil && final.Decision == critique.Accept {
		return proceed(QualityAcceptable, 0.95, "All tasks completed successfully with acceptable quality.")
	}
	if forced > 0 {
		d := proceed(MaxRetriesReached, 0.6, fmt.Sprintf(
			"%d task(s) reached max retries. Proceeding with available outputs.", forced))
		d.Metadata = map[string]string{"warning": "Some tasks may have suboptimal quality"}
		return d
	}
	return proceed(QualityAcceptable, 0.8, "Workflow completed with acceptable results.")
}

// Trend labels the direction of a critique history.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
	TrendUnknown   Trend = "unknown"
)

// TrendReport describes how quality moved across attempts.
type TrendReport struct {
	Trend           Trend   `json:"trend"`
	AverageQuality  float64 `json:"average_quality"`
	ImprovementRate float64 `json:"improvement_rate"`
	BestScore       float64 `json:"best_score"`
	WorstScore      float64 `json:"worst_score"`
	Attempts        int     `json:"attempts"`
}

// Trends compares the first and last critiques of history.
func Trends(history []critique.Result) TrendReport {
	if len(history) == 0 {
		return TrendReport{Trend: TrendUnknown}
	}
	first := history[0].QualityScore
	last := history[len(history)-1].QualityScore
	r := TrendReport{Attempts: len(history), BestScore: first, WorstScore: first}

	var sum float64
	for _, c := range history {
		q := c.QualityScore
		sum += q
		r.BestScore = max(r.BestScore, q)
		r.WorstScore = min(r.WorstScore, q)
	}
	r.AverageQuality = sum / float64(len(history))

	switch {
	case last > first:
		r.Trend = TrendImproving
	case last < first:
		r.Trend = TrendDeclining
	default:
		r.Trend = TrendStable
	}
	if len(history) > 1 {
		r.ImprovementRate = (last - first) / float64(len(history))
	}
	return r
}
