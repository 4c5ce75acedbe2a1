// Package confidence rates how well a request is understood and, when the
// rating is too low, runs clarification rounds to improve it.
package confidence

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/config"
	"github.com/nidhogg/nuka-flow/internal/llmjson"
	"github.com/nidhogg/nuka-flow/internal/provider"
	"github.com/nidhogg/nuka-flow/internal/textutil"
)

// Score rates a request on four dimensions. Overall is the weighted sum.
type Score struct {
	Clarity        float64  `json:"clarity"`
	Completeness   float64  `json:"completeness"`
	Feasibility    float64  `json:"feasibility"`
	Specificity    float64  `json:"specificity"`
	Overall        float64  `json:"overall"`
	Issues         []string `json:"issues"`
	Clarifications []string `json:"clarifications"`
}

// Confident reports whether the overall score reaches threshold.
func (s Score) Confident(threshold float64) bool {
	return s.Overall >= threshold
}

// Conservative is the score used when the request could not be rated.
func Conservative(reason string) Score {
	return Score{
		Clarity:        0.5,
		Completeness:   0.5,
		Feasibility:    0.5,
		Specificity:    0.5,
		Overall:        0.5,
		Issues:         []string{reason},
		Clarifications: []string{"Please provide more details about your request"},
	}
}

// Rater scores requests.
type Rater interface {
	Score(ctx context.Context, request, extra string) Score
}

// Scorer rates requests with a single oracle call.
type Scorer struct {
	gen    provider.Generator
	cfg    config.ConfidenceConfig
	logger *zap.Logger
}

// NewScorer creates a Scorer. cfg is expected to have passed validation.
func NewScorer(gen provider.Generator, cfg config.ConfidenceConfig, logger *zap.Logger) *Scorer {
	return &Scorer{gen: gen, cfg: cfg, logger: logger}
}

// Weighted combines the four dimensions with the configured weights.
func (s *Scorer) Weighted(clarity, completeness, feasibility, specificity float64) float64 {
	return clarity*s.cfg.ClarityWeight +
		completeness*s.cfg.CompletenessWeight +
		feasibility*s.cfg.FeasibilityWeight +
		specificity*s.cfg.SpecificityWeight
}

type scoreResponse struct {
	Clarity        llmjson.Score `json:"clarity"`
	Completeness   llmjson.Score `json:"completeness"`
	Feasibility    llmjson.Score `json:"feasibility"`
	Specificity    llmjson.Score `json:"specificity"`
	Issues         []string      `json:"issues"`
	Clarifications []string      `json:"clarifications"`
}

// Score rates request. It never fails: oracle or parse errors yield
// Conservative.
func (s *Scorer) Score(ctx context.Context, request, extra string) Score {
	text, err := s.gen.Generate(ctx, provider.GenerateRequest{
		Prompt:       buildScorePrompt(request, extra),
		SystemPrompt: provider.System(scoreSystemPrompt),
		Temperature:  0.2,
	})
	if err != nil {
		s.logger.Error("confidence scoring failed", zap.Error(err))
		return Conservative("Failed to analyze query confidence")
	}

	var resp scoreResponse
	if err := llmjson.Decode(text, &resp); err != nil {
		s.logger.Error("failed to parse confidence response",
			zap.Error(err), zap.String("response", textutil.Truncate(text, 500)))
		return Conservative("Failed to parse confidence analysis")
	}

	score := Score{
		Clarity:        float64(resp.Clarity),
		Completeness:   float64(resp.Completeness),
		Feasibility:    float64(resp.Feasibility),
		Specificity:    float64(resp.Specificity),
		Issues:         nonEmpty(resp.Issues),
		Clarifications: nonEmpty(resp.Clarifications),
	}
	score.Overall = s.Weighted(score.Clarity, score.Completeness, score.Feasibility, score.Specificity)

	s.logger.Info("confidence score calculated",
		zap.Float64("overall", score.Overall),
		zap.Float64("clarity", score.Clarity),
		zap.Float64("completeness", score.Completeness),
		zap.Float64("feasibility", score.Feasibility),
		zap.Float64("specificity", score.Specificity),
		zap.Int("issues", len(score.Issues)),
		zap.Int("clarifications", len(score.Clarifications)))
	return score
}

const scoreSystemPrompt = "You assess whether a request contains enough information to act on. Respond only with JSON."

func buildScorePrompt(request, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the following request and decide whether it can be acted on as written.\n\n**User Request:**\n%s\n", request)
	if extra != "" {
		fmt.Fprintf(&b, "\n**Context:**\n%s\n", extra)
	}
	b.WriteString(`
Rate each dimension from 0.0 to 1.0:
- clarity: is the intent unambiguous?
- completeness: is all necessary information present?
- feasibility: can it be accomplished with available capabilities?
- specificity: are requirements concrete enough to verify?

List concrete issues and the questions you would ask to resolve them.

Respond ONLY with JSON:
{
    "clarity": 0.0,
    "completeness": 0.0,
    "feasibility": 0.0,
    "specificity": 0.0,
    "issues": ["identified issue"],
    "clarifications": ["question to ask the user"]
}`)
	return b.String()
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
