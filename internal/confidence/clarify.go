package confidence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/config"
	"github.com/nidhogg/nuka-flow/internal/provider"
)

const (
	// MaxQuestions caps the questions asked per round.
	MaxQuestions = 5
	// lowDimension is the score below which a dimension gets its own questions.
	lowDimension = 0.7
	// minQuestionLen drops list fragments that are too short to be questions.
	minQuestionLen = 10
)

// InputFunc collects the answer to one question. An empty answer means the
// question was skipped.
type InputFunc func(ctx context.Context, question string) (string, error)

// Question is a clarifying question. Lower priority values are asked first.
type Question struct {
	Text     string `json:"question"`
	Priority int    `json:"priority"`
	Category string `json:"category"`
}

// Exchange is an answered question.
type Exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Category string `json:"category"`
}

// Outcome is the result of a clarification loop.
type Outcome struct {
	Request   string     `json:"request"`
	Rounds    int        `json:"rounds"`
	Score     Score      `json:"score"`
	Exchanges []Exchange `json:"exchanges,omitempty"`
}

// Context renders the answered questions for downstream prompts.
func (o Outcome) Context() string {
	if len(o.Exchanges) == 0 {
		return ""
	}
	return "**Clarifications:**\n" + formatExchanges(o.Exchanges)
}

// Clarifier runs clarification rounds until the request is rated confident
// or the round budget is used up.
type Clarifier struct {
	gen    provider.Generator
	rater  Rater
	cfg    config.ConfidenceConfig
	logger *zap.Logger
}

// NewClarifier creates a Clarifier.
func NewClarifier(gen provider.Generator, rater Rater, cfg config.ConfidenceConfig, logger *zap.Logger) *Clarifier {
	return &Clarifier{gen: gen, rater: rater, cfg: cfg, logger: logger}
}

// Resolve asks clarifying questions through input and rewrites the request.
// It runs at most MaxClarificationRounds rounds and always returns a
// non-empty request.
func (c *Clarifier) Resolve(ctx context.Context, request string, score Score, input InputFunc) Outcome {
	out := Outcome{Request: request, Score: score}
	maxRounds := c.cfg.MaxClarificationRounds
	if maxRounds < 1 {
		maxRounds = 1
	}

	for round := 1; round <= maxRounds; round++ {
		if ctx.Err() != nil {
			break
		}
		questions := c.Questions(ctx, out.Request, out.Score)
		if len(questions) == 0 {
			c.logger.Info("no clarification questions needed", zap.Int("round", round))
			break
		}
		out.Rounds = round

		answered := c.ask(ctx, questions, input)
		if len(answered) == 0 {
			c.logger.Info("no clarification answers received", zap.Int("round", round))
			break
		}
		out.Exchanges = append(out.Exchanges, answered...)
		out.Request = c.Synthesize(ctx, out.Request, answered)
		out.Score = c.rater.Score(ctx, out.Request, "")

		if out.Score.Confident(c.cfg.MinThreshold) {
			c.logger.Info("confidence threshold met",
				zap.Int("rounds", round), zap.Float64("overall", out.Score.Overall))
			break
		}
	}
	return out
}

// Questions builds up to MaxQuestions questions: the scorer's suggested
// clarifications first, then generated ones for each weak dimension.
func (c *Clarifier) Questions(ctx context.Context, request string, score Score) []Question {
	var qs []Question
	for i, text := range score.Clarifications {
		qs = append(qs, Question{Text: text, Priority: i + 1, Category: "confidence_analysis"})
	}

	dims := []struct {
		name  string
		value float64
		ask   string
	}{
		{"clarity", score.Clarity, "lacks clarity. Generate 1-2 specific questions to clarify their intent."},
		{"completeness", score.Completeness, "is missing important details. Generate 1-2 specific questions to gather necessary information."},
		{"feasibility", score.Feasibility, "has unclear feasibility. Generate 1-2 specific questions to better understand constraints and expectations."},
	}
	for _, d := range dims {
		if d.value >= lowDimension {
			continue
		}
		qs = append(qs, c.generateQuestions(ctx, request, d.name, d.ask)...)
	}

	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Priority < qs[j].Priority })
	if len(qs) > MaxQuestions {
		qs = qs[:MaxQuestions]
	}
	return qs
}

func (c *Clarifier) generateQuestions(ctx context.Context, request, category, ask string) []Question {
	prompt := fmt.Sprintf("The following user request %s\n\nRequest: %s\n\nProvide questions as a simple numbered list.", ask, request)
	text, err := c.gen.Generate(ctx, provider.GenerateRequest{Prompt: prompt, Temperature: 0.5})
	if err != nil {
		c.logger.Warn("failed to generate clarification questions",
			zap.String("category", category), zap.Error(err))
		return nil
	}
	return ParseQuestions(text, category)
}

// ParseQuestions extracts numbered or bulleted lines from text.
func ParseQuestions(text, category string) []Question {
	var qs []Question
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !(line[0] >= '0' && line[0] <= '9') && !strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "•") && !strings.HasPrefix(line, "*") {
			continue
		}
		q := strings.TrimSpace(strings.TrimLeft(line, "0123456789.-•*) "))
		if len(q) <= minQuestionLen {
			continue
		}
		qs = append(qs, Question{Text: q, Priority: len(qs) + 1, Category: category})
	}
	return qs
}

func (c *Clarifier) ask(ctx context.Context, questions []Question, input InputFunc) []Exchange {
	if input == nil {
		return nil
	}
	var answered []Exchange
	for i, q := range questions {
		answer, err := input(ctx, fmt.Sprintf("Q%d. %s", i+1, q.Text))
		if err != nil {
			c.logger.Warn("error getting clarification", zap.String("question", q.Text), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			continue
		}
		answered = append(answered, Exchange{Question: q.Text, Answer: answer, Category: q.Category})
	}
	return answered
}

// Synthesize merges answers into the request via the oracle, falling back to
// plain concatenation when the oracle fails or returns something implausibly
// short.
func (c *Clarifier) Synthesize(ctx context.Context, request string, answered []Exchange) string {
	if len(answered) == 0 {
		return request
	}
	qa := formatExchanges(answered)
	fallback := ConcatClarifications(request, answered)

	prompt := fmt.Sprintf(`Given the original user request and their clarifying answers, synthesize an enhanced, complete request that incorporates all information.

**Original Request:**
%s

**Clarifications:**
%s

**Your Task:**
Create a single, comprehensive request that includes all the information from both the original request and the clarifications. Keep it concise but complete.

Enhanced Request:`, request, qa)

	text, err := c.gen.Generate(ctx, provider.GenerateRequest{Prompt: prompt, Temperature: 0.3})
	if err != nil {
		c.logger.Error("failed to synthesize enhanced request", zap.Error(err))
		return fallback
	}
	enhanced := strings.TrimSpace(text)
	if float64(len(enhanced)) < float64(len(request))*0.5 || enhanced == "" {
		c.logger.Warn("synthesized request too short, using concatenation",
			zap.Int("original_length", len(request)), zap.Int("enhanced_length", len(enhanced)))
		return fallback
	}
	return enhanced
}

// ConcatClarifications is the literal fallback form of an enhanced request.
func ConcatClarifications(request string, answered []Exchange) string {
	return request + "\n\nAdditional context:\n" + formatExchanges(answered)
}

func formatExchanges(ex []Exchange) string {
	parts := make([]string, len(ex))
	for i, e := range ex {
		parts[i] = fmt.Sprintf("Q: %s\nA: %s", e.Question, e.Answer)
	}
	return strings.Join(parts, "\n\n")
}
