package runner

import (
	"context"
	"fmt"
	"strings"
)

// InputFunc asks a person a question and returns the answer.
type InputFunc func(ctx context.Context, question string) (string, error)

type inputKey struct{}

// WithInput binds ask to ctx. HumanInput prefers it over its own Ask, which
// lets one registry serve callers with different ways of reaching a person.
func WithInput(ctx context.Context, ask InputFunc) context.Context {
	if ask == nil {
		return ctx
	}
	return context.WithValue(ctx, inputKey{}, ask)
}

func inputFrom(ctx context.Context) InputFunc {
	ask, _ := ctx.Value(inputKey{}).(InputFunc)
	return ask
}

// HumanInput answers the human-input source by asking the user.
type HumanInput struct {
	Ask InputFunc
}

func (h HumanInput) Run(ctx context.Context, req Request) (Output, error) {
	ask := inputFrom(ctx)
	if ask == nil {
		ask = h.Ask
	}
	if ask == nil {
		return Output{}, fmt.Errorf("human-input: %w", ErrNotConfigured)
	}
	q := req.Task.Detail("question")
	if q == "" {
		q = fmt.Sprintf("%s: %s", req.Task.Title, req.Task.Description)
	}
	answer, err := ask(ctx, q)
	if err != nil {
		return Output{}, fmt.Errorf("human-input: %w", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return Output{}, fmt.Errorf("human-input: no answer to %q", q)
	}
	return Output{Text: answer}, nil
}
