package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-flow/internal/vectorstore"
)

// Searcher is a text index.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]vectorstore.Hit, error)
}

// Search answers the search source from the knowledge index.
type Search struct {
	Index Searcher
	TopK  int
}

func (s Search) Run(ctx context.Context, req Request) (Output, error) {
	if s.Index == nil {
		return Output{}, fmt.Errorf("search: %w", ErrNotConfigured)
	}
	query := req.Task.Detail("query")
	if query == "" {
		query = req.Task.Description
	}
	hits, err := s.Index.Search(ctx, query, s.TopK)
	if err != nil {
		return Output{}, fmt.Errorf("search: %w", err)
	}
	if len(hits) == 0 {
		return Output{Text: fmt.Sprintf("No results found for %q.", query), Data: hits}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Results for %q:\n", query)
	for i, h := range hits {
		fmt.Fprintf(&b, "\n[%d] (score %.3f) %s\n", i+1, h.Score, h.Text())
	}
	return Output{Text: b.String(), Data: hits}, nil
}
