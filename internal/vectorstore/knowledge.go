package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/embedding"
)

// Hit is one search result.
type Hit struct {
	ID      string            `json:"id"`
	Score   float32           `json:"score"`
	Payload map[string]string `json:"payload"`
}

// Text returns the indexed snippet of the hit.
func (h Hit) Text() string { return h.Payload["text"] }

// Backend is the subset of Client the knowledge index needs.
type Backend interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, points ...Point) error
	Search(ctx context.Context, collection string, vector []float32, limit uint64) ([]Hit, error)
}

// Knowledge is a text index: snippets are embedded on write and queries are
// embedded on search.
type Knowledge struct {
	backend    Backend
	embedder   embedding.Embedder
	collection string
	logger     *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewKnowledge creates a Knowledge index over collection.
func NewKnowledge(backend Backend, embedder embedding.Embedder, collection string, logger *zap.Logger) *Knowledge {
	return &Knowledge{backend: backend, embedder: embedder, collection: collection, logger: logger}
}

func (k *Knowledge) ensure(ctx context.Context, dim int) error {
	k.ensureOnce.Do(func() {
		k.ensureErr = k.backend.EnsureCollection(ctx, k.collection, uint64(dim))
	})
	return k.ensureErr
}

// Add indexes text with metadata and returns the point id.
func (k *Knowledge) Add(ctx context.Context, text string, meta map[string]string) (string, error) {
	vec, err := embedding.EmbedOne(ctx, k.embedder, text)
	if err != nil {
		return "", fmt.Errorf("embed snippet: %w", err)
	}
	if err := k.ensure(ctx, len(vec)); err != nil {
		return "", err
	}
	payload := make(map[string]string, len(meta)+1)
	for key, v := range meta {
		payload[key] = v
	}
	payload["text"] = text

	id := uuid.NewString()
	if err := k.backend.Upsert(ctx, k.collection, Point{ID: id, Vector: vec, Payload: payload}); err != nil {
		return "", err
	}
	k.logger.Debug("knowledge indexed", zap.String("id", id), zap.Int("length", len(text)))
	return id, nil
}

// Search returns the topK snippets closest to query.
func (k *Knowledge) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	vec, err := embedding.EmbedOne(ctx, k.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := k.ensure(ctx, len(vec)); err != nil {
		return nil, err
	}
	return k.backend.Search(ctx, k.collection, vec, uint64(topK))
}
