package conversation

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Store persists turns across restarts.
type Store interface {
	SaveTurn(ctx context.Context, conversationID string, t Turn) error
	LoadTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
}

// Sessions holds the Memory of the most recently used conversations. A
// conversation evicted from the cache is reloaded from the Store on next
// use.
type Sessions struct {
	cache  *lru.Cache[string, *Memory]
	cfg    Config
	store  Store
	logger *zap.Logger
}

// NewSessions keeps up to size conversations in memory. store may be nil.
func NewSessions(size int, cfg Config, store Store, logger *zap.Logger) (*Sessions, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *Memory](size)
	if err != nil {
		return nil, fmt.Errorf("conversation cache: %w", err)
	}
	return &Sessions{cache: cache, cfg: cfg, store: store, logger: logger}, nil
}

// Get returns the history of id, loading it from the store on a miss.
func (s *Sessions) Get(ctx context.Context, id string) *Memory {
	if m, ok := s.cache.Get(id); ok {
		return m
	}
	m := NewMemory(s.cfg, s.logger)
	if s.store != nil {
		turns, err := s.store.LoadTurns(ctx, id, m.cfg.MaxTurns)
		if err != nil {
			s.logger.Warn("failed to load conversation", zap.String("conversation_id", id), zap.Error(err))
		} else {
			m.Restore(turns)
		}
	}
	if prev, ok, _ := s.cache.PeekOrAdd(id, m); ok {
		return prev
	}
	return m
}

// Record appends a turn to id and persists it.
func (s *Sessions) Record(ctx context.Context, id, request, response string, meta map[string]string) Turn {
	t := s.Get(ctx, id).Add(request, response, meta)
	if s.store != nil {
		if err := s.store.SaveTurn(ctx, id, t); err != nil {
			s.logger.Warn("failed to persist conversation turn",
				zap.String("conversation_id", id), zap.Int("turn", t.ID), zap.Error(err))
		}
	}
	return t
}

// Forget drops id from memory. Persisted turns are kept.
func (s *Sessions) Forget(id string) {
	s.cache.Remove(id)
}
