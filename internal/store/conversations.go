package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/conversation"
)

// SaveTurn stores one conversation turn.
func (s *Store) SaveTurn(ctx context.Context, conversationID string, t conversation.Turn) error {
	var meta []byte
	if len(t.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(t.Metadata); err != nil {
			return fmt.Errorf("marshal turn metadata: %w", err)
		}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation_turns (conversation_id, turn_id, user_query, ai_response, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, turn_id) DO UPDATE SET
			user_query = EXCLUDED.user_query,
			ai_response = EXCLUDED.ai_response,
			metadata = EXCLUDED.metadata`,
		conversationID, t.ID, t.Request, t.Response, meta, t.Time,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// LoadTurns returns the latest limit turns of a conversation, oldest first.
func (s *Store) LoadTurns(ctx context.Context, conversationID string, limit int) ([]conversation.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `
		SELECT turn_id, user_query, ai_response, metadata, created_at FROM (
			SELECT * FROM conversation_turns
			WHERE conversation_id = $1
			ORDER BY turn_id DESC
			LIMIT $2
		) recent
		ORDER BY turn_id ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var t conversation.Turn
		var meta []byte
		if err := rows.Scan(&t.ID, &t.Request, &t.Response, &meta, &t.Time); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				s.logger.Warn("bad turn metadata",
					zap.String("conversation_id", conversationID), zap.Int("turn", t.ID), zap.Error(err))
			}
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
