package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-flow/internal/orchestrator"
)

// ResultSummary is a listing row; the full record is fetched with GetResult.
type ResultSummary struct {
	ID             string    `json:"workflow_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Request        string    `json:"request"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Quality        *float64  `json:"quality,omitempty"`
	ElapsedSeconds float64   `json:"execution_time_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// SaveResult upserts a workflow result.
func (s *Store) SaveResult(ctx context.Context, r *orchestrator.Result) error {
	record, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	var quality *float64
	if r.FinalCritique != nil {
		q := r.FinalCritique.QualityScore
		quality = &q
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_results
			(id, conversation_id, request, success, error, final_output, quality, elapsed_seconds, record, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			success = EXCLUDED.success,
			error = EXCLUDED.error,
			final_output = EXCLUDED.final_output,
			quality = EXCLUDED.quality,
			elapsed_seconds = EXCLUDED.elapsed_seconds,
			record = EXCLUDED.record`,
		r.WorkflowID, r.ConversationID, r.OriginalRequest, r.Success, r.Error,
		r.FinalOutput, quality, r.ElapsedSeconds, record, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", r.WorkflowID, err)
	}
	return nil
}

// GetResult loads the full record of one workflow.
func (s *Store) GetResult(ctx context.Context, id string) (*orchestrator.Result, error) {
	var record []byte
	err := s.db.QueryRow(ctx, `SELECT record FROM workflow_results WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	return orchestrator.ParseResult(record)
}

// ListResults returns the newest results first.
func (s *Store) ListResults(ctx context.Context, limit int) ([]ResultSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, COALESCE(conversation_id, ''), request, success, COALESCE(error, ''),
		       quality, elapsed_seconds, created_at
		FROM workflow_results
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []ResultSummary
	for rows.Next() {
		var r ResultSummary
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Request, &r.Success, &r.Error,
			&r.Quality, &r.ElapsedSeconds, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
