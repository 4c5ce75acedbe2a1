package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// DBQuery runs the db-query source inside a read-only transaction.
type DBQuery struct {
	DB      TxBeginner
	MaxRows int
}

func (d DBQuery) Run(ctx context.Context, req Request) (Output, error) {
	if d.DB == nil {
		return Output{}, fmt.Errorf("db-query: %w", ErrNotConfigured)
	}
	query := req.Task.Detail("query")
	if query == "" {
		query = req.Task.Detail("sql")
	}
	if query == "" {
		return Output{}, errors.New("db-query: no query in source details")
	}

	tx, err := d.DB.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Output{}, fmt.Errorf("db-query: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return Output{}, fmt.Errorf("db-query: %w", err)
	}
	defer rows.Close()

	limit := d.MaxRows
	if limit <= 0 {
		limit = 100
	}
	var (
		records   []map[string]any
		truncated bool
	)
	for rows.Next() {
		if len(records) == limit {
			truncated = true
			break
		}
		rec, err := pgx.RowToMap(rows)
		if err != nil {
			return Output{}, fmt.Errorf("db-query: scan: %w", err)
		}
		records = append(records, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Output{}, fmt.Errorf("db-query: %w", err)
	}

	text := toJSONText(records)
	if truncated {
		text += fmt.Sprintf("\n(first %d rows shown)", limit)
	}
	return Output{Text: text, Data: records}, nil
}
