package workflow

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresHistory persists transition history in PostgreSQL.
type PostgresHistory struct {
	db *sql.DB
}

// NewPostgresHistory creates a PostgreSQL-backed history store.
func NewPostgresHistory(db *sql.DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

func (p *PostgresHistory) Append(ctx context.Context, e *Entry) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO workflow_history (kind, item_key, from_state, to_state, actor, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		string(e.Kind), e.ItemKey, string(e.From), string(e.To), e.Actor, e.Reason, e.At,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (p *PostgresHistory) List(ctx context.Context, kind Kind, itemKey string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, item_key, from_state, to_state, actor, reason, at
		FROM workflow_history
		WHERE kind = $1 AND ($2 = '' OR item_key = $2)
		ORDER BY id DESC
		LIMIT $3`, string(kind), itemKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var (
			e           Entry
			k, from, to string
		)
		if err := rows.Scan(&e.ID, &k, &e.ItemKey, &from, &to, &e.Actor, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		e.Kind, e.From, e.To = Kind(k), State(from), State(to)
		out = append(out, &e)
	}
	return out, rows.Err()
}

var _ HistoryStore = (*PostgresHistory)(nil)
