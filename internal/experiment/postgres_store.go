package experiment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists experiment definitions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed experiment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const experimentColumns = `id, name, description, lever, variants, status, created_at`

func (p *PostgresStore) Create(ctx context.Context, e *Experiment) (*Experiment, bool, error) {
	variants, err := json.Marshal(e.Variants)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal variants: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO experiments (`+experimentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Name, e.Description, e.Lever, variants, string(e.Status), e.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert experiment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		existing, err := p.Get(ctx, e.ID)
		return existing, false, err
	}
	return e.clone(), true, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Experiment, error) {
	e, err := scanExperiment(p.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExperimentNotFound
	}
	return e, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Experiment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Experiment{}
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(sc scanner) (*Experiment, error) {
	var (
		e        Experiment
		status   string
		variants []byte
	)
	if err := sc.Scan(&e.ID, &e.Name, &e.Description, &e.Lever, &variants, &status, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if err := json.Unmarshal(variants, &e.Variants); err != nil {
		return nil, fmt.Errorf("corrupt variants for experiment %s: %w", e.ID, err)
	}
	return &e, nil
}

var _ Store = (*PostgresStore)(nil)
