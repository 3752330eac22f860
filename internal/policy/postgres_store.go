package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/storeguard/internal/workflow"
)

// PostgresStore persists policy decisions in PostgreSQL. A partial unique
// index on (dedupe_key) WHERE status = 'PENDING' backs ErrDuplicateProposal.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed decision store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const decisionColumns = `id, dedupe_key, target_type, target_id, action, reason, severity, meta,
	status, created_at, resolved_by, resolved_at`

func (p *PostgresStore) Propose(ctx context.Context, d *Decision) error {
	meta, err := json.Marshal(d.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal decision meta: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO policy_decisions (`+decisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL)`,
		d.ID, d.DedupeKey, string(d.TargetType), d.TargetID, d.Action, d.Reason,
		string(d.Severity), meta, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateProposal
		}
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Decision, error) {
	d, err := scanDecision(p.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM policy_decisions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDecisionNotFound
	}
	return d, err
}

func (p *PostgresStore) Latest(ctx context.Context, dedupeKey string) (*Decision, error) {
	d, err := scanDecision(p.db.QueryRowContext(ctx, `
		SELECT `+decisionColumns+` FROM policy_decisions
		WHERE dedupe_key = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, dedupeKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDecisionNotFound
	}
	return d, err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to workflow.State, actor string, at time.Time) (*Decision, error) {
	d, err := scanDecision(p.db.QueryRowContext(ctx, `
		UPDATE policy_decisions
		SET status = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+decisionColumns,
		id, string(from), string(to), actor, at))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrStatusChanged
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition decision: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status workflow.State, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + decisionColumns + ` FROM policy_decisions`
	args := []any{limit}
	if status != "" {
		q += ` WHERE status = $2`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, dedupe_key LIMIT $1`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountByStatus(ctx context.Context, status workflow.State) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policy_decisions WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(sc scanner) (*Decision, error) {
	var (
		d                    Decision
		targetType, severity string
		status               string
		meta                 []byte
		resolvedBy           sql.NullString
		resolvedAt           sql.NullTime
	)
	err := sc.Scan(&d.ID, &d.DedupeKey, &targetType, &d.TargetID, &d.Action, &d.Reason,
		&severity, &meta, &status, &d.CreatedAt, &resolvedBy, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.TargetType = TargetType(targetType)
	d.Severity = Severity(severity)
	d.Status = workflow.State(status)
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &d.Meta); err != nil {
			return nil, fmt.Errorf("corrupt meta for decision %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

var _ Store = (*PostgresStore)(nil)
