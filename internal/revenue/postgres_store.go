package revenue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/storeguard/internal/snapshot"
	"github.com/mbd888/storeguard/internal/workflow"
)

// PostgresStore persists suggestions in PostgreSQL. Baselines are stored as
// JSONB copies so a suggestion stays readable after snapshot retention
// drops the original row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed suggestion store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const suggestionColumns = `id, lever, reason, proposed_key, proposed_from, proposed_to, baseline,
	expected_net_delta_uah, discount_cost_uah, expected_extra_paid_orders, status,
	prev_value, prev_config_version, applied_config_version, apply_baseline, applied_at, monitor_until,
	breaches, last_evaluated_at, observations, rollback_reason, rollback_details, needs_reconciliation,
	resolved_by, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Suggestion) error {
	args, err := suggestionArgs(s)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO suggestions (`+suggestionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		        $18, $19, $20, $21, $22, $23, $24, $25, $26)`, args...)
	if err != nil {
		return fmt.Errorf("failed to insert suggestion: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Suggestion, error) {
	s, err := scanSuggestion(p.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggestions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSuggestionNotFound
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Suggestion, expect workflow.State) error {
	args, err := suggestionArgs(s)
	if err != nil {
		return err
	}
	args = append(args, string(expect))
	res, err := p.db.ExecContext(ctx, `
		UPDATE suggestions SET
			lever = $2, reason = $3, proposed_key = $4, proposed_from = $5, proposed_to = $6,
			baseline = $7, expected_net_delta_uah = $8, discount_cost_uah = $9,
			expected_extra_paid_orders = $10, status = $11, prev_value = $12,
			prev_config_version = $13, applied_config_version = $14, apply_baseline = $15,
			applied_at = $16, monitor_until = $17, breaches = $18, last_evaluated_at = $19,
			observations = $20, rollback_reason = $21, rollback_details = $22,
			needs_reconciliation = $23, resolved_by = $24, created_at = $25, updated_at = $26
		WHERE id = $1 AND status = $27`, args...)
	if err != nil {
		return fmt.Errorf("failed to update suggestion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, s.ID); err != nil {
			return err
		}
		return ErrStatusChanged
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, status workflow.State, limit int) ([]*Suggestion, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + suggestionColumns + ` FROM suggestions`
	args := []any{limit}
	if status != "" {
		q += ` WHERE status = $2`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id LIMIT $1`
	return p.query(ctx, q, args...)
}

func (p *PostgresStore) LatestForLever(ctx context.Context, lever Lever) (*Suggestion, error) {
	s, err := scanSuggestion(p.db.QueryRowContext(ctx, `
		SELECT `+suggestionColumns+` FROM suggestions
		WHERE lever = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, string(lever)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSuggestionNotFound
	}
	return s, err
}

func (p *PostgresStore) Due(ctx context.Context, t time.Time) ([]*Suggestion, error) {
	return p.query(ctx, `
		SELECT `+suggestionColumns+` FROM suggestions
		WHERE status = $1 AND monitor_until <= $2
		ORDER BY created_at DESC, id`, string(workflow.Applied), t)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Suggestion, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query suggestions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func suggestionArgs(s *Suggestion) ([]any, error) {
	baseline, err := json.Marshal(s.Baseline)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal baseline: %w", err)
	}
	var applyBaseline []byte
	if s.ApplyBaseline != nil {
		if applyBaseline, err = json.Marshal(s.ApplyBaseline); err != nil {
			return nil, fmt.Errorf("failed to marshal apply baseline: %w", err)
		}
	}
	observations, err := json.Marshal(s.Observations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal observations: %w", err)
	}
	var details []byte
	if s.RollbackDetails != nil {
		if details, err = json.Marshal(s.RollbackDetails); err != nil {
			return nil, fmt.Errorf("failed to marshal rollback details: %w", err)
		}
	}
	return []any{
		s.ID, string(s.Lever), s.Reason, s.Proposed.Key, s.Proposed.From, s.Proposed.To, baseline,
		s.Expected.NetDeltaUAH, s.Expected.DiscountCostUAH, s.Expected.ExtraPaidOrders, string(s.Status),
		s.PrevValue, s.PrevConfigVersion, s.AppliedConfigVersion, nullJSON(applyBaseline),
		nullTime(s.AppliedAt), nullTime(s.MonitorUntil),
		s.Breaches, nullTime(s.LastEvaluatedAt), observations, s.RollbackReason, nullJSON(details), s.NeedsReconciliation,
		s.ResolvedBy, s.CreatedAt, s.UpdatedAt,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(sc scanner) (*Suggestion, error) {
	var (
		s                                   Suggestion
		lever, status                       string
		baseline, applyBaseline, details    []byte
		observations                        []byte
		appliedAt, monitorUntil, lastEvalAt sql.NullTime
	)
	err := sc.Scan(&s.ID, &lever, &s.Reason, &s.Proposed.Key, &s.Proposed.From, &s.Proposed.To, &baseline,
		&s.Expected.NetDeltaUAH, &s.Expected.DiscountCostUAH, &s.Expected.ExtraPaidOrders, &status,
		&s.PrevValue, &s.PrevConfigVersion, &s.AppliedConfigVersion, &applyBaseline, &appliedAt, &monitorUntil,
		&s.Breaches, &lastEvalAt, &observations, &s.RollbackReason, &details, &s.NeedsReconciliation,
		&s.ResolvedBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Lever = Lever(lever)
	s.Status = workflow.State(status)
	s.AppliedAt = timePtr(appliedAt)
	s.MonitorUntil = timePtr(monitorUntil)
	s.LastEvaluatedAt = timePtr(lastEvalAt)

	if len(baseline) > 0 && string(baseline) != "null" {
		s.Baseline = &snapshot.Snapshot{}
		if err := json.Unmarshal(baseline, s.Baseline); err != nil {
			return nil, fmt.Errorf("corrupt baseline for suggestion %s: %w", s.ID, err)
		}
	}
	if len(applyBaseline) > 0 {
		s.ApplyBaseline = &snapshot.Snapshot{}
		if err := json.Unmarshal(applyBaseline, s.ApplyBaseline); err != nil {
			return nil, fmt.Errorf("corrupt apply baseline for suggestion %s: %w", s.ID, err)
		}
	}
	if len(observations) > 0 && string(observations) != "null" {
		if err := json.Unmarshal(observations, &s.Observations); err != nil {
			return nil, fmt.Errorf("corrupt observations for suggestion %s: %w", s.ID, err)
		}
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &s.RollbackDetails); err != nil {
			return nil, fmt.Errorf("corrupt rollback details for suggestion %s: %w", s.ID, err)
		}
	}
	return &s, nil
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
