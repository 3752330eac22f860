package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists snapshots in PostgreSQL, keeping the newest
// `retention` rows.
type PostgresStore struct {
	db        *sql.DB
	retention int
}

// NewPostgresStore creates a PostgreSQL-backed snapshot store.
func NewPostgresStore(db *sql.DB, retention int) *PostgresStore {
	if retention <= 0 {
		retention = 1
	}
	return &PostgresStore{db: db, retention: retention}
}

const snapshotColumns = `id, ts, window_start, window_end, orders_total, paid_total, prepaid_orders,
	prepaid_conversion, decline_rate, return_rate, cod_refusal_rate,
	net_margin_est, discount_total, avg_order_value, created_at`

func (p *PostgresStore) Put(ctx context.Context, s *Snapshot) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO metric_snapshots (`+snapshotColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW())
		ON CONFLICT (id) DO UPDATE SET
			orders_total = EXCLUDED.orders_total,
			paid_total = EXCLUDED.paid_total,
			prepaid_orders = EXCLUDED.prepaid_orders,
			prepaid_conversion = EXCLUDED.prepaid_conversion,
			decline_rate = EXCLUDED.decline_rate,
			return_rate = EXCLUDED.return_rate,
			cod_refusal_rate = EXCLUDED.cod_refusal_rate,
			net_margin_est = EXCLUDED.net_margin_est,
			discount_total = EXCLUDED.discount_total,
			avg_order_value = EXCLUDED.avg_order_value,
			created_at = NOW()`,
		s.ID, s.Ts, s.WindowStart, s.WindowEnd, s.OrdersTotal, s.PaidTotal, s.PrepaidOrders,
		s.PrepaidConversion, s.DeclineRate, s.ReturnRate, s.CODRefusalRate,
		s.NetMarginEst, s.DiscountTotal, s.AvgOrderValue,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot %s: %w", s.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM metric_snapshots
		WHERE id NOT IN (SELECT id FROM metric_snapshots ORDER BY ts DESC LIMIT $1)`,
		p.retention,
	)
	if err != nil {
		return fmt.Errorf("failed to trim snapshots: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	s, err := scanSnapshot(p.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM metric_snapshots WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	return s, err
}

func (p *PostgresStore) Latest(ctx context.Context) (*Snapshot, error) {
	s, err := scanSnapshot(p.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM metric_snapshots ORDER BY ts DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	return s, err
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = p.retention
	}
	return p.query(ctx, `SELECT `+snapshotColumns+` FROM metric_snapshots ORDER BY ts DESC LIMIT $1`, limit)
}

func (p *PostgresStore) After(ctx context.Context, t time.Time) ([]*Snapshot, error) {
	return p.query(ctx, `SELECT `+snapshotColumns+` FROM metric_snapshots WHERE ts > $1 ORDER BY ts`, t)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (*Snapshot, error) {
	var s Snapshot
	err := sc.Scan(&s.ID, &s.Ts, &s.WindowStart, &s.WindowEnd, &s.OrdersTotal, &s.PaidTotal, &s.PrepaidOrders,
		&s.PrepaidConversion, &s.DeclineRate, &s.ReturnRate, &s.CODRefusalRate,
		&s.NetMarginEst, &s.DiscountTotal, &s.AvgOrderValue, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

var _ Store = (*PostgresStore)(nil)
