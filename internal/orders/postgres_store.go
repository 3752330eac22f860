package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists order records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, customer_id, city, created_at, payment_method, paid, declined,
	cod_refused, returned, total_uah, discount_uah, margin_uah, ab_exp_id, ab_variant, updated_at`

func (s *PostgresStore) Upsert(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (id) DO UPDATE SET
			paid = EXCLUDED.paid,
			declined = EXCLUDED.declined,
			cod_refused = EXCLUDED.cod_refused,
			returned = EXCLUDED.returned,
			total_uah = EXCLUDED.total_uah,
			discount_uah = EXCLUDED.discount_uah,
			margin_uah = EXCLUDED.margin_uah,
			ab_exp_id = EXCLUDED.ab_exp_id,
			ab_variant = EXCLUDED.ab_variant,
			updated_at = NOW()
	`,
		r.ID, r.CustomerID, r.City, r.CreatedAt, string(r.Method), r.Paid, r.Declined,
		r.CODRefused, r.Returned, r.Total, r.Discount, r.Margin,
		r.ExpID, r.Variant,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM orders WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return r, err
}

func (s *PostgresStore) Window(ctx context.Context, from, to time.Time) ([]*Record, error) {
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM orders
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id
	`, from, to)
}

func (s *PostgresStore) ByCustomer(ctx context.Context, customerID string, from time.Time) ([]*Record, error) {
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM orders
		WHERE customer_id = $1 AND created_at >= $2
		ORDER BY created_at, id
	`, customerID, from)
}

func (s *PostgresStore) ByExperiment(ctx context.Context, expID string, from time.Time) ([]*Record, error) {
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM orders
		WHERE ab_exp_id = $1 AND created_at >= $2
		ORDER BY created_at, id
	`, expID, from)
}

func (s *PostgresStore) Customers(ctx context.Context, limit int) ([]string, error) {
	q := `SELECT customer_id FROM orders GROUP BY customer_id ORDER BY MAX(created_at) DESC, customer_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) CountCustomers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT customer_id) FROM orders`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count customers: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r      Record
		method string
	)
	// decimal.Decimal implements sql.Scanner for NUMERIC columns.
	err := sc.Scan(&r.ID, &r.CustomerID, &r.City, &r.CreatedAt, &method, &r.Paid, &r.Declined,
		&r.CODRefused, &r.Returned, &r.Total, &r.Discount, &r.Margin, &r.ExpID, &r.Variant, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Method = PaymentMethod(method)
	return &r, nil
}

// PingContext lets the health registry probe the underlying database.
func (s *PostgresStore) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ Store = (*PostgresStore)(nil)
