package enforcement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists enforcement state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed enforcement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetUser(ctx context.Context, subjectID string) (*UserFlags, error) {
	var f UserFlags
	err := p.db.QueryRowContext(ctx, `
		SELECT subject_id, require_prepaid, block_cod, reason, decision_key, updated_at
		FROM enforcement_users WHERE subject_id = $1`, subjectID,
	).Scan(&f.SubjectID, &f.RequirePrepaid, &f.BlockCOD, &f.Reason, &f.DecisionKey, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (p *PostgresStore) PutUser(ctx context.Context, f *UserFlags) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO enforcement_users (subject_id, require_prepaid, block_cod, reason, decision_key, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id) DO UPDATE SET
			require_prepaid = EXCLUDED.require_prepaid,
			block_cod = EXCLUDED.block_cod,
			reason = EXCLUDED.reason,
			decision_key = EXCLUDED.decision_key,
			updated_at = EXCLUDED.updated_at`,
		f.SubjectID, f.RequirePrepaid, f.BlockCOD, f.Reason, f.DecisionKey, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user flags: %w", err)
	}
	return nil
}

const cityColumns = `city, require_prepaid, reason, meta, decision_key, updated_at`

func (p *PostgresStore) GetCity(ctx context.Context, city string) (*CityPolicy, error) {
	cp, err := scanCity(p.db.QueryRowContext(ctx,
		`SELECT `+cityColumns+` FROM city_policies WHERE city = $1`, city))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCityNotFound
	}
	return cp, err
}

func (p *PostgresStore) PutCity(ctx context.Context, cp *CityPolicy) error {
	meta, err := json.Marshal(cp.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal city meta: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO city_policies (`+cityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (city) DO UPDATE SET
			require_prepaid = EXCLUDED.require_prepaid,
			reason = EXCLUDED.reason,
			meta = EXCLUDED.meta,
			decision_key = EXCLUDED.decision_key,
			updated_at = EXCLUDED.updated_at`,
		cp.City, cp.RequirePrepaid, cp.Reason, meta, cp.DecisionKey, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert city policy: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteCity(ctx context.Context, city string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM city_policies WHERE city = $1`, city)
	if err != nil {
		return fmt.Errorf("failed to delete city policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCityNotFound
	}
	return nil
}

func (p *PostgresStore) ListCities(ctx context.Context) ([]*CityPolicy, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+cityColumns+` FROM city_policies ORDER BY city`)
	if err != nil {
		return nil, fmt.Errorf("failed to list city policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CityPolicy
	for rows.Next() {
		cp, err := scanCity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

const configColumns = `version, config_values, reason, updated_by, updated_at`

func (p *PostgresStore) Current(ctx context.Context) (*Config, error) {
	c, err := scanConfig(p.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM revenue_config_versions ORDER BY version DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultConfig(), nil
	}
	return c, err
}

func (p *PostgresStore) Get(ctx context.Context, version int64) (*Config, error) {
	if version == 0 {
		return DefaultConfig(), nil
	}
	c, err := scanConfig(p.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM revenue_config_versions WHERE version = $1`, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	return c, err
}

// CompareAndSwap relies on versions being contiguous: inserting expect+1
// collides on the primary key whenever expect is no longer the latest.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, expect int64, next *Config) (*Config, error) {
	vals, err := json.Marshal(next.Values)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config values: %w", err)
	}
	c := next.clone()
	c.Version = expect + 1
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO revenue_config_versions (`+configColumns+`)
		VALUES ($1, $2, $3, $4, $5)`,
		c.Version, vals, c.Reason, c.UpdatedBy, c.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("failed to write config version: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) History(ctx context.Context, limit int) ([]*Config, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM revenue_config_versions ORDER BY version DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list config versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PingContext lets the health registry probe the database.
func (p *PostgresStore) PingContext(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCity(sc scanner) (*CityPolicy, error) {
	var (
		cp   CityPolicy
		meta []byte
	)
	if err := sc.Scan(&cp.City, &cp.RequirePrepaid, &cp.Reason, &meta, &cp.DecisionKey, &cp.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &cp.Meta); err != nil {
			return nil, fmt.Errorf("corrupt meta for city %s: %w", cp.City, err)
		}
	}
	return &cp, nil
}

func scanConfig(sc scanner) (*Config, error) {
	var (
		c    Config
		vals []byte
	)
	if err := sc.Scan(&c.Version, &vals, &c.Reason, &c.UpdatedBy, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vals, &c.Values); err != nil {
		return nil, fmt.Errorf("corrupt config version %d: %w", c.Version, err)
	}
	return &c, nil
}

var (
	_ FlagStore   = (*PostgresStore)(nil)
	_ ConfigStore = (*PostgresStore)(nil)
)
