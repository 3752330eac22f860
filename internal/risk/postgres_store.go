package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists risk profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const profileColumns = `subject_id, score, band, computed_score, components, reasons,
	override_score, override_reason, override_set_by, override_set_at, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, subjectID string) (*Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM risk_profiles WHERE subject_id = $1`, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	return p, err
}

func (s *PostgresStore) Upsert(ctx context.Context, p *Profile) error {
	comps, err := json.Marshal(p.Components)
	if err != nil {
		return fmt.Errorf("failed to marshal components: %w", err)
	}

	var (
		oScore          sql.NullInt64
		oReason, oSetBy sql.NullString
		oSetAt          sql.NullTime
	)
	if o := p.Override; o != nil {
		oScore = sql.NullInt64{Int64: int64(o.Score), Valid: true}
		oReason = sql.NullString{String: o.Reason, Valid: true}
		oSetBy = sql.NullString{String: o.SetBy, Valid: true}
		oSetAt = sql.NullTime{Time: o.SetAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (subject_id) DO UPDATE SET
			score = EXCLUDED.score,
			band = EXCLUDED.band,
			computed_score = EXCLUDED.computed_score,
			components = EXCLUDED.components,
			reasons = EXCLUDED.reasons,
			override_score = EXCLUDED.override_score,
			override_reason = EXCLUDED.override_reason,
			override_set_by = EXCLUDED.override_set_by,
			override_set_at = EXCLUDED.override_set_at,
			updated_at = EXCLUDED.updated_at`,
		p.SubjectID, p.Score, string(p.Band), p.ComputedScore, comps, pq.Array(p.Reasons),
		oScore, oReason, oSetBy, oSetAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert risk profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM risk_profiles ORDER BY score DESC, subject_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountByBand(ctx context.Context) (map[Band]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT band, COUNT(*) FROM risk_profiles GROUP BY band`)
	if err != nil {
		return nil, fmt.Errorf("failed to count bands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Band]int)
	for rows.Next() {
		var (
			band string
			n    int
		)
		if err := rows.Scan(&band, &n); err != nil {
			return nil, err
		}
		counts[Band(band)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) AppendReason(ctx context.Context, e *ReasonEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_reason_history (subject_id, source, score, band, reasons, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.SubjectID, e.Source, e.Score, string(e.Band), pq.Array(e.Reasons), e.Actor, e.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append risk reason: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reasons(ctx context.Context, subjectID string, limit int) ([]*ReasonEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id, source, score, band, reasons, actor, at
		FROM risk_reason_history
		WHERE subject_id = $1
		ORDER BY id DESC
		LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk reasons: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ReasonEntry
	for rows.Next() {
		var (
			e    ReasonEntry
			band string
		)
		if err := rows.Scan(&e.SubjectID, &e.Source, &e.Score, &band, pq.Array(&e.Reasons), &e.Actor, &e.At); err != nil {
			return nil, err
		}
		e.Band = Band(band)
		out = append(out, &e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(sc scanner) (*Profile, error) {
	var (
		p               Profile
		band            string
		comps           []byte
		oScore          sql.NullInt64
		oReason, oSetBy sql.NullString
		oSetAt          sql.NullTime
	)
	err := sc.Scan(&p.SubjectID, &p.Score, &band, &p.ComputedScore, &comps, pq.Array(&p.Reasons),
		&oScore, &oReason, &oSetBy, &oSetAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Band = Band(band)
	if len(comps) > 0 {
		if err := json.Unmarshal(comps, &p.Components); err != nil {
			return nil, fmt.Errorf("failed to unmarshal components: %w", err)
		}
	}
	if oScore.Valid {
		p.Override = &Override{
			Score:  int(oScore.Int64),
			Reason: oReason.String,
			SetBy:  oSetBy.String,
			SetAt:  oSetAt.Time,
		}
	}
	return &p, nil
}

var _ Store = (*PostgresStore)(nil)
