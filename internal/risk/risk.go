// Package risk implements customer risk scoring.
//
// Each customer is scored from three weighted behavioural components: COD
// refusals in the last 30 days, returns in the last 60 days, and return rate.
// Each component yields a 0..100 sub-score; the overall score is their
// weighted sum clipped to [0, 100] and bucketed into LOW, WATCH or RISK.
// A manual override shadows the computed score in every read until cleared.
package risk

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProfileNotFound = errors.New("risk: profile not found")
	ErrNoOverride      = errors.New("risk: no override set")
)

// Band is the categorical bucket for a score.
type Band string

const (
	BandLow   Band = "LOW"
	BandWatch Band = "WATCH"
	BandRisk  Band = "RISK"
)

// Component names.
const (
	ComponentCODRefusals = "cod_refusals_30d"
	ComponentReturns     = "returns_60d"
	ComponentReturnRate  = "return_rate"
)

// Config holds scoring weights and band thresholds.
type Config struct {
	WatchThreshold int
	RiskThreshold  int

	CODRefusalPoints float64
	ReturnPoints     float64

	WeightCODRefusals float64
	WeightReturns     float64
	WeightReturnRate  float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WatchThreshold:    40,
		RiskThreshold:     70,
		CODRefusalPoints:  20,
		ReturnPoints:      25,
		WeightCODRefusals: 0.4,
		WeightReturns:     0.4,
		WeightReturnRate:  0.2,
	}
}

// BandOf buckets score.
func (c Config) BandOf(score int) Band {
	switch {
	case score >= c.RiskThreshold:
		return BandRisk
	case score >= c.WatchThreshold:
		return BandWatch
	default:
		return BandLow
	}
}

// Component is one input to the score: the raw value and its sub-score.
type Component struct {
	N      float64 `json:"n"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// Override is a manually set score.
type Override struct {
	Score  int       `json:"score"`
	Reason string    `json:"reason"`
	SetBy  string    `json:"set_by"`
	SetAt  time.Time `json:"set_at"`
}

// Profile is the risk state of one customer. Score and Band are the
// effective values: the override when present, else the computed ones.
type Profile struct {
	SubjectID     string               `json:"subject_id"`
	Score         int                  `json:"score"`
	Band          Band                 `json:"band"`
	ComputedScore int                  `json:"computed_score"`
	Components    map[string]Component `json:"components"`
	Reasons       []string             `json:"reasons"`
	Override      *Override            `json:"override,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// resolve sets Score and Band from the override or the computed score.
func (p *Profile) resolve(cfg Config) {
	p.Score = p.ComputedScore
	if p.Override != nil {
		p.Score = p.Override.Score
	}
	p.Band = cfg.BandOf(p.Score)
}

func (p *Profile) clone() *Profile {
	cp := *p
	cp.Components = make(map[string]Component, len(p.Components))
	for k, v := range p.Components {
		cp.Components[k] = v
	}
	cp.Reasons = append([]string(nil), p.Reasons...)
	if p.Override != nil {
		o := *p.Override
		cp.Override = &o
	}
	return &cp
}

// ReasonEntry is an audit record appended on every score change.
type ReasonEntry struct {
	SubjectID string    `json:"subject_id"`
	Source    string    `json:"source"` // recalc, override, override_cleared
	Score     int       `json:"score"`
	Band      Band      `json:"band"`
	Reasons   []string  `json:"reasons"`
	Actor     string    `json:"actor"`
	At        time.Time `json:"at"`
}

// Store persists profiles and their append-only reason history.
type Store interface {
	Get(ctx context.Context, subjectID string) (*Profile, error)
	Upsert(ctx context.Context, p *Profile) error
	// List returns profiles ordered by effective score descending.
	List(ctx context.Context, limit int) ([]*Profile, error)
	CountByBand(ctx context.Context) (map[Band]int, error)
	AppendReason(ctx context.Context, e *ReasonEntry) error
	// Reasons returns entries newest first.
	Reasons(ctx context.Context, subjectID string, limit int) ([]*ReasonEntry, error)
}
