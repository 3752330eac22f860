// Package enforcement holds the state that checkout and shipping read before
// finalizing an order: per-customer flags, city policies and the versioned
// revenue config. It is written only through the policy and revenue engines
// and mirrored to Redis for the order pipeline.
package enforcement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound    = errors.New("enforcement: no flags for user")
	ErrCityNotFound    = errors.New("enforcement: no policy for city")
	ErrVersionConflict = errors.New("enforcement: config version changed")
	ErrVersionNotFound = errors.New("enforcement: config version not found")
	ErrUnknownKey      = errors.New("enforcement: unknown config key")
)

// UserFlags are the enforcement flags for one customer.
type UserFlags struct {
	SubjectID      string    `json:"subject_id"`
	RequirePrepaid bool      `json:"require_prepaid"`
	BlockCOD       bool      `json:"block_cod"`
	Reason         string    `json:"reason,omitempty"`
	DecisionKey    string    `json:"decision_key,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CityPolicy is the projection of an approved city-level decision.
type CityPolicy struct {
	City           string         `json:"city"`
	RequirePrepaid bool           `json:"require_prepaid"`
	Reason         string         `json:"reason"`
	Meta           map[string]any `json:"meta,omitempty"`
	DecisionKey    string         `json:"decision_key,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Config keys.
const (
	KeyPrepaidDiscountPct = "prepaid_discount_pct"
	KeyMinDepositUAH      = "min_deposit_uah"
)

// Keys lists the config keys in display order.
var Keys = []string{KeyPrepaidDiscountPct, KeyMinDepositUAH}

// Config is one immutable version of the live revenue parameters. A change
// never edits a version; it writes Version+1.
type Config struct {
	Version   int64                      `json:"version"`
	Values    map[string]decimal.Decimal `json:"values"`
	Reason    string                     `json:"reason,omitempty"`
	UpdatedBy string                     `json:"updated_by"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Value returns the value for key, zero when unset.
func (c *Config) Value(key string) decimal.Decimal {
	return c.Values[key]
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Values = make(map[string]decimal.Decimal, len(c.Values))
	for k, v := range c.Values {
		cp.Values[k] = v
	}
	return &cp
}

// DefaultConfig is version 0, served until the first change is written.
func DefaultConfig() *Config {
	return &Config{
		Values: map[string]decimal.Decimal{
			KeyPrepaidDiscountPct: decimal.Zero,
			KeyMinDepositUAH:      decimal.Zero,
		},
		UpdatedBy: "system",
	}
}

// FlagStore persists user flags and city policies.
type FlagStore interface {
	GetUser(ctx context.Context, subjectID string) (*UserFlags, error)
	PutUser(ctx context.Context, f *UserFlags) error
	GetCity(ctx context.Context, city string) (*CityPolicy, error)
	PutCity(ctx context.Context, p *CityPolicy) error
	DeleteCity(ctx context.Context, city string) error
	ListCities(ctx context.Context) ([]*CityPolicy, error)
}

// ConfigStore persists config versions.
type ConfigStore interface {
	// Current returns the latest version, or DefaultConfig when none exists.
	Current(ctx context.Context) (*Config, error)
	Get(ctx context.Context, version int64) (*Config, error)
	// CompareAndSwap writes next as version expect+1 if the latest version is
	// still expect; otherwise it returns ErrVersionConflict.
	CompareAndSwap(ctx context.Context, expect int64, next *Config) (*Config, error)
	History(ctx context.Context, limit int) ([]*Config, error)
}

// Publisher receives every committed change for the checkout mirror.
type Publisher interface {
	PublishUser(ctx context.Context, f *UserFlags) error
	PublishCity(ctx context.Context, p *CityPolicy) error
	RemoveCity(ctx context.Context, city string) error
	PublishConfig(ctx context.Context, c *Config) error
}
