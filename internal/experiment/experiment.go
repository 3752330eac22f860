// Package experiment reports A/B cohort outcomes for revenue levers. Orders
// carry the experiment id and variant they were assigned at checkout; the
// report is recomputed from those tags on every request.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/validation"
)

var (
	ErrExperimentNotFound = errors.New("experiment: not found")
	ErrInvalidExperiment  = errors.New("experiment: invalid definition")
)

// PrepaidDiscountID is the id of the seeded prepaid-discount experiment.
const PrepaidDiscountID = "prepaid_discount"

// Status of an experiment definition.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusEnded  Status = "ENDED"
)

// Variant is one arm of an experiment.
type Variant struct {
	Name        string          `json:"name"`
	DiscountPct decimal.Decimal `json:"discount_pct"`
	Weight      int             `json:"weight"`
}

// Experiment is an A/B definition. Assignment splits customers across
// variants in proportion to their weights.
type Experiment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Lever       string    `json:"lever"`
	Variants    []Variant `json:"variants"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the definition is usable for assignment.
func (e *Experiment) Validate() error {
	errs := validation.Validate(
		validation.Required("id", e.ID),
		validation.ValidID("id", e.ID),
		validation.Required("name", e.Name),
		validation.MaxLength("description", e.Description, validation.MaxStringLength),
	)
	if len(e.Variants) < 2 {
		errs = append(errs, validation.ValidationError{Field: "variants", Message: "need at least two variants"})
	}
	seen := make(map[string]bool)
	for i, v := range e.Variants {
		field := fmt.Sprintf("variants[%d]", i)
		if v.Name == "" || seen[v.Name] {
			errs = append(errs, validation.ValidationError{Field: field, Message: "name must be unique and non-empty"})
		}
		seen[v.Name] = true
		if v.Weight <= 0 {
			errs = append(errs, validation.ValidationError{Field: field, Message: "weight must be positive"})
		}
		if v.DiscountPct.IsNegative() || v.DiscountPct.GreaterThan(decimal.NewFromInt(100)) {
			errs = append(errs, validation.ValidationError{Field: field, Message: "discount_pct must be between 0 and 100"})
		}
	}
	if err := errs.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidExperiment, err)
	}
	return nil
}

// Variant returns the variant with the given name.
func (e *Experiment) Variant(name string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// Assign deterministically maps a customer to a variant. The same customer
// always lands in the same arm of the same experiment.
func Assign(e *Experiment, customerID string) Variant {
	total := 0
	for _, v := range e.Variants {
		total += v.Weight
	}
	if total <= 0 {
		return e.Variants[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(e.ID + ":" + strings.TrimSpace(customerID)))
	bucket := int(uint64(h.Sum32()) * uint64(total) >> 32)
	for _, v := range e.Variants {
		if bucket < v.Weight {
			return v
		}
		bucket -= v.Weight
	}
	return e.Variants[len(e.Variants)-1]
}

// PrepaidDiscountSeed is the default prepaid-discount experiment: a control
// without discount against a 5% prepaid discount.
func PrepaidDiscountSeed(now time.Time) *Experiment {
	return &Experiment{
		ID:          PrepaidDiscountID,
		Name:        "Prepaid discount",
		Description: "Discount on prepaid checkout versus cash on delivery",
		Lever:       "prepaid_discount_pct",
		Variants: []Variant{
			{Name: "A", DiscountPct: decimal.Zero, Weight: 1},
			{Name: "B", DiscountPct: decimal.NewFromInt(5), Weight: 1},
		},
		Status:    StatusActive,
		CreatedAt: now,
	}
}

// Store persists experiment definitions.
type Store interface {
	// Create stores e unless an experiment with the same id exists, in which
	// case it returns the existing one and false.
	Create(ctx context.Context, e *Experiment) (*Experiment, bool, error)
	Get(ctx context.Context, id string) (*Experiment, error)
	List(ctx context.Context) ([]*Experiment, error)
}

func (e *Experiment) clone() *Experiment {
	cp := *e
	cp.Variants = append([]Variant(nil), e.Variants...)
	return &cp
}
