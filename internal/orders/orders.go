// Package orders holds the raw order signals the decision engine consumes:
// checkout outcome, payment, shipment refusal, return and A/B cohort tag.
// Records are produced by external checkout/shipping services and arrive
// through Kafka or the ingestion endpoint.
package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/validation"
)

var (
	ErrOrderNotFound = errors.New("orders: order not found")
	ErrInvalidRecord = errors.New("orders: invalid record")
)

// PaymentMethod is how the customer chose to pay at checkout.
type PaymentMethod string

const (
	MethodCOD     PaymentMethod = "COD"
	MethodPrepaid PaymentMethod = "PREPAID"
)

// Record is one order and everything that later happened to it.
type Record struct {
	ID         string          `json:"order_id"`
	CustomerID string          `json:"customer_id"`
	City       string          `json:"city"`
	CreatedAt  time.Time       `json:"created_at"`
	Method     PaymentMethod   `json:"payment_method"`
	Paid       bool            `json:"paid"`        // money collected (prepaid capture or COD cash)
	Declined   bool            `json:"declined"`    // prepaid payment declined
	CODRefused bool            `json:"cod_refused"` // parcel refused on delivery
	Returned   bool            `json:"returned"`
	Total      decimal.Decimal `json:"total_uah"`
	Discount   decimal.Decimal `json:"discount_uah"`
	Margin     decimal.Decimal `json:"margin_uah"` // gross margin before discount
	ExpID      string          `json:"ab_exp_id,omitempty"`
	Variant    string          `json:"ab_variant,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Validate checks the fields every producer must fill.
func (r *Record) Validate() error {
	errs := validation.Validate(
		validation.Required("order_id", r.ID),
		validation.Required("customer_id", r.CustomerID),
		validation.ValidID("customer_id", r.CustomerID),
		validation.ValidID("city", r.City),
		validation.OneOf("payment_method", string(r.Method), string(MethodCOD), string(MethodPrepaid)),
	)
	if r.CreatedAt.IsZero() {
		errs = append(errs, validation.ValidationError{Field: "created_at", Message: "is required"})
	}
	if r.Total.IsNegative() || r.Discount.IsNegative() {
		errs = append(errs, validation.ValidationError{Field: "total_uah", Message: "amounts must not be negative"})
	}
	return errs.Err()
}

// Normalize trims identifiers so that city aggregates group consistently.
func (r *Record) Normalize() {
	r.ID = strings.TrimSpace(r.ID)
	r.CustomerID = strings.TrimSpace(r.CustomerID)
	r.City = strings.TrimSpace(r.City)
	r.Method = PaymentMethod(strings.ToUpper(string(r.Method)))
	r.ExpID = strings.TrimSpace(r.ExpID)
	r.Variant = strings.TrimSpace(r.Variant)
}

// Source is the read side consumed by the aggregator, scorer and reporter.
type Source interface {
	Window(ctx context.Context, from, to time.Time) ([]*Record, error)
	ByCustomer(ctx context.Context, customerID string, from time.Time) ([]*Record, error)
	ByExperiment(ctx context.Context, expID string, from time.Time) ([]*Record, error)
	// Customers lists distinct customer ids, most recently active first.
	Customers(ctx context.Context, limit int) ([]string, error)
	CountCustomers(ctx context.Context) (int, error)
}

// Store is a Source that also accepts ingested records.
type Store interface {
	Source
	Upsert(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
}
