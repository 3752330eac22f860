// Package snapshot implements the metrics aggregator: it rolls raw order
// signals for a sliding window into immutable Snapshots that serve as both
// trigger and baseline for the risk and revenue engines.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/orders"
)

// ErrNoSnapshot is returned when no snapshot has been computed yet.
var ErrNoSnapshot = errors.New("snapshot: none available")

// ErrSnapshotNotFound is returned for an unknown snapshot id.
var ErrSnapshotNotFound = errors.New("snapshot: not found")

// Snapshot is an aggregate of business metrics over [WindowStart, WindowEnd).
// Once stored it is only ever replaced by a recomputation of the same window.
type Snapshot struct {
	ID                string          `json:"id"`
	Ts                time.Time       `json:"ts"`
	WindowStart       time.Time       `json:"window_start"`
	WindowEnd         time.Time       `json:"window_end"`
	OrdersTotal       int             `json:"orders_total"`
	PaidTotal         int             `json:"paid_total"`
	PrepaidOrders     int             `json:"prepaid_orders"`
	PrepaidConversion float64         `json:"prepaid_conversion"`
	DeclineRate       float64         `json:"decline_rate"`
	ReturnRate        float64         `json:"return_rate"`
	CODRefusalRate    float64         `json:"cod_refusal_rate"`
	NetMarginEst      decimal.Decimal `json:"net_margin_est"`
	DiscountTotal     decimal.Decimal `json:"discount_total"`
	AvgOrderValue     decimal.Decimal `json:"avg_order_value"`
	CreatedAt         time.Time       `json:"created_at"`
}

// WindowKey is the deterministic id for a window, so recomputing the same
// window replaces the stored snapshot instead of appending a duplicate.
func WindowKey(end time.Time, window time.Duration) string {
	return fmt.Sprintf("%s/%s", end.UTC().Format(time.RFC3339), window)
}

// Compute aggregates records into a Snapshot for the given window. It is
// pure: identical inputs yield identical output apart from CreatedAt.
//
// Net margin counts orders that were paid and not returned, at margin minus
// discount. Decline rate is over prepaid attempts, COD refusal rate over COD
// orders, return rate over delivered orders.
func Compute(records []*orders.Record, start, end time.Time) *Snapshot {
	s := &Snapshot{
		ID:            WindowKey(end, end.Sub(start)),
		Ts:            end,
		WindowStart:   start,
		WindowEnd:     end,
		NetMarginEst:  decimal.Zero,
		DiscountTotal: decimal.Zero,
		AvgOrderValue: decimal.Zero,
	}

	var (
		declined, codOrders, refused, delivered, returned int
		revenue                                           = decimal.Zero
	)
	for _, r := range records {
		if r.CreatedAt.Before(start) || !r.CreatedAt.Before(end) {
			continue
		}
		s.OrdersTotal++
		if r.Method == orders.MethodPrepaid {
			s.PrepaidOrders++
			if r.Declined {
				declined++
			}
		} else {
			codOrders++
			if r.CODRefused {
				refused++
			}
		}
		if !r.Declined && !r.CODRefused {
			delivered++
			if r.Returned {
				returned++
			}
		}
		if r.Paid {
			s.PaidTotal++
			revenue = revenue.Add(r.Total)
			s.DiscountTotal = s.DiscountTotal.Add(r.Discount)
			if !r.Returned {
				s.NetMarginEst = s.NetMarginEst.Add(r.Margin.Sub(r.Discount))
			}
		}
	}

	s.PrepaidConversion = ratio(s.PrepaidOrders, s.OrdersTotal)
	s.DeclineRate = ratio(declined, s.PrepaidOrders)
	s.CODRefusalRate = ratio(refused, codOrders)
	s.ReturnRate = ratio(returned, delivered)
	if s.PaidTotal > 0 {
		s.AvgOrderValue = revenue.Div(decimal.NewFromInt(int64(s.PaidTotal))).Round(2)
	}
	return s
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Store persists snapshots keyed by window. Put replaces a snapshot with the
// same ID and trims history beyond the configured retention.
type Store interface {
	Put(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	// Latest returns the newest snapshot or ErrNoSnapshot.
	Latest(ctx context.Context) (*Snapshot, error)
	// List returns up to limit snapshots, newest first.
	List(ctx context.Context, limit int) ([]*Snapshot, error)
	// After returns snapshots with Ts strictly after t, oldest first.
	After(ctx context.Context, t time.Time) ([]*Snapshot, error)
}

// UpstreamError reports that the order source could not be read; the
// aggregation cycle is skipped and the previous snapshot stays freshest.
type UpstreamError struct {
	Source string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("snapshot: upstream %s unavailable: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
