// Package revenue implements the revenue optimization engine. It compares
// snapshots against target bands, proposes one lever change at a time as a
// Suggestion, applies approved changes to the versioned revenue config and
// watches the following snapshots to validate or roll the change back.
package revenue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/storeguard/internal/enforcement"
	"github.com/mbd888/storeguard/internal/snapshot"
	"github.com/mbd888/storeguard/internal/workflow"
)

var (
	ErrSuggestionNotFound = errors.New("revenue: suggestion not found")
	ErrStatusChanged      = errors.New("revenue: suggestion status changed concurrently")
	ErrUnknownLever       = errors.New("revenue: unknown lever")
	ErrApplyFailed        = errors.New("revenue: config change could not be applied")
)

// Lever is a tunable revenue parameter. Its value is the config key it moves.
type Lever string

const (
	LeverPrepaidDiscount Lever = enforcement.KeyPrepaidDiscountPct
	LeverMinDeposit      Lever = enforcement.KeyMinDepositUAH
)

// Levers lists every lever the optimizer may move.
var Levers = []Lever{LeverPrepaidDiscount, LeverMinDeposit}

// ParseLever validates a lever name.
func ParseLever(s string) (Lever, error) {
	l := Lever(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Levers {
		if l == known {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLever, s)
}

// Key returns the config key the lever writes.
func (l Lever) Key() string { return string(l) }

// Skip reasons reported by RunOptimize when no suggestion is created.
const (
	SkipNoSnapshot = "no_snapshot"
	SkipInBand     = "in_band"
	SkipCooldown   = "cooldown"
	SkipAtBound    = "at_bound"
)

// Change is the proposed parameter move.
type Change struct {
	Key  string          `json:"key"`
	From decimal.Decimal `json:"from"`
	To   decimal.Decimal `json:"to"`
}

// Expected is the estimated impact of a change over one snapshot window.
type Expected struct {
	NetDeltaUAH     decimal.Decimal `json:"expected_net_delta_uah"`
	DiscountCostUAH decimal.Decimal `json:"discount_cost_uah"`
	ExtraPaidOrders int             `json:"expected_extra_paid_orders"`
}

// Observation is one post-apply snapshot compared against the estimate.
type Observation struct {
	SnapshotID  string          `json:"snapshot_id"`
	Ts          time.Time       `json:"ts"`
	NetDeltaUAH decimal.Decimal `json:"net_delta_uah"`
	ExpectedUAH decimal.Decimal `json:"expected_net_delta_uah"`
	Breach      bool            `json:"breach"`
}

// Suggestion is a proposed, auditable change to one lever.
type Suggestion struct {
	ID       string             `json:"id"`
	Lever    Lever              `json:"lever"`
	Reason   string             `json:"reason"`
	Proposed Change             `json:"proposed"`
	Baseline *snapshot.Snapshot `json:"baseline"`
	Expected Expected           `json:"expected"`
	Status   workflow.State     `json:"status"`

	// Set on apply.
	PrevValue            decimal.Decimal    `json:"prev_value"`
	PrevConfigVersion    int64              `json:"prev_config_version,omitempty"`
	AppliedConfigVersion int64              `json:"applied_config_version,omitempty"`
	ApplyBaseline        *snapshot.Snapshot `json:"apply_baseline,omitempty"`
	AppliedAt            *time.Time         `json:"applied_at,omitempty"`
	MonitorUntil         *time.Time         `json:"monitor_until,omitempty"`

	// Monitoring state.
	Breaches        int           `json:"breaches"`
	LastEvaluatedAt *time.Time    `json:"last_evaluated_snapshot_ts,omitempty"`
	Observations    []Observation `json:"observations,omitempty"`

	RollbackReason      string         `json:"rollback_reason,omitempty"`
	RollbackDetails     map[string]any `json:"rollback_details,omitempty"`
	NeedsReconciliation bool           `json:"needs_reconciliation"`

	ResolvedBy string    `json:"resolved_by,omitempty"`
	CreatedAt  time.Time `json:"ts"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsTerminal reports whether no further transition is possible.
func (s *Suggestion) IsTerminal() bool {
	return workflow.Suggestions.IsTerminal(s.Status)
}

func (s *Suggestion) clone() *Suggestion {
	cp := *s
	if s.Baseline != nil {
		b := *s.Baseline
		cp.Baseline = &b
	}
	if s.ApplyBaseline != nil {
		b := *s.ApplyBaseline
		cp.ApplyBaseline = &b
	}
	cp.AppliedAt = copyTime(s.AppliedAt)
	cp.MonitorUntil = copyTime(s.MonitorUntil)
	cp.LastEvaluatedAt = copyTime(s.LastEvaluatedAt)
	cp.Observations = append([]Observation(nil), s.Observations...)
	if s.RollbackDetails != nil {
		cp.RollbackDetails = make(map[string]any, len(s.RollbackDetails))
		for k, v := range s.RollbackDetails {
			cp.RollbackDetails[k] = v
		}
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
