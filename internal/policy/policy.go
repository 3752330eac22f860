// Package policy implements the Policy Rule Engine: threshold rules over
// risk profiles and city aggregates propose enforcement actions, which wait
// in an approval queue until an operator approves or rejects them.
//
// A decision is identified for deduplication by its DedupeKey. At most one
// PENDING decision exists per key; terminal decisions are never modified.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/storeguard/internal/enforcement"
	"github.com/mbd888/storeguard/internal/workflow"
)

var (
	ErrDecisionNotFound  = errors.New("policy: decision not found")
	ErrDuplicateProposal = errors.New("policy: pending decision already exists for key")
	ErrStatusChanged     = errors.New("policy: decision status changed concurrently")
	ErrUnknownAction     = errors.New("policy: unknown action")
	ErrEnforcementFailed = errors.New("policy: enforcement failed")
)

// TargetType is what a decision acts on.
type TargetType string

const (
	TargetUser TargetType = "USER"
	TargetCity TargetType = "CITY"
)

// Severity ranks decisions in the approval queue.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Enforcer is the subset of enforcement.Enforcer that actions write to.
type Enforcer interface {
	User(ctx context.Context, subjectID string) (*enforcement.UserFlags, error)
	RequirePrepaid(ctx context.Context, subjectID, reason, decisionKey string) error
	BlockCOD(ctx context.Context, subjectID, reason, decisionKey string) error
	RestoreUser(ctx context.Context, f *enforcement.UserFlags) error
	City(ctx context.Context, city string) (*enforcement.CityPolicy, error)
	Cities(ctx context.Context) ([]*enforcement.CityPolicy, error)
	SetCityPolicy(ctx context.Context, p *enforcement.CityPolicy) error
	RemoveCityPolicy(ctx context.Context, city string) error
}

// Action is a closed set of enforcement actions. Each variant knows its
// target type, how to apply itself and whether it is currently in force.
// apply returns an undo that puts the target back the way it was.
type Action interface {
	Name() string
	Target() TargetType
	apply(ctx context.Context, e Enforcer, d *Decision) (undo func(context.Context) error, err error)
	active(ctx context.Context, e Enforcer, targetID string) (bool, error)
}

// RequirePrepaid forces prepayment for one customer.
type RequirePrepaid struct{}

func (RequirePrepaid) Name() string       { return "REQUIRE_PREPAID" }
func (RequirePrepaid) Target() TargetType { return TargetUser }

func (RequirePrepaid) apply(ctx context.Context, e Enforcer, d *Decision) (func(context.Context) error, error) {
	return applyUser(ctx, e, d.TargetID, func() error {
		return e.RequirePrepaid(ctx, d.TargetID, d.Reason, d.DedupeKey)
	})
}

func (RequirePrepaid) active(ctx context.Context, e Enforcer, id string) (bool, error) {
	f, err := e.User(ctx, id)
	if err != nil {
		return false, err
	}
	return f.RequirePrepaid, nil
}

// BlockCOD removes cash on delivery for one customer.
type BlockCOD struct{}

func (BlockCOD) Name() string       { return "BLOCK_COD" }
func (BlockCOD) Target() TargetType { return TargetUser }

func (BlockCOD) apply(ctx context.Context, e Enforcer, d *Decision) (func(context.Context) error, error) {
	return applyUser(ctx, e, d.TargetID, func() error {
		return e.BlockCOD(ctx, d.TargetID, d.Reason, d.DedupeKey)
	})
}

func (BlockCOD) active(ctx context.Context, e Enforcer, id string) (bool, error) {
	f, err := e.User(ctx, id)
	if err != nil {
		return false, err
	}
	return f.BlockCOD, nil
}

// CityRequirePrepaid forces prepayment for every order shipped to a city.
type CityRequirePrepaid struct{}

func (CityRequirePrepaid) Name() string       { return "CITY_REQUIRE_PREPAID" }
func (CityRequirePrepaid) Target() TargetType { return TargetCity }

func (CityRequirePrepaid) apply(ctx context.Context, e Enforcer, d *Decision) (func(context.Context) error, error) {
	prev, err := e.City(ctx, d.TargetID)
	switch {
	case errors.Is(err, enforcement.ErrCityNotFound):
		prev = nil
	case err != nil:
		return nil, err
	}
	err = e.SetCityPolicy(ctx, &enforcement.CityPolicy{
		City:           d.TargetID,
		RequirePrepaid: true,
		Reason:         d.Reason,
		Meta:           d.Meta,
		DecisionKey:    d.DedupeKey,
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		if prev == nil {
			return e.RemoveCityPolicy(ctx, d.TargetID)
		}
		return e.SetCityPolicy(ctx, prev)
	}, nil
}

func (CityRequirePrepaid) active(ctx context.Context, e Enforcer, city string) (bool, error) {
	p, err := e.City(ctx, city)
	if errors.Is(err, enforcement.ErrCityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.RequirePrepaid, nil
}

func applyUser(ctx context.Context, e Enforcer, subjectID string, set func() error) (func(context.Context) error, error) {
	prev, err := e.User(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if err := set(); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error { return e.RestoreUser(ctx, prev) }, nil
}

var actions = map[string]Action{
	RequirePrepaid{}.Name():     RequirePrepaid{},
	BlockCOD{}.Name():           BlockCOD{},
	CityRequirePrepaid{}.Name(): CityRequirePrepaid{},
}

// ParseAction returns the variant for a stored action name.
func ParseAction(name string) (Action, error) {
	a, ok := actions[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return a, nil
}

// DedupeKey is the deterministic identity of a proposal: one target, one
// action. Target ids are trimmed; case is preserved.
func DedupeKey(target TargetType, targetID string, action Action) string {
	return string(target) + ":" + strings.TrimSpace(targetID) + ":" + action.Name()
}

// Decision is a proposed enforcement action and its approval state.
type Decision struct {
	ID         string         `json:"id"`
	DedupeKey  string         `json:"dedupe_key"`
	TargetType TargetType     `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Action     string         `json:"action"`
	Reason     string         `json:"reason"`
	Severity   Severity       `json:"severity"`
	Meta       map[string]any `json:"meta,omitempty"`
	Status     workflow.State `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

func (d *Decision) clone() *Decision {
	cp := *d
	if d.Meta != nil {
		cp.Meta = make(map[string]any, len(d.Meta))
		for k, v := range d.Meta {
			cp.Meta[k] = v
		}
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
