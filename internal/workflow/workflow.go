// Package workflow is the approval state machine shared by policy decisions
// and revenue suggestions: allowed edges, terminal states, and an
// append-only transition history.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/metrics"
)

var (
	// ErrAlreadyResolved is returned when a transition targets an item that
	// is terminal or has already moved past the requested state.
	ErrAlreadyResolved = errors.New("workflow: item already resolved")
	// ErrInvalidTransition is returned for edges the machine does not allow.
	ErrInvalidTransition = errors.New("workflow: invalid transition")
)

// State is an approval workflow state.
type State string

const (
	Pending    State = "PENDING"
	Approved   State = "APPROVED"
	Applied    State = "APPLIED"
	Rejected   State = "REJECTED"
	RolledBack State = "ROLLED_BACK"
	Validated  State = "VALIDATED"
)

// Kind names the item type a machine governs.
type Kind string

const (
	KindPolicyDecision Kind = "policy_decision"
	KindSuggestion     Kind = "suggestion"
)

// Machine describes the legal transitions for one kind of item. States carry
// a rank and edges only ever go to a higher rank, so no state is revisited.
type Machine struct {
	kind     Kind
	rank     map[State]int
	edges    map[State]map[State]bool
	terminal map[State]bool
}

// Stage groups states of equal rank, in order.
type Stage []State

// NewMachine builds a machine from ordered stages and edges. A state with no
// outgoing edges is terminal. Edges must go to a strictly later stage.
func NewMachine(kind Kind, stages []Stage, edges map[State][]State) *Machine {
	m := &Machine{
		kind:     kind,
		rank:     make(map[State]int),
		edges:    make(map[State]map[State]bool),
		terminal: make(map[State]bool),
	}
	for i, stage := range stages {
		for _, s := range stage {
			m.rank[s] = i
		}
	}
	for from, tos := range edges {
		m.edges[from] = make(map[State]bool, len(tos))
		for _, to := range tos {
			if m.rank[to] <= m.rank[from] {
				panic(fmt.Sprintf("workflow: edge %s->%s does not move forward", from, to))
			}
			m.edges[from][to] = true
		}
	}
	for s := range m.rank {
		if len(m.edges[s]) == 0 {
			m.terminal[s] = true
		}
	}
	return m
}

// Kind returns the item kind.
func (m *Machine) Kind() Kind { return m.kind }

// IsTerminal reports whether s has no outgoing edges.
func (m *Machine) IsTerminal(s State) bool { return m.terminal[s] }

// Check validates from -> to. Terminal sources and moves that would not go
// forward (repeats, backward) yield ErrAlreadyResolved; any other missing
// edge yields ErrInvalidTransition.
func (m *Machine) Check(from, to State) error {
	if _, ok := m.rank[from]; !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	if _, ok := m.rank[to]; !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if m.terminal[from] {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, m.kind, from)
	}
	if m.rank[to] <= m.rank[from] {
		return fmt.Errorf("%w: %s is already %s", ErrAlreadyResolved, m.kind, from)
	}
	if !m.edges[from][to] {
		return fmt.Errorf("%w: %s cannot go %s -> %s", ErrInvalidTransition, m.kind, from, to)
	}
	return nil
}

// PolicyDecisions: PENDING -> APPROVED | REJECTED.
var PolicyDecisions = NewMachine(KindPolicyDecision,
	[]Stage{{Pending}, {Approved, Rejected}},
	map[State][]State{
		Pending: {Approved, Rejected},
	},
)

// Suggestions: PENDING -> (APPROVED ->) APPLIED -> VALIDATED | ROLLED_BACK,
// or PENDING/APPROVED -> REJECTED. REJECTED shares a stage with APPLIED so
// rejecting an applied suggestion reads as already resolved.
var Suggestions = NewMachine(KindSuggestion,
	[]Stage{{Pending}, {Approved}, {Applied, Rejected}, {Validated, RolledBack}},
	map[State][]State{
		Pending:  {Approved, Applied, Rejected},
		Approved: {Applied, Rejected},
		Applied:  {Validated, RolledBack},
	},
)

// Entry is one row of the append-only transition history.
type Entry struct {
	ID      int64     `json:"id"`
	Kind    Kind      `json:"kind"`
	ItemKey string    `json:"item_key"`
	From    State     `json:"from_state"`
	To      State     `json:"to_state"`
	Actor   string    `json:"actor"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"timestamp"`
}

// HistoryStore appends and queries transition history. Entries are never
// updated or deleted.
type HistoryStore interface {
	Append(ctx context.Context, e *Entry) error
	// List returns entries newest first. An empty itemKey lists the kind.
	List(ctx context.Context, kind Kind, itemKey string, limit int) ([]*Entry, error)
}

// Recorder writes history for transitions that a store has already
// committed. Creation of a new item is recorded with an empty From.
type Recorder struct {
	machine *Machine
	history HistoryStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder creates a Recorder for machine.
func NewRecorder(machine *Machine, history HistoryStore, logger *slog.Logger) *Recorder {
	return &Recorder{machine: machine, history: history, logger: logger, now: time.Now}
}

// WithClock replaces the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Machine returns the machine the recorder was built for.
func (r *Recorder) Machine() *Machine { return r.machine }

// Record appends a history entry, attributing it to the actor in ctx.
// History failures are logged, not returned: the transition itself has
// already been committed.
func (r *Recorder) Record(ctx context.Context, itemKey string, from, to State, reason string) {
	e := &Entry{
		Kind:    r.machine.kind,
		ItemKey: itemKey,
		From:    from,
		To:      to,
		Actor:   logging.Actor(ctx),
		Reason:  reason,
		At:      r.now(),
	}
	metrics.TransitionsTotal.WithLabelValues(string(e.Kind), string(to)).Inc()
	if err := r.history.Append(ctx, e); err != nil {
		r.logger.Error("failed to append workflow history",
			"kind", e.Kind, "item_key", itemKey, "from", from, "to", to, "error", err)
		return
	}
	logging.L(ctx).Info("workflow transition",
		"kind", e.Kind, "item_key", itemKey, "from", from, "to", to, "reason", reason)
}

// History returns the entries for itemKey, newest first.
func (r *Recorder) History(ctx context.Context, itemKey string, limit int) ([]*Entry, error) {
	return r.history.List(ctx, r.machine.kind, itemKey, limit)
}
