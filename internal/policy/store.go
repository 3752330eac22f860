package policy

import (
	"context"
	"time"

	"github.com/mbd888/storeguard/internal/workflow"
)

// Store persists policy decisions.
type Store interface {
	// Propose inserts a PENDING decision. It returns ErrDuplicateProposal if
	// a PENDING decision with the same dedupe key already exists.
	Propose(ctx context.Context, d *Decision) error
	Get(ctx context.Context, id string) (*Decision, error)
	// Latest returns the most recently created decision for a dedupe key.
	Latest(ctx context.Context, dedupeKey string) (*Decision, error)
	// Transition moves a decision from -> to if its status is still from,
	// otherwise it returns ErrStatusChanged.
	Transition(ctx context.Context, id string, from, to workflow.State, actor string, at time.Time) (*Decision, error)
	// ListByStatus returns decisions newest first; an empty status lists all.
	ListByStatus(ctx context.Context, status workflow.State, limit int) ([]*Decision, error)
	CountByStatus(ctx context.Context, status workflow.State) (int, error)
}
