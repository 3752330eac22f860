package revenue

import (
	"context"
	"time"

	"github.com/mbd888/storeguard/internal/workflow"
)

// Store persists suggestions. Every write is a compare-and-set on status so
// that the approval UI and the background monitor cannot lose updates.
type Store interface {
	Create(ctx context.Context, s *Suggestion) error
	Get(ctx context.Context, id string) (*Suggestion, error)
	// Update replaces s if the stored status is still expect, otherwise it
	// returns ErrStatusChanged.
	Update(ctx context.Context, s *Suggestion, expect workflow.State) error
	// List returns suggestions newest first; an empty status lists all.
	List(ctx context.Context, status workflow.State, limit int) ([]*Suggestion, error)
	// LatestForLever returns the most recently created suggestion for a lever.
	LatestForLever(ctx context.Context, lever Lever) (*Suggestion, error)
	// Due returns APPLIED suggestions whose monitor window ended at or before t.
	Due(ctx context.Context, t time.Time) ([]*Suggestion, error)
}
