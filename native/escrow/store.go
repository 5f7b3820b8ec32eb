package escrow

import (
	"context"

	"assetescrow/core/types"
)

// Store persists escrow records keyed by buyer. Implementations hold no
// validation logic and must return clones so callers cannot mutate stored
// state. A missing record is reported with ok == false, never an error.
type Store interface {
	Get(ctx context.Context, buyer types.Principal) (*Record, bool, error)
	Put(ctx context.Context, record *Record) error
	Remove(ctx context.Context, buyer types.Principal) error
	Contains(ctx context.Context, buyer types.Principal) (bool, error)
	All(ctx context.Context) ([]*Record, error)
	// Expired returns records created strictly before cutoff, oldest first.
	Expired(ctx context.Context, cutoff int64) ([]*Record, error)
}
