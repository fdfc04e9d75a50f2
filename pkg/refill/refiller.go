// Package refill keeps the candidate pools warm: background jobs that top
// pools up from the work item store and evict entries that stopped
// qualifying. Both job types run under a distributed mutex so at most one
// instance works a given (pool kind, scope) at a time.
package refill

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"go.opencrowd.net/scriptorium/pkg/assets"
	"go.opencrowd.net/scriptorium/pkg/distlock"
	"go.opencrowd.net/scriptorium/pkg/pool"
)

// Refiller tops pools up to their target count.
type Refiller struct {
	Assets *assets.Store
	Pools  map[pool.Kind]*pool.Store
	Locks  *distlock.Mutex
	Log    *zap.Logger
	// AnonymousUserID is removed from contributor-diversity exclusion sets:
	// anonymous contributions say nothing about overrepresentation.
	AnonymousUserID int64
}

func lockKey(op string, kind pool.Kind, scopeID int64) string {
	return fmt.Sprintf("scriptorium:%s:%s:%d", op, kind, scopeID)
}

// RunOnce refills one scope under the distributed mutex.
// Returns distlock.ErrNotAcquired when another worker is already on it;
// force bypasses the mutex for operational recovery.
func (r *Refiller) RunOnce(ctx context.Context, kind pool.Kind, scopeID int64, force bool) error {
	return r.Locks.With(ctx, lockKey("refill", kind, scopeID), force, func(ctx context.Context) error {
		return r.refill(ctx, kind, scopeID)
	})
}

// refill is idempotent: a second run with no state change is a no-op.
func (r *Refiller) refill(ctx context.Context, kind pool.Kind, scopeID int64) error {
	store := r.Pools[kind]
	needed, err := store.Needed(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("failed to compute needed: %w", err)
	}
	log := r.Log.With(
		zap.Stringer("pool.kind", kind),
		zap.Int64("pool.scope", scopeID))
	if needed == 0 {
		log.Debug("Pool already at target")
		return nil
	}
	pooled, err := store.AssetIDs(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("failed to list pooled assets: %w", err)
	}
	scope := kind.Scope(scopeID)
	filter := assets.EligibleFilter{ExcludeAssets: pooled}
	var candidates []assets.Asset
	if kind.Mode == assets.ModeReview {
		candidates, err = r.findReviewable(ctx, store, scope, filter, needed)
	} else {
		candidates, err = r.Assets.FindEligible(ctx, kind.Mode, scope, filter, nil, needed)
	}
	if err != nil {
		return fmt.Errorf("failed to find eligible assets: %w", err)
	}
	if len(candidates) == 0 {
		log.Debug("No eligible assets to pool")
		return nil
	}
	entries := make([]pool.Entry, len(candidates))
	for i, a := range candidates {
		entries[i] = pool.Entry{
			AssetID:     a.ID,
			ItemID:      a.ItemID,
			ProjectID:   a.ProjectID,
			ProjectSlug: a.ProjectSlug,
			Sequence:    a.Sequence,
		}
	}
	if kind.Mode == assets.ModeReview {
		// Capture contributor sets at insertion time.
		ids := make([]int64, len(candidates))
		for i, a := range candidates {
			ids[i] = a.ID
		}
		contributors, err := r.Assets.Contributors(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to read contributors: %w", err)
		}
		for i := range entries {
			entries[i].Contributors = contributors[entries[i].AssetID]
		}
	}
	written, err := store.TopUp(ctx, scopeID, entries)
	if err != nil {
		return fmt.Errorf("failed to top up pool: %w", err)
	}
	log.Info("Refilled pool",
		zap.Int("pool.needed", needed),
		zap.Int("pool.written", written))
	return nil
}

// findReviewable prefers assets whose contributors do not already dominate
// the pool, so no single contributor fills the reviewable queue. When the
// diversity preference leaves nothing, it falls back to the unfiltered set.
func (r *Refiller) findReviewable(
	ctx context.Context,
	store *pool.Store,
	scope assets.Scope,
	filter assets.EligibleFilter,
	needed int,
) ([]assets.Asset, error) {
	overrepresented, err := store.ContributorIDs(ctx, scope.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool contributors: %w", err)
	}
	var exclude []int64
	for _, id := range overrepresented {
		if id != r.AnonymousUserID {
			exclude = append(exclude, id)
		}
	}
	if len(exclude) > 0 {
		diverse := filter
		diverse.ExcludeContributors = exclude
		candidates, err := r.Assets.FindEligible(ctx, assets.ModeReview, scope, diverse, nil, needed)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			return candidates, nil
		}
	}
	return r.Assets.FindEligible(ctx, assets.ModeReview, scope, filter, nil, needed)
}
