// Package selection implements the request-time algorithm that picks the
// next concrete asset for a requester.
//
// One generic engine serves all four work variants (transcribable and
// reviewable, by campaign and by topic); the pool kind it is bound to
// supplies the status predicate, scope grouping and contributor-exclusion
// behavior. Priority order: finish the current item, then the current
// project, then claim from the candidate pool, then fall back to a direct
// scan while scheduling a refill.
package selection

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"go.opencrowd.net/scriptorium/pkg/assets"
	"go.opencrowd.net/scriptorium/pkg/pool"
	"go.opencrowd.net/scriptorium/pkg/schedule"
)

// fallbackScanLimit is how many direct-scan candidates one claim attempt
// considers before concluding the scope is exhausted or fully contended.
const fallbackScanLimit = 10

// Position is the requester's browsing context. Zero values mean the
// requester has no current position.
type Position struct {
	ProjectSlug string // project currently being viewed
	ItemID      int64  // item currently being viewed
	AssetID     int64  // asset just acted upon
}

func (p Position) tieBreak() assets.TieBreak {
	return assets.TieBreak{
		ItemID:       p.ItemID,
		ProjectSlug:  p.ProjectSlug,
		AfterAssetID: p.AssetID,
	}
}

// Engine selects next assets for one pool kind.
type Engine struct {
	Assets   *assets.Store
	Pool     *pool.Store
	Producer *schedule.Producer
	Log      *zap.Logger
}

// Engines builds one engine per pool kind.
func Engines(
	store *assets.Store,
	pools map[pool.Kind]*pool.Store,
	producer *schedule.Producer,
	log *zap.Logger,
) map[pool.Kind]*Engine {
	engines := make(map[pool.Kind]*Engine, len(pool.Kinds))
	for _, kind := range pool.Kinds {
		engines[kind] = &Engine{
			Assets:   store,
			Pool:     pools[kind],
			Producer: producer,
			Log:      log.Named(kind.TableName()),
		}
	}
	return engines
}

// SelectNext returns one concrete asset for the requester, or nil when the
// scope has nothing left to offer. A nil result is a legitimate empty state,
// not an error.
//
// The requester ID is only consulted for reviewable kinds (self-review
// exclusion); pass zero for transcribable requests and anonymous sessions.
func (e *Engine) SelectNext(
	ctx context.Context,
	scopeID, requester int64,
	pos Position,
) (*assets.Asset, error) {
	kind := e.Pool.Kind
	scope := kind.Scope(scopeID)
	// Finish the current item before redirecting anywhere else.
	if pos.ItemID != 0 {
		next, err := e.Assets.NextInItem(ctx, kind.Mode, scope, pos.ItemID, pos.AssetID, requester)
		if err != nil {
			return nil, fmt.Errorf("failed to scan current item: %w", err)
		}
		if next != nil {
			return next, nil
		}
	}
	// Then stay within the current project.
	if pos.ProjectSlug != "" {
		next, err := e.Assets.NextInProject(ctx, kind.Mode, scope, pos.ProjectSlug, pos.AssetID, requester)
		if err != nil {
			return nil, fmt.Errorf("failed to scan current project: %w", err)
		}
		if next != nil {
			return next, nil
		}
	}
	// Candidate pool.
	entry, err := e.Pool.Claim(ctx, scopeID, requester, pos.tieBreak())
	if err != nil {
		return nil, fmt.Errorf("failed to claim from pool: %w", err)
	}
	if entry != nil {
		asset, err := e.Assets.AssetByID(ctx, entry.AssetID)
		if err != nil {
			return nil, err
		}
		if asset != nil {
			return asset, nil
		}
		// Asset vanished between claim and read; fall through.
	}
	return e.fallback(ctx, scopeID, requester, pos)
}

// fallback scans the work item store directly and schedules a refill for the
// scope, since a cache miss means the pool needs topping up.
func (e *Engine) fallback(
	ctx context.Context,
	scopeID, requester int64,
	pos Position,
) (*assets.Asset, error) {
	kind := e.Pool.Kind
	if err := e.Producer.Schedule(ctx, schedule.Job{
		Op:    schedule.OpRefill,
		Kind:  kind,
		Scope: scopeID,
	}); err != nil {
		// The next miss or sweep will schedule it again.
		e.Log.Error("Failed to schedule refill", zap.Error(err))
	}
	tie := pos.tieBreak()
	candidates, err := e.Assets.FindEligible(ctx, kind.Mode, kind.Scope(scopeID),
		assets.EligibleFilter{Requester: requester}, &tie, fallbackScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan work item store: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(candidates))
	for i, a := range candidates {
		ids[i] = a.ID
	}
	tx, err := e.Assets.DB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	claimed, err := e.Assets.ClaimOne(ctx, tx, kind.Mode, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to claim asset: %w", err)
	}
	if claimed == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].ID == claimed {
			return &candidates[i], nil
		}
	}
	return nil, nil
}
