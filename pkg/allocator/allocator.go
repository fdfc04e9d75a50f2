// Package allocator is the boundary the rest of the product calls: hand out
// a next asset, reserve it for a session, release it again, and poke pool
// maintenance.
package allocator

import (
	"context"

	"go.uber.org/zap"

	"go.opencrowd.net/scriptorium/pkg/assets"
	"go.opencrowd.net/scriptorium/pkg/pool"
	"go.opencrowd.net/scriptorium/pkg/reservation"
	"go.opencrowd.net/scriptorium/pkg/schedule"
	"go.opencrowd.net/scriptorium/pkg/selection"
)

// Allocator bundles the allocation and reservation operations.
type Allocator struct {
	Engines      map[pool.Kind]*selection.Engine
	Reservations *reservation.Store
	Producer     *schedule.Producer
	Log          *zap.Logger
}

// NextTranscribable returns the next transcribable asset in a scope, or nil
// when there is nothing left to do. The caller should then Reserve it.
func (a *Allocator) NextTranscribable(
	ctx context.Context,
	scope assets.Scope,
	pos selection.Position,
) (*assets.Asset, error) {
	kind := pool.Kind{Mode: assets.ModeTranscribe, ScopeKind: scope.Kind}
	return a.Engines[kind].SelectNext(ctx, scope.ID, 0, pos)
}

// NextReviewable returns the next reviewable asset in a scope for the given
// requester, or nil when there is nothing left. Assets whose only
// contributor is the requester are never returned.
func (a *Allocator) NextReviewable(
	ctx context.Context,
	scope assets.Scope,
	requester int64,
	pos selection.Position,
) (*assets.Asset, error) {
	kind := pool.Kind{Mode: assets.ModeReview, ScopeKind: scope.Kind}
	return a.Engines[kind].SelectNext(ctx, scope.ID, requester, pos)
}

// Reserve claims exclusive editing rights on an asset for a session token.
// Returns reservation.ErrConflict when another session holds the asset, and
// reservation.ErrTimedOut when the caller's own reservation went stale.
func (a *Allocator) Reserve(ctx context.Context, assetID int64, token string) error {
	return a.Reservations.Reserve(ctx, assetID, token)
}

// Heartbeat refreshes the session's hold on an asset. Returns
// reservation.ErrTimedOut when the hold already went stale; the session must
// then request a next asset instead of resuming.
func (a *Allocator) Heartbeat(ctx context.Context, assetID int64, token string) error {
	return a.Reservations.Reserve(ctx, assetID, token)
}

// Release drops the session's reservation on an asset.
func (a *Allocator) Release(ctx context.Context, assetID int64, token string) error {
	return a.Reservations.Release(ctx, assetID, token)
}

// ScheduleRefill enqueues a refill for one pool scope. Fire-and-forget.
func (a *Allocator) ScheduleRefill(ctx context.Context, kind pool.Kind, scopeID int64) error {
	return a.Producer.Schedule(ctx, schedule.Job{Op: schedule.OpRefill, Kind: kind, Scope: scopeID})
}

// ScheduleCleanup enqueues a cleanup for one pool scope. Fire-and-forget.
func (a *Allocator) ScheduleCleanup(ctx context.Context, kind pool.Kind, scopeID int64) error {
	return a.Producer.Schedule(ctx, schedule.Job{Op: schedule.OpCleanup, Kind: kind, Scope: scopeID})
}
