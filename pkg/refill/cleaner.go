package refill

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"go.opencrowd.net/scriptorium/pkg/assets"
	"go.opencrowd.net/scriptorium/pkg/distlock"
	"go.opencrowd.net/scriptorium/pkg/pool"
	"go.opencrowd.net/scriptorium/pkg/schedule"
)

// Cleaner evicts pool entries whose asset stopped qualifying: reserved by an
// active reservation, status changed, or deleted outright. After every run it
// schedules a refill for the scope, since eviction removes capacity.
type Cleaner struct {
	DB       *sqlx.DB
	Pools    map[pool.Kind]*pool.Store
	Producer *schedule.Producer
	Locks    *distlock.Mutex
	Log      *zap.Logger
}

// entryState is the validity view of one pool entry.
type entryState struct {
	AssetID  int64         `db:"asset_id"`
	Status   sql.NullInt64 `db:"status"`
	Reserved bool          `db:"reserved"`
}

// RunOnce cleans one scope under the distributed mutex and schedules a
// follow-up refill. Returns distlock.ErrNotAcquired when another worker is
// already on it; force bypasses the mutex.
func (c *Cleaner) RunOnce(ctx context.Context, kind pool.Kind, scopeID int64, force bool) error {
	return c.Locks.With(ctx, lockKey("cleanup", kind, scopeID), force, func(ctx context.Context) error {
		return c.clean(ctx, kind, scopeID)
	})
}

func (c *Cleaner) clean(ctx context.Context, kind pool.Kind, scopeID int64) error {
	store := c.Pools[kind]
	log := c.Log.With(
		zap.Stringer("pool.kind", kind),
		zap.Int64("pool.scope", scopeID))
	// language=MariaDB
	const template = `SELECT e.asset_id, a.status,
	EXISTS (SELECT 1 FROM asset_reservations r
		WHERE r.asset_id = e.asset_id AND NOT r.tombstoned) AS reserved
FROM %s e
LEFT JOIN assets a ON a.id = e.asset_id
WHERE e.scope_id = ?`
	var states []entryState
	if err := c.DB.SelectContext(ctx, &states,
		fmt.Sprintf(template, kind.TableName()), scopeID); err != nil {
		return fmt.Errorf("failed to scan pool entries: %w", err)
	}
	var removed int
	for _, state := range states {
		valid := state.Status.Valid &&
			!state.Reserved &&
			kind.Mode.Eligible(assets.Status(state.Status.Int64))
		if valid {
			continue
		}
		// Per-row failures are logged, never fatal to the batch.
		if err := store.Remove(ctx, scopeID, state.AssetID); err != nil {
			log.Error("Failed to evict pool entry",
				zap.Int64("pool.asset_id", state.AssetID), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info("Cleaned pool", zap.Int("pool.removed", removed))
	}
	// Cleanup removes capacity that refill must restore.
	if err := c.Producer.Schedule(ctx, schedule.Job{
		Op:    schedule.OpRefill,
		Kind:  kind,
		Scope: scopeID,
	}); err != nil {
		return fmt.Errorf("failed to schedule refill: %w", err)
	}
	return nil
}
