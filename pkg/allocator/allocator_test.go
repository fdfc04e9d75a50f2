package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.opencrowd.net/scriptorium/pkg/assets"
	"go.opencrowd.net/scriptorium/pkg/assets/assetstest"
	"go.opencrowd.net/scriptorium/pkg/distlock"
	"go.opencrowd.net/scriptorium/pkg/mariadbtest"
	"go.opencrowd.net/scriptorium/pkg/pool"
	"go.opencrowd.net/scriptorium/pkg/redistest"
	"go.opencrowd.net/scriptorium/pkg/refill"
	"go.opencrowd.net/scriptorium/pkg/reservation"
	"go.opencrowd.net/scriptorium/pkg/schedule"
	"go.opencrowd.net/scriptorium/pkg/selection"
)

// TestAllocator_Flow walks the full allocation cycle: select, reserve,
// refill, continue within the item, time out, recover.
func TestAllocator_Flow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := mariadbtest.Default(t)
	defer backend.Close(t)
	db := mariadbtest.Connect(t, backend)
	defer db.Close()
	assetstest.CreateAll(ctx, t, db)
	rd := redistest.NewRedis(ctx, t)
	defer rd.Close(t)
	log := zaptest.NewLogger(t)

	store := &assets.Store{DB: db}
	pools := pool.Stores(db, pool.DefaultTargetCount, log)
	producer := &schedule.Producer{Redis: rd.Client, Keys: schedule.KeysForPrefix("test")}
	reservations := &reservation.Store{
		DB:             db,
		Log:            log,
		TombstoneAfter: time.Minute,
		ReapAfter:      time.Hour,
	}
	refiller := &refill.Refiller{
		Assets:          store,
		Pools:           pools,
		Locks:           &distlock.Mutex{Redis: rd.Client, Log: log, TTL: time.Minute},
		Log:             log,
		AnonymousUserID: 1,
	}
	alloc := &Allocator{
		Engines:      selection.Engines(store, pools, producer, log),
		Reservations: reservations,
		Producer:     producer,
		Log:          log,
	}

	w := assetstest.SeedWorld(ctx, t, db, 3)
	scope := assets.Scope{Kind: assets.ScopeCampaign, ID: w.CampaignID}

	// Cold start: the empty pool falls back to a direct scan and asks for
	// a refill.
	first, err := alloc.NextTranscribable(ctx, scope, selection.Position{})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, w.AssetIDs[0], first.ID)
	require.NoError(t, alloc.Reserve(ctx, first.ID, "session-a"))

	// Another session cannot grab the same asset; the holder heartbeats.
	assert.ErrorIs(t, alloc.Reserve(ctx, first.ID, "session-b"), reservation.ErrConflict)
	require.NoError(t, alloc.Heartbeat(ctx, first.ID, "session-a"))

	// The queued refill runs; the reserved asset stays out of the pool.
	kind := pool.TranscribableCampaign
	require.NoError(t, refiller.RunOnce(ctx, kind, scope.ID, false))
	pooled, err := pools[kind].AssetIDs(ctx, scope.ID)
	require.NoError(t, err)
	assert.Equal(t, w.AssetIDs[1:], pooled)

	// A second session gets the next asset, not the reserved one.
	second, err := alloc.NextTranscribable(ctx, scope, selection.Position{})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, w.AssetIDs[1], second.ID)
	require.NoError(t, alloc.Reserve(ctx, second.ID, "session-b"))

	// The first session continues within its item past the reserved asset.
	cont, err := alloc.NextTranscribable(ctx, scope, selection.Position{
		ItemID:      first.ItemID,
		ProjectSlug: first.ProjectSlug,
		AssetID:     first.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, cont)
	assert.Equal(t, w.AssetIDs[2], cont.ID)

	// Session A walks away; the sweep tombstones its claim.
	reservations.TombstoneAfter = -time.Second
	n, err := reservations.TombstoneStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	reservations.TombstoneAfter = time.Minute

	// A returning session A learns it lost the asset; session C takes over.
	assert.ErrorIs(t, alloc.Reserve(ctx, first.ID, "session-a"), reservation.ErrTimedOut)
	require.NoError(t, alloc.Reserve(ctx, first.ID, "session-c"))

	// Releasing hands the asset back to selection.
	require.NoError(t, alloc.Release(ctx, first.ID, "session-c"))
	reserved, err := reservations.IsReserved(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, reserved)
}

func TestAllocator_ScheduleOps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rd := redistest.NewRedis(ctx, t)
	defer rd.Close(t)

	producer := &schedule.Producer{Redis: rd.Client, Keys: schedule.KeysForPrefix("test")}
	alloc := &Allocator{Producer: producer, Log: zaptest.NewLogger(t)}

	require.NoError(t, alloc.ScheduleRefill(ctx, pool.TranscribableCampaign, 7))
	require.NoError(t, alloc.ScheduleCleanup(ctx, pool.TranscribableCampaign, 7))
	require.NoError(t, alloc.ScheduleRefill(ctx, pool.TranscribableCampaign, 7))
	pending, err := rd.Client.SCard(ctx, producer.Keys.PendingSet).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
}
