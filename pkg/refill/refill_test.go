package refill

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.opencrowd.net/scriptorium/pkg/assets"
	"go.opencrowd.net/scriptorium/pkg/assets/assetstest"
	"go.opencrowd.net/scriptorium/pkg/distlock"
	"go.opencrowd.net/scriptorium/pkg/mariadbtest"
	"go.opencrowd.net/scriptorium/pkg/pool"
	"go.opencrowd.net/scriptorium/pkg/redistest"
	"go.opencrowd.net/scriptorium/pkg/schedule"
)

type testEnv struct {
	DB       *sqlx.DB
	Redis    *redistest.Redis
	Assets   *assets.Store
	Pools    map[pool.Kind]*pool.Store
	Locks    *distlock.Mutex
	Producer *schedule.Producer
	Refiller *Refiller
	Cleaner  *Cleaner

	closers []func()
}

func newEnv(ctx context.Context, t *testing.T, targetCount int) *testEnv {
	backend := mariadbtest.Default(t)
	db := mariadbtest.Connect(t, backend)
	assetstest.CreateAll(ctx, t, db)
	rd := redistest.NewRedis(ctx, t)
	log := zaptest.NewLogger(t)
	env := &testEnv{
		DB:       db,
		Redis:    rd,
		Assets:   &assets.Store{DB: db},
		Pools:    pool.Stores(db, targetCount, log),
		Locks:    &distlock.Mutex{Redis: rd.Client, Log: log, TTL: time.Minute},
		Producer: &schedule.Producer{Redis: rd.Client, Keys: schedule.KeysForPrefix("test")},
	}
	env.Refiller = &Refiller{
		Assets:          env.Assets,
		Pools:           env.Pools,
		Locks:           env.Locks,
		Log:             log,
		AnonymousUserID: 1,
	}
	env.Cleaner = &Cleaner{
		DB:       db,
		Pools:    env.Pools,
		Producer: env.Producer,
		Locks:    env.Locks,
		Log:      log,
	}
	env.closers = append(env.closers,
		func() { _ = db.Close() },
		func() { backend.Close(t) },
		func() { rd.Close(t) })
	return env
}

func (e *testEnv) Close() {
	for _, closer := range e.closers {
		closer()
	}
}

func (e *testEnv) pendingJobs(ctx context.Context, t *testing.T) int64 {
	n, err := e.Redis.Client.SCard(ctx, e.Producer.Keys.PendingSet).Result()
	require.NoError(t, err)
	return n
}

func TestRefiller_Bound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newEnv(ctx, t, 3)
	defer env.Close()
	w := assetstest.SeedWorld(ctx, t, env.DB, 5)

	kind := pool.TranscribableCampaign
	require.NoError(t, env.Refiller.RunOnce(ctx, kind, w.CampaignID, false))

	// The pool holds min(target, eligible) in ascending sequence.
	ids, err := env.Pools[kind].AssetIDs(ctx, w.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, w.AssetIDs[:3], ids)

	// Refill is idempotent.
	require.NoError(t, env.Refiller.RunOnce(ctx, kind, w.CampaignID, false))
	count, err := env.Pools[kind].Count(ctx, w.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRefiller_FewerEligibleThanTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newEnv(ctx, t, 100)
	defer env.Close()
	w := assetstest.SeedWorld(ctx, t, env.DB, 2)

	kind := pool.TranscribableCampaign
	require.NoError(t, env.Refiller.RunOnce(ctx, kind, w.CampaignID, false))
	count, err := env.Pools[kind].Count(ctx, w.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRefiller_ExcludesReserved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newEnv(ctx, t, 100)
	defer env.Close()
	w := assetstest.SeedWorld(ctx, t, env.DB, 3)
	_, err := env.DB.ExecContext(ctx,
		`INSERT INTO asset_reservations (asset_id, token, tombstoned, created_at, updated_at)
VALUES (?, 'tok', FALSE, NOW(), NOW())`, w.AssetIDs[1])
	require.NoError(t, err)

	kind := pool.TranscribableCampaign
	require.NoError(t, env.Refiller.RunOnce(ctx, kind, w.CampaignID, false))
	ids, err := env.Pools[kind].AssetIDs(ctx, w.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, []int64{w.AssetIDs[0], w.AssetIDs[2]}, ids)
}

func TestRefiller_ReviewDiversity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newEnv(ctx, t, 2)
	defer env.Close()
	w := assetstest.SeedWorld(ctx, t, env.DB, 4)
	for _, id := range w.AssetIDs {
		assetstest.SetStatus(ctx, t, env.DB, id, assets.StatusSubmitted)
	}
	// Assets 1 and 2 by user 7, asset 3 by user 8, asset 4 anonymous.
	assetstest.Transcription(ctx, t, env.DB, w.AssetIDs[0], 7)
	assetstest.Transcription(ctx, t, env.DB, w.AssetIDs[1], 7)
	assetstest.Transcription(ctx, t, env.DB, w.AssetIDs[2], 8)
	assetstest.Transcription(ctx, t, env.DB, w.AssetIDs[3], 1)

	kind := pool.ReviewableCampaign
	store := env.Pools[kind]
	require.NoError(t, env.Refiller.RunOnce(ctx, kind, w.CampaignID, false))
	ids, err := store.AssetIDs(ctx, w.CampaignID)
	require.NoError(t, err)
	require.Equal(t, w.AssetIDs[:2], ids)

	// User 7 dominates the pool: the next refill slot prefers other
	// contributors' work over their remaining assets.
	require.NoError(t, store.Remove(ctx, w.CampaignID, w.AssetIDs[1]))
	require.NoError(t, env.Refiller.RunOnce(ctx, kind, w.CampaignID, false))
	ids, err = store.AssetIDs(ctx, w.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, []int64{w.AssetIDs[0], w.AssetIDs[2]}, ids)

	// Entries carry the contributor set captured at insertion.
	entries, err := store.List(ctx, w.CampaignID)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.AssetID == w.AssetIDs[2] {
			assert.Equal(t, pool.IDSet{8}, entry.Contributors)
		}
	}
}

func TestRefiller_ReviewDiversityFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newEnv(ctx, t, 2)
	defer env.Close()
	w := assetstest.SeedWorld(ctx, t, env.DB, 2)
	for _, id := range w.AssetIDs {
		assetstest.SetStatus(ctx, t, env.DB, id, assets.StatusSubmitted)
	}
	// Every submitted asset is by the same contributor.
	assetstest.Transcription(ctx, t, env.DB, w.AssetIDs[0], 7)
	assetstest.Transcription(ctx, t, env.DB, w.AssetIDs[1], 7)

	kind := pool.ReviewableCampaign
	store := env.Pools[kind]
	require.NoError(t, env.Refiller.RunOnce(ctx, kind, w.CampaignID, false))
	require.NoError(t, store.Remove(ctx, w.CampaignID, w.AssetIDs[1]))

	// The diversity preference finds nothing; the unfiltered fallback
	// still fills the slot rather than starving reviewers.
	require.NoError(t, env.Refiller.RunOnce(ctx, kind, w.CampaignID, false))
	ids, err := store.AssetIDs(ctx, w.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, w.AssetIDs, ids)
}

func TestRefiller_LockHeld(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newEnv(ctx, t, 100)
	defer env.Close()
	w := assetstest.SeedWorld(ctx, t, env.DB, 1)

	kind := pool.TranscribableCampaign
	lease, err := env.Locks.TryAcquire(ctx, lockKey("refill", kind, w.CampaignID))
	require.NoError(t, err)
	defer lease.Release(ctx)

	// Another worker holds the scope: skip without touching the pool.
	err = env.Refiller.RunOnce(ctx, kind, w.CampaignID, false)
	assert.ErrorIs(t, err, distlock.ErrNotAcquired)
	count, err := env.Pools[kind].Count(ctx, w.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Force bypasses the held lock.
	require.NoError(t, env.Refiller.RunOnce(ctx, kind, w.CampaignID, true))
	count, err = env.Pools[kind].Count(ctx, w.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCleaner_EvictsAndSchedulesRefill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newEnv(ctx, t, 100)
	defer env.Close()
	w := assetstest.SeedWorld(ctx, t, env.DB, 4)

	kind := pool.TranscribableCampaign
	store := env.Pools[kind]
	require.NoError(t, env.Refiller.RunOnce(ctx, kind, w.CampaignID, false))

	// Entry 1 got reserved, entry 2 moved past transcription, entry 3 was
	// deleted outright. Entry 4 stays valid.
	_, err := env.DB.ExecContext(ctx,
		`INSERT INTO asset_reservations (asset_id, token, tombstoned, created_at, updated_at)
VALUES (?, 'tok', FALSE, NOW(), NOW())`, w.AssetIDs[0])
	require.NoError(t, err)
	assetstest.SetStatus(ctx, t, env.DB, w.AssetIDs[1], assets.StatusSubmitted)
	_, err = env.DB.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, w.AssetIDs[2])
	require.NoError(t, err)

	require.NoError(t, env.Cleaner.RunOnce(ctx, kind, w.CampaignID, false))
	ids, err := store.AssetIDs(ctx, w.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, []int64{w.AssetIDs[3]}, ids)

	// Cleanup always chains into a refill, even when nothing was evicted.
	assert.Equal(t, int64(1), env.pendingJobs(ctx, t))
	require.NoError(t, env.Cleaner.RunOnce(ctx, kind, w.CampaignID, false))
	assert.Equal(t, int64(1), env.pendingJobs(ctx, t))
}

func TestDaemon_HandleLostRace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newEnv(ctx, t, 100)
	defer env.Close()
	w := assetstest.SeedWorld(ctx, t, env.DB, 1)

	worker := &schedule.Worker{
		Redis:        env.Redis.Client,
		Log:          zaptest.NewLogger(t),
		Keys:         env.Producer.Keys,
		BatchSize:    16,
		EmptyBackoff: 10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
	}
	daemon := NewDaemon(env.Refiller, env.Cleaner, env.Producer, worker,
		zaptest.NewLogger(t), time.Minute, time.Minute)

	kind := pool.TranscribableCampaign
	job := schedule.Job{Op: schedule.OpRefill, Kind: kind, Scope: w.CampaignID}

	// Losing the mutex race is routine, not a job failure.
	lease, err := env.Locks.TryAcquire(ctx, lockKey("refill", kind, w.CampaignID))
	require.NoError(t, err)
	require.NoError(t, daemon.Handle(ctx, job))
	require.NoError(t, lease.Release(ctx))

	// With the lock free the job runs for real.
	require.NoError(t, daemon.Handle(ctx, job))
	count, err := env.Pools[kind].Count(ctx, w.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDaemon_SweepSchedulesCleanups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newEnv(ctx, t, 100)
	defer env.Close()
	w := assetstest.SeedWorld(ctx, t, env.DB, 1)
	topicID := assetstest.Topic(ctx, t, env.DB, "ships", true)
	assetstest.ProjectTopic(ctx, t, env.DB, w.ProjectID, topicID)
	assetstest.Campaign(ctx, t, env.DB, "dormant", false)

	worker := &schedule.Worker{
		Redis:        env.Redis.Client,
		Log:          zaptest.NewLogger(t),
		Keys:         env.Producer.Keys,
		BatchSize:    16,
		EmptyBackoff: 10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
	}
	daemon := NewDaemon(env.Refiller, env.Cleaner, env.Producer, worker,
		zaptest.NewLogger(t), time.Minute, time.Minute)

	// One active campaign and one published topic: a cleanup per pool kind,
	// none for the inactive campaign.
	require.NoError(t, daemon.sweep(ctx))
	assert.Equal(t, int64(4), env.pendingJobs(ctx, t))
}

func TestScopeCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := mariadbtest.Default(t)
	defer backend.Close(t)
	db := mariadbtest.Connect(t, backend)
	defer db.Close()
	assetstest.CreateAll(ctx, t, db)
	store := &assets.Store{DB: db}
	active := assetstest.Campaign(ctx, t, db, "letters", true)
	assetstest.Campaign(ctx, t, db, "dormant", false)

	cache := newScopeCache(store, time.Hour)
	ids, err := cache.Get(ctx, assets.ScopeCampaign)
	require.NoError(t, err)
	assert.Equal(t, []int64{active}, ids)

	// Within the TTL the cached list is served even after a change.
	second := assetstest.Campaign(ctx, t, db, "diaries", true)
	ids, err = cache.Get(ctx, assets.ScopeCampaign)
	require.NoError(t, err)
	assert.Equal(t, []int64{active}, ids)

	// An expired entry is refreshed.
	cache.TTL = -time.Second
	ids, err = cache.Get(ctx, assets.ScopeCampaign)
	require.NoError(t, err)
	assert.Equal(t, []int64{active, second}, ids)
}
