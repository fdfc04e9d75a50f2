package providers

import (
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.opencrowd.net/scriptorium/pkg/allocator"
	"go.opencrowd.net/scriptorium/pkg/assets"
	"go.opencrowd.net/scriptorium/pkg/distlock"
	"go.opencrowd.net/scriptorium/pkg/pool"
	"go.opencrowd.net/scriptorium/pkg/refill"
	"go.opencrowd.net/scriptorium/pkg/reservation"
	"go.opencrowd.net/scriptorium/pkg/schedule"
	"go.opencrowd.net/scriptorium/pkg/selection"
)

// Allocator config keys.
const (
	ConfPoolTargetCount = "pool.target_count"

	ConfReservationTombstoneAfter = "reservation.tombstone_after"
	ConfReservationReapAfter      = "reservation.reap_after"
	ConfReservationSweepInterval  = "reservation.sweep_interval"

	ConfLockTTL = "lock.ttl"

	ConfSchedulePrefix       = "schedule.prefix"
	ConfScheduleBatch        = "schedule.batch"
	ConfScheduleEmptyBackoff = "schedule.empty_backoff"
	ConfScheduleMaxBackoff   = "schedule.max_backoff"

	ConfRefillerSweepInterval = "refiller.sweep_interval"
	ConfRefillerScopeTTL      = "refiller.scope_ttl"
	ConfRefillerAnonymousUser = "refiller.anonymous_user_id"
)

func init() {
	viper.SetDefault(ConfPoolTargetCount, pool.DefaultTargetCount)

	viper.SetDefault(ConfReservationTombstoneAfter, 5*time.Minute)
	viper.SetDefault(ConfReservationReapAfter, 24*time.Hour)
	viper.SetDefault(ConfReservationSweepInterval, time.Minute)

	viper.SetDefault(ConfLockTTL, 5*time.Minute)

	viper.SetDefault(ConfSchedulePrefix, "scriptorium_jobs")
	viper.SetDefault(ConfScheduleBatch, int64(16))
	viper.SetDefault(ConfScheduleEmptyBackoff, time.Second)
	viper.SetDefault(ConfScheduleMaxBackoff, 30*time.Second)

	viper.SetDefault(ConfRefillerSweepInterval, 5*time.Minute)
	viper.SetDefault(ConfRefillerScopeTTL, time.Minute)
	viper.SetDefault(ConfRefillerAnonymousUser, int64(1))
}

// NewAssetsStore builds the work item store view.
func NewAssetsStore(db *sqlx.DB) *assets.Store {
	return &assets.Store{DB: db}
}

// NewReservationStore builds the reservation store from config.
func NewReservationStore(db *sqlx.DB, log *zap.Logger) *reservation.Store {
	return &reservation.Store{
		DB:             db,
		Log:            log.Named("reservation"),
		TombstoneAfter: viper.GetDuration(ConfReservationTombstoneAfter),
		ReapAfter:      viper.GetDuration(ConfReservationReapAfter),
	}
}

// NewMutex builds the distributed mutex from config.
func NewMutex(rd *redis.Client, log *zap.Logger) *distlock.Mutex {
	return &distlock.Mutex{
		Redis: rd,
		Log:   log.Named("distlock"),
		TTL:   viper.GetDuration(ConfLockTTL),
	}
}

// NewPools builds the four candidate pool stores.
func NewPools(db *sqlx.DB, log *zap.Logger) map[pool.Kind]*pool.Store {
	return pool.Stores(db, viper.GetInt(ConfPoolTargetCount), log)
}

// NewScheduleProducer builds the maintenance queue producer.
func NewScheduleProducer(rd *redis.Client) *schedule.Producer {
	return &schedule.Producer{
		Redis: rd,
		Keys:  schedule.KeysForPrefix(viper.GetString(ConfSchedulePrefix)),
	}
}

// NewScheduleWorker builds the maintenance queue worker.
// Its handler is attached by refill.NewDaemon.
func NewScheduleWorker(rd *redis.Client, log *zap.Logger) *schedule.Worker {
	return &schedule.Worker{
		Redis:        rd,
		Log:          log.Named("schedule"),
		Keys:         schedule.KeysForPrefix(viper.GetString(ConfSchedulePrefix)),
		BatchSize:    viper.GetInt64(ConfScheduleBatch),
		EmptyBackoff: viper.GetDuration(ConfScheduleEmptyBackoff),
		MaxBackoff:   viper.GetDuration(ConfScheduleMaxBackoff),
	}
}

// NewEngines builds the four selection engines.
func NewEngines(
	store *assets.Store,
	pools map[pool.Kind]*pool.Store,
	producer *schedule.Producer,
	log *zap.Logger,
) map[pool.Kind]*selection.Engine {
	return selection.Engines(store, pools, producer, log.Named("selection"))
}

// NewAllocator builds the boundary facade.
func NewAllocator(
	engines map[pool.Kind]*selection.Engine,
	reservations *reservation.Store,
	producer *schedule.Producer,
	log *zap.Logger,
) *allocator.Allocator {
	return &allocator.Allocator{
		Engines:      engines,
		Reservations: reservations,
		Producer:     producer,
		Log:          log.Named("allocator"),
	}
}

// NewRefiller builds the pool refill job runner.
func NewRefiller(
	store *assets.Store,
	pools map[pool.Kind]*pool.Store,
	locks *distlock.Mutex,
	log *zap.Logger,
) *refill.Refiller {
	return &refill.Refiller{
		Assets:          store,
		Pools:           pools,
		Locks:           locks,
		Log:             log.Named("refill"),
		AnonymousUserID: viper.GetInt64(ConfRefillerAnonymousUser),
	}
}

// NewCleaner builds the pool cleanup job runner.
func NewCleaner(
	db *sqlx.DB,
	pools map[pool.Kind]*pool.Store,
	producer *schedule.Producer,
	locks *distlock.Mutex,
	log *zap.Logger,
) *refill.Cleaner {
	return &refill.Cleaner{
		DB:       db,
		Pools:    pools,
		Producer: producer,
		Locks:    locks,
		Log:      log.Named("cleanup"),
	}
}

// NewDaemon builds the pool maintenance daemon.
func NewDaemon(
	refiller *refill.Refiller,
	cleaner *refill.Cleaner,
	producer *schedule.Producer,
	worker *schedule.Worker,
	log *zap.Logger,
) *refill.Daemon {
	return refill.NewDaemon(refiller, cleaner, producer, worker,
		log.Named("daemon"),
		viper.GetDuration(ConfRefillerSweepInterval),
		viper.GetDuration(ConfRefillerScopeTTL))
}
