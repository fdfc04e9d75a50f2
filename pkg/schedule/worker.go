package schedule

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Handler processes one claimed job.
type Handler func(ctx context.Context, job Job) error

// Worker drains the queue and dispatches jobs to a handler.
// It is safe to run multiple workers on the same keys.
type Worker struct {
	// Required components
	Redis   *redis.Client
	Log     *zap.Logger
	Handler Handler
	// Required config
	Keys         Keys
	BatchSize    int64         // max jobs to pop at once
	EmptyBackoff time.Duration // initial sleep when the queue is empty
	MaxBackoff   time.Duration // sleep cap while the queue stays empty
}

// Run drains jobs until the context closes.
// Handler failures are logged, not escalated: every job is safe to lose.
func (w *Worker) Run(ctx context.Context) error {
	empty := backoff.NewExponentialBackOff()
	empty.InitialInterval = w.EmptyBackoff
	empty.MaxInterval = w.MaxBackoff
	empty.MaxElapsedTime = 0 // never stop
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		members, err := w.Redis.SPopN(ctx, w.Keys.PendingSet, w.BatchSize).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if len(members) == 0 {
			timer := time.NewTimer(empty.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		empty.Reset()
		for _, member := range members {
			job, err := parseJob(member)
			if err != nil {
				w.Log.Error("Dropping malformed job", zap.Error(err))
				continue
			}
			if err := w.Handler(ctx, job); err != nil {
				w.Log.Error("Job failed",
					zap.Stringer("job", job), zap.Error(err))
			}
		}
	}
}
