package refill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"go.opencrowd.net/scriptorium/pkg/distlock"
	"go.opencrowd.net/scriptorium/pkg/pool"
	"go.opencrowd.net/scriptorium/pkg/schedule"
)

// Daemon is the background pool maintenance process.
//
// It runs two routines until the context closes: a queue worker draining
// scheduled refill/cleanup jobs, and a periodic sweep that schedules a
// cleanup for every active scope of every pool kind (cleanup always chains
// into a refill). Multiple daemons may run side by side; the per-scope
// distributed mutex keeps them from duplicating work.
type Daemon struct {
	Refiller *Refiller
	Cleaner  *Cleaner
	Producer *schedule.Producer
	Log      *zap.Logger
	// SweepInterval is the period of the full cleanup sweep.
	SweepInterval time.Duration
	// ScopeTTL bounds how stale the cached active-scope lists may get.
	ScopeTTL time.Duration

	Queue *schedule.Worker // populated by NewDaemon

	scopes *scopeCache
}

// NewDaemon wires a daemon and its queue worker.
func NewDaemon(
	refiller *Refiller,
	cleaner *Cleaner,
	producer *schedule.Producer,
	queue *schedule.Worker,
	log *zap.Logger,
	sweepInterval, scopeTTL time.Duration,
) *Daemon {
	d := &Daemon{
		Refiller:      refiller,
		Cleaner:       cleaner,
		Producer:      producer,
		Log:           log,
		SweepInterval: sweepInterval,
		ScopeTTL:      scopeTTL,
		Queue:         queue,
		scopes:        newScopeCache(refiller.Assets, scopeTTL),
	}
	queue.Handler = d.Handle
	return d
}

// Handle dispatches one queued job. Losing the mutex race is not an error.
func (d *Daemon) Handle(ctx context.Context, job schedule.Job) error {
	var err error
	switch job.Op {
	case schedule.OpRefill:
		err = d.Refiller.RunOnce(ctx, job.Kind, job.Scope, false)
	case schedule.OpCleanup:
		err = d.Cleaner.RunOnce(ctx, job.Kind, job.Scope, false)
	default:
		return fmt.Errorf("unknown op: %d", job.Op)
	}
	if errors.Is(err, distlock.ErrNotAcquired) {
		d.Log.Info("Scope already being worked",
			zap.Stringer("job", job))
		return nil
	}
	return err
}

// Run starts the queue worker and the sweep loop.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errC := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errC <- d.Queue.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errC <- d.sweepLoop(ctx)
	}()
	err := <-errC
	cancel()
	wg.Wait()
	return err
}

func (d *Daemon) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.sweep(ctx); err != nil {
				d.Log.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// sweep schedules a cleanup for every active scope of every pool kind.
func (d *Daemon) sweep(ctx context.Context) error {
	var jobs []schedule.Job
	for _, kind := range pool.Kinds {
		scopeIDs, err := d.scopes.Get(ctx, kind.ScopeKind)
		if err != nil {
			return fmt.Errorf("failed to list %s scopes: %w", kind.ScopeKind, err)
		}
		for _, scopeID := range scopeIDs {
			jobs = append(jobs, schedule.Job{
				Op:    schedule.OpCleanup,
				Kind:  kind,
				Scope: scopeID,
			})
		}
	}
	if len(jobs) == 0 {
		return nil
	}
	d.Log.Debug("Scheduling sweep", zap.Int("sweep.jobs", len(jobs)))
	return d.Producer.Schedule(ctx, jobs...)
}
