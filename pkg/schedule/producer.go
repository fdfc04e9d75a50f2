package schedule

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Producer schedules pool maintenance jobs.
// It is safe to run multiple instances on the queue.
type Producer struct {
	// Required components
	Redis *redis.Client
	// Required config
	Keys Keys
}

// Schedule adds jobs to the queue if they are not already pending.
func (p *Producer) Schedule(ctx context.Context, jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}
	members := make([]interface{}, len(jobs))
	for i, job := range jobs {
		members[i] = job.member()
	}
	return p.Redis.SAdd(ctx, p.Keys.PendingSet, members...).Err()
}
