// Package schedule runs a lightweight fire-and-forget job queue for pool
// maintenance on top of Redis.
//
// Jobs are members of an unsorted set, so scheduling is idempotent: a refill
// requested ten times for the same scope while the queue is backed up still
// runs once. Consumers drain members with an atomic pop; there is no claim
// tracking or acknowledgement because every job is safe to lose: the next
// sweep or the next cache miss schedules it again.
package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"go.opencrowd.net/scriptorium/pkg/pool"
)

// Op distinguishes pool maintenance job types.
type Op uint8

// Job types.
const (
	OpRefill Op = iota
	OpCleanup
)

// String returns the op name used in queue members and logs.
func (o Op) String() string {
	switch o {
	case OpRefill:
		return "refill"
	case OpCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Job is one queued pool maintenance request.
type Job struct {
	Op    Op
	Kind  pool.Kind
	Scope int64
}

// String returns the job in log form, e.g. "refill transcribable/campaign/7".
func (j Job) String() string {
	return fmt.Sprintf("%s %s/%d", j.Op, j.Kind, j.Scope)
}

// member encodes the job as a set member.
func (j Job) member() string {
	return strings.Join([]string{
		j.Op.String(),
		j.Kind.String(),
		strconv.FormatInt(j.Scope, 10),
	}, "\x00")
}

// parseJob decodes a set member back into a job.
func parseJob(member string) (Job, error) {
	parts := strings.Split(member, "\x00")
	if len(parts) != 3 {
		return Job{}, fmt.Errorf("malformed job member: %q", member)
	}
	var job Job
	switch parts[0] {
	case OpRefill.String():
		job.Op = OpRefill
	case OpCleanup.String():
		job.Op = OpCleanup
	default:
		return Job{}, fmt.Errorf("unknown op: %q", parts[0])
	}
	kind, err := pool.ParseKind(parts[1])
	if err != nil {
		return Job{}, err
	}
	job.Kind = kind
	scope, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Job{}, fmt.Errorf("invalid scope: %q", parts[2])
	}
	job.Scope = scope
	return job, nil
}

// Keys holds the Redis keys used.
type Keys struct {
	PendingSet string // deduplicated pending jobs
}

// KeysForPrefix creates Keys with a common prefix.
func KeysForPrefix(prefix string) Keys {
	return Keys{
		PendingSet: prefix + "_P",
	}
}
