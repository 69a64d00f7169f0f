package scheduler

import (
	"context"
	"errors"
	"time"

	"cronhub/internal/task/engine"
	"cronhub/internal/task/model"
)

var (
	// ErrJobArchived is returned by mutations of a soft-deleted job.
	ErrJobArchived = errors.New("job is archived")
	// ErrSkipped means SKIP_IF_RUNNING found an open execution of the job.
	ErrSkipped       = errors.New("execution skipped: job is already running")
	ErrInvalidPolicy = errors.New("invalid concurrency policy")
	ErrInvalidJob    = errors.New("invalid job")
	// ErrJobLimit means the owner already has as many active jobs as allowed.
	ErrJobLimit = errors.New("active job limit reached")
)

// rescheduleAttempts bounds how often UpdateJob retries a schedule swap
// that lost to a concurrent claim.
const rescheduleAttempts = 3

// Config controls the scheduler loop.
type Config struct {
	Enabled      bool
	TickInterval time.Duration
	Timezone     string // IANA TZ, e.g. "Asia/Jakarta"; empty means UTC
	BatchSize    int

	// MaxActiveJobsPerOwner caps ACTIVE, non-archived jobs per owner.
	// Zero disables the cap. Jobs without an owner are never counted.
	MaxActiveJobsPerOwner int
	// OwnerLimits overrides MaxActiveJobsPerOwner for specific owners.
	OwnerLimits map[string]int
}

// activeLimit returns the cap for owner, or 0 for none.
func (c Config) activeLimit(owner string) int {
	if owner == "" {
		return 0
	}
	if n, ok := c.OwnerLimits[owner]; ok {
		return n
	}
	return c.MaxActiveJobsPerOwner
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Dispatcher is the part of the engine the scheduler drives.
type Dispatcher interface {
	Enqueue(logID string) error
	Cancel(ctx context.Context, logID string) (*model.ExecutionLog, error)
	Snapshot() engine.Snapshot
}

// JobSpec is the input of CreateJob.
type JobSpec struct {
	Name        string
	Owner       string
	TaskName    string
	CronExpr    string
	Params      model.Params
	Policy      model.ConcurrencyPolicy // empty means SKIP_IF_RUNNING
	Paused      bool
	MaxRuns     int
	MaxFailures int
}

// JobPatch is the input of UpdateJob. Nil fields are left unchanged.
type JobPatch struct {
	Name        *string
	CronExpr    *string
	Params      model.Params
	Policy      *model.ConcurrencyPolicy
	MaxRuns     *int
	MaxFailures *int
}

// ScheduleInfo describes a cron expression for operators.
type ScheduleInfo struct {
	Expr        string      `json:"expression"`
	Timezone    string      `json:"timezone"`
	Description string      `json:"description"`
	Next        []time.Time `json:"next"`
}

type Snapshot struct {
	Enabled      bool
	Timezone     string
	TickInterval time.Duration

	LastTick  time.Time
	Ticks     uint64
	Fired     uint64
	Skipped   uint64
	Conflicts uint64
	Swept     uint64

	Engine engine.Snapshot
}
