package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cronhub/internal/task/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write lost: the row was not in the expected state.
	ErrConflict = errors.New("state conflict")
	// ErrClaimConflict means another scheduler already claimed this firing. It is benign.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrStoreUnavailable wraps backend failures (connection, I/O); callers retry later.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBackupUnsupported = errors.New("backup not supported by this store")
)

type unavailableError struct{ err error }

func (e *unavailableError) Error() string        { return "store unavailable: " + e.err.Error() }
func (e *unavailableError) Unwrap() error        { return e.err }
func (e *unavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{err: fmt.Errorf("%s: %w", op, err)}
}

// Store persists jobs and execution logs. Every state-changing method is a
// conditional write so concurrent schedulers and workers never double-apply.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	// UpdateJob overwrites the definitional fields of a job (name, params,
	// policy, limits). The schedule and counters are left untouched.
	UpdateJob(ctx context.Context, j *model.Job) error
	// RescheduleJob swaps the cron expression and next_fire_at iff next_fire_at
	// still equals expected; a concurrent claim returns ErrConflict.
	RescheduleJob(ctx context.Context, id, cronExpr string, expected, next, now time.Time) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, f model.JobFilter) ([]*model.Job, error)
	// CountJobs counts jobs matching f; Limit and Offset are ignored.
	CountJobs(ctx context.Context, f model.JobFilter) (int, error)
	// SetTriggerState changes ACTIVE/PAUSED; nextFireAt is written when non-zero.
	SetTriggerState(ctx context.Context, id string, state model.TriggerState, nextFireAt, now time.Time) error
	ArchiveJob(ctx context.Context, id string, now time.Time) error

	// GetDueJobs returns ACTIVE, non-archived jobs with next_fire_at <= now, oldest first.
	GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)
	// TryClaim advances next_fire_at from expected to next iff it still equals
	// expected; a lost race returns ErrClaimConflict.
	TryClaim(ctx context.Context, jobID string, expected, next time.Time) error
	// RecordOutcome applies a terminal outcome to the job counters and pauses
	// the job when a run or failure limit is reached. It returns the updated job.
	RecordOutcome(ctx context.Context, jobID string, status model.Status, at time.Time) (*model.Job, error)

	CreateExecutionLog(ctx context.Context, l *model.ExecutionLog) error
	// CreateExecutionLogIfIdle inserts l only when its job has no open log.
	// The check and the insert are atomic.
	CreateExecutionLogIfIdle(ctx context.Context, l *model.ExecutionLog) (bool, error)
	// TransitionExecutionLog moves a log from -> to; ErrConflict if it is no longer in from.
	TransitionExecutionLog(ctx context.Context, id string, from, to model.Status, tr model.Transition) error
	// RetryExecutionLog closes a RUNNING log as RETRYING and inserts its
	// successor in one atomic step.
	RetryExecutionLog(ctx context.Context, id string, tr model.Transition, next *model.ExecutionLog) error
	// ClaimDelivery flips delivered false -> true; false means someone else has it.
	ClaimDelivery(ctx context.Context, id string) (bool, error)
	GetExecutionLog(ctx context.Context, id string) (*model.ExecutionLog, error)
	// FindOpenLog returns the newest PENDING or RUNNING log of a job, or ErrNotFound.
	FindOpenLog(ctx context.Context, jobID string) (*model.ExecutionLog, error)
	ListExecutionLogs(ctx context.Context, f model.LogFilter) ([]*model.ExecutionLog, error)
	// ListUndelivered returns PENDING logs nobody has picked up whose not_before <= now.
	ListUndelivered(ctx context.Context, now time.Time, limit int) ([]*model.ExecutionLog, error)
	// ListStale returns open logs left behind by a dead process: RUNNING logs
	// started before olderThan and delivered PENDING logs created before it.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*model.ExecutionLog, error)
	Stats(ctx context.Context, f model.StatsFilter) (*model.Stats, error)

	Close() error
}

// Backuper is implemented by stores that can write an online copy of
// themselves to a file.
type Backuper interface {
	Backup(ctx context.Context, dst string) error
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, for tests and throwaway runs
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via lib/pq
//
// Empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

func checkTransition(from, to model.Status) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func defaultLimit(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
