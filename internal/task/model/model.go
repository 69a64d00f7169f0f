// Package model holds the persistent shapes shared by the scheduler,
// the dispatcher and the job store.
package model

import (
	"encoding/json"
	"time"
)

// TriggerState is whether the scheduler fires a job on its cron cadence.
type TriggerState string

const (
	TriggerActive TriggerState = "ACTIVE"
	TriggerPaused TriggerState = "PAUSED"
)

// ConcurrencyPolicy controls what happens when a job fires while a previous
// execution of it is still open.
type ConcurrencyPolicy string

const (
	SkipIfRunning ConcurrencyPolicy = "SKIP_IF_RUNNING"
	AllowOverlap  ConcurrencyPolicy = "ALLOW_OVERLAP"
	Queue         ConcurrencyPolicy = "QUEUE"
)

func (p ConcurrencyPolicy) Valid() bool {
	switch p {
	case SkipIfRunning, AllowOverlap, Queue:
		return true
	}
	return false
}

// Status is the lifecycle state of one ExecutionLog row.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusRetrying  Status = "RETRYING"
	StatusCancelled Status = "CANCELLED"
)

// Open reports whether the row can still transition.
func (s Status) Open() bool { return s == StatusPending || s == StatusRunning }

// Terminal reports whether the status is a final outcome of a firing.
// RETRYING closes the row but the firing continues on its successor.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusRetrying, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal ExecutionLog transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TriggerKind records why an execution exists.
type TriggerKind string

const (
	TriggerCron   TriggerKind = "cron"
	TriggerManual TriggerKind = "manual"
	TriggerRetry  TriggerKind = "retry"
)

// ErrorKind classifies a failed execution.
type ErrorKind string

const (
	ErrKindNone                ErrorKind = ""
	ErrKindUnknownTask         ErrorKind = "unknown_task"
	ErrKindParameterValidation ErrorKind = "parameter_validation"
	ErrKindTimeout             ErrorKind = "timeout"
	ErrKindExecution           ErrorKind = "execution"
	ErrKindPanic               ErrorKind = "panic"
	ErrKindCancelled           ErrorKind = "cancelled"
	ErrKindWorkerLost          ErrorKind = "worker_lost"
)

// Params are task parameters keyed by name.
type Params map[string]any

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Job is a ScheduledJob: a task bound to parameters and a cron cadence.
type Job struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Owner       string            `json:"owner,omitempty"`
	TaskName    string            `json:"task_name"`
	CronExpr    string            `json:"cron_expression"`
	Params      Params            `json:"params"`
	State       TriggerState      `json:"state"`
	Policy      ConcurrencyPolicy `json:"concurrency_policy"`
	NextFireAt  time.Time         `json:"next_fire_at"`
	LastFiredAt *time.Time        `json:"last_fired_at,omitempty"`
	Archived    bool              `json:"archived"`

	// MaxRuns caps terminal outcomes; 0 means unlimited.
	MaxRuns  int `json:"max_runs"`
	RunCount int `json:"run_count"`

	// MaxFailures auto-pauses the job after that many failures in a row; 0 disables.
	MaxFailures         int `json:"max_failures"`
	ConsecutiveFailures int `json:"consecutive_failures"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Exhausted reports whether the run/failure guards block further firings.
func (j *Job) Exhausted() bool {
	if j.MaxRuns > 0 && j.RunCount >= j.MaxRuns {
		return true
	}
	return j.MaxFailures > 0 && j.ConsecutiveFailures >= j.MaxFailures
}

// ExecutionLog records one attempt of one firing.
type ExecutionLog struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id,omitempty"` // empty for ad-hoc task runs
	TaskName     string          `json:"task_name"`
	Params       Params          `json:"params"`
	Status       Status          `json:"status"`
	Attempt      int             `json:"attempt"`
	PrevID       string          `json:"previous_log_id,omitempty"`
	Trigger      TriggerKind     `json:"trigger"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	NotBefore    time.Time       `json:"not_before"`
	Delivered    bool            `json:"delivered"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
}

// Duration is FinishedAt-StartedAt, or zero when either is missing.
func (l *ExecutionLog) Duration() time.Duration {
	if l.StartedAt == nil || l.FinishedAt == nil {
		return 0
	}
	return l.FinishedAt.Sub(*l.StartedAt)
}

// Transition carries the fields written together with a status change.
type Transition struct {
	At        time.Time
	Result    json.RawMessage
	Error     string
	ErrorKind ErrorKind
}

// LogFilter narrows ListExecutionLogs.
type LogFilter struct {
	JobID  string
	Status Status
	Limit  int
	Offset int
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Owner           string
	TaskName        string
	State           TriggerState
	IncludeArchived bool
	Limit           int
	Offset          int
}

// StatsFilter selects the executions Stats aggregates. Empty fields match
// everything; Owner matches the executions of that owner's jobs.
type StatsFilter struct {
	JobID string
	Owner string
}

// Stats aggregates execution outcomes. Jobs counts are filled for owner and
// global queries.
type Stats struct {
	JobID         string         `json:"job_id,omitempty"`
	Owner         string         `json:"owner,omitempty"`
	Jobs          int            `json:"jobs,omitempty"`
	ActiveJobs    int            `json:"active_jobs,omitempty"`
	PausedJobs    int            `json:"paused_jobs,omitempty"`
	Total         int            `json:"total"`
	ByStatus      map[Status]int `json:"by_status"`
	SuccessRate   float64        `json:"success_rate"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
}

// Finalize derives SuccessRate from ByStatus.
func (s *Stats) Finalize() {
	done := s.ByStatus[StatusSucceeded] + s.ByStatus[StatusFailed] + s.ByStatus[StatusCancelled]
	if done > 0 {
		s.SuccessRate = float64(s.ByStatus[StatusSucceeded]) / float64(done)
	}
}
