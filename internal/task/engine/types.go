package engine

import (
	"time"

	"cronhub/internal/task/model"
)

// Config controls the dispatcher.
//
// The app layer maps config.task_engine into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when a task declares no timeout.
	DefaultTimeout time.Duration

	// RatePerSec caps how many executions start per second across all
	// workers. 0 disables the limit.
	RatePerSec float64
	Burst      int

	// OrphanAfter is how old a RUNNING log must be at startup before it is
	// treated as abandoned by a dead process.
	OrphanAfter time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	if c.OrphanAfter <= 0 {
		c.OrphanAfter = 10 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Request asks the dispatcher to run one PENDING execution log.
type Request struct {
	LogID string

	// claimed is set once this process owns delivery of the log, so parked
	// and recovered requests are not claimed twice.
	claimed bool
	// lane is the job id whose QUEUE lane was handed over to this request.
	lane string
}

// ExecutionEvent is the payload of every execution.* event on the bus.
type ExecutionEvent struct {
	LogID      string            `json:"log_id"`
	JobID      string            `json:"job_id,omitempty"`
	TaskName   string            `json:"task_name"`
	Attempt    int               `json:"attempt"`
	Trigger    model.TriggerKind `json:"trigger"`
	Status     model.Status      `json:"status"`
	QueueDelay time.Duration     `json:"queue_delay"`
	Duration   time.Duration     `json:"duration"`
	RetryIn    time.Duration     `json:"retry_in,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorKind  model.ErrorKind   `json:"error_kind,omitempty"`
}

const (
	EventStarted   = "execution.started"
	EventSucceeded = "execution.succeeded"
	EventFailed    = "execution.failed"
	EventRetrying  = "execution.retrying"
	EventCancelled = "execution.cancelled"
	EventSkipped   = "execution.skipped"
)

type HistoryItem struct {
	LogID      string
	TaskName   string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Status     model.Status
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Running  int
	Parked   int
	Armed    int

	Dropped uint64

	DefaultTimeout time.Duration
	RatePerSec     float64

	History []HistoryItem
}
