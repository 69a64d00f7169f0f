package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cronhub/internal/eventbus"
	rtsup "cronhub/internal/runtime/supervisor"
	"cronhub/internal/storage"
	"cronhub/internal/task/cronexpr"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/model"
	"cronhub/internal/task/registry"
	logx "cronhub/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	log logx.Logger
	bus eventbus.Bus

	store storage.Store
	reg   *registry.Registry
	disp  Dispatcher
	now   func() time.Time

	sup *rtsup.Supervisor

	// Serializes the active-job count with the write that activates a job.
	quotaMu sync.Mutex

	// Enqueue error throttling, keyed by job id.
	enqMu   sync.Mutex
	enqWarn map[string]*rate.Sometimes

	lastTick  atomic.Int64
	ticks     atomic.Uint64
	fired     atomic.Uint64
	skipped   atomic.Uint64
	conflicts atomic.Uint64
	swept     atomic.Uint64
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for due checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, store storage.Store, reg *registry.Registry, disp Dispatcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		store:   store,
		reg:     reg,
		disp:    disp,
		now:     func() time.Time { return time.Now().UTC() },
		enqWarn: map[string]*rate.Sometimes{},
	}
	s.loc = s.loadLocation(s.cfg.Timezone)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the configuration. A new tick interval or enable flag
// restarts the loop; a new timezone applies from the next computation.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocation(cfg.Timezone)
	}
	running := s.sup != nil
	s.mu.Unlock()

	switch {
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && prev.TickInterval != cfg.TickInterval:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	interval := s.cfg.TickInterval
	s.sup.GoRestart("tick", func(c context.Context) error {
		return s.loop(c, interval)
	})
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Duration("tick", interval))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Supervisor returns the loop's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) loop(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("tick aborted", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick runs one scheduling pass. It returns an error only when the store
// could not be read; failures of individual jobs are logged and skipped.
func (s *Service) Tick(ctx context.Context) error {
	now := s.now()
	s.lastTick.Store(now.UnixMilli())
	s.ticks.Add(1)

	s.mu.Lock()
	batch := s.cfg.BatchSize
	loc := s.loc
	s.mu.Unlock()

	// Sweep first so logs created by this tick are not handed over twice.
	if err := s.sweep(ctx, now, batch); err != nil {
		return err
	}
	jobs, err := s.store.GetDueJobs(ctx, now, batch)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fire(ctx, j, now, loc)
	}
	return nil
}

func (s *Service) fire(ctx context.Context, j *model.Job, now time.Time, loc *time.Location) {
	expr, err := cronexpr.ParseIn(j.CronExpr, loc)
	if err != nil {
		s.log.Error("job has unusable cron expression; pausing", logx.String("job", j.ID), logx.String("cron", j.CronExpr), logx.Err(err))
		_ = s.store.SetTriggerState(ctx, j.ID, model.TriggerPaused, time.Time{}, now)
		return
	}
	next := expr.Next(now)
	if err := s.store.TryClaim(ctx, j.ID, j.NextFireAt, next); err != nil {
		if errors.Is(err, storage.ErrClaimConflict) {
			s.conflicts.Add(1)
			s.log.Debug("firing claimed elsewhere", logx.String("job", j.ID))
			return
		}
		s.log.Warn("claim failed", logx.String("job", j.ID), logx.Err(err))
		return
	}

	if j.Exhausted() {
		if err := s.store.SetTriggerState(ctx, j.ID, model.TriggerPaused, time.Time{}, now); err != nil {
			s.log.Warn("auto-pause failed", logx.String("job", j.ID), logx.Err(err))
			return
		}
		s.log.Info("job paused: limit reached",
			logx.String("job", j.ID),
			logx.Int("run_count", j.RunCount),
			logx.Int("max_runs", j.MaxRuns),
			logx.Int("consecutive_failures", j.ConsecutiveFailures),
			logx.Int("max_failures", j.MaxFailures),
		)
		return
	}

	l := newLog(j.ID, j.TaskName, j.Params, model.TriggerCron, j.NextFireAt, now)
	if _, err := s.createLog(ctx, j, l, false); err != nil {
		if !errors.Is(err, ErrSkipped) {
			s.reportEnqueueError(j.ID, err)
		}
		return
	}
	s.fired.Add(1)
	s.log.Debug("job fired", logx.String("job", j.ID), logx.String("log", l.ID), logx.Time("scheduled_for", j.NextFireAt), logx.Time("next", next))
	s.enqueue(j.ID, l.ID)
}

// createLog persists a PENDING log per the job's concurrency policy.
func (s *Service) createLog(ctx context.Context, j *model.Job, l *model.ExecutionLog, force bool) (*model.ExecutionLog, error) {
	if j.Policy == model.SkipIfRunning && !force {
		ok, err := s.store.CreateExecutionLogIfIdle(ctx, l)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.skipped.Add(1)
			s.bus.Publish(eventbus.Event{Type: engine.EventSkipped, Time: time.Now(), Data: engine.ExecutionEvent{
				JobID: j.ID, TaskName: j.TaskName, Trigger: l.Trigger,
			}})
			s.log.Debug("firing skipped: job still running", logx.String("job", j.ID))
			return nil, ErrSkipped
		}
		return l, nil
	}
	if err := s.store.CreateExecutionLog(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// sweep hands over PENDING logs nobody has picked up: delayed retries whose
// time has come and anything a previous process created but never ran.
func (s *Service) sweep(ctx context.Context, now time.Time, batch int) error {
	logs, err := s.store.ListUndelivered(ctx, now, batch)
	if err != nil {
		return err
	}
	for _, l := range logs {
		s.swept.Add(1)
		s.enqueue(l.JobID, l.ID)
	}
	return nil
}

func (s *Service) enqueue(key, logID string) {
	if s.disp == nil {
		return
	}
	if err := s.disp.Enqueue(logID); err != nil {
		s.reportEnqueueError(key, err)
	}
}

func newLog(jobID, task string, params model.Params, trigger model.TriggerKind, scheduledFor, now time.Time) *model.ExecutionLog {
	return &model.ExecutionLog{
		ID:           uuid.NewString(),
		JobID:        jobID,
		TaskName:     task,
		Params:       params.Clone(),
		Status:       model.StatusPending,
		Attempt:      1,
		Trigger:      trigger,
		ScheduledFor: scheduledFor,
		NotBefore:    now,
		CreatedAt:    now,
	}
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}
