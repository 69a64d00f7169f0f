package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronhub/internal/storage"
	"cronhub/internal/task/cronexpr"
	"cronhub/internal/task/model"
	"cronhub/internal/task/registry"
	logx "cronhub/pkg/logx"
)

// CreateJob validates spec and persists it as a new job. The first
// next_fire_at is computed from now in the scheduler timezone.
func (s *Service) CreateJob(ctx context.Context, spec JobSpec) (*model.Job, error) {
	cron := NormalizeCron(spec.CronExpr)
	expr, err := cronexpr.ParseIn(cron, s.location())
	if err != nil {
		return nil, err
	}
	params, err := s.reg.Validate(spec.TaskName, spec.Params)
	if err != nil {
		return nil, err
	}
	policy := spec.Policy
	if policy == "" {
		policy = model.SkipIfRunning
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, policy)
	}
	if spec.MaxRuns < 0 || spec.MaxFailures < 0 {
		return nil, fmt.Errorf("%w: limits must not be negative", ErrInvalidJob)
	}

	now := s.now()
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = spec.TaskName
	}
	state := model.TriggerActive
	if spec.Paused {
		state = model.TriggerPaused
	} else {
		release, err := s.reserveActive(ctx, strings.TrimSpace(spec.Owner))
		if err != nil {
			return nil, err
		}
		defer release()
	}
	j := &model.Job{
		ID:          uuid.NewString(),
		Name:        name,
		Owner:       strings.TrimSpace(spec.Owner),
		TaskName:    spec.TaskName,
		CronExpr:    cron,
		Params:      params,
		State:       state,
		Policy:      policy,
		NextFireAt:  expr.Next(now),
		MaxRuns:     spec.MaxRuns,
		MaxFailures: spec.MaxFailures,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	s.log.Info("job created",
		logx.String("job", j.ID),
		logx.String("task", j.TaskName),
		logx.String("cron", j.CronExpr),
		logx.String("policy", string(j.Policy)),
		logx.Time("next", j.NextFireAt),
	)
	return j, nil
}

// UpdateJob applies patch to a job. A changed cron expression reschedules
// the job from now. The schedule is only written when the expression
// changes, and then only if no tick claimed a firing in between.
func (s *Service) UpdateJob(ctx context.Context, id string, patch JobPatch) (*model.Job, error) {
	j, err := s.activeJob(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if patch.Name != nil {
		if name := strings.TrimSpace(*patch.Name); name != "" {
			j.Name = name
		}
	}
	var (
		expr    *cronexpr.Expr
		newCron string
	)
	if patch.CronExpr != nil {
		cron := NormalizeCron(*patch.CronExpr)
		e, err := cronexpr.ParseIn(cron, s.location())
		if err != nil {
			return nil, err
		}
		if cron != j.CronExpr {
			expr, newCron = e, cron
		}
	}
	if patch.Params != nil {
		params, err := s.reg.Validate(j.TaskName, patch.Params)
		if err != nil {
			return nil, err
		}
		j.Params = params
	}
	if patch.Policy != nil {
		if !patch.Policy.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, *patch.Policy)
		}
		j.Policy = *patch.Policy
	}
	if patch.MaxRuns != nil {
		if *patch.MaxRuns < 0 {
			return nil, fmt.Errorf("%w: max_runs must not be negative", ErrInvalidJob)
		}
		j.MaxRuns = *patch.MaxRuns
	}
	if patch.MaxFailures != nil {
		if *patch.MaxFailures < 0 {
			return nil, fmt.Errorf("%w: max_failures must not be negative", ErrInvalidJob)
		}
		j.MaxFailures = *patch.MaxFailures
	}
	j.UpdatedAt = now

	if expr != nil {
		if err := s.reschedule(ctx, j, newCron, expr, now); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	s.log.Info("job updated", logx.String("job", j.ID), logx.String("cron", j.CronExpr), logx.Time("next", j.NextFireAt))
	return s.store.GetJob(ctx, j.ID)
}

// reschedule swaps in cron, retrying when a tick advances next_fire_at
// between our read and the write.
func (s *Service) reschedule(ctx context.Context, j *model.Job, cron string, expr *cronexpr.Expr, now time.Time) error {
	expected := j.NextFireAt
	for attempt := 0; ; attempt++ {
		next := expr.Next(now)
		err := s.store.RescheduleJob(ctx, j.ID, cron, expected, next, now)
		if err == nil {
			j.CronExpr = cron
			j.NextFireAt = next
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= rescheduleAttempts-1 {
			return err
		}
		cur, gerr := s.store.GetJob(ctx, j.ID)
		if gerr != nil {
			return gerr
		}
		expected = cur.NextFireAt
	}
}

// PauseJob stops cron firings. Open executions are left alone.
func (s *Service) PauseJob(ctx context.Context, id string) (*model.Job, error) {
	if _, err := s.activeJob(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.SetTriggerState(ctx, id, model.TriggerPaused, time.Time{}, s.now()); err != nil {
		return nil, err
	}
	s.log.Info("job paused", logx.String("job", id))
	return s.store.GetJob(ctx, id)
}

// ResumeJob re-activates a job. Firings missed while paused are not
// replayed: the next fire time is computed from now.
func (s *Service) ResumeJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.activeJob(ctx, id)
	if err != nil {
		return nil, err
	}
	expr, err := cronexpr.ParseIn(j.CronExpr, s.location())
	if err != nil {
		return nil, err
	}
	if j.State != model.TriggerActive {
		release, err := s.reserveActive(ctx, j.Owner)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	now := s.now()
	next := expr.Next(now)
	if err := s.store.SetTriggerState(ctx, id, model.TriggerActive, next, now); err != nil {
		return nil, err
	}
	s.log.Info("job resumed", logx.String("job", id), logx.Time("next", next))
	return s.store.GetJob(ctx, id)
}

// ArchiveJob soft-deletes a job. Its execution history is kept.
func (s *Service) ArchiveJob(ctx context.Context, id string) error {
	if _, err := s.activeJob(ctx, id); err != nil {
		return err
	}
	if err := s.store.ArchiveJob(ctx, id, s.now()); err != nil {
		return err
	}
	s.log.Info("job archived", logx.String("job", id))
	return nil
}

// ExecuteNow runs a job outside its cron cadence, even when it is paused.
// overrides are merged over the stored params and re-validated. The
// SKIP_IF_RUNNING check applies unless force is set.
func (s *Service) ExecuteNow(ctx context.Context, id string, overrides model.Params, force bool) (*model.ExecutionLog, error) {
	j, err := s.activeJob(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := j.Params.Clone()
	for k, v := range overrides {
		merged[k] = v
	}
	params, err := s.reg.Validate(j.TaskName, merged)
	if err != nil {
		return nil, err
	}
	now := s.now()
	l := newLog(j.ID, j.TaskName, params, model.TriggerManual, now, now)
	if _, err := s.createLog(ctx, j, l, force); err != nil {
		return nil, err
	}
	s.log.Info("manual execution", logx.String("job", j.ID), logx.String("log", l.ID), logx.Bool("force", force))
	s.enqueue(j.ID, l.ID)
	return l, nil
}

// ExecuteTask runs a registered task once without a job.
func (s *Service) ExecuteTask(ctx context.Context, taskName string, params model.Params) (*model.ExecutionLog, error) {
	bound, err := s.reg.Validate(taskName, params)
	if err != nil {
		return nil, err
	}
	now := s.now()
	l := newLog("", taskName, bound, model.TriggerManual, now, now)
	if err := s.store.CreateExecutionLog(ctx, l); err != nil {
		return nil, err
	}
	s.log.Info("ad-hoc execution", logx.String("task", taskName), logx.String("log", l.ID))
	s.enqueue("task:"+taskName, l.ID)
	return l, nil
}

// CancelExecution cancels a PENDING or RUNNING execution.
func (s *Service) CancelExecution(ctx context.Context, logID string) (*model.ExecutionLog, error) {
	if s.disp == nil {
		return nil, errors.New("no dispatcher")
	}
	return s.disp.Cancel(ctx, logID)
}

func (s *Service) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, f model.JobFilter) ([]*model.Job, error) {
	return s.store.ListJobs(ctx, f)
}

func (s *Service) GetExecutionLog(ctx context.Context, id string) (*model.ExecutionLog, error) {
	return s.store.GetExecutionLog(ctx, id)
}

func (s *Service) ListExecutionLogs(ctx context.Context, f model.LogFilter) ([]*model.ExecutionLog, error) {
	return s.store.ListExecutionLogs(ctx, f)
}

// Stats aggregates outcomes of one job, one owner's jobs, or everything
// when f is empty.
func (s *Service) Stats(ctx context.Context, f model.StatsFilter) (*model.Stats, error) {
	f.Owner = strings.TrimSpace(f.Owner)
	if f.JobID != "" {
		if _, err := s.store.GetJob(ctx, f.JobID); err != nil {
			return nil, err
		}
	}
	return s.store.Stats(ctx, f)
}

// reserveActive checks owner's active-job cap. On success the caller holds
// the quota lock until release, so the count and its own activation are not
// interleaved with another activation in this process.
func (s *Service) reserveActive(ctx context.Context, owner string) (release func(), err error) {
	s.mu.Lock()
	limit := s.cfg.activeLimit(owner)
	s.mu.Unlock()
	if limit <= 0 {
		return func() {}, nil
	}
	s.quotaMu.Lock()
	n, err := s.store.CountJobs(ctx, model.JobFilter{Owner: owner, State: model.TriggerActive})
	if err != nil {
		s.quotaMu.Unlock()
		return nil, err
	}
	if n >= limit {
		s.quotaMu.Unlock()
		s.log.Warn("active job limit reached", logx.String("owner", owner), logx.Int("limit", limit))
		return nil, fmt.Errorf("%w: owner %q has %d of %d", ErrJobLimit, owner, n, limit)
	}
	return s.quotaMu.Unlock, nil
}

// DescribeSchedule validates expr and previews its next n fire times.
func (s *Service) DescribeSchedule(expr string, n int) (ScheduleInfo, error) {
	cron := NormalizeCron(expr)
	loc := s.location()
	e, err := cronexpr.ParseIn(cron, loc)
	if err != nil {
		return ScheduleInfo{}, err
	}
	n = min(max(n, 1), 20)
	return ScheduleInfo{
		Expr:        cron,
		Timezone:    loc.String(),
		Description: e.Describe(),
		Next:        e.Preview(s.now(), n),
	}, nil
}

// ListTasks returns the registered tasks sorted by name.
func (s *Service) ListTasks() []*registry.Task {
	return s.reg.List()
}

func (s *Service) activeJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Archived {
		return nil, fmt.Errorf("%w: %s", ErrJobArchived, id)
	}
	return j, nil
}

// IsNotFound reports whether err means the job or execution does not exist.
func IsNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
