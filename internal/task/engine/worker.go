package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cronhub/internal/eventbus"
	"cronhub/internal/storage"
	"cronhub/internal/task/model"
	"cronhub/internal/task/registry"
	"cronhub/internal/task/retry"
	logx "cronhub/pkg/logx"
)

// storeTimeout bounds the bookkeeping writes made after the worker context
// is gone (shutdown while a task runs).
const storeTimeout = 5 * time.Second

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queued) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case it, ok := <-queue:
			if !ok {
				return
			}
			s.dequeued(it.req.LogID)
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.process(ctx, it)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

// process takes ownership of a request's log and executes it. Anything that
// says the log is no longer ours ends processing quietly.
func (s *Service) process(ctx context.Context, it queued) {
	r := it.req
	held := r.lane
	defer func() {
		if held != "" {
			s.handOff(held)
		}
	}()

	l, err := s.store.GetExecutionLog(ctx, r.LogID)
	if err != nil {
		s.log.Warn("execution not loaded", logx.String("log", r.LogID), logx.Err(err))
		return
	}
	if l.Status != model.StatusPending {
		s.log.Debug("execution already taken", logx.String("log", l.ID), logx.String("status", string(l.Status)))
		return
	}
	if wait := l.NotBefore.Sub(s.now()); wait > 0 {
		s.armRetry(l.ID, wait)
		return
	}
	if !r.claimed {
		ok, err := s.store.ClaimDelivery(ctx, l.ID)
		if err != nil {
			s.log.Warn("delivery claim failed", logx.String("log", l.ID), logx.Err(err))
			return
		}
		if !ok {
			s.log.Debug("delivery claimed elsewhere", logx.String("log", l.ID))
			return
		}
		r.claimed = true
	}
	if held == "" && l.JobID != "" {
		job, err := s.store.GetJob(ctx, l.JobID)
		if err == nil && job.Policy == model.Queue {
			if !s.lanes.acquire(l.JobID, r) {
				s.log.Debug("execution parked behind running one", logx.String("log", l.ID), logx.String("job", l.JobID))
				return
			}
			held = l.JobID
		}
	}

	s.execute(ctx, l, it.enqueuedAt)
}

// handOff frees a QUEUE lane, passing it straight to the next parked request.
func (s *Service) handOff(jobID string) {
	if next, ok := s.lanes.release(jobID); ok {
		next.lane = jobID
		s.requeue(next)
	}
}

func (s *Service) eventFor(l *model.ExecutionLog) ExecutionEvent {
	return ExecutionEvent{
		LogID:    l.ID,
		JobID:    l.JobID,
		TaskName: l.TaskName,
		Attempt:  l.Attempt,
		Trigger:  l.Trigger,
	}
}

func (s *Service) execute(ctx context.Context, l *model.ExecutionLog, enqueuedAt time.Time) {
	ev := s.eventFor(l)
	if !enqueuedAt.IsZero() {
		ev.QueueDelay = max(time.Since(enqueuedAt), 0)
	}

	task, err := s.reg.Resolve(l.TaskName)
	if err != nil {
		s.failPending(ctx, l, err, model.ErrKindUnknownTask, ev)
		return
	}
	params, err := task.Bind(l.Params)
	if err != nil {
		s.failPending(ctx, l, err, model.ErrKindParameterValidation, ev)
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.runMu.Lock()
	s.running[l.ID] = cancel
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		delete(s.running, l.ID)
		s.runMu.Unlock()
	}()

	start := s.now()
	if err := s.store.TransitionExecutionLog(ctx, l.ID, model.StatusPending, model.StatusRunning, model.Transition{At: start}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.log.Debug("execution start lost", logx.String("log", l.ID), logx.Err(err))
		} else {
			s.log.Warn("execution start failed", logx.String("log", l.ID), logx.Err(err))
		}
		return
	}
	ev.Status = model.StatusRunning
	s.publish(EventStarted, ev)
	s.log.Debug("execution.started", logx.String("task", l.TaskName), logx.String("log", l.ID), logx.Int("attempt", l.Attempt), logx.Duration("queue_delay", ev.QueueDelay))

	timeout := task.Timeout
	if timeout <= 0 {
		s.mu.Lock()
		timeout = s.cfg.DefaultTimeout
		s.mu.Unlock()
	}
	value, runErr := s.invoke(runCtx, task, params, timeout)
	at := s.now()
	ev.Duration = at.Sub(start)

	if errors.Is(context.Cause(runCtx), errCancelled) {
		// The canceller closed the log and recorded the outcome.
		s.record(HistoryItem{LogID: l.ID, TaskName: l.TaskName, Started: start, QueueDelay: ev.QueueDelay, Duration: ev.Duration, Status: model.StatusCancelled})
		return
	}

	storeCtx := ctx
	if ctx.Err() != nil {
		var done context.CancelFunc
		storeCtx, done = context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer done()
		if runErr != nil {
			runErr = fmt.Errorf("%w: %w", ErrTaskExecution, errWorkerLost)
		}
	}

	var result json.RawMessage
	if runErr == nil && value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			runErr = retry.NoRetry(fmt.Errorf("%w: result is not JSON: %v", ErrTaskExecution, err))
		}
		result = b
	}

	if runErr != nil {
		policy := task.Retry
		if policy == nil {
			policy = s.retryPolicy()
		}
		s.fail(storeCtx, l, policy, runErr, errorKind(runErr), ev, at)
		s.record(HistoryItem{LogID: l.ID, TaskName: l.TaskName, Started: start, QueueDelay: ev.QueueDelay, Duration: ev.Duration, Status: model.StatusFailed, Error: runErr.Error()})
		return
	}

	err = s.store.TransitionExecutionLog(storeCtx, l.ID, model.StatusRunning, model.StatusSucceeded, model.Transition{At: at, Result: result})
	if err != nil {
		s.log.Warn("execution result dropped", logx.String("log", l.ID), logx.Err(err))
		return
	}
	s.recordOutcome(storeCtx, l, model.StatusSucceeded, at)
	ev.Status = model.StatusSucceeded
	s.publish(EventSucceeded, ev)
	s.record(HistoryItem{LogID: l.ID, TaskName: l.TaskName, Started: start, QueueDelay: ev.QueueDelay, Duration: ev.Duration, Status: model.StatusSucceeded})

	fields := []logx.Field{logx.String("task", l.TaskName), logx.String("log", l.ID), logx.Duration("dur", ev.Duration), logx.Int("attempt", l.Attempt)}
	if ev.Duration >= 750*time.Millisecond {
		s.log.Info("execution.succeeded", fields...)
	} else {
		s.log.Debug("execution.succeeded", fields...)
	}
}

// invoke runs the task in its own goroutine. On timeout the context is
// cancelled and the goroutine is abandoned; its late result is discarded.
func (s *Service) invoke(ctx context.Context, t *registry.Task, params model.Params, timeout time.Duration) (any, error) {
	tctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrTaskTimeout)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- outcome{err: panicError{v: r}}
			}
		}()
		v, err := t.Run(tctx, params)
		done <- outcome{v: v, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-tctx.Done():
	}
	if tctx.Err() != nil {
		cause := context.Cause(tctx)
		if errors.Is(cause, ErrTaskTimeout) {
			return nil, fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)
		}
		return nil, cause
	}
	if o.err != nil && !errors.Is(o.err, ErrTaskExecution) {
		return nil, fmt.Errorf("%w: %w", ErrTaskExecution, o.err)
	}
	return o.v, o.err
}

func errorKind(err error) model.ErrorKind {
	var p panicError
	switch {
	case errors.Is(err, ErrTaskTimeout):
		return model.ErrKindTimeout
	case errors.As(err, &p):
		return model.ErrKindPanic
	case errors.Is(err, errWorkerLost):
		return model.ErrKindWorkerLost
	case errors.Is(err, errCancelled):
		return model.ErrKindCancelled
	default:
		return model.ErrKindExecution
	}
}

// fail applies the retry policy to a RUNNING log that just failed.
func (s *Service) fail(ctx context.Context, l *model.ExecutionLog, policy retry.Policy, cause error, kind model.ErrorKind, ev ExecutionEvent, at time.Time) {
	tr := model.Transition{At: at, Error: cause.Error(), ErrorKind: kind}
	ev.Error, ev.ErrorKind = tr.Error, kind

	dec := policy.Decide(l.Attempt, cause)
	if dec.Retry {
		next := &model.ExecutionLog{
			ID:           uuid.NewString(),
			JobID:        l.JobID,
			TaskName:     l.TaskName,
			Params:       l.Params.Clone(),
			Status:       model.StatusPending,
			Attempt:      l.Attempt + 1,
			PrevID:       l.ID,
			Trigger:      model.TriggerRetry,
			ScheduledFor: l.ScheduledFor,
			NotBefore:    at.Add(dec.Delay),
			CreatedAt:    at,
		}
		if err := s.store.RetryExecutionLog(ctx, l.ID, tr, next); err != nil {
			s.log.Warn("retry not recorded", logx.String("log", l.ID), logx.Err(err))
			return
		}
		s.armRetry(next.ID, dec.Delay)
		ev.Status, ev.RetryIn = model.StatusRetrying, dec.Delay
		s.publish(EventRetrying, ev)
		s.log.Info("execution.retrying",
			logx.String("task", l.TaskName),
			logx.String("log", l.ID),
			logx.Int("attempt", l.Attempt),
			logx.Duration("delay", dec.Delay),
			logx.Err(cause),
		)
		return
	}

	if err := s.store.TransitionExecutionLog(ctx, l.ID, model.StatusRunning, model.StatusFailed, tr); err != nil {
		s.log.Warn("execution failure dropped", logx.String("log", l.ID), logx.Err(err))
		return
	}
	s.recordOutcome(ctx, l, model.StatusFailed, at)
	ev.Status = model.StatusFailed
	s.publish(EventFailed, ev)
	s.log.Warn("execution.failed",
		logx.String("task", l.TaskName),
		logx.String("log", l.ID),
		logx.Int("attempt", l.Attempt),
		logx.String("kind", string(kind)),
		logx.Err(cause),
	)
}

// failPending closes a log that can never run: its task is gone or its
// parameters no longer bind.
func (s *Service) failPending(ctx context.Context, l *model.ExecutionLog, cause error, kind model.ErrorKind, ev ExecutionEvent) {
	at := s.now()
	tr := model.Transition{At: at, Error: cause.Error(), ErrorKind: kind}
	if err := s.store.TransitionExecutionLog(ctx, l.ID, model.StatusPending, model.StatusFailed, tr); err != nil {
		s.log.Debug("execution rejection dropped", logx.String("log", l.ID), logx.Err(err))
		return
	}
	s.recordOutcome(ctx, l, model.StatusFailed, at)
	ev.Status, ev.Error, ev.ErrorKind = model.StatusFailed, tr.Error, kind
	s.publish(EventFailed, ev)
	s.record(HistoryItem{LogID: l.ID, TaskName: l.TaskName, Started: at, Status: model.StatusFailed, Error: tr.Error})
	s.log.Warn("execution rejected", logx.String("task", l.TaskName), logx.String("log", l.ID), logx.String("kind", string(kind)), logx.Err(cause))
}

func (s *Service) recordOutcome(ctx context.Context, l *model.ExecutionLog, status model.Status, at time.Time) {
	if l.JobID == "" {
		return
	}
	job, err := s.store.RecordOutcome(ctx, l.JobID, status, at)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("job outcome not recorded", logx.String("job", l.JobID), logx.Err(err))
		}
		return
	}
	if job.State == model.TriggerPaused && job.Exhausted() {
		s.log.Info("job paused: limit reached",
			logx.String("job", job.ID),
			logx.Int("run_count", job.RunCount),
			logx.Int("consecutive_failures", job.ConsecutiveFailures),
		)
	}
}

func (s *Service) publish(typ string, ev ExecutionEvent) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// Cancel stops an execution. A PENDING log is closed directly; a RUNNING
// one is closed and its context cancelled. Late results of the cancelled
// run lose their conditional write.
func (s *Service) Cancel(ctx context.Context, logID string) (*model.ExecutionLog, error) {
	at := s.now()
	tr := model.Transition{At: at, Error: errCancelled.Error(), ErrorKind: model.ErrKindCancelled}

	err := s.store.TransitionExecutionLog(ctx, logID, model.StatusPending, model.StatusCancelled, tr)
	if errors.Is(err, storage.ErrConflict) {
		err = s.store.TransitionExecutionLog(ctx, logID, model.StatusRunning, model.StatusCancelled, tr)
		if err == nil {
			s.interrupt(logID)
		}
	}
	if errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("%w: %s", ErrNotCancellable, logID)
	}
	if err != nil {
		return nil, err
	}

	s.runMu.Lock()
	if t := s.timers[logID]; t != nil {
		t.Stop()
		delete(s.timers, logID)
	}
	s.runMu.Unlock()

	l, err := s.store.GetExecutionLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	s.recordOutcome(ctx, l, model.StatusCancelled, at)
	ev := s.eventFor(l)
	ev.Status, ev.ErrorKind = model.StatusCancelled, model.ErrKindCancelled
	s.publish(EventCancelled, ev)
	s.log.Info("execution.cancelled", logx.String("task", l.TaskName), logx.String("log", l.ID))
	return l, nil
}

func (s *Service) interrupt(logID string) {
	s.runMu.Lock()
	cancel := s.running[logID]
	s.runMu.Unlock()
	if cancel != nil {
		cancel(errCancelled)
	}
}
