package engine

import (
	"context"
	"fmt"

	"cronhub/internal/task/model"
	logx "cronhub/pkg/logx"
)

const recoverBatch = 500

// recoverOrphans runs once at start. RUNNING logs older than OrphanAfter
// belonged to a process that died mid-execution; they fail as worker_lost
// and go through the retry policy. Delivered PENDING logs of that age never
// reached a worker and are delivered again.
func (s *Service) recoverOrphans(ctx context.Context) error {
	s.mu.Lock()
	orphanAfter := s.cfg.OrphanAfter
	s.mu.Unlock()

	logs, err := s.store.ListStale(ctx, s.now().Add(-orphanAfter), recoverBatch)
	if err != nil {
		s.log.Warn("orphan recovery skipped", logx.Err(err))
		return nil
	}

	failed, redelivered := 0, 0
	for _, l := range logs {
		switch l.Status {
		case model.StatusRunning:
			s.abandon(ctx, l)
			failed++
		case model.StatusPending:
			s.requeue(Request{LogID: l.ID, claimed: true})
			redelivered++
		}
	}
	if failed+redelivered > 0 {
		s.log.Info("orphaned executions recovered", logx.Int("failed", failed), logx.Int("redelivered", redelivered))
	}
	return nil
}

func (s *Service) abandon(ctx context.Context, l *model.ExecutionLog) {
	policy := s.retryPolicy()
	if t, err := s.reg.Resolve(l.TaskName); err == nil && t.Retry != nil {
		policy = t.Retry
	}
	at := s.now()
	ev := s.eventFor(l)
	if l.StartedAt != nil {
		ev.Duration = at.Sub(*l.StartedAt)
	}
	s.fail(ctx, l, policy, fmt.Errorf("%w: %w", ErrTaskExecution, errWorkerLost), model.ErrKindWorkerLost, ev, at)
}
