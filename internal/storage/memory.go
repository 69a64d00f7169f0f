package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"cronhub/internal/task/model"
)

// Memory is a process-local Store. One mutex serializes every operation,
// which makes each conditional write trivially atomic.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	logs map[string]*model.ExecutionLog
	// order keeps insertion order for stable listing.
	order []string
}

func NewMemory() *Memory {
	return &Memory{
		jobs: map[string]*model.Job{},
		logs: map[string]*model.ExecutionLog{},
	}
}

func cloneJob(j *model.Job) *model.Job {
	cp := *j
	cp.Params = j.Params.Clone()
	if j.LastFiredAt != nil {
		t := *j.LastFiredAt
		cp.LastFiredAt = &t
	}
	return &cp
}

func cloneLog(l *model.ExecutionLog) *model.ExecutionLog {
	cp := *l
	cp.Params = l.Params.Clone()
	if l.StartedAt != nil {
		t := *l.StartedAt
		cp.StartedAt = &t
	}
	if l.FinishedAt != nil {
		t := *l.FinishedAt
		cp.FinishedAt = &t
	}
	if l.Result != nil {
		cp.Result = append(json.RawMessage(nil), l.Result...)
	}
	return &cp
}

func (m *Memory) CreateJob(_ context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: job %s exists", ErrConflict, j.ID)
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Name = j.Name
	cur.TaskName = j.TaskName
	cur.Params = j.Params.Clone()
	cur.Policy = j.Policy
	cur.MaxRuns = j.MaxRuns
	cur.MaxFailures = j.MaxFailures
	cur.UpdatedAt = j.UpdatedAt
	return nil
}

func (m *Memory) RescheduleJob(_ context.Context, id, cronExpr string, expected, next, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !cur.NextFireAt.Equal(expected) {
		return ErrConflict
	}
	cur.CronExpr = cronExpr
	cur.NextFireAt = next
	cur.UpdatedAt = now
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, f model.JobFilter) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !jobMatches(j, f) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return page(out, f.Offset, defaultLimit(f.Limit, 100)), nil
}

func page[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return []T{}
	}
	in = in[max(offset, 0):]
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}

func (m *Memory) SetTriggerState(_ context.Context, id string, state model.TriggerState, nextFireAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.State = state
	if !nextFireAt.IsZero() {
		j.NextFireAt = nextFireAt
	}
	j.UpdatedAt = now
	return nil
}

func (m *Memory) ArchiveJob(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Archived = true
	j.State = model.TriggerPaused
	j.UpdatedAt = now
	return nil
}

func (m *Memory) GetDueJobs(_ context.Context, now time.Time, limit int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Job, 0)
	for _, j := range m.jobs {
		if j.State == model.TriggerActive && !j.Archived && !j.NextFireAt.After(now) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NextFireAt.Before(out[b].NextFireAt) })
	return page(out, 0, defaultLimit(limit, 100)), nil
}

func (m *Memory) TryClaim(_ context.Context, jobID string, expected, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Archived || j.State != model.TriggerActive || !j.NextFireAt.Equal(expected) {
		return ErrClaimConflict
	}
	j.NextFireAt = next
	fired := expected
	j.LastFiredAt = &fired
	return nil
}

func (m *Memory) RecordOutcome(_ context.Context, jobID string, status model.Status, at time.Time) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	applyOutcome(j, status, at)
	return cloneJob(j), nil
}

// applyOutcome is the counter arithmetic shared with the SQL backend.
func applyOutcome(j *model.Job, status model.Status, at time.Time) {
	j.RunCount++
	switch status {
	case model.StatusFailed:
		j.ConsecutiveFailures++
	case model.StatusSucceeded:
		j.ConsecutiveFailures = 0
	}
	if j.State == model.TriggerActive && j.Exhausted() {
		j.State = model.TriggerPaused
	}
	j.UpdatedAt = at
}

func (m *Memory) CreateExecutionLog(_ context.Context, l *model.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(l)
}

func (m *Memory) insertLocked(l *model.ExecutionLog) error {
	if _, ok := m.logs[l.ID]; ok {
		return fmt.Errorf("%w: log %s exists", ErrConflict, l.ID)
	}
	m.logs[l.ID] = cloneLog(l)
	m.order = append(m.order, l.ID)
	return nil
}

func (m *Memory) CreateExecutionLogIfIdle(_ context.Context, l *model.ExecutionLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openLocked(l.JobID) != nil {
		return false, nil
	}
	if err := m.insertLocked(l); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) openLocked(jobID string) *model.ExecutionLog {
	for i := len(m.order) - 1; i >= 0; i-- {
		l := m.logs[m.order[i]]
		if l.JobID == jobID && l.Status.Open() {
			return l
		}
	}
	return nil
}

func applyTransition(l *model.ExecutionLog, to model.Status, tr model.Transition) {
	l.Status = to
	at := tr.At
	if to == model.StatusRunning {
		l.StartedAt = &at
	} else {
		l.FinishedAt = &at
	}
	if tr.Result != nil {
		l.Result = append(json.RawMessage(nil), tr.Result...)
	}
	if tr.Error != "" {
		l.Error = tr.Error
	}
	if tr.ErrorKind != "" {
		l.ErrorKind = tr.ErrorKind
	}
}

func (m *Memory) TransitionExecutionLog(_ context.Context, id string, from, to model.Status, tr model.Transition) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != from {
		return fmt.Errorf("%w: log %s is %s, not %s", ErrConflict, id, l.Status, from)
	}
	applyTransition(l, to, tr)
	return nil
}

func (m *Memory) RetryExecutionLog(_ context.Context, id string, tr model.Transition, next *model.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != model.StatusRunning {
		return fmt.Errorf("%w: log %s is %s, not RUNNING", ErrConflict, id, l.Status)
	}
	if _, dup := m.logs[next.ID]; dup {
		return fmt.Errorf("%w: log %s exists", ErrConflict, next.ID)
	}
	applyTransition(l, model.StatusRetrying, tr)
	return m.insertLocked(next)
}

func (m *Memory) ClaimDelivery(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return false, ErrNotFound
	}
	if l.Delivered || l.Status != model.StatusPending {
		return false, nil
	}
	l.Delivered = true
	return true, nil
}

func (m *Memory) GetExecutionLog(_ context.Context, id string) (*model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLog(l), nil
}

func (m *Memory) FindOpenLog(_ context.Context, jobID string) (*model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.openLocked(jobID); l != nil {
		return cloneLog(l), nil
	}
	return nil, ErrNotFound
}

// ListExecutionLogs returns newest first.
func (m *Memory) ListExecutionLogs(_ context.Context, f model.LogFilter) ([]*model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ExecutionLog, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		l := m.logs[m.order[i]]
		if (f.JobID != "" && l.JobID != f.JobID) || (f.Status != "" && l.Status != f.Status) {
			continue
		}
		out = append(out, cloneLog(l))
	}
	return page(out, f.Offset, defaultLimit(f.Limit, 50)), nil
}

func (m *Memory) ListUndelivered(_ context.Context, now time.Time, limit int) ([]*model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ExecutionLog, 0)
	for _, id := range m.order {
		l := m.logs[id]
		if l.Status == model.StatusPending && !l.Delivered && !l.NotBefore.After(now) {
			out = append(out, cloneLog(l))
		}
	}
	return page(out, 0, defaultLimit(limit, 100)), nil
}

func (m *Memory) ListStale(_ context.Context, olderThan time.Time, limit int) ([]*model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ExecutionLog, 0)
	for _, id := range m.order {
		l := m.logs[id]
		switch {
		case l.Status == model.StatusRunning && l.StartedAt != nil && l.StartedAt.Before(olderThan):
		case l.Status == model.StatusPending && l.Delivered && l.CreatedAt.Before(olderThan) && l.NotBefore.Before(olderThan):
		default:
			continue
		}
		out = append(out, cloneLog(l))
	}
	return page(out, 0, defaultLimit(limit, 100)), nil
}

func (m *Memory) CountJobs(_ context.Context, f model.JobFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if jobMatches(j, f) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(_ context.Context, f model.StatsFilter) (*model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &model.Stats{JobID: f.JobID, Owner: f.Owner, ByStatus: map[model.Status]int{}}
	if f.JobID == "" {
		for _, j := range m.jobs {
			if j.Archived || (f.Owner != "" && j.Owner != f.Owner) {
				continue
			}
			st.Jobs++
			switch j.State {
			case model.TriggerActive:
				st.ActiveJobs++
			case model.TriggerPaused:
				st.PausedJobs++
			}
		}
	}
	var durSum time.Duration
	durN := 0
	for _, l := range m.logs {
		if f.JobID != "" && l.JobID != f.JobID {
			continue
		}
		if f.Owner != "" {
			j, ok := m.jobs[l.JobID]
			if !ok || j.Owner != f.Owner {
				continue
			}
		}
		st.Total++
		st.ByStatus[l.Status]++
		if d := l.Duration(); l.StartedAt != nil && l.FinishedAt != nil {
			durSum += d
			durN++
		}
		if l.StartedAt != nil && (st.LastRunAt == nil || l.StartedAt.After(*st.LastRunAt)) {
			t := *l.StartedAt
			st.LastRunAt = &t
		}
	}
	if durN > 0 {
		st.AvgDurationMs = float64(durSum.Milliseconds()) / float64(durN)
	}
	st.Finalize()
	return st, nil
}

func (m *Memory) Close() error { return nil }

func jobMatches(j *model.Job, f model.JobFilter) bool {
	return (f.IncludeArchived || !j.Archived) &&
		(f.Owner == "" || j.Owner == f.Owner) &&
		(f.TaskName == "" || j.TaskName == f.TaskName) &&
		(f.State == "" || j.State == f.State)
}
