package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"cronhub/internal/task/model"
	logx "cronhub/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// backends returns a fresh store per backend. Postgres runs only when
// CRONHUB_TEST_POSTGRES_DSN points at a scratch database.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{
				Driver: "sqlite",
				Path:   filepath.Join(t.TempDir(), "cronhub.db"),
			}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(sqlite) error: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
	if dsn := os.Getenv("CRONHUB_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			return openPostgresSchema(t, dsn)
		}
	}
	return out
}

// openPostgresSchema gives each test its own schema so parallel tests
// never see each other's rows.
func openPostgresSchema(t *testing.T, dsn string) Store {
	t.Helper()
	ctx := context.Background()
	admin, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	schema := "cronhub_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.ExecContext(ctx, "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close()
	})

	scoped := dsn + " search_path=" + schema
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		scoped = dsn + sep + "search_path=" + schema
	}
	st, err := Open(ctx, Config{Driver: "postgres", DSN: scoped}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(postgres) error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newJob(next time.Time) *model.Job {
	return &model.Job{
		ID:         uuid.NewString(),
		Name:       "report",
		TaskName:   "process_spreadsheet",
		CronExpr:   "*/5 * * * *",
		Params:     model.Params{"file_path": "/tmp/in.csv"},
		State:      model.TriggerActive,
		Policy:     model.SkipIfRunning,
		NextFireAt: next,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
}

func newLog(jobID string, created time.Time) *model.ExecutionLog {
	return &model.ExecutionLog{
		ID:           uuid.NewString(),
		JobID:        jobID,
		TaskName:     "process_spreadsheet",
		Params:       model.Params{"file_path": "/tmp/in.csv"},
		Status:       model.StatusPending,
		Attempt:      1,
		Trigger:      model.TriggerCron,
		ScheduledFor: created,
		NotBefore:    created,
		CreatedAt:    created,
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, open(t))
		})
	}
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		j := newJob(t0.Add(5 * time.Minute))
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob() error: %v", err)
		}
		if err := st.CreateJob(ctx, j); !errors.Is(err, ErrConflict) {
			t.Fatalf("duplicate CreateJob() = %v, want ErrConflict", err)
		}
		got, err := st.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob() error: %v", err)
		}
		if !got.NextFireAt.Equal(j.NextFireAt) || got.Params["file_path"] != "/tmp/in.csv" || got.Policy != model.SkipIfRunning {
			t.Fatalf("GetJob() = %+v", got)
		}
		if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetJob(missing) = %v, want ErrNotFound", err)
		}

		got.Name = "renamed"
		got.CronExpr = "0 * * * *"
		got.NextFireAt = t0
		got.RunCount = 99
		if err := st.UpdateJob(ctx, got); err != nil {
			t.Fatalf("UpdateJob() error: %v", err)
		}
		again, _ := st.GetJob(ctx, j.ID)
		if again.Name != "renamed" || again.RunCount != 0 {
			t.Fatalf("after UpdateJob = %+v, want counters untouched", again)
		}
		if again.CronExpr != j.CronExpr || !again.NextFireAt.Equal(j.NextFireAt) {
			t.Fatalf("UpdateJob() touched schedule: %s at %v", again.CronExpr, again.NextFireAt)
		}

		hour := t0.Add(time.Hour)
		if err := st.RescheduleJob(ctx, j.ID, "0 * * * *", t0, hour, t0); !errors.Is(err, ErrConflict) {
			t.Fatalf("RescheduleJob(stale) = %v, want ErrConflict", err)
		}
		if err := st.RescheduleJob(ctx, "missing", "0 * * * *", t0, hour, t0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("RescheduleJob(missing) = %v, want ErrNotFound", err)
		}
		if err := st.RescheduleJob(ctx, j.ID, "0 * * * *", j.NextFireAt, hour, t0); err != nil {
			t.Fatalf("RescheduleJob() error: %v", err)
		}
		again, _ = st.GetJob(ctx, j.ID)
		if again.CronExpr != "0 * * * *" || !again.NextFireAt.Equal(hour) {
			t.Fatalf("after RescheduleJob = %s at %v", again.CronExpr, again.NextFireAt)
		}

		if err := st.ArchiveJob(ctx, j.ID, t0); err != nil {
			t.Fatalf("ArchiveJob() error: %v", err)
		}
		list, err := st.ListJobs(ctx, model.JobFilter{})
		if err != nil || len(list) != 0 {
			t.Fatalf("ListJobs() = %d, %v; want archived hidden", len(list), err)
		}
		list, _ = st.ListJobs(ctx, model.JobFilter{IncludeArchived: true})
		if len(list) != 1 || !list[0].Archived || list[0].State != model.TriggerPaused {
			t.Fatalf("ListJobs(archived) = %+v", list)
		}
	})
}

func TestDueJobsAndClaim(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		due := newJob(t0)
		later := newJob(t0.Add(time.Hour))
		paused := newJob(t0)
		paused.State = model.TriggerPaused
		for _, j := range []*model.Job{due, later, paused} {
			if err := st.CreateJob(ctx, j); err != nil {
				t.Fatalf("CreateJob() error: %v", err)
			}
		}

		jobs, err := st.GetDueJobs(ctx, t0, 10)
		if err != nil || len(jobs) != 1 || jobs[0].ID != due.ID {
			t.Fatalf("GetDueJobs() = %v, %v; want only %s", jobs, err, due.ID)
		}

		next := t0.Add(5 * time.Minute)
		if err := st.TryClaim(ctx, due.ID, t0, next); err != nil {
			t.Fatalf("TryClaim() error: %v", err)
		}
		if err := st.TryClaim(ctx, due.ID, t0, next); !errors.Is(err, ErrClaimConflict) {
			t.Fatalf("second TryClaim() = %v, want ErrClaimConflict", err)
		}
		got, _ := st.GetJob(ctx, due.ID)
		if !got.NextFireAt.Equal(next) || got.LastFiredAt == nil || !got.LastFiredAt.Equal(t0) {
			t.Fatalf("after claim next=%v last=%v", got.NextFireAt, got.LastFiredAt)
		}
		if err := st.TryClaim(ctx, paused.ID, t0, next); !errors.Is(err, ErrClaimConflict) {
			t.Fatalf("TryClaim(paused) = %v, want ErrClaimConflict", err)
		}
	})
}

func TestTryClaimRace(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		j := newJob(t0)
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob() error: %v", err)
		}

		var wins atomic.Int32
		var g errgroup.Group
		for i := 0; i < 8; i++ {
			g.Go(func() error {
				err := st.TryClaim(ctx, j.ID, t0, t0.Add(5*time.Minute))
				switch {
				case err == nil:
					wins.Add(1)
					return nil
				case errors.Is(err, ErrClaimConflict):
					return nil
				default:
					return err
				}
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("TryClaim race error: %v", err)
		}
		if wins.Load() != 1 {
			t.Fatalf("claim winners = %d, want 1", wins.Load())
		}
	})
}

func TestRecordOutcomeAutoPause(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		j := newJob(t0)
		j.MaxFailures = 2
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob() error: %v", err)
		}

		got, err := st.RecordOutcome(ctx, j.ID, model.StatusFailed, t0)
		if err != nil || got.ConsecutiveFailures != 1 || got.State != model.TriggerActive {
			t.Fatalf("RecordOutcome(1) = %+v, %v", got, err)
		}
		got, _ = st.RecordOutcome(ctx, j.ID, model.StatusSucceeded, t0)
		if got.ConsecutiveFailures != 0 || got.RunCount != 2 {
			t.Fatalf("success should reset failures: %+v", got)
		}
		st.RecordOutcome(ctx, j.ID, model.StatusFailed, t0)
		got, _ = st.RecordOutcome(ctx, j.ID, model.StatusFailed, t0)
		if got.State != model.TriggerPaused {
			t.Fatalf("state = %s, want PAUSED after %d failures", got.State, got.ConsecutiveFailures)
		}
		stored, _ := st.GetJob(ctx, j.ID)
		if stored.State != model.TriggerPaused || stored.RunCount != 4 {
			t.Fatalf("stored = %+v", stored)
		}
	})
}

func TestLogTransitions(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		l := newLog("job-1", t0)
		if err := st.CreateExecutionLog(ctx, l); err != nil {
			t.Fatalf("CreateExecutionLog() error: %v", err)
		}

		if err := st.TransitionExecutionLog(ctx, l.ID, model.StatusPending, model.StatusSucceeded, model.Transition{At: t0}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("PENDING->SUCCEEDED = %v, want ErrInvalidTransition", err)
		}
		start := t0.Add(time.Second)
		if err := st.TransitionExecutionLog(ctx, l.ID, model.StatusPending, model.StatusRunning, model.Transition{At: start}); err != nil {
			t.Fatalf("PENDING->RUNNING error: %v", err)
		}
		if err := st.TransitionExecutionLog(ctx, l.ID, model.StatusPending, model.StatusRunning, model.Transition{At: start}); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale PENDING->RUNNING = %v, want ErrConflict", err)
		}
		end := start.Add(1500 * time.Millisecond)
		res := json.RawMessage(`{"rows":3}`)
		if err := st.TransitionExecutionLog(ctx, l.ID, model.StatusRunning, model.StatusSucceeded, model.Transition{At: end, Result: res}); err != nil {
			t.Fatalf("RUNNING->SUCCEEDED error: %v", err)
		}
		got, err := st.GetExecutionLog(ctx, l.ID)
		if err != nil {
			t.Fatalf("GetExecutionLog() error: %v", err)
		}
		if got.Status != model.StatusSucceeded || got.Duration() != 1500*time.Millisecond || string(got.Result) != `{"rows":3}` {
			t.Fatalf("log = %+v", got)
		}
		if err := st.TransitionExecutionLog(ctx, "missing", model.StatusPending, model.StatusRunning, model.Transition{At: t0}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("transition(missing) = %v, want ErrNotFound", err)
		}
	})
}

func TestCreateIfIdle(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		j := newJob(t0)
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob() error: %v", err)
		}
		first := newLog(j.ID, t0)
		ok, err := st.CreateExecutionLogIfIdle(ctx, first)
		if err != nil || !ok {
			t.Fatalf("first IfIdle = %v, %v; want inserted", ok, err)
		}
		ok, err = st.CreateExecutionLogIfIdle(ctx, newLog(j.ID, t0.Add(time.Minute)))
		if err != nil || ok {
			t.Fatalf("second IfIdle = %v, %v; want skipped", ok, err)
		}
		open, err := st.FindOpenLog(ctx, j.ID)
		if err != nil || open.ID != first.ID {
			t.Fatalf("FindOpenLog() = %v, %v", open, err)
		}

		st.TransitionExecutionLog(ctx, first.ID, model.StatusPending, model.StatusCancelled, model.Transition{At: t0})
		ok, err = st.CreateExecutionLogIfIdle(ctx, newLog(j.ID, t0.Add(2*time.Minute)))
		if err != nil || !ok {
			t.Fatalf("IfIdle after cancel = %v, %v; want inserted", ok, err)
		}
	})
}

func TestRetryChainAndDelivery(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		l := newLog("job-r", t0)
		l.Delivered = true
		st.CreateExecutionLog(ctx, l)
		st.TransitionExecutionLog(ctx, l.ID, model.StatusPending, model.StatusRunning, model.Transition{At: t0})

		next := newLog("job-r", t0.Add(time.Second))
		next.Attempt = 2
		next.PrevID = l.ID
		next.Trigger = model.TriggerRetry
		next.NotBefore = t0.Add(10 * time.Second)
		tr := model.Transition{At: t0.Add(time.Second), Error: "boom", ErrorKind: model.ErrKindExecution}
		if err := st.RetryExecutionLog(ctx, l.ID, tr, next); err != nil {
			t.Fatalf("RetryExecutionLog() error: %v", err)
		}
		if err := st.RetryExecutionLog(ctx, l.ID, tr, newLog("job-r", t0)); !errors.Is(err, ErrConflict) {
			t.Fatalf("second RetryExecutionLog() = %v, want ErrConflict", err)
		}
		prev, _ := st.GetExecutionLog(ctx, l.ID)
		if prev.Status != model.StatusRetrying || prev.Error != "boom" {
			t.Fatalf("prev = %+v", prev)
		}

		pending, _ := st.ListUndelivered(ctx, t0.Add(5*time.Second), 10)
		if len(pending) != 0 {
			t.Fatalf("ListUndelivered before not_before = %d, want 0", len(pending))
		}
		pending, _ = st.ListUndelivered(ctx, t0.Add(10*time.Second), 10)
		if len(pending) != 1 || pending[0].ID != next.ID || pending[0].PrevID != l.ID || pending[0].Attempt != 2 {
			t.Fatalf("ListUndelivered() = %+v", pending)
		}

		ok, err := st.ClaimDelivery(ctx, next.ID)
		if err != nil || !ok {
			t.Fatalf("ClaimDelivery() = %v, %v", ok, err)
		}
		ok, _ = st.ClaimDelivery(ctx, next.ID)
		if ok {
			t.Fatal("second ClaimDelivery() = true, want false")
		}
		if _, err := st.ClaimDelivery(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("ClaimDelivery(missing) = %v, want ErrNotFound", err)
		}
	})
}

func TestListStale(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		running := newLog("j", t0)
		st.CreateExecutionLog(ctx, running)
		st.TransitionExecutionLog(ctx, running.ID, model.StatusPending, model.StatusRunning, model.Transition{At: t0})

		delivered := newLog("j", t0)
		delivered.Delivered = true
		st.CreateExecutionLog(ctx, delivered)

		fresh := newLog("j", t0.Add(time.Hour))
		fresh.Delivered = true
		st.CreateExecutionLog(ctx, fresh)

		undelivered := newLog("j", t0)
		st.CreateExecutionLog(ctx, undelivered)

		stale, err := st.ListStale(ctx, t0.Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("ListStale() error: %v", err)
		}
		ids := map[string]bool{}
		for _, l := range stale {
			ids[l.ID] = true
		}
		if len(stale) != 2 || !ids[running.ID] || !ids[delivered.ID] {
			t.Fatalf("ListStale() = %v, want running and delivered", ids)
		}
	})
}

func TestListLogsAndStats(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		outcomes := []model.Status{model.StatusSucceeded, model.StatusSucceeded, model.StatusFailed}
		for i, to := range outcomes {
			at := t0.Add(time.Duration(i) * time.Minute)
			l := newLog("stats", at)
			st.CreateExecutionLog(ctx, l)
			st.TransitionExecutionLog(ctx, l.ID, model.StatusPending, model.StatusRunning, model.Transition{At: at})
			st.TransitionExecutionLog(ctx, l.ID, model.StatusRunning, to, model.Transition{At: at.Add(time.Duration(i+1) * time.Second)})
		}
		st.CreateExecutionLog(ctx, newLog("other", t0))

		logs, err := st.ListExecutionLogs(ctx, model.LogFilter{JobID: "stats"})
		if err != nil || len(logs) != 3 {
			t.Fatalf("ListExecutionLogs() = %d, %v", len(logs), err)
		}
		if logs[0].Status != model.StatusFailed {
			t.Fatalf("first log = %s, want newest (FAILED)", logs[0].Status)
		}
		logs, _ = st.ListExecutionLogs(ctx, model.LogFilter{JobID: "stats", Status: model.StatusSucceeded, Limit: 1})
		if len(logs) != 1 {
			t.Fatalf("filtered logs = %d, want 1", len(logs))
		}

		s, err := st.Stats(ctx, model.StatsFilter{JobID: "stats"})
		if err != nil {
			t.Fatalf("Stats() error: %v", err)
		}
		if s.Total != 3 || s.ByStatus[model.StatusSucceeded] != 2 || s.AvgDurationMs != 2000 {
			t.Fatalf("Stats() = %+v", s)
		}
		if s.SuccessRate < 0.66 || s.SuccessRate > 0.67 {
			t.Fatalf("SuccessRate = %v, want 2/3", s.SuccessRate)
		}
		if s.LastRunAt == nil || !s.LastRunAt.Equal(t0.Add(2*time.Minute)) {
			t.Fatalf("LastRunAt = %v", s.LastRunAt)
		}
		all, _ := st.Stats(ctx, model.StatsFilter{})
		if all.Total != 4 {
			t.Fatalf("Stats(all).Total = %d, want 4", all.Total)
		}
	})
}

func TestCountJobsAndOwnerStats(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mk := func(owner string, state model.TriggerState) *model.Job {
			j := newJob(t0)
			j.Owner, j.State = owner, state
			if err := st.CreateJob(ctx, j); err != nil {
				t.Fatalf("CreateJob() error: %v", err)
			}
			return j
		}
		a1 := mk("alice", model.TriggerActive)
		mk("alice", model.TriggerActive)
		mk("alice", model.TriggerPaused)
		gone := mk("alice", model.TriggerActive)
		b1 := mk("bob", model.TriggerActive)
		if err := st.ArchiveJob(ctx, gone.ID, t0); err != nil {
			t.Fatalf("ArchiveJob() error: %v", err)
		}

		n, err := st.CountJobs(ctx, model.JobFilter{Owner: "alice", State: model.TriggerActive})
		if err != nil || n != 2 {
			t.Fatalf("CountJobs(alice, ACTIVE) = %d, %v, want 2", n, err)
		}
		n, _ = st.CountJobs(ctx, model.JobFilter{Owner: "alice", IncludeArchived: true})
		if n != 4 {
			t.Fatalf("CountJobs(alice, archived) = %d, want 4", n)
		}

		for i, id := range []string{a1.ID, a1.ID, b1.ID} {
			at := t0.Add(time.Duration(i) * time.Minute)
			l := newLog(id, at)
			st.CreateExecutionLog(ctx, l)
			st.TransitionExecutionLog(ctx, l.ID, model.StatusPending, model.StatusRunning, model.Transition{At: at})
			st.TransitionExecutionLog(ctx, l.ID, model.StatusRunning, model.StatusSucceeded, model.Transition{At: at.Add(time.Second)})
		}

		s, err := st.Stats(ctx, model.StatsFilter{Owner: "alice"})
		if err != nil {
			t.Fatalf("Stats(alice) error: %v", err)
		}
		if s.Owner != "alice" || s.Total != 2 || s.ByStatus[model.StatusSucceeded] != 2 {
			t.Fatalf("Stats(alice) = %+v", s)
		}
		if s.Jobs != 3 || s.ActiveJobs != 2 || s.PausedJobs != 1 {
			t.Fatalf("Stats(alice) jobs = %d/%d/%d, want 3/2/1", s.Jobs, s.ActiveJobs, s.PausedJobs)
		}
		if s.LastRunAt == nil || !s.LastRunAt.Equal(t0.Add(time.Minute)) {
			t.Fatalf("Stats(alice).LastRunAt = %v", s.LastRunAt)
		}

		s, _ = st.Stats(ctx, model.StatsFilter{Owner: "bob"})
		if s.Total != 1 || s.ActiveJobs != 1 {
			t.Fatalf("Stats(bob) = %+v", s)
		}
		s, _ = st.Stats(ctx, model.StatsFilter{Owner: "nobody"})
		if s.Total != 0 || s.Jobs != 0 {
			t.Fatalf("Stats(nobody) = %+v", s)
		}
	})
}

func TestSQLiteBackup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(dir, "cronhub.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	b, ok := st.(Backuper)
	if !ok {
		t.Fatalf("sqlite store does not implement Backuper")
	}
	dst := filepath.Join(dir, "backups", "copy.db")
	if err := b.Backup(ctx, dst); err != nil {
		t.Fatalf("Backup() error: %v", err)
	}
	fi, err := os.Stat(dst)
	if err != nil || fi.Size() == 0 {
		t.Fatalf("backup file = %v, %v; want non-empty file", fi, err)
	}
	if _, ok := Store(NewMemory()).(Backuper); ok {
		t.Fatalf("memory store should not implement Backuper")
	}
}
