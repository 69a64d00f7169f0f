package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cronhub/internal/observability/metrics"
	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/model"
	"cronhub/internal/task/registry"
	"cronhub/internal/task/scheduler"
	logx "cronhub/pkg/logx"
)

type nopDispatcher struct{}

func (nopDispatcher) Enqueue(string) error { return nil }

func (nopDispatcher) Cancel(context.Context, string) (*model.ExecutionLog, error) {
	return nil, engine.ErrNotCancellable
}

func (nopDispatcher) Snapshot() engine.Snapshot { return engine.Snapshot{QueueCap: 8} }

func noop(context.Context, model.Params) (any, error) { return nil, nil }

func newTestServer(t *testing.T, cfg Config) (*Server, *metrics.Collector) {
	t.Helper()
	return newTestServerWith(t, cfg, scheduler.Config{Enabled: true})
}

func newTestServerWith(t *testing.T, cfg Config, scfg scheduler.Config) (*Server, *metrics.Collector) {
	t.Helper()
	reg := registry.New()
	err := reg.Register(
		registry.Task{Name: "noop", Run: noop, Timeout: time.Minute},
		registry.Task{
			Name: "send_email",
			Run:  noop,
			Params: []registry.Param{
				{Name: "recipient_email", Type: registry.TypeEmail, Required: true},
				{Name: "subject", Type: registry.TypeString, Required: true},
			},
		},
	)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	svc := scheduler.New(scfg, storage.NewMemory(), reg, nopDispatcher{}, logx.Nop(), nil)
	m := metrics.New(svc.Snapshot, logx.Nop())
	return New(cfg, svc, m, logx.Nop()), m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})
	h := srv.Handler()

	rec := do(t, h, "POST", "/jobs", `{"name":"tick","task_name":"noop","cron_expression":"*/5 * * * *"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201 (%s)", rec.Code, rec.Body)
	}
	job := decodeInto[model.Job](t, rec)
	if job.State != model.TriggerActive || job.Policy != model.SkipIfRunning {
		t.Fatalf("job = %+v, want ACTIVE SKIP_IF_RUNNING", job)
	}

	rec = do(t, h, "PATCH", "/jobs/"+job.ID, `{"cron_expression":"0 * * * *","max_runs":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d (%s)", rec.Code, rec.Body)
	}
	if got := decodeInto[model.Job](t, rec); got.CronExpr != "0 * * * *" || got.MaxRuns != 3 {
		t.Fatalf("patched job = %+v", got)
	}

	rec = do(t, h, "POST", "/jobs/"+job.ID+"/pause", "")
	if got := decodeInto[model.Job](t, rec); rec.Code != http.StatusOK || got.State != model.TriggerPaused {
		t.Fatalf("pause = %d %+v", rec.Code, got)
	}
	rec = do(t, h, "POST", "/jobs/"+job.ID+"/run", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run status = %d, want 202 (%s)", rec.Code, rec.Body)
	}
	l := decodeInto[model.ExecutionLog](t, rec)
	if l.Trigger != model.TriggerManual || l.Status != model.StatusPending {
		t.Fatalf("log = %+v, want PENDING manual", l)
	}

	// Still PENDING, so a second run is skipped.
	if rec := do(t, h, "POST", "/jobs/"+job.ID+"/run", `{}`); rec.Code != http.StatusConflict {
		t.Fatalf("second run status = %d, want 409", rec.Code)
	}
	if rec := do(t, h, "POST", "/jobs/"+job.ID+"/run", `{"force":true}`); rec.Code != http.StatusAccepted {
		t.Fatalf("forced run status = %d, want 202", rec.Code)
	}

	rec = do(t, h, "GET", "/jobs/"+job.ID+"/executions?limit=1", "")
	list := decodeInto[struct {
		Items []model.ExecutionLog `json:"items"`
		Limit int                  `json:"limit"`
	}](t, rec)
	if len(list.Items) != 1 || list.Limit != 1 {
		t.Fatalf("executions = %+v, want one item with limit 1", list)
	}

	if rec := do(t, h, "GET", "/executions/"+l.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("get execution status = %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/executions/"+l.ID+"/cancel", ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel status = %d, want 409", rec.Code)
	}

	if rec := do(t, h, "DELETE", "/jobs/"+job.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("archive status = %d, want 204", rec.Code)
	}
	if rec := do(t, h, "POST", "/jobs/"+job.ID+"/resume", ""); rec.Code != http.StatusConflict {
		t.Fatalf("resume archived status = %d, want 409", rec.Code)
	}
	rec = do(t, h, "GET", "/jobs", "")
	if jobs := decodeInto[struct {
		Items []model.Job `json:"items"`
	}](t, rec); len(jobs.Items) != 0 {
		t.Fatalf("archived job still listed: %+v", jobs.Items)
	}
	rec = do(t, h, "GET", "/jobs?archived=true", "")
	if jobs := decodeInto[struct {
		Items []model.Job `json:"items"`
	}](t, rec); len(jobs.Items) != 1 {
		t.Fatalf("archived listing = %d jobs, want 1", len(jobs.Items))
	}
}

func TestErrorStatuses(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})
	h := srv.Handler()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty body", "POST", "/jobs", "", http.StatusBadRequest},
		{"bad json", "POST", "/jobs", `{"task_name":`, http.StatusBadRequest},
		{"missing task", "POST", "/jobs", `{"cron_expression":"* * * * *"}`, http.StatusBadRequest},
		{"bad policy", "POST", "/jobs", `{"task_name":"noop","cron_expression":"* * * * *","concurrency_policy":"LATER"}`, http.StatusBadRequest},
		{"bad cron", "POST", "/jobs", `{"task_name":"noop","cron_expression":"61 * * * *"}`, http.StatusUnprocessableEntity},
		{"unknown task", "POST", "/jobs", `{"task_name":"nope","cron_expression":"* * * * *"}`, http.StatusUnprocessableEntity},
		{"unknown job", "GET", "/jobs/missing", "", http.StatusNotFound},
		{"unknown job executions", "GET", "/jobs/missing/executions", "", http.StatusNotFound},
		{"unknown execution", "GET", "/executions/missing", "", http.StatusNotFound},
		{"unknown job stats", "GET", "/stats?job_id=missing", "", http.StatusNotFound},
		{"bad describe", "GET", "/schedules/describe?expr=nope", "", http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body)
			}
			if body := decodeInto[errorBody](t, rec); body.Error == "" {
				t.Fatalf("error body missing message")
			}
		})
	}
}

func TestRunTaskReportsFieldErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})
	h := srv.Handler()

	rec := do(t, h, "POST", "/tasks/send_email/run", `{"params":{"subject":"hi"}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	body := decodeInto[errorBody](t, rec)
	if len(body.Fields) != 1 || body.Fields[0].Param != "recipient_email" {
		t.Fatalf("fields = %+v, want recipient_email", body.Fields)
	}

	rec = do(t, h, "POST", "/tasks/noop/run", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run noop status = %d, want 202", rec.Code)
	}
	if l := decodeInto[model.ExecutionLog](t, rec); l.JobID != "" || l.TaskName != "noop" {
		t.Fatalf("ad-hoc log = %+v", l)
	}

	rec = do(t, h, "GET", "/stats", "")
	if st := decodeInto[model.Stats](t, rec); st.Total != 1 {
		t.Fatalf("stats total = %d, want 1", st.Total)
	}
}

func TestOwnerQuotaAndStats(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServerWith(t, Config{}, scheduler.Config{Enabled: true, MaxActiveJobsPerOwner: 1})
	h := srv.Handler()

	body := `{"owner":"alice","task_name":"noop","cron_expression":"*/5 * * * *"}`
	rec := do(t, h, "POST", "/jobs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, want 201 (%s)", rec.Code, rec.Body)
	}
	rec = do(t, h, "POST", "/jobs", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second create status = %d, want 409 (%s)", rec.Code, rec.Body)
	}
	rec = do(t, h, "POST", "/jobs", `{"owner":"bob","task_name":"noop","cron_expression":"*/5 * * * *"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("other owner status = %d, want 201 (%s)", rec.Code, rec.Body)
	}

	st := decodeInto[model.Stats](t, do(t, h, "GET", "/stats?owner=alice", ""))
	if st.Owner != "alice" || st.Jobs != 1 || st.ActiveJobs != 1 {
		t.Fatalf("stats(alice) = %+v, want 1 active job", st)
	}
}

func TestListTasksAndDescribe(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})
	h := srv.Handler()

	tasks := decodeInto[[]taskView](t, do(t, h, "GET", "/tasks", ""))
	if len(tasks) != 2 || tasks[0].Name != "noop" || tasks[0].Timeout != "1m0s" {
		t.Fatalf("tasks = %+v", tasks)
	}
	if len(tasks[1].Params) != 2 || !tasks[1].Params[0].Required {
		t.Fatalf("send_email params = %+v", tasks[1].Params)
	}

	info := decodeInto[scheduler.ScheduleInfo](t, do(t, h, "GET", "/schedules/describe?expr=@hourly&n=3", ""))
	if info.Expr != "0 * * * *" || len(info.Next) != 3 {
		t.Fatalf("describe = %+v", info)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})
	h := srv.Handler()

	st := decodeInto[statusView](t, do(t, h, "GET", "/status", ""))
	if !st.Scheduler.Enabled || st.Engine.QueueCap != 8 {
		t.Fatalf("status = %+v", st)
	}

	do(t, h, "GET", "/jobs/abc", "")
	body := do(t, h, "GET", "/metrics", "").Body.String()
	for _, want := range []string{
		`cronhub_http_requests_total{method="GET",path="/jobs/{id}",status="404"} 1`,
		"cronhub_queue_capacity 8",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestServerServesAndGuardsPprof(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{
		Enabled: true,
		Addr:    "127.0.0.1:0",
		Pprof:   PprofConfig{Enabled: true, Token: "s3cret"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.Start(ctx)
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		t.Fatalf("server never became ready")
	}
	base := "http://" + srv.Addr()

	get := func(path, auth string) int {
		req, _ := http.NewRequestWithContext(ctx, "GET", base+path, nil)
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		return resp.StatusCode
	}
	if code := get("/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}
	if code := get("/debug/pprof/", ""); code != http.StatusUnauthorized {
		t.Fatalf("pprof without token = %d, want 401", code)
	}
	if code := get("/debug/pprof/", "s3cret"); code != http.StatusOK {
		t.Fatalf("pprof with token = %d, want 200", code)
	}
	if code := get("/debug/pprof/cmdline?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("pprof query token = %d, want 200", code)
	}

	srv.Stop(ctx)
	if srv.Addr() != "" {
		t.Fatalf("Addr() after Stop = %q, want empty", srv.Addr())
	}
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()

	base := Config{Enabled: true, Addr: "127.0.0.1:8080"}
	cases := []struct {
		name string
		mod  func(c *Config)
		want bool
	}{
		{"same", func(*Config) {}, false},
		{"addr", func(c *Config) { c.Addr = "127.0.0.1:9090" }, true},
		{"pprof", func(c *Config) { c.Pprof.Enabled = true }, true},
		{"timeouts", func(c *Config) { c.IdleTimeout = time.Minute }, true},
		{"profile rates", func(c *Config) { c.Pprof.BlockProfileRate = 5 }, false},
	}
	for _, tc := range cases {
		next := base
		tc.mod(&next)
		if got := needsRestart(base, next); got != tc.want {
			t.Fatalf("%s: needsRestart = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:8080":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
