package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cronhub/internal/task/model"
	"cronhub/internal/task/registry"
	"cronhub/internal/task/scheduler"
)

// API is the scheduler surface served over HTTP.
type API interface {
	CreateJob(ctx context.Context, spec scheduler.JobSpec) (*model.Job, error)
	UpdateJob(ctx context.Context, id string, patch scheduler.JobPatch) (*model.Job, error)
	PauseJob(ctx context.Context, id string) (*model.Job, error)
	ResumeJob(ctx context.Context, id string) (*model.Job, error)
	ArchiveJob(ctx context.Context, id string) error
	ExecuteNow(ctx context.Context, id string, overrides model.Params, force bool) (*model.ExecutionLog, error)
	ExecuteTask(ctx context.Context, taskName string, params model.Params) (*model.ExecutionLog, error)
	CancelExecution(ctx context.Context, logID string) (*model.ExecutionLog, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, f model.JobFilter) ([]*model.Job, error)
	GetExecutionLog(ctx context.Context, id string) (*model.ExecutionLog, error)
	ListExecutionLogs(ctx context.Context, f model.LogFilter) ([]*model.ExecutionLog, error)
	Stats(ctx context.Context, f model.StatsFilter) (*model.Stats, error)
	DescribeSchedule(expr string, n int) (scheduler.ScheduleInfo, error)
	ListTasks() []*registry.Task
	Snapshot() scheduler.Snapshot
}

type handler struct {
	api API
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, err := h.api.CreateJob(r.Context(), scheduler.JobSpec{
		Name:        req.Name,
		Owner:       req.Owner,
		TaskName:    req.TaskName,
		CronExpr:    req.CronExpression,
		Params:      req.Params,
		Policy:      model.ConcurrencyPolicy(req.ConcurrencyPolicy),
		Paused:      req.Paused,
		MaxRuns:     req.MaxRuns,
		MaxFailures: req.MaxFailures,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	p := parsePagination(r)
	q := r.URL.Query()
	archived, _ := strconv.ParseBool(q.Get("archived"))
	jobs, err := h.api.ListJobs(r.Context(), model.JobFilter{
		Owner:           q.Get("owner"),
		TaskName:        q.Get("task"),
		State:           model.TriggerState(q.Get("state")),
		IncludeArchived: archived,
		Limit:           p.Limit,
		Offset:          p.Offset,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: jobs, Limit: p.Limit, Offset: p.Offset})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.api.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) updateJob(w http.ResponseWriter, r *http.Request) {
	var req updateJobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patch := scheduler.JobPatch{
		Name:        req.Name,
		CronExpr:    req.CronExpression,
		Params:      req.Params,
		MaxRuns:     req.MaxRuns,
		MaxFailures: req.MaxFailures,
	}
	if req.ConcurrencyPolicy != nil {
		p := model.ConcurrencyPolicy(*req.ConcurrencyPolicy)
		patch.Policy = &p
	}
	j, err := h.api.UpdateJob(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	h.jobOp(w, r, h.api.PauseJob)
}

func (h *handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	h.jobOp(w, r, h.api.ResumeJob)
}

func (h *handler) jobOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*model.Job, error)) {
	j, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) archiveJob(w http.ResponseWriter, r *http.Request) {
	if err := h.api.ArchiveJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) runJob(w http.ResponseWriter, r *http.Request) {
	var req runJobRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, err := h.api.ExecuteNow(r.Context(), chi.URLParam(r, "id"), req.Params, req.Force)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, l)
}

func (h *handler) listJobExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.api.GetJob(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	p := parsePagination(r)
	logs, err := h.api.ListExecutionLogs(r.Context(), model.LogFilter{
		JobID:  id,
		Status: model.Status(r.URL.Query().Get("status")),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: logs, Limit: p.Limit, Offset: p.Offset})
}

func (h *handler) getExecution(w http.ResponseWriter, r *http.Request) {
	l, err := h.api.GetExecutionLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	l, err := h.api.CancelExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type taskView struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Params      []registry.Param `json:"params"`
	Timeout     string           `json:"timeout,omitempty"`
	Version     int              `json:"version"`
}

func (h *handler) listTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := h.api.ListTasks()
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		v := taskView{Name: t.Name, Description: t.Description, Params: t.Params, Version: t.Version}
		if v.Params == nil {
			v.Params = []registry.Param{}
		}
		if t.Timeout > 0 {
			v.Timeout = t.Timeout.String()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) runTask(w http.ResponseWriter, r *http.Request) {
	var req runTaskRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, err := h.api.ExecuteTask(r.Context(), chi.URLParam(r, "name"), req.Params)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, l)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st, err := h.api.Stats(r.Context(), model.StatsFilter{JobID: q.Get("job_id"), Owner: q.Get("owner")})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) describeSchedule(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 5
	}
	info, err := h.api.DescribeSchedule(r.URL.Query().Get("expr"), n)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type statusView struct {
	Scheduler statusScheduler `json:"scheduler"`
	Engine    statusEngine    `json:"engine"`
}

type statusScheduler struct {
	Enabled   bool      `json:"enabled"`
	Timezone  string    `json:"timezone"`
	Tick      string    `json:"tick_interval"`
	LastTick  time.Time `json:"last_tick"`
	Ticks     uint64    `json:"ticks"`
	Fired     uint64    `json:"fired"`
	Skipped   uint64    `json:"skipped"`
	Conflicts uint64    `json:"claim_conflicts"`
	Swept     uint64    `json:"swept"`
}

type statusEngine struct {
	Enabled  bool   `json:"enabled"`
	Workers  int    `json:"workers"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	InFlight int    `json:"in_flight"`
	Parked   int    `json:"parked"`
	Armed    int    `json:"retries_armed"`
	Dropped  uint64 `json:"dropped"`
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	s := h.api.Snapshot()
	writeJSON(w, http.StatusOK, statusView{
		Scheduler: statusScheduler{
			Enabled:   s.Enabled,
			Timezone:  s.Timezone,
			Tick:      s.TickInterval.String(),
			LastTick:  s.LastTick,
			Ticks:     s.Ticks,
			Fired:     s.Fired,
			Skipped:   s.Skipped,
			Conflicts: s.Conflicts,
			Swept:     s.Swept,
		},
		Engine: statusEngine{
			Enabled:  s.Engine.Enabled,
			Workers:  s.Engine.Workers,
			QueueLen: s.Engine.QueueLen,
			QueueCap: s.Engine.QueueCap,
			InFlight: s.Engine.InFlight,
			Parked:   s.Engine.Parked,
			Armed:    s.Engine.Armed,
			Dropped:  s.Engine.Dropped,
		},
	})
}
