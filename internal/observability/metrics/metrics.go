// Package metrics exports execution and scheduler counters to Prometheus.
// Counters are fed from the event bus; gauges read live snapshots.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cronhub/internal/eventbus"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/scheduler"
	logx "cronhub/pkg/logx"
)

const namespace = "cronhub"

type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	executions  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	queueDelay  prometheus.Histogram
	retries     *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	httpTotal   *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// New builds a collector on its own registry. snap may be nil; otherwise
// it backs the scheduler and dispatcher gauges.
func New(snap func() scheduler.Snapshot, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collector{
		reg: reg,
		log: log.With(logx.String("comp", "metrics")),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Closed executions by task and status",
		}, []string{"task", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Execution run time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"task"}),
		queueDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_queue_delay_seconds",
			Help:      "Time between enqueue and start",
			Buckets:   prometheus.DefBuckets,
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_retries_total",
			Help:      "Retries scheduled by task",
		}, []string{"task"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firings_skipped_total",
			Help:      "Firings skipped because the job was still running",
		}, []string{"task"}),
		httpTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	if snap != nil {
		gauge := func(name, help string, v func(s scheduler.Snapshot) float64) {
			f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
				func() float64 { return v(snap()) })
		}
		gauge("queue_length", "Requests waiting in the dispatcher queue", func(s scheduler.Snapshot) float64 { return float64(s.Engine.QueueLen) })
		gauge("queue_capacity", "Dispatcher queue capacity", func(s scheduler.Snapshot) float64 { return float64(s.Engine.QueueCap) })
		gauge("executions_in_flight", "Executions currently running", func(s scheduler.Snapshot) float64 { return float64(s.Engine.InFlight) })
		gauge("executions_parked", "QUEUE executions waiting for their job's lane", func(s scheduler.Snapshot) float64 { return float64(s.Engine.Parked) })
		gauge("retries_armed", "Retry timers waiting to fire", func(s scheduler.Snapshot) float64 { return float64(s.Engine.Armed) })
		gauge("dispatch_dropped", "Requests dropped on a full queue", func(s scheduler.Snapshot) float64 { return float64(s.Engine.Dropped) })
		gauge("scheduler_ticks", "Scheduler passes since start", func(s scheduler.Snapshot) float64 { return float64(s.Ticks) })
		gauge("scheduler_fired", "Cron firings that created an execution", func(s scheduler.Snapshot) float64 { return float64(s.Fired) })
		gauge("scheduler_claim_conflicts", "Firings claimed by another scheduler", func(s scheduler.Snapshot) float64 { return float64(s.Conflicts) })
		gauge("scheduler_last_tick_timestamp_seconds", "Unix time of the last scheduler pass", func(s scheduler.Snapshot) float64 {
			if s.LastTick.IsZero() {
				return 0
			}
			return float64(s.LastTick.UnixNano()) / 1e9
		})
	}
	return c
}

// Registry exposes the underlying registry (tests, extra collectors).
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes execution events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256, "execution.")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe applies one bus event.
func (c *Collector) Observe(e eventbus.Event) {
	ev, ok := e.Data.(engine.ExecutionEvent)
	if !ok {
		return
	}
	switch e.Type {
	case engine.EventStarted:
		c.queueDelay.Observe(ev.QueueDelay.Seconds())
	case engine.EventSucceeded, engine.EventFailed, engine.EventCancelled:
		c.executions.WithLabelValues(ev.TaskName, string(ev.Status)).Inc()
		if ev.Duration > 0 {
			c.duration.WithLabelValues(ev.TaskName).Observe(ev.Duration.Seconds())
		}
	case engine.EventRetrying:
		c.executions.WithLabelValues(ev.TaskName, string(ev.Status)).Inc()
		c.retries.WithLabelValues(ev.TaskName).Inc()
		if ev.Duration > 0 {
			c.duration.WithLabelValues(ev.TaskName).Observe(ev.Duration.Seconds())
		}
	case engine.EventSkipped:
		c.skipped.WithLabelValues(ev.TaskName).Inc()
	}
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, path string, status int, took time.Duration) {
	c.httpTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, path).Observe(took.Seconds())
}
