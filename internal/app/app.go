package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"cronhub/internal/config"
	"cronhub/internal/eventbus"
	"cronhub/internal/observability/metrics"
	rtsup "cronhub/internal/runtime/supervisor"
	"cronhub/internal/storage"
	"cronhub/internal/task/builtin"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/registry"
	"cronhub/internal/task/scheduler"
	"cronhub/internal/transport/httpapi"
	logx "cronhub/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *registry.Registry

	engine  *engine.Service
	sched   *scheduler.Service
	metrics *metrics.Collector
	http    *httpapi.Server
}

// New loads the config and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	deps, err := mapTaskDeps(cfg, store, log)
	if err != nil {
		return fail(err)
	}
	reg := registry.New()
	if err := reg.Register(builtin.Table(deps)...); err != nil {
		return fail(err)
	}

	bus := eventbus.New()

	engCfg, _ := mapTaskEngineConfig(cfg)
	policy, _ := mapRetryPolicy(cfg)
	engineSvc := engine.New(engCfg, store, reg, log, bus, engine.WithRetryPolicy(policy))

	schedCfg, _ := mapSchedulerConfig(cfg)
	schedSvc := scheduler.New(schedCfg, store, reg, engineSvc, log, bus)

	collector := metrics.New(schedSvc.Snapshot, log)

	httpCfg, _ := mapHTTPConfig(cfg)
	httpSvc := httpapi.New(httpCfg, schedSvc, collector, log)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		engine:  engineSvc,
		sched:   schedSvc,
		metrics: collector,
		http:    httpSvc,
	}, nil
}

// Scheduler exposes the job API (embedding, tests).
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	// Engine first so the scheduler's first sweep has somewhere to deliver.
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.http.Enabled() {
		a.http.Start(a.sup.Context())
	}

	a.sup.Go("metrics", func(c context.Context) error {
		if err := a.metrics.Run(c, a.bus); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("engine", a.engine.Enabled()),
		logx.Bool("http", a.http.Enabled()),
		logx.Int("tasks", len(a.reg.List())),
	)
	return nil
}

// Run starts the app, hot-reloads the config file until ctx is done or a
// component fails fatally, then stops everything within stopTimeout.
func (a *App) Run(ctx context.Context, stopTimeout time.Duration) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(a.sup.Context())
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return a.Err()
	})
	runErr := g.Wait()

	reason := StopAppStop
	switch {
	case runErr != nil:
		reason = StopFatalError
	case ctx.Err() != nil:
		reason = StopReasonFromContext(ctx)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return runErr
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "storage", "tasks":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	// Engine before scheduler on enable, after it on disable.
	engCfg, err := mapTaskEngineConfig(next)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	}
	schedCfg, serr := mapSchedulerConfig(next)
	if serr != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(serr))
	}
	if serr == nil && !schedCfg.Enabled {
		a.sched.Apply(ctx, schedCfg)
	}
	if err == nil {
		a.engine.Apply(ctx, engCfg)
	}
	if serr == nil && schedCfg.Enabled {
		a.sched.Apply(ctx, schedCfg)
	}

	if policy, err := mapRetryPolicy(next); err != nil {
		a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
	} else {
		a.engine.SetRetryPolicy(policy)
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	// Scheduler first so no new work arrives, then the engine drains.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
