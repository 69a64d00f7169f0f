package app

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"cronhub/internal/config"
	"cronhub/internal/storage"
	"cronhub/internal/task/builtin"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/retry"
	"cronhub/internal/task/scheduler"
	"cronhub/internal/transport/httpapi"
	logx "cronhub/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			Path:       l.Alert.Path,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		TickInterval: tick,
		Timezone:     strings.TrimSpace(cfg.Scheduler.Timezone),
		BatchSize:    cfg.Scheduler.BatchSize,

		MaxActiveJobsPerOwner: cfg.Scheduler.MaxActiveJobsPerOwner,
		OwnerLimits:           maps.Clone(cfg.Scheduler.OwnerLimits),
	}, nil
}

// mapTaskEngineConfig resolves the engine config. An omitted task_engine
// section follows scheduler.enabled.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: cfg.Scheduler.Enabled}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.RatePerSec = float64(te.RatePerSec)

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.OrphanAfter, err = config.ParseDurationField("task_engine.orphan_after", te.OrphanAfter); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapRetryPolicy(cfg *config.Config) (*retry.Exponential, error) {
	p := retry.Default()
	if cfg.TaskEngine == nil {
		return p, nil
	}
	rc := cfg.TaskEngine.Retry
	var err error
	if p.Base, err = config.ParseDurationOrDefault("task_engine.retry.base", rc.Base, retry.DefaultBase); err != nil {
		return nil, err
	}
	if p.MaxDelay, err = config.ParseDurationOrDefault("task_engine.retry.max_delay", rc.MaxDelay, retry.DefaultMaxDelay); err != nil {
		return nil, err
	}
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	p.Jitter = rc.Jitter
	return p, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		AllowInsecure: h.AllowInsecure,
		Pprof: httpapi.PprofConfig{
			Enabled:              h.Pprof,
			Token:                strings.TrimSpace(h.Token),
			MutexProfileFraction: h.MutexProfileFraction,
			BlockProfileRate:     h.BlockProfileRate,
		},
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// pprof profile and trace stream for their full duration.
	defWrite := 30 * time.Second
	if h.Pprof {
		defWrite = 0
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, defWrite); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// mapTaskDeps builds the collaborators of the built-in tasks. The store
// doubles as the backup source when it can copy itself.
func mapTaskDeps(cfg *config.Config, store storage.Store, log logx.Logger) (builtin.Deps, error) {
	t := cfg.Tasks
	deps := builtin.Deps{
		Log:  log,
		SMTP: builtin.SMTP{
			Addr:     strings.TrimSpace(t.SMTP.Addr),
			Username: t.SMTP.Username,
			Password: t.SMTP.Password,
			From:     t.SMTP.From,
		},
		TempRoot:  strings.TrimSpace(t.TempRoot),
		BackupDir: strings.TrimSpace(t.BackupDir),
	}
	if b, ok := store.(storage.Backuper); ok {
		deps.Database = b
	}
	up, err := builtin.NewS3Uploader(builtin.S3Config{
		Bucket:    strings.TrimSpace(t.S3.Bucket),
		Prefix:    t.S3.Prefix,
		Region:    t.S3.Region,
		Endpoint:  t.S3.Endpoint,
		AccessKey: t.S3.AccessKey,
		SecretKey: t.S3.SecretKey,
		PathStyle: t.S3.PathStyle,
	})
	if err != nil {
		return builtin.Deps{}, fmt.Errorf("tasks.s3: %w", err)
	}
	if up != nil {
		deps.Uploader = up
	}
	return deps, nil
}

// validateMapped rejects configs the component mappers cannot use.
func validateMapped(cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetryPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}
