package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate performs static checks that do not need any live component.
// It is run on Load() and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if _, err := ParseDurationField("scheduler.tick_interval", cfg.Scheduler.TickInterval); err != nil {
		return err
	}
	if cfg.Scheduler.BatchSize < 0 {
		return fmt.Errorf("scheduler.batch_size must be >= 0")
	}
	if cfg.Scheduler.MaxActiveJobsPerOwner < 0 {
		return fmt.Errorf("scheduler.max_active_jobs_per_owner must be >= 0")
	}
	for owner, n := range cfg.Scheduler.OwnerLimits {
		if strings.TrimSpace(owner) == "" {
			return fmt.Errorf("scheduler.owner_limits: empty owner name")
		}
		if n < 0 {
			return fmt.Errorf("scheduler.owner_limits[%s] must be >= 0", owner)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			return fmt.Errorf("task_engine.workers must be >= 0")
		}
		if te.QueueSize < 0 {
			return fmt.Errorf("task_engine.queue_size must be >= 0")
		}
		if te.RatePerSec < 0 {
			return fmt.Errorf("task_engine.rate_per_sec must be >= 0")
		}
		for path, raw := range map[string]string{
			"task_engine.default_timeout": te.DefaultTimeout,
			"task_engine.orphan_after":    te.OrphanAfter,
			"task_engine.retry.base":      te.Retry.Base,
			"task_engine.retry.max_delay": te.Retry.MaxDelay,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
		if te.Retry.MaxAttempts < 0 {
			return fmt.Errorf("task_engine.retry.max_attempts must be >= 0")
		}
		if te.Retry.Jitter < 0 || te.Retry.Jitter > 1 {
			return fmt.Errorf("task_engine.retry.jitter must be within [0,1]")
		}
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}

	return validateHTTP(cfg.HTTP)
}

func validateHTTP(h HTTPConfig) error {
	for path, raw := range map[string]string{
		"http.read_timeout":  h.ReadTimeout,
		"http.write_timeout": h.WriteTimeout,
		"http.idle_timeout":  h.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if h.MutexProfileFraction < 0 || h.BlockProfileRate < 0 {
		return fmt.Errorf("http profile rates must be >= 0")
	}
	if !h.Enabled {
		return nil
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	if isLoopbackHost(host) {
		return nil
	}
	if !h.AllowInsecure {
		return fmt.Errorf("http.addr %q is not loopback; set http.allow_insecure to expose the API", addr)
	}
	if h.Pprof && strings.TrimSpace(h.Token) == "" {
		return fmt.Errorf("http.pprof on non-loopback http.addr %q requires http.token", addr)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
