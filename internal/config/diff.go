package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronhub/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (dsn, tokens, passwords, keys) are
// never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.rate_per_sec", nTE.RatePerSec),
			logx.String("task_engine.retry.base", strings.TrimSpace(nTE.Retry.Base)),
			logx.Int("task_engine.retry.max_attempts", nTE.Retry.MaxAttempts),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if o.Driver != n.Driver || o.Path != n.Path || o.BusyTimeout != n.BusyTimeout || o.DSN != n.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(n.DSN) != ""),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Token, nh.Token = tokenMarker(oh.Token), tokenMarker(nh.Token)
	if oh != nh || oldCfg.HTTP.Token != newCfg.HTTP.Token {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Bool("tasks.smtp_set", strings.TrimSpace(newCfg.Tasks.SMTP.Addr) != ""),
			logx.Bool("tasks.s3_set", strings.TrimSpace(newCfg.Tasks.S3.Bucket) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func tokenMarker(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set"
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
