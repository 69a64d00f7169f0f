package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  tick_interval: 500ms
  timezone: UTC
task_engine:
  workers: 8
  retry:
    base: 1s
    max_attempts: 5
storage:
  driver: sqlite
  path: ./data/cronhub.db
`

func TestDecodeYAMLMatchesJSON(t *testing.T) {
	t.Parallel()

	y, err := Decode("cfg.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode(yaml) error: %v", err)
	}
	j, err := Decode("cfg.json", []byte(`{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"scheduler": {"enabled": true, "tick_interval": "500ms", "timezone": "UTC"},
		"task_engine": {"workers": 8, "retry": {"base": "1s", "max_attempts": 5}},
		"storage": {"driver": "sqlite", "path": "./data/cronhub.db"}
	}`))
	if err != nil {
		t.Fatalf("Decode(json) error: %v", err)
	}
	if hashConfig(y) != hashConfig(j) {
		t.Fatalf("yaml and json decode differ:\n%+v\n%+v", y, j)
	}
	if y.TaskEngine == nil || y.TaskEngine.Workers != 8 {
		t.Fatalf("task_engine.workers = %+v, want 8", y.TaskEngine)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.json", []byte(`{"scheduler": {"enabled": true, "workers": 2}}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	_, err := Decode("c.json", []byte(`{"scheduler": {}} {"scheduler": {}}`))
	if !errors.Is(err, ErrTrailingData) {
		t.Fatalf("err = %v, want ErrTrailingData", err)
	}
}

func TestDecodeYAMLDocuments(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.yaml", []byte("scheduler:\n  enabled: true\n---\nscheduler: {}\n")); !errors.Is(err, ErrTrailingData) {
		t.Fatalf("two documents err = %v, want ErrTrailingData", err)
	}
	cfg, err := Decode("c.yml", nil)
	if err != nil || cfg.Scheduler.Enabled {
		t.Fatalf("empty yaml = %+v, %v, want zero config", cfg, err)
	}
	cfg, err = Decode("c.yaml", []byte("scheduler:\n  owner_limits:\n    42: 3\n"))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got := cfg.Scheduler.OwnerLimits["42"]; got != 3 {
		t.Fatalf("owner_limits[42] = %d, want 3", got)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 250ms ", want: 250 * time.Millisecond},
		{raw: "1m30s", want: 90 * time.Second},
		{raw: "-1s", wantErr: true},
		{raw: "10", wantErr: true},
	}
	for _, tc := range cases {
		d, err := ParseDurationField("x.timeout", tc.raw)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidDuration) || !strings.Contains(err.Error(), "x.timeout") {
				t.Fatalf("ParseDurationField(%q) err = %v, want ErrInvalidDuration naming the field", tc.raw, err)
			}
			continue
		}
		if err != nil || d != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v, want %v", tc.raw, d, err, tc.want)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "0s", time.Minute); d != time.Minute {
		t.Fatalf("ParseDurationOrDefault(0s) = %v, want 1m", d)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	off := false
	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty ok", cfg: Config{}},
		{name: "bad tick", cfg: Config{Scheduler: SchedulerConfig{TickInterval: "soon"}}, wantErr: "scheduler.tick_interval"},
		{name: "bad tz", cfg: Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, wantErr: "scheduler.timezone"},
		{name: "negative owner cap", cfg: Config{Scheduler: SchedulerConfig{MaxActiveJobsPerOwner: -1}}, wantErr: "max_active_jobs_per_owner"},
		{name: "negative owner override", cfg: Config{Scheduler: SchedulerConfig{OwnerLimits: map[string]int{"alice": -2}}}, wantErr: "owner_limits[alice]"},
		{name: "sqlite needs path", cfg: Config{Storage: StorageConfig{Driver: "sqlite"}}, wantErr: "storage.path"},
		{name: "postgres needs dsn", cfg: Config{Storage: StorageConfig{Driver: "postgres"}}, wantErr: "storage.dsn"},
		{name: "unknown driver", cfg: Config{Storage: StorageConfig{Driver: "mongo"}}, wantErr: "unknown storage.driver"},
		{
			name:    "engine off with scheduler on",
			cfg:     Config{Scheduler: SchedulerConfig{Enabled: true}, TaskEngine: &TaskEngineConfig{Enabled: &off}},
			wantErr: "task_engine.enabled",
		},
		{
			name:    "jitter range",
			cfg:     Config{TaskEngine: &TaskEngineConfig{Retry: RetryConfig{Jitter: 2}}},
			wantErr: "jitter",
		},
		{
			name:    "public http without token",
			cfg:     Config{HTTP: HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080"}},
			wantErr: "not loopback",
		},
		{
			name:    "public pprof without token",
			cfg:     Config{HTTP: HTTPConfig{Enabled: true, Addr: ":8080", AllowInsecure: true, Pprof: true}},
			wantErr: "requires http.token",
		},
		{name: "public http allowed", cfg: Config{HTTP: HTTPConfig{Enabled: true, Addr: ":8080", AllowInsecure: true}}},
		{name: "loopback http ok", cfg: Config{HTTP: HTTPConfig{Enabled: true, Addr: "127.0.0.1:8080", Pprof: true}}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("ParseDurationOrDefault(\"\") = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("ParseDurationOrDefault(250ms) = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("expected negative duration error")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://a:secret@h/db"}}
	newCfg := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://a:other@h/db"}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "storage" {
		t.Fatalf("changed = %v, want [storage]", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cronhub.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get() did not return committed config")
	}
	if cfg.Scheduler.TickInterval != "500ms" {
		t.Fatalf("tick_interval = %q, want 500ms", cfg.Scheduler.TickInterval)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("subscriber got stale config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after Unsubscribe")
	}
}
