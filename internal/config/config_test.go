package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"
)

const sampleJSON = `{
  "telegram": {"token": "123:abc", "owner_user_ids": [7], "poll_timeout": "10s"},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false}},
  "scheduler": {"enabled": true, "timezone": "UTC", "workers": 2, "retry_base": "1m", "housekeeping": "@daily"},
  "storage": {"driver": "sqlite", "path": "./remindbot.db"}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || !cfg.IsOwner(7) || cfg.IsOwner(8) {
		t.Fatalf("telegram section = %+v", cfg.Telegram)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the parsed config")
	}
	d, err := cfg.Scheduler.Durations()
	if err != nil || d.RetryBase.Minutes() != 1 || d.StopGrace != 0 {
		t.Fatalf("Durations = %+v, %v", d, err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	body := strings.Join([]string{
		"telegram:",
		"  token: \"1:x\"",
		"scheduler:",
		"  enabled: true",
		"  timezone: Europe/Berlin",
		"storage:",
		"  driver: file",
		"  path: ./store",
	}, "\n")
	cfg, err := NewConfigManager(writeFile(t, "config.yaml", body)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "file" || cfg.Scheduler.Timezone != "Europe/Berlin" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"telegram": {"token": "x", "group_log": "1"}}`},
		{"trailing data", `{"telegram": {"token": "x"}} {}`},
		{"bad duration", `{"scheduler": {"retry_base": "soon"}}`},
		{"negative duration", `{"scheduler": {"stop_grace": "-1s"}}`},
		{"bad timezone", `{"scheduler": {"timezone": "Mars/Olympus"}}`},
		{"bad driver", `{"storage": {"driver": "postgres"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewConfigManager(writeFile(t, "config.json", tt.body)).Load(); err == nil {
				t.Fatalf("Load accepted %s", tt.body)
			}
		})
	}
}

// Not parallel: mutates the environment.
func TestEnvOverlay(t *testing.T) {
	t.Setenv("REMINDBOT_TELEGRAM__TOKEN", "999:env")
	t.Setenv("REMINDBOT_TELEGRAM__OWNER_USER_IDS", "1,2")
	t.Setenv("REMINDBOT_SCHEDULER__WORKERS", "8")
	t.Setenv("REMINDBOT_MCP__ENABLED", "true")

	if !HasEnvOverrides() {
		t.Fatal("HasEnvOverrides = false")
	}
	cfg, err := NewConfigManager(writeFile(t, "config.json", sampleJSON)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "999:env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if !slices.Equal(cfg.Telegram.OwnerUserIDs, []int64{1, 2}) {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Scheduler.Workers != 8 || !cfg.MCP.Enabled {
		t.Fatalf("scheduler/mcp = %+v %+v", cfg.Scheduler, cfg.MCP)
	}
	// Untouched file values survive.
	if cfg.Storage.Driver != "sqlite" || cfg.Scheduler.RetryBase != "1m" {
		t.Fatalf("file values lost: %+v", cfg)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Telegram:  TelegramConfig{Token: "a"},
		Scheduler: SchedulerConfig{Enabled: true, Workers: 2},
		Storage:   StorageConfig{Driver: "sqlite", Path: "a.db"},
	}
	same := *oldCfg
	if changed, _, _ := SummarizeConfigChange(oldCfg, &same); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}

	newCfg := *oldCfg
	newCfg.Scheduler.Workers = 4
	newCfg.Storage.Path = "b.db"
	newCfg.Logging.Level = "debug"
	changed, attrs, restart := SummarizeConfigChange(oldCfg, &newCfg)
	if !slices.Equal(changed, []string{"logging", "scheduler", "storage"}) {
		t.Fatalf("changed = %v", changed)
	}
	if !slices.Equal(restart, []string{"storage"}) {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("a full subscriber should receive the newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("Unsubscribe should close the channel")
	}
}

func TestWatchPublishesValidEdits(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", sampleJSON)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	write := func(body string) {
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	// The watcher may not be registered yet; keep rewriting until an
	// edit lands or the deadline passes.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()

	invalid := strings.Replace(sampleJSON, `"workers": 2`, `"workers": -1`, 1)
	valid := strings.Replace(sampleJSON, `"workers": 2`, `"workers": 6`, 1)
	write(invalid)
	for {
		select {
		case cfg := <-sub:
			if cfg.Scheduler.Workers != 6 {
				t.Fatalf("published rejected config: workers=%d", cfg.Scheduler.Workers)
			}
			if m.Get() != cfg {
				t.Fatal("published config should be committed")
			}
			cancel()
			<-done
			return
		case <-tick.C:
			write(valid)
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}
