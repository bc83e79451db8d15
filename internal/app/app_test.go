package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"remindbot/internal/config"
	logx "remindbot/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfigRejectsBadHousekeeping(t *testing.T) {
	t.Parallel()
	p := writeConfig(t, `{"telegram": {"token": "x"}, "scheduler": {"housekeeping": "every blue moon"}}`)
	if _, _, err := LoadConfig(p); err == nil || !strings.Contains(err.Error(), "housekeeping") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadConfigAndOpenStore(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "r.db")
	p := writeConfig(t, `{
		"telegram": {"token": "x", "owner_user_ids": [5]},
		"scheduler": {"enabled": true, "timezone": "UTC", "housekeeping": "0 3 * * *", "stop_grace": "3s"},
		"storage": {"driver": "sqlite", "path": "`+filepath.ToSlash(db)+`"}
	}`)
	_, cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	st, err := OpenStore(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	svc, err := NewScheduler(cfg, st, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := svc.Location().String(); got != "UTC" {
		t.Fatalf("location = %s", got)
	}
	if _, err := os.Stat(db); err != nil {
		t.Fatalf("db not created: %v", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		path    string
		wantErr bool
	}{
		{"default sqlite", config.StorageConfig{}, "sqlite", defaultDBPath, false},
		{"sqlite3 alias", config.StorageConfig{Driver: "sqlite3", Path: "/tmp/x.db"}, "sqlite", "/tmp/x.db", false},
		{"file", config.StorageConfig{Driver: "file", Path: "/tmp/r.json"}, "file", "/tmp/r.json", false},
		{"file without path", config.StorageConfig{Driver: "file"}, "", "", true},
		{"memory", config.StorageConfig{Driver: "memory"}, "memory", "", false},
		{"unknown", config.StorageConfig{Driver: "postgres"}, "", "", true},
		{"bad busy timeout", config.StorageConfig{BusyTimeout: "soon"}, "", "", true},
	}
	for _, tc := range cases {
		sc, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
		if err == nil && (sc.Driver != tc.driver || sc.Path != tc.path) {
			t.Fatalf("%s: got %+v", tc.name, sc)
		}
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{
		Timezone:       " Europe/Berlin ",
		Workers:        3,
		RetryMax:       5,
		RetryBase:      "30s",
		ResyncInterval: "1m",
		Housekeeping:   "@hourly",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Timezone != "Europe/Berlin" || sc.Workers != 3 || sc.RetryMax != 5 {
		t.Fatalf("got %+v", sc)
	}
	if sc.RetryBase != 30*time.Second || sc.ResyncInterval != time.Minute || sc.Housekeeping != "@hourly" {
		t.Fatalf("got %+v", sc)
	}
}

func TestMapLogConfigNeedsChat(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Logging.Telegram.Enabled = true
	if mapLogConfig(cfg).Telegram.Enabled {
		t.Fatalf("chat sink enabled without chat id")
	}
	cfg.Logging.Telegram.ChatID = -100
	if !mapLogConfig(cfg).Telegram.Enabled {
		t.Fatalf("chat sink disabled with chat id")
	}
}

func TestStepBoundsSlowSteps(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop()}
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	a.step(context.Background(), "slow", 20*time.Millisecond, func(c context.Context) error {
		<-release
		return nil
	})
	if time.Since(start) > time.Second {
		t.Fatalf("step did not honor its bound")
	}

	ran := false
	a.step(context.Background(), "panics", time.Second, func(context.Context) error {
		ran = true
		panic("boom")
	})
	if !ran {
		t.Fatalf("step did not run")
	}
}

func TestMapBreakerAndDebugConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{CircuitTrip: 7, CircuitBaseDelay: "3s", CircuitResetAfter: "10m"},
		Debug:     config.DebugConfig{Enabled: true, Address: " 127.0.0.1:6061 ", MutexProfileFraction: 5},
	}
	bc, err := mapBreakerConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if bc.Trip != 7 || bc.BaseDelay != 3*time.Second || bc.MaxDelay != 0 || bc.ResetAfter != 10*time.Minute {
		t.Fatalf("unexpected breaker config %+v", bc)
	}
	dc := mapDebugConfig(cfg)
	if !dc.Enabled || dc.Address != "127.0.0.1:6061" || dc.MutexProfileFraction != 5 {
		t.Fatalf("unexpected debug config %+v", dc)
	}

	cfg.Scheduler.CircuitMaxDelay = "later"
	if _, err := mapBreakerConfig(cfg); err == nil {
		t.Fatalf("expected bad duration to fail")
	}
}

func TestMapTelegramConfigs(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Telegram: config.TelegramConfig{
			Token:            "1:x",
			PollTimeout:      "10s",
			OwnerUserIDs:     []int64{7},
			UserRatePerMin:   12,
			UserBurst:        3,
			GlobalRatePerSec: 8,
		},
		Scheduler: config.SchedulerConfig{SendTimeout: "20s"},
	}
	ac, err := mapAdapterConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ac.PollTimeout != 10*time.Second || ac.RequestTimeout != 20*time.Second {
		t.Fatalf("adapter config = %+v", ac)
	}
	rc := mapRouterConfig(cfg)
	if rc.RateLimit.UserPerMinute != 12 || rc.RateLimit.UserBurst != 3 || rc.RateLimit.GlobalPerSec != 8 {
		t.Fatalf("router rate limit = %+v", rc.RateLimit)
	}
}
