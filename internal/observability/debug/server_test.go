package debug

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func get(ctx context.Context, url string) (int, []byte, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return 0, nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			body, rerr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			cancel()
			return resp.StatusCode, body, rerr
		}
		cancel()
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestServerApplyEnableDisable(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := New(func() (any, bool) {
		return map[string]any{"state": "running", "armed": 3}, healthy.Load()
	}, logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		_ = runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv.Apply(ctx, Config{Enabled: true, Address: "127.0.0.1:0", MutexProfileFraction: 7})
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected listener address")
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	code, _, err := get(ctx, "http://"+addr+"/debug/pprof/")
	if err != nil || code != http.StatusOK {
		t.Fatalf("pprof index: code=%d err=%v", code, err)
	}

	code, body, err := get(ctx, "http://"+addr+"/debug/scheduler")
	if err != nil || code != http.StatusOK {
		t.Fatalf("scheduler: code=%d err=%v", code, err)
	}
	var snap map[string]any
	if err := json.Unmarshal(body, &snap); err != nil || snap["state"] != "running" {
		t.Fatalf("unexpected snapshot %s (%v)", body, err)
	}

	if code, _, _ := get(ctx, "http://"+addr+"/healthz"); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}
	healthy.Store(false)
	if code, _, _ := get(ctx, "http://"+addr+"/healthz"); code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d, want 503", code)
	}

	// Same address is a no-op.
	srv.Apply(ctx, Config{Enabled: true, Address: addr})
	if srv.Addr() != addr {
		t.Fatalf("listener moved: %s -> %s", addr, srv.Addr())
	}

	srv.Apply(ctx, Config{Enabled: false})
	if a := srv.Addr(); a != "" {
		t.Fatalf("expected listener to stop, still at %s", a)
	}
}
