// Package app wires the reminder engine to Telegram and owns the process
// lifecycle: startup order, hot reload and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindbot/internal/clock"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/observability/debug"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/dispatch"
	"remindbot/internal/task/scheduler"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	"remindbot/internal/transport/telegram/router"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	breaker *dispatch.Breaker
	sched   *scheduler.Service
	router  *router.Router
	debug   *debug.Server

	mu           sync.Mutex
	schedEnabled bool

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm, cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	// The chat sink needs the adapter, which needs a logger; start with
	// the sink detached and attach it once the adapter exists.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)

	acfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(acfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}

	br, err := NewBreaker(cfg, ad, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bus := eventbus.New()
	sched, err := NewScheduler(cfg, store, br, log, bus)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rt := router.New(mapRouterConfig(cfg), ad, router.Deps{
		Reminders: sched,
		Users:     store,
		Status:    sched,
		Clock:     clock.Real{},
	}, log.With(logx.String("comp", "router")))

	a := &App{
		cfgm:         cfgm,
		log:          log.With(logx.String("comp", "app")),
		logs:         logSvc,
		bus:          bus,
		store:        store,
		adapter:      ad,
		breaker:      br,
		sched:        sched,
		router:       rt,
		schedEnabled: cfg.Scheduler.Enabled,
		updates:      make(chan kit.Update, 256),
	}
	a.debug = debug.New(a.debugStatus, log.With(logx.String("comp", "debug")))
	return a, nil
}

type statusView struct {
	Scheduler scheduler.Snapshot    `json:"scheduler"`
	Breaker   dispatch.BreakerState `json:"breaker"`
}

// debugStatus backs /debug/scheduler and /healthz.
func (a *App) debugStatus() (any, bool) {
	snap := a.sched.Snapshot()
	healthy := !a.schedulerEnabled() || snap.State == scheduler.StateRunning
	return statusView{Scheduler: snap, Breaker: a.breaker.State()}, healthy
}

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

func (a *App) schedulerEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schedEnabled
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Recovery runs before polling starts so overdue reminders go out
	// before any new command can race them.
	if a.schedulerEnabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		a.log.Warn("scheduler disabled; reminders are stored but not delivered")
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("router.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.router.SyncMenu(mctx); err != nil {
			a.log.Warn("menu sync failed", logx.Err(err))
		}
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
				a.logEvent(e)
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
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)
	a.debug.Apply(a.sup.Context(), mapDebugConfig(a.cfgm.Get()))

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Bool("scheduler", a.schedulerEnabled()))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	d, _ := e.Data.(eventbus.Delivery)
	switch e.Type {
	case eventbus.ReminderFailed:
		a.log.Warn("reminder delivery failed for good",
			logx.Int64("reminder_id", d.ReminderID), logx.Int64("owner_id", d.OwnerID), logx.String("err", d.Err))
	case eventbus.SchedulerState:
		a.log.Debug("scheduler state", logx.Any("state", e.Data))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Int64("reminder_id", d.ReminderID), logx.Time("time", e.Time))
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.router.Apply(mapRouterConfig(newCfg))

	a.debug.Apply(ctx, mapDebugConfig(newCfg))

	sc, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if bc, err := mapBreakerConfig(newCfg); err == nil {
		a.breaker.Apply(bc)
	}

	a.mu.Lock()
	prev := a.schedEnabled
	a.schedEnabled = newCfg.Scheduler.Enabled
	a.mu.Unlock()
	switch {
	case prev && !newCfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.sched.Stop(stopCtx)
		cancel()
	case !prev && newCfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Error("scheduler start failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.sdNotify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so polling and dispatch start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "scheduler", a.schedulerStopBudget(), func(c context.Context) error { return a.sched.Stop(c) })
	a.step(ctx, "adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// schedulerStopBudget leaves room for the delivery grace period plus the
// revert writes that follow it.
func (a *App) schedulerStopBudget() time.Duration {
	grace := 30 * time.Second
	if sc, err := mapSchedulerConfig(a.cfgm.Get()); err == nil && sc.StopGrace > 0 {
		grace = sc.StopGrace
	}
	return grace + 5*time.Second
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
