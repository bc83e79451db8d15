package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/dispatch"
	"remindbot/internal/task/recovery"
	"remindbot/internal/task/timer"
	logx "remindbot/pkg/logx"
)

type Service struct {
	store  storage.Store
	timer  *timer.Engine
	disp   *dispatch.Dispatcher
	loader *recovery.Loader
	clk    clock.Clock
	log    logx.Logger
	bus    eventbus.Bus

	mu           sync.Mutex
	cfg          Config
	loc          *time.Location
	state        State
	lastRecovery recovery.Report
	lastHK       HousekeepingReport

	// Per-run resources, replaced on every Start.
	jobs       chan int64
	stopCh     chan struct{}
	workCancel context.CancelFunc
	workers    sync.WaitGroup
	sup        *supervisor.Supervisor
	cron       *cron.Cron
}

func New(cfg Config, st storage.Store, sender dispatch.Sender, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	clk = clock.OrReal(clk)
	bus = eventbus.OrNop(bus)
	cfg = cfg.withDefaults()
	loc := loadLocation(cfg.Timezone)

	tm := timer.New()
	s := &Service{
		store: st,
		timer: tm,
		clk:   clk,
		log:   log,
		bus:   bus,
		cfg:   cfg,
		loc:   loc,
		state: StateStopped,
	}
	s.disp = dispatch.New(dispatchConfig(cfg, loc), st, tm, sender, clk, log.With(logx.String("comp", "dispatch")), bus)
	s.loader = recovery.New(st, tm, clk, log.With(logx.String("comp", "recovery")), cfg.RecoveryHorizon)
	return s
}

func dispatchConfig(cfg Config, loc *time.Location) dispatch.Config {
	return dispatch.Config{
		MaxRetries:  cfg.RetryMax,
		RetryBase:   cfg.RetryBase,
		SendTimeout: cfg.SendTimeout,
		Location:    loc,
	}
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Apply hot-swaps tuning. Worker count, tick interval and housekeeping
// changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	loc := loadLocation(cfg.Timezone)
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.loc = loc
	running := s.state == StateRunning
	s.mu.Unlock()

	s.disp.Apply(dispatchConfig(cfg, loc))
	if running && (old.Workers != cfg.Workers || old.TickInterval != cfg.TickInterval || old.Housekeeping != cfg.Housekeeping) {
		s.log.Warn("scheduler change needs restart to fully apply",
			logx.Int("workers", cfg.Workers), logx.Duration("tick", cfg.TickInterval), logx.String("housekeeping", cfg.Housekeeping))
	}
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerState, Data: string(st)})
}

// Location is the default zone for calendar rules.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Start rebuilds the timer index from the store, delivering overdue
// reminders, and then begins ticking. A failed store scan aborts the start
// and leaves the service stopped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		st := s.state
		s.mu.Unlock()
		if st == StateStopping {
			return ErrStopping
		}
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	cfg := s.cfg
	loc := s.loc
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerState, Data: string(StateStarting)})

	startAt := time.Now()
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	jobs := make(chan int64, cfg.Workers*16)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.jobs, s.stopCh, s.workCancel = jobs, stopCh, workCancel
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker(workCtx, stopCh, jobs)
	}

	rep, err := s.loader.Run(ctx, s.submitter(stopCh, jobs))
	if err != nil {
		close(stopCh)
		workCancel()
		s.workers.Wait()
		s.timer.Reset()
		s.setState(StateStopped)
		s.log.Error("scheduler start aborted", logx.Err(err))
		return err
	}

	sup := supervisor.New(workCtx, supervisor.WithLogger(s.log))
	sup.GoRestart("scheduler.tick", func(ctx context.Context) error {
		return s.tickLoop(ctx, stopCh, jobs, cfg.TickInterval)
	})
	if cfg.ResyncInterval > 0 {
		sup.GoRestart("scheduler.resync", func(ctx context.Context) error {
			return s.resyncLoop(ctx, stopCh, jobs, cfg.ResyncInterval)
		})
	}

	c := s.startHousekeeping(cfg, loc)

	s.mu.Lock()
	s.lastRecovery = rep
	s.sup = sup
	s.cron = c
	s.mu.Unlock()
	s.setState(StateRunning)
	s.log.Info("scheduler started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("tick", cfg.TickInterval),
		logx.Int("armed", s.timer.Len()),
		logx.Duration("took", time.Since(startAt)),
	)
	return nil
}

// drainTimeout bounds the wait for workers after their context is cancelled.
// It outlasts the dispatcher's detached bookkeeping window.
const drainTimeout = 12 * time.Second

// Stop halts ticking, waits up to StopGrace for in-flight deliveries, then
// cancels them. Armed timers are dropped; the next Start rebuilds them.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	grace := s.cfg.StopGrace
	stopCh, workCancel, sup, c := s.stopCh, s.workCancel, s.sup, s.cron
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerState, Data: string(StateStopping)})

	start := time.Now()
	close(stopCh)
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	graceT := time.NewTimer(grace)
	defer graceT.Stop()
	select {
	case <-done:
	case <-graceT.C:
		s.log.Warn("stop grace elapsed, cancelling in-flight deliveries", logx.Duration("grace", grace))
		workCancel()
	case <-ctx.Done():
		s.log.Warn("stop deadline reached, cancelling in-flight deliveries")
		workCancel()
	}
	workCancel()
	drainT := time.NewTimer(drainTimeout)
	defer drainT.Stop()
	select {
	case <-done:
	case <-drainT.C:
		s.log.Warn("workers still busy after cancel, abandoning them", logx.Duration("waited", drainTimeout))
	}

	if sup != nil {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sup.Stop(wctx); err != nil {
			s.log.Warn("scheduler goroutines did not stop cleanly", logx.Err(err))
		}
		cancel()
	}

	s.timer.Reset()
	s.setState(StateStopped)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) submitter(stopCh <-chan struct{}, jobs chan<- int64) recovery.Submit {
	return func(ctx context.Context, id int64) error {
		select {
		case jobs <- id:
			return nil
		case <-stopCh:
			return ErrStopping
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, jobs <-chan int64) {
	defer s.workers.Done()
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case id := <-jobs:
			s.deliver(ctx, id)
		}
	}
}

func (s *Service) deliver(ctx context.Context, id int64) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("delivery panicked", logx.Int64("reminder_id", id), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	if _, err := s.disp.Deliver(ctx, id); err != nil {
		s.log.Error("delivery failed", logx.Int64("reminder_id", id), logx.Err(err))
	}
}

func (s *Service) tickLoop(ctx context.Context, stopCh <-chan struct{}, jobs chan<- int64, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-t.C:
			s.tick(ctx, stopCh, jobs)
		}
	}
}

// tick hands every due id to the workers. Ids popped while stopping are
// dropped from memory only; they are still pending in the store.
func (s *Service) tick(ctx context.Context, stopCh <-chan struct{}, jobs chan<- int64) int {
	ids := s.timer.PopDue(s.clk.Now())
	for i, id := range ids {
		select {
		case jobs <- id:
		case <-stopCh:
			return i
		case <-ctx.Done():
			return i
		}
	}
	return len(ids)
}

func (s *Service) resyncLoop(ctx context.Context, stopCh <-chan struct{}, jobs chan<- int64, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-t.C:
			rep, err := s.loader.Run(ctx, s.submitter(stopCh, jobs))
			if err != nil {
				return fmt.Errorf("resync: %w", err)
			}
			s.mu.Lock()
			s.lastRecovery = rep
			s.mu.Unlock()
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:        s.state,
		Timezone:     s.loc.String(),
		Workers:      s.cfg.Workers,
		Recovery:     s.lastRecovery,
		Housekeeping: s.lastHK,
	}
	if s.jobs != nil {
		snap.QueueLen = len(s.jobs)
	}
	sup := s.sup
	s.mu.Unlock()

	snap.Armed = s.timer.Len()
	if next, ok := s.timer.Next(); ok {
		snap.NextFire = next
	}
	snap.Dispatch = s.disp.Snapshot()
	if sup != nil {
		snap.Goroutines = sup.Snapshot()
	}
	return snap
}
