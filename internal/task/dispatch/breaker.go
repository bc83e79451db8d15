package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// ErrCircuitOpen is returned while the breaker short-circuits sends.
var ErrCircuitOpen = errors.New("delivery circuit open")

type BreakerConfig struct {
	// Trip is the number of consecutive retryable failures that opens the
	// circuit. Negative disables the breaker.
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

type BreakerState struct {
	Open      bool      `json:"open"`
	Fails     int       `json:"consecutive_failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

// Breaker wraps a Sender with a consecutive-failure circuit breaker. Once
// the transport keeps failing, due reminders go straight to the retry path
// instead of piling up on a dead connection. Permanent errors are about
// one recipient and do not count.
type Breaker struct {
	next Sender
	clk  clock.Clock
	log  logx.Logger

	mu          sync.Mutex
	cfg         BreakerConfig
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func NewBreaker(next Sender, cfg BreakerConfig, clk clock.Clock, log logx.Logger) *Breaker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Breaker{next: next, clk: clock.OrReal(clk), log: log, cfg: cfg.withDefaults()}
}

func (b *Breaker) Apply(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *Breaker) Send(ctx context.Context, ownerID int64, text string) error {
	if until, open := b.isOpen(b.clk.Now()); open {
		return reminder.Retryable(&openError{until: until})
	}
	err := b.next.Send(ctx, ownerID, text)
	if err != nil && !reminder.IsRetryable(err) {
		// The transport answered; the recipient is the problem.
		b.record(b.clk.Now(), nil)
		return err
	}
	b.record(b.clk.Now(), err)
	return err
}

func (b *Breaker) State() BreakerState {
	now := b.clk.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	st := BreakerState{Fails: b.fails}
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		st.Open = true
		st.OpenUntil = b.openUntil
	}
	return st
}

func (b *Breaker) isOpen(now time.Time) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.Trip < 0 {
		return time.Time{}, false
	}
	b.expireLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return b.openUntil, true
	}
	return time.Time{}, false
}

// expireLocked forgets a failure streak that went quiet.
func (b *Breaker) expireLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
	}
}

func (b *Breaker) record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.Trip < 0 {
		return
	}
	b.expireLocked(now)

	if err == nil {
		if b.fails >= b.cfg.Trip {
			b.log.Info("delivery circuit closed")
		}
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.Trip {
		return
	}

	d := b.cfg.BaseDelay
	for i := 0; i < b.fails-b.cfg.Trip; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			break
		}
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.openUntil = now.Add(d)
	b.log.Warn("delivery circuit open",
		logx.Int("failures", b.fails),
		logx.Duration("cooldown", d),
		logx.Err(err),
	)
}

type openError struct{ until time.Time }

func (e *openError) Error() string {
	return ErrCircuitOpen.Error() + " until " + e.until.UTC().Format(time.RFC3339)
}

func (e *openError) Is(target error) bool { return target == ErrCircuitOpen }
