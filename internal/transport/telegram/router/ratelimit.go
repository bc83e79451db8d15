package router

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/clock"
	logx "remindbot/pkg/logx"
)

type RateLimitConfig struct {
	// UserPerMinute is the sustained request rate per sender. Negative
	// disables inbound throttling.
	UserPerMinute int
	UserBurst     int
	// GlobalPerSec caps requests across all senders.
	GlobalPerSec int
	// Idle drops a sender's bucket after this long without requests.
	Idle time.Duration
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.UserPerMinute == 0 {
		c.UserPerMinute = 20
	}
	if c.UserBurst <= 0 {
		c.UserBurst = 5
	}
	if c.GlobalPerSec <= 0 {
		c.GlobalPerSec = 10
	}
	if c.Idle <= 0 {
		c.Idle = 10 * time.Minute
	}
	return c
}

type bucket struct {
	lim    *rate.Limiter
	seen   time.Time
	warned bool
}

// RateLimiter keeps a token bucket per sender plus one shared bucket.
// Buckets are created on first use and swept once idle.
type RateLimiter struct {
	clk clock.Clock

	mu        sync.Mutex
	cfg       RateLimitConfig
	global    *rate.Limiter
	users     map[int64]*bucket
	lastSweep time.Time
}

func NewRateLimiter(cfg RateLimitConfig, clk clock.Clock) *RateLimiter {
	l := &RateLimiter{clk: clock.OrReal(clk), users: map[int64]*bucket{}}
	l.Apply(cfg)
	return l
}

// Apply resets all buckets to the new limits.
func (l *RateLimiter) Apply(cfg RateLimitConfig) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global != nil && cfg == l.cfg {
		return
	}
	l.cfg = cfg
	l.global = rate.NewLimiter(rate.Limit(cfg.GlobalPerSec), cfg.GlobalPerSec)
	l.users = map[int64]*bucket{}
}

// Allow takes one token for id. notify is true for the first rejection in
// a run of rejections, so the sender is told once instead of every time.
func (l *RateLimiter) Allow(id int64) (ok, notify bool) {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.UserPerMinute < 0 {
		return true, false
	}
	l.sweepLocked(now)

	b, found := l.users[id]
	if !found {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(l.cfg.UserPerMinute)/60), l.cfg.UserBurst)}
		l.users[id] = b
	}
	b.seen = now
	if b.lim.AllowN(now, 1) && l.global.AllowN(now, 1) {
		b.warned = false
		return true, false
	}
	notify = !b.warned
	b.warned = true
	return false, notify
}

// Tracked is the number of senders with a live bucket.
func (l *RateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.Idle/2 {
		return
	}
	l.lastSweep = now
	for id, b := range l.users {
		if now.Sub(b.seen) > l.cfg.Idle {
			delete(l.users, id)
		}
	}
}

// MWRateLimit drops requests over the limit. The sender gets one notice per
// throttled run; the request itself is not an error.
func MWRateLimit(l *RateLimiter, log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if l == nil || req.FromID == 0 {
				return next(ctx, req)
			}
			ok, notify := l.Allow(req.FromID)
			if ok {
				return next(ctx, req)
			}
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			if !notify {
				logger.Debug("request throttled")
				return nil
			}
			logger.Warn("request throttled", logx.Int64("user_id", req.FromID))
			const msg = "⏳ You're sending requests too quickly. Please slow down."
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if cb := req.Update.Callback; cb != nil {
				_ = req.adapter.AnswerCallback(rctx, cb.ID, msg)
				return nil
			}
			_ = req.ReplyText(rctx, msg)
			return nil
		}
	}
}
