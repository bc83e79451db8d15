// Package router turns chat updates into reminder commands. Updates are
// queued and handled by a fixed pool of workers. Each request is wrapped in
// middleware for panic recovery, per-sender throttling, request logging and
// a timeout.
package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/tgui"
)

// Reminders is the part of the scheduler the commands drive.
type Reminders interface {
	CreateReminder(ctx context.Context, d reminder.Draft) (reminder.Reminder, error)
	CancelReminder(ctx context.Context, id, ownerID int64) (bool, error)
	RescheduleReminder(ctx context.Context, id, ownerID int64, at time.Time) (bool, error)
	DeleteReminder(ctx context.Context, id, ownerID int64) (bool, error)
	ListPending(ctx context.Context, ownerID int64) ([]reminder.Reminder, error)
	Stats(ctx context.Context, ownerID int64) (reminder.Stats, error)
	Get(ctx context.Context, id, ownerID int64) (reminder.Reminder, error)
	Location() *time.Location
}

type Users interface {
	PutUser(ctx context.Context, u reminder.User) error
	GetUser(ctx context.Context, id int64) (reminder.User, error)
}

// Status reports engine internals to owners.
type Status interface {
	Snapshot() scheduler.Snapshot
}

type Deps struct {
	Reminders Reminders
	Users     Users
	Status    Status // optional
	Clock     clock.Clock
}

type Config struct {
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
	Owners         []int64
	RateLimit      RateLimitConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 20 * time.Second
	}
	return c
}

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackFunc handles an inline button press "scope:action:id".
type CallbackFunc func(ctx context.Context, req *Request, action string, id int64) error

// Request is one update being handled.
type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Username string
	Command  string
	Args     string
	ReqID    string
	Logger   logx.Logger
	Now      time.Time
	Loc      *time.Location
	Owner    bool

	adapter kit.Adapter
}

func (r *Request) ReplyText(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, html string, markup *tgui.Inline) (kit.MessageRef, error) {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if markup != nil {
		opt.ReplyMarkup = markup.Markup()
	}
	return r.adapter.SendText(ctx, r.Chat, html, opt)
}

type job func(ctx context.Context)

type Router struct {
	adapter kit.Adapter
	deps    Deps
	log     logx.Logger

	mu        sync.RWMutex
	cfg       Config
	owners    map[int64]struct{}
	cmds      map[string]*Command
	ordered   []*Command
	callbacks map[string]CallbackFunc

	jobs    chan job
	run     func(ctx context.Context, j job) bool
	dropped atomic.Uint64
	limiter *RateLimiter
}

func New(cfg Config, adapter kit.Adapter, deps Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	deps.Clock = clock.OrReal(deps.Clock)
	cfg = cfg.withDefaults()
	r := &Router{
		adapter:   adapter,
		deps:      deps,
		log:       log,
		cmds:      map[string]*Command{},
		callbacks: map[string]CallbackFunc{},
		jobs:      make(chan job, cfg.QueueSize),
		limiter:   NewRateLimiter(cfg.RateLimit, deps.Clock),
	}
	r.run = r.enqueue
	r.Apply(cfg)
	r.registerBuiltins()
	return r
}

// Apply swaps the owner list, the default timeout and the inbound rate
// limits. Worker and queue sizes take effect on restart.
func (r *Router) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.limiter.Apply(cfg.RateLimit)
	owners := make(map[int64]struct{}, len(cfg.Owners))
	for _, id := range cfg.Owners {
		owners[id] = struct{}{}
	}
	r.mu.Lock()
	r.cfg = cfg
	r.owners = owners
	r.mu.Unlock()
}

func (r *Router) Register(c Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := c
	r.cmds[strings.ToLower(c.Name)] = &cmd
	for _, a := range c.Aliases {
		r.cmds[strings.ToLower(a)] = &cmd
	}
	r.ordered = append(r.ordered, &cmd)
}

func (r *Router) HandleCallback(scope string, fn CallbackFunc) {
	r.mu.Lock()
	r.callbacks[scope] = fn
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[id]
	return ok
}

func (r *Router) lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cmds[name]
	return c, ok
}

func (r *Router) commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Command(nil), r.ordered...)
}

// DispatchLoop consumes updates until ctx is done. Handlers run on a pool
// of supervised workers; a full queue drops the update.
func (r *Router) DispatchLoop(ctx context.Context, in <-chan kit.Update) error {
	r.mu.RLock()
	workers := r.cfg.Workers
	r.mu.RUnlock()

	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "router"))),
		supervisor.WithCancelOnError(false),
	)
	for i := 0; i < workers; i++ {
		sup.GoRestart("router.worker", func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case j := <-r.jobs:
					j(c)
				}
			}
		}, supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sup.Cancel()
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = sup.Wait(wctx)
			cancel()
			return nil
		case <-ticker.C:
			if n := r.dropped.Swap(0); n > 0 {
				r.log.Warn("router queue full, updates dropped", logx.Uint64("count", n))
			}
		case up, ok := <-in:
			if !ok {
				sup.Cancel()
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) enqueue(_ context.Context, j job) bool {
	select {
	case r.jobs <- j:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.routeMessage(ctx, up)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.routeCallback(ctx, up)
		}
	}
}

func (r *Router) newRequest(ctx context.Context, up kit.Update, chat kit.ChatTarget, from int64, username string) *Request {
	req := &Request{
		Update:   up,
		Chat:     chat,
		FromID:   from,
		Username: username,
		ReqID:    newReqID(),
		Now:      r.deps.Clock.Now(),
		Owner:    r.isOwner(from),
		adapter:  r.adapter,
	}
	req.Logger = r.log.With(logx.String("req_id", req.ReqID), logx.Int64("user_id", from))
	req.Loc = r.userLocation(ctx, from)
	req.Now = req.Now.In(req.Loc)
	return req
}

func (r *Router) userLocation(ctx context.Context, id int64) *time.Location {
	def := r.deps.Reminders.Location()
	if r.deps.Users == nil {
		return def
	}
	u, err := r.deps.Users.GetUser(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			r.log.Debug("user lookup failed", logx.Int64("user_id", id), logx.Err(err))
		}
		return def
	}
	return u.Location(def)
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	m := up.Message
	name, rest, ok := splitCommand(m.Text)
	if !ok {
		if m.Private {
			r.run(ctx, func(c context.Context) {
				req := r.newRequest(c, up, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, m.FromID, m.FromUsername)
				h := Chain(func(hc context.Context, rq *Request) error {
					return rq.ReplyText(hc, "Send /remind <when> | <what> to set a reminder, or /help for everything else.")
				}, MWRateLimit(r.limiter, r.log))
				_ = h(c, req)
			})
		}
		return
	}
	cmd, found := r.lookup(name)
	if !found {
		if m.Private {
			r.run(ctx, func(c context.Context) {
				req := r.newRequest(c, up, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, m.FromID, m.FromUsername)
				h := Chain(func(hc context.Context, rq *Request) error {
					return rq.ReplyText(hc, "Unknown command /"+name+". See /help.")
				}, MWRateLimit(r.limiter, r.log))
				_ = h(c, req)
			})
		}
		return
	}

	r.mu.RLock()
	timeout := r.cfg.CommandTimeout
	r.mu.RUnlock()
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}

	r.run(ctx, func(c context.Context) {
		req := r.newRequest(c, up, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, m.FromID, m.FromUsername)
		req.Command = cmd.Name
		req.Args = rest
		req.Logger = req.Logger.With(logx.String("cmd", cmd.Name))
		if cmd.Access == AccessOwnerOnly && !req.Owner {
			_ = req.ReplyText(c, "⛔ This command is only available to bot owners.")
			return
		}
		h := Chain(cmd.Handle,
			MWPanicRecover(r.log),
			MWRateLimit(r.limiter, r.log),
			MWRequestLog(r.log),
			MWReplyOnError(),
			MWTimeout(timeout),
		)
		_ = h(c, req)
	})
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	scope, action, id, ok := tgui.ParseData(cb.Data)
	r.mu.RLock()
	fn, found := r.callbacks[scope]
	timeout := r.cfg.CommandTimeout
	r.mu.RUnlock()

	r.run(ctx, func(c context.Context) {
		if !ok || !found {
			_ = r.adapter.AnswerCallback(c, cb.ID, "This button is no longer valid.")
			return
		}
		req := r.newRequest(c, up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, "")
		req.Command = scope + ":" + action
		req.Logger = req.Logger.With(logx.String("callback", req.Command))
		h := Chain(func(hc context.Context, rq *Request) error {
			return fn(hc, rq, action, id)
		},
			MWPanicRecover(r.log),
			MWRateLimit(r.limiter, r.log),
			MWRequestLog(r.log),
			MWTimeout(timeout),
		)
		_ = h(c, req)
	})
}
