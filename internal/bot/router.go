// Package bot turns chat messages into orchestrator calls.
package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"sorabot/internal/job"
	"sorabot/internal/orchestrator"
	rtsup "sorabot/internal/runtime/supervisor"
	kit "sorabot/internal/transport"
	logx "sorabot/pkg/logx"
)

// Jobs is the orchestrator surface the commands use.
type Jobs interface {
	Submit(ctx context.Context, req orchestrator.Request) (string, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*job.Job, error)
	Cancel(ctx context.Context, jobID string, userID int64) (*job.Job, error)
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Buttons are reply keyboard labels that trigger the command.
	Buttons []string
	// Flags lists flags that take a value.
	Flags   []string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	RawArgs []string
	Flags   map[string]string
	Bools   map[string]bool
	ReqID   string
	Logger  logx.Logger
}

// Access controls who may use the bot. Owners are always allowed; an empty
// Allowed list lets everyone in.
type Access struct {
	Owners  []int64
	Allowed []int64
}

func (a Access) permits(id int64) bool {
	if len(a.Allowed) == 0 {
		return true
	}
	return slices.Contains(a.Owners, id) || slices.Contains(a.Allowed, id)
}

func (a Access) IsOwner(id int64) bool { return slices.Contains(a.Owners, id) }

type Options struct {
	Access         Access
	CommandTimeout time.Duration
	Workers        int
	Logger         logx.Logger
}

type Router struct {
	out  kit.TextSender
	jobs Jobs
	log  logx.Logger

	mu      sync.RWMutex
	access  Access
	timeout time.Duration

	cmds    []Command
	byName  map[string]*Command
	buttons map[string]*Command

	workers int
	queue   chan func()
}

func New(out kit.TextSender, jobs Jobs, opts Options) *Router {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}
	r := &Router{
		out:     out,
		jobs:    jobs,
		log:     log.With(logx.String("comp", "bot")),
		workers: workers,
		queue:   make(chan func(), 256),
	}
	r.SetAccess(opts.Access)
	r.SetTimeout(opts.CommandTimeout)
	r.register(r.commands())
	return r
}

func (r *Router) SetAccess(a Access) {
	a.Owners = slices.Clone(a.Owners)
	a.Allowed = slices.Clone(a.Allowed)
	r.mu.Lock()
	r.access = a
	r.mu.Unlock()
}

func (r *Router) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = 30 * time.Second
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

func (r *Router) settings() (Access, time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.access, r.timeout
}

func (r *Router) register(cmds []Command) {
	r.cmds = cmds
	r.byName = map[string]*Command{}
	r.buttons = map[string]*Command{}
	for i := range r.cmds {
		c := &r.cmds[i]
		r.byName[c.Name] = c
		for _, a := range c.Aliases {
			r.byName[a] = c
		}
		for _, b := range c.Buttons {
			r.buttons[b] = c
		}
	}
}

// Menu is the command list for the Telegram menu.
func (r *Router) Menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run dispatches updates to a bounded worker pool until ctx ends or updates
// is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	for i := range r.workers {
		sup.GoRestart("bot.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case fn := <-r.queue:
					r.runJob(i, fn)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("dispatcher started", logx.Int("workers", r.workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			fn := r.route(ctx, up.Message)
			if fn == nil {
				continue
			}
			select {
			case r.queue <- fn:
			default:
				msg := up.Message
				_, _ = r.out.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "⏳ Busy, try again in a moment.", nil)
			}
		}
	}
}

func (r *Router) runJob(worker int, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

// HandleMessage routes and runs msg on the calling goroutine.
func (r *Router) HandleMessage(ctx context.Context, msg *kit.Message) {
	if fn := r.route(ctx, msg); fn != nil {
		fn()
	}
}

// route resolves msg to a ready-to-run handler, or nil when the message is
// not for the bot.
func (r *Router) route(ctx context.Context, msg *kit.Message) func() {
	if msg == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	var (
		cmd  *Command
		args []string
	)
	if c, ok := r.buttons[text]; ok {
		cmd = c
	} else {
		parts := tokenizeCommandLine(text)
		if len(parts) == 0 {
			return nil
		}
		word, ok := commandWord(parts[0])
		if !ok {
			return nil
		}
		if cmd, ok = r.byName[word]; !ok {
			return func() { _, _ = r.out.SendText(ctx, chat, "Unknown command. Try /help", nil) }
		}
		args = parts[1:]
	}

	access, timeout := r.settings()
	if !access.permits(msg.FromID) {
		r.log.Debug("message from user not on allow list", logx.Int64("from_id", msg.FromID))
		return func() { _, _ = r.out.SendText(ctx, chat, "⛔ You are not allowed to use this bot.", nil) }
	}

	valued := map[string]bool{}
	for _, f := range cmd.Flags {
		valued[f] = true
	}
	pos, flags, bools := parseFlags(args, valued)
	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    pos,
		RawArgs: args,
		Flags:   flags,
		Bools:   bools,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	return func() { _ = final(ctx, req) }
}

func (r *Router) reply(ctx context.Context, req *Request, text string) error {
	_, err := r.out.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}
