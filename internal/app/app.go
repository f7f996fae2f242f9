// Package app wires the bot, the orchestrator and their backends together
// and owns process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"sorabot/internal/bot"
	"sorabot/internal/caption"
	"sorabot/internal/config"
	"sorabot/internal/delivery"
	"sorabot/internal/eventbus"
	"sorabot/internal/httpapi"
	"sorabot/internal/orchestrator"
	"sorabot/internal/ratelimit"
	rtsup "sorabot/internal/runtime/supervisor"
	"sorabot/internal/sora"
	"sorabot/internal/storage"
	kit "sorabot/internal/transport"
	telegram "sorabot/internal/transport/telegram/adapter"
	logx "sorabot/pkg/logx"
)

// limiter is the admission backend plus live limit updates.
type limiter interface {
	ratelimit.Limiter
	SetLimits(ratelimit.Limits)
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rdb   *redis.Client

	adapter  *telegram.Adapter
	limiter  limiter
	gen      *sora.Client
	captions *caption.Gemini
	orch     *orchestrator.Orchestrator
	router   *bot.Router
	http     *httpapi.Server

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.RequireSecrets(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	var durs config.Durations
	pollTimeout := durs.Get("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	captionTimeout := durs.Get("caption.timeout", cfg.Caption.Timeout, 0)
	if err := durs.Err(); err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	defer func() {
		if err != nil {
			a.closeBackends()
		}
	}()

	sc, err := MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	limits, err := mapLimits(cfg)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.Limits.Backend, "redis") {
		opts, err := redis.ParseURL(cfg.Limits.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("limits.redis_url: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.limiter = ratelimit.NewRedis(a.rdb, cfg.Limits.RedisPrefix, limits)
	} else {
		a.limiter = ratelimit.NewMemory(limits)
	}

	so, err := mapSoraOptions(cfg, log)
	if err != nil {
		return nil, err
	}
	if a.gen, err = sora.NewClient(so); err != nil {
		return nil, err
	}

	var captions caption.Generator
	if cfg.Caption.Enabled {
		a.captions, err = caption.NewGemini(ctx, caption.Options{
			APIKey:  cfg.Caption.APIKey,
			Model:   cfg.Caption.Model,
			Timeout: captionTimeout,
			Logger:  log,
		})
		if err != nil {
			return nil, err
		}
		captions = a.captions
	}

	do, err := mapDeliveryOptions(cfg, log)
	if err != nil {
		return nil, err
	}
	oc, err := a.orchestratorConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.orch = orchestrator.New(orchestrator.Deps{
		Store:     a.store,
		Limiter:   a.limiter,
		Generator: a.gen,
		Sink:      delivery.NewTelegram(ad, do),
		Captions:  captions,
		Bus:       a.bus,
		Logger:    log,
	}, oc)

	a.router = bot.New(ad, a.orch, bot.Options{Access: mapAccess(cfg), Logger: log})

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	if hc.Addr != "" {
		a.http = httpapi.New(hc, a.orch, log)
	}
	return a, nil
}

func (a *App) orchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	oc, err := mapOrchestratorConfig(cfg)
	if err != nil {
		return oc, err
	}
	oc.Defaults = a.gen.DefaultParams(oc.Defaults)
	return oc, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reloads are validated by the manager before they are published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Resume unfinished jobs before accepting new ones.
	if err := a.orch.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("bot.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.Menu()); err != nil {
			a.log.Warn("failed to update command menu", logx.Err(err))
		}
	})
	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.JobID(e.JobID), logx.Time("time", e.Time))
			}
		}
	})

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemd()
	a.log.Info("app started")
	return nil
}

// startReload fans committed config changes out to the live components.
func (a *App) startReload() {
	changes, stop := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer stop()
		for {
			select {
			case <-c.Done():
				return
			case ch, ok := <-changes:
				if !ok {
					return
				}
				if len(ch.Sections) == 0 {
					a.log.Info("config reloaded (no tracked changes)")
					continue
				}
				a.apply(ch.New)
				if len(ch.Restart) > 0 {
					a.log.Warn("some config changes need a restart to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) apply(cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))
	a.router.SetAccess(mapAccess(cfg))

	if limits, err := mapLimits(cfg); err != nil {
		a.log.Warn("invalid limits config; keeping previous", logx.Err(err))
	} else {
		a.limiter.SetLimits(limits)
	}
	if oc, err := a.orchestratorConfig(cfg); err != nil {
		a.log.Warn("invalid orchestrator config; keeping previous", logx.Err(err))
	} else {
		a.orch.SetConfig(oc)
	}
}

// notifySystemd reports readiness and keeps the watchdog fed when the unit
// asks for it. Outside systemd both calls are no-ops.
func (a *App) notifySystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Intake and drivers stop together; both leave state in the store.
	step("intake", 5*time.Second, func(c context.Context) error {
		g, gctx := errgroup.WithContext(c)
		g.Go(func() error { return a.adapter.Stop(gctx) })
		g.Go(func() error { return a.orch.Stop(gctx) })
		return g.Wait()
	})

	a.sup.Cancel()
	step("supervisor", 3*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("backends", 2*time.Second, func(context.Context) error {
		return a.closeBackends()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeBackends() error {
	var errs []error
	if a.captions != nil {
		errs = append(errs, a.captions.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	return errors.Join(errs...)
}
