package app

import (
	"strconv"
	"strings"
	"time"

	"sorabot/internal/bot"
	"sorabot/internal/config"
	"sorabot/internal/delivery"
	"sorabot/internal/httpapi"
	"sorabot/internal/orchestrator"
	"sorabot/internal/ratelimit"
	"sorabot/internal/sora"
	"sorabot/internal/storage"
	logx "sorabot/pkg/logx"
)

// The mappers below run on configs that passed config.Validate, so duration
// errors are already ruled out; they still surface them instead of guessing.

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if chatID, err := strconv.ParseInt(g, 10, 64); err == nil {
			lc.Telegram.ChatID = chatID
		}
	}
	return lc
}

// MapStorageConfig resolves the job store settings.
func MapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	var d config.Durations
	busy := d.Get("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err := d.Err(); err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		switch driver {
		case "", "sqlite", "sqlite3":
			path = "./data/sorabot.db"
		case "file":
			path = "./data/jobs"
		}
	}
	return storage.Config{Driver: driver, Path: path, DSN: strings.TrimSpace(sc.DSN), BusyTimeout: busy}, nil
}

func mapLimits(cfg *config.Config) (ratelimit.Limits, error) {
	var d config.Durations
	window := d.Get("limits.rate_window", cfg.Limits.RateWindow, time.Hour)
	if err := d.Err(); err != nil {
		return ratelimit.Limits{}, err
	}
	return ratelimit.Limits{
		PerUserConcurrency: cfg.Limits.PerUserConcurrency,
		GlobalConcurrency:  cfg.Limits.GlobalConcurrency,
		PerUserRate:        cfg.Limits.PerUserRate,
		Window:             window,
	}, nil
}

func mapSoraOptions(cfg *config.Config, log logx.Logger) (sora.Options, error) {
	sc := cfg.Sora
	var d config.Durations
	timeout := d.Get("sora.request_timeout", sc.RequestTimeout, 30*time.Second)
	base := d.Get("sora.circuit_base", sc.CircuitBase, 0)
	maxDelay := d.Get("sora.circuit_max", sc.CircuitMax, 0)
	if err := d.Err(); err != nil {
		return sora.Options{}, err
	}
	rps := sc.RatePerSec
	if rps == 0 {
		rps = 2
	}
	return sora.Options{
		APIKey:         sc.APIKey,
		BaseURL:        sc.BaseURL,
		Model:          sc.Model,
		Resolution:     sc.Resolution,
		AspectRatio:    sc.AspectRatio,
		RequestTimeout: timeout,
		RatePerSec:     rps,
		Breaker:        sora.BreakerConfig{Trip: sc.CircuitTripAfter, BaseDelay: base, MaxDelay: maxDelay},
		Logger:         log,
	}, nil
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	oc := cfg.Orchestrator
	var (
		out orchestrator.Config
		d   config.Durations
	)
	out.PollInterval = d.Get("orchestrator.poll_interval", oc.PollInterval, 5*time.Second)
	out.PollMaxInterval = d.Get("orchestrator.poll_max_interval", oc.PollMaxInterval, 30*time.Second)
	out.SubmitBackoff = d.Get("orchestrator.submit_backoff", oc.SubmitBackoff, 2*time.Second)
	out.SubmitMaxBackoff = d.Get("orchestrator.submit_max_backoff", oc.SubmitMaxBackoff, 30*time.Second)
	out.LeaseTTL = d.Get("orchestrator.lease_ttl", oc.LeaseTTL, 5*time.Minute)
	// An explicit "0s" turns the job timeout off.
	out.JobTimeout = d.Exact("orchestrator.job_timeout", oc.JobTimeout, 20*time.Minute)
	if err := d.Err(); err != nil {
		return orchestrator.Config{}, err
	}
	sweep := strings.TrimSpace(oc.SweepSchedule)
	if sweep == "" {
		sweep = "@every 30m"
	}
	out.MaxSubmitAttempts = oc.MaxSubmitAttempts
	out.MaxPollErrors = oc.MaxPollErrors
	out.MaxDeliveryAttempts = oc.MaxDeliveryAttempts
	out.IdempotencyPolicy = orchestrator.IdempotencyPolicy(oc.IdempotencyPolicy)
	out.SweepSchedule = sweep
	out.Defaults.Duration = cfg.Sora.DefaultDuration
	out.Caption = cfg.Delivery.Caption
	return out, nil
}

func mapDeliveryOptions(cfg *config.Config, log logx.Logger) (delivery.Options, error) {
	var d config.Durations
	timeout := d.Get("delivery.send_timeout", cfg.Delivery.SendTimeout, 0)
	if err := d.Err(); err != nil {
		return delivery.Options{}, err
	}
	return delivery.Options{
		RatePerSec:  cfg.Delivery.RatePerSec,
		SendTimeout: timeout,
		Caption:     cfg.Delivery.Caption,
		Logger:      log,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	var d config.Durations
	rt := d.Get("http.read_timeout", cfg.HTTP.ReadTimeout, 0)
	wt := d.Get("http.write_timeout", cfg.HTTP.WriteTimeout, 0)
	if err := d.Err(); err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:           strings.TrimSpace(cfg.HTTP.Addr),
		CallbackPath:   strings.TrimSpace(cfg.HTTP.CallbackPath),
		CallbackSecret: cfg.HTTP.CallbackSecret,
		ReadTimeout:    rt,
		WriteTimeout:   wt,
		Pprof:          cfg.HTTP.Pprof,
	}, nil
}

func mapAccess(cfg *config.Config) bot.Access {
	return bot.Access{Owners: cfg.Telegram.OwnerUserIDs, Allowed: cfg.Telegram.AllowedUserIDs}
}
