package config

import (
	"reflect"
	"sort"
	"strings"

	logx "sorabot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (tokens, api keys, DSNs) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		!reflect.DeepEqual(oldCfg.Telegram.AllowedUserIDs, newCfg.Telegram.AllowedUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Int("telegram.allowed_count", len(newCfg.Telegram.AllowedUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Sora (never log api key)
	nS := newCfg.Sora
	if oldCfg.Sora != nS {
		changed = append(changed, "sora")
		attrs = append(attrs,
			logx.String("sora.base_url", nS.BaseURL),
			logx.String("sora.model", nS.Model),
			logx.Int("sora.default_duration", nS.DefaultDuration),
			logx.Int("sora.rate_per_sec", nS.RatePerSec),
			logx.Bool("sora.api_key_set", nS.APIKey != ""),
		)
	}

	oL, nL := oldCfg.Limits, newCfg.Limits
	if oL != nL {
		changed = append(changed, "limits")
		attrs = append(attrs,
			logx.Int("limits.per_user_concurrency", nL.PerUserConcurrency),
			logx.Int("limits.global_concurrency", nL.GlobalConcurrency),
			logx.Int("limits.per_user_rate", nL.PerUserRate),
			logx.String("limits.rate_window", strings.TrimSpace(nL.RateWindow)),
			logx.String("limits.backend", nL.Backend),
			logx.Bool("limits.redis_url_set", strings.TrimSpace(nL.RedisURL) != ""),
		)
	}

	if oldCfg.Orchestrator != newCfg.Orchestrator {
		n := newCfg.Orchestrator
		changed = append(changed, "orchestrator")
		attrs = append(attrs,
			logx.String("orchestrator.poll_interval", n.PollInterval),
			logx.String("orchestrator.job_timeout", n.JobTimeout),
			logx.Int("orchestrator.max_submit_attempts", n.MaxSubmitAttempts),
			logx.Int("orchestrator.max_poll_errors", n.MaxPollErrors),
			logx.Int("orchestrator.max_delivery_attempts", n.MaxDeliveryAttempts),
			logx.String("orchestrator.idempotency_policy", n.IdempotencyPolicy),
			logx.String("orchestrator.sweep_schedule", n.SweepSchedule),
			logx.String("orchestrator.lease_ttl", n.LeaseTTL),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.String("delivery.send_timeout", newCfg.Delivery.SendTimeout),
		)
	}

	// Storage (never log dsn)
	oSt, nSt := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oSt.Driver) != strings.TrimSpace(nSt.Driver) ||
		strings.TrimSpace(oSt.Path) != strings.TrimSpace(nSt.Path) ||
		strings.TrimSpace(oSt.BusyTimeout) != strings.TrimSpace(nSt.BusyTimeout) ||
		oSt.DSN != nSt.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nSt.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nSt.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nSt.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nSt.BusyTimeout)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.String("http.callback_path", newCfg.HTTP.CallbackPath),
			logx.Bool("http.callback_secret_set", newCfg.HTTP.CallbackSecret != ""),
		)
	}

	if oldCfg.Caption != newCfg.Caption {
		changed = append(changed, "caption")
		attrs = append(attrs,
			logx.Bool("caption.enabled", newCfg.Caption.Enabled),
			logx.String("caption.model", newCfg.Caption.Model),
			logx.Bool("caption.api_key_set", newCfg.Caption.APIKey != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// process restart. Logging, limits and orchestrator settings are applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "http", "sora", "caption", "delivery":
			out = append(out, s)
		}
	}
	return out
}
