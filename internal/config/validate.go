package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = func() *validator.Validate {
	v := validator.New()
	// Report fields by their json names so errors match the config file.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks struct tags, duration fields and cross-field rules.
// It does not require secrets; callers that need them check separately.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				errs = append(errs, fmt.Errorf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	settings := map[string]string{
		"telegram.poll_timeout":           cfg.Telegram.PollTimeout,
		"sora.request_timeout":            cfg.Sora.RequestTimeout,
		"sora.circuit_base":               cfg.Sora.CircuitBase,
		"sora.circuit_max":                cfg.Sora.CircuitMax,
		"limits.rate_window":              cfg.Limits.RateWindow,
		"orchestrator.poll_interval":      cfg.Orchestrator.PollInterval,
		"orchestrator.poll_max_interval":  cfg.Orchestrator.PollMaxInterval,
		"orchestrator.submit_backoff":     cfg.Orchestrator.SubmitBackoff,
		"orchestrator.submit_max_backoff": cfg.Orchestrator.SubmitMaxBackoff,
		"orchestrator.job_timeout":        cfg.Orchestrator.JobTimeout,
		"orchestrator.lease_ttl":          cfg.Orchestrator.LeaseTTL,
		"delivery.send_timeout":           cfg.Delivery.SendTimeout,
		"storage.busy_timeout":            cfg.Storage.BusyTimeout,
		"http.read_timeout":               cfg.HTTP.ReadTimeout,
		"http.write_timeout":              cfg.HTTP.WriteTimeout,
		"caption.timeout":                 cfg.Caption.Timeout,
	}
	var d Durations
	for path, raw := range settings {
		d.Exact(path, raw, 0)
	}
	if err := d.Err(); err != nil {
		errs = append(errs, err)
	}

	if s := strings.TrimSpace(cfg.Orchestrator.SweepSchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator.sweep_schedule: %w", err))
		}
	}
	if strings.EqualFold(cfg.Limits.Backend, "redis") && strings.TrimSpace(cfg.Limits.RedisURL) == "" {
		errs = append(errs, fmt.Errorf("limits.redis_url: required when backend is redis (or set %s)", EnvRedisURL))
	}
	if strings.EqualFold(cfg.Storage.Driver, "postgres") && strings.TrimSpace(cfg.Storage.DSN) == "" {
		errs = append(errs, fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvDatabaseURL))
	}
	if p := strings.TrimSpace(cfg.HTTP.CallbackPath); p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, errors.New("http.callback_path: must start with /"))
	}
	return errors.Join(errs...)
}

// RequireSecrets reports missing credentials needed to serve.
func RequireSecrets(cfg *Config) error {
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token: missing (or set %s)", EnvTelegramToken))
	}
	if strings.TrimSpace(cfg.Sora.APIKey) == "" {
		errs = append(errs, fmt.Errorf("sora.api_key: missing (or set %s)", EnvSoraAPIKey))
	}
	if cfg.Caption.Enabled && strings.TrimSpace(cfg.Caption.APIKey) == "" {
		errs = append(errs, fmt.Errorf("caption.api_key: missing while caption.enabled (or set %s)", EnvGeminiAPIKey))
	}
	return errors.Join(errs...)
}
