package config

import "strings"

// Environment variables that override secrets and connection strings.
const (
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvSoraAPIKey    = "SORA_API_KEY"
	EnvGeminiAPIKey  = "GEMINI_API_KEY"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvRedisURL      = "REDIS_URL"
)

// applyEnv fills empty secret fields from the environment. Values already in
// the file win.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Sora.APIKey, EnvSoraAPIKey)
	set(&cfg.Caption.APIKey, EnvGeminiAPIKey)
	set(&cfg.Storage.DSN, EnvDatabaseURL)
	set(&cfg.Limits.RedisURL, EnvRedisURL)
}
