package config

type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Sora         SoraConfig         `json:"sora"`
	Limits       LimitsConfig       `json:"limits"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Delivery     DeliveryConfig     `json:"delivery"`
	Storage      StorageConfig      `json:"storage"`
	HTTP         HTTPConfig         `json:"http"`
	Caption      CaptionConfig      `json:"caption"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via TELEGRAM_BOT_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// AllowedUserIDs restricts who may generate. Empty means everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
	GroupLog       string  `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// SoraConfig describes the GeminiGen Sora endpoint.
//
// Defaults:
//   - base_url: "https://api.geminigen.ai"
//   - model: "sora-2", resolution: "small", aspect_ratio: "portrait"
//   - default_duration: 10
//   - request_timeout: "30s"
//   - rate_per_sec: 2
//   - circuit_trip_after: 5, circuit_base: "5s", circuit_max: "2m"
type SoraConfig struct {
	BaseURL         string `json:"base_url" validate:"omitempty,url"`
	APIKey          string `json:"api_key"`
	Model           string `json:"model"`
	Resolution      string `json:"resolution"`
	AspectRatio     string `json:"aspect_ratio" validate:"omitempty,oneof=portrait landscape square"`
	DefaultDuration int    `json:"default_duration" validate:"omitempty,oneof=10 15"`
	RequestTimeout  string `json:"request_timeout"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`

	CircuitTripAfter int    `json:"circuit_trip_after" validate:"gte=0"`
	CircuitBase      string `json:"circuit_base"`
	CircuitMax       string `json:"circuit_max"`
}

// LimitsConfig controls admission. Zero disables a limit.
type LimitsConfig struct {
	PerUserConcurrency int    `json:"per_user_concurrency" validate:"gte=0"`
	GlobalConcurrency  int    `json:"global_concurrency" validate:"gte=0"`
	PerUserRate        int    `json:"per_user_rate" validate:"gte=0"`
	RateWindow         string `json:"rate_window"`
	Backend            string `json:"backend" validate:"omitempty,oneof=memory redis"`
	// RedisURL may come from REDIS_URL.
	RedisURL    string `json:"redis_url,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty"`
}

// OrchestratorConfig controls job drivers.
//
// Defaults:
//   - poll_interval: "5s", poll_max_interval: "30s"
//   - submit_backoff: "2s", submit_max_backoff: "30s"
//   - job_timeout: "20m"
//   - max_submit_attempts: 5, max_poll_errors: 10, max_delivery_attempts: 5
//   - idempotency_policy: "reject"
//   - sweep_schedule: "@every 30m"
//   - lease_ttl: "5m"
type OrchestratorConfig struct {
	PollInterval        string `json:"poll_interval"`
	PollMaxInterval     string `json:"poll_max_interval"`
	SubmitBackoff       string `json:"submit_backoff"`
	SubmitMaxBackoff    string `json:"submit_max_backoff"`
	JobTimeout          string `json:"job_timeout"`
	MaxSubmitAttempts   int    `json:"max_submit_attempts" validate:"gte=0"`
	MaxPollErrors       int    `json:"max_poll_errors" validate:"gte=0"`
	MaxDeliveryAttempts int    `json:"max_delivery_attempts" validate:"gte=0"`
	IdempotencyPolicy   string `json:"idempotency_policy" validate:"omitempty,oneof=reject merge"`
	SweepSchedule       string `json:"sweep_schedule"`
	// LeaseTTL bounds how long a crashed instance keeps its jobs from others.
	LeaseTTL string `json:"lease_ttl,omitempty"`
}

type DeliveryConfig struct {
	RatePerSec  int    `json:"rate_per_sec" validate:"gte=0"`
	SendTimeout string `json:"send_timeout"`
	// Caption is used when caption generation is disabled or fails.
	Caption string `json:"caption,omitempty"`
}

// StorageConfig controls the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/sorabot.db" }
type StorageConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=memory file sqlite postgres"`
	Path   string `json:"path"`
	// DSN may come from DATABASE_URL.
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the callback/health listener. Empty addr disables it.
type HTTPConfig struct {
	Addr           string `json:"addr"`
	CallbackPath   string `json:"callback_path"`
	CallbackSecret string `json:"callback_secret,omitempty"`
	ReadTimeout    string `json:"read_timeout,omitempty"`
	WriteTimeout   string `json:"write_timeout,omitempty"`
	Pprof          bool   `json:"pprof,omitempty"`
}

// CaptionConfig controls Gemini caption generation. api_key may come from
// GEMINI_API_KEY.
type CaptionConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model"`
	Timeout string `json:"timeout,omitempty"`
}
