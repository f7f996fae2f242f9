package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sorabot/internal/config"
	"sorabot/internal/orchestrator"
	logx "sorabot/pkg/logx"
)

func TestMapStorageConfigDefaults(t *testing.T) {
	sc, err := MapStorageConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, "", sc.Driver)
	require.Equal(t, "./data/sorabot.db", sc.Path)
	require.Equal(t, 5*time.Second, sc.BusyTimeout)

	sc, err = MapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: " File "}})
	require.NoError(t, err)
	require.Equal(t, "file", sc.Driver)
	require.Equal(t, "./data/jobs", sc.Path)

	sc, err = MapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "postgres", DSN: " postgres://x "}})
	require.NoError(t, err)
	require.Equal(t, "", sc.Path)
	require.Equal(t, "postgres://x", sc.DSN)

	_, err = MapStorageConfig(&config.Config{Storage: config.StorageConfig{BusyTimeout: "soon"}})
	require.Error(t, err)
}

func TestMapOrchestratorConfig(t *testing.T) {
	cfg := &config.Config{
		Orchestrator: config.OrchestratorConfig{
			PollInterval:      "2s",
			JobTimeout:        "0s",
			MaxSubmitAttempts: 3,
			IdempotencyPolicy: "merge",
		},
		Sora:     config.SoraConfig{DefaultDuration: 15},
		Delivery: config.DeliveryConfig{Caption: "made with sora"},
	}
	oc, err := mapOrchestratorConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, oc.PollInterval)
	require.Equal(t, 30*time.Second, oc.PollMaxInterval)
	require.Zero(t, oc.JobTimeout)
	require.Equal(t, 3, oc.MaxSubmitAttempts)
	require.Equal(t, orchestrator.PolicyMerge, oc.IdempotencyPolicy)
	require.Equal(t, "@every 30m", oc.SweepSchedule)
	require.Equal(t, 5*time.Minute, oc.LeaseTTL)
	require.Equal(t, 15, oc.Defaults.Duration)
	require.Equal(t, "made with sora", oc.Caption)

	oc, err = mapOrchestratorConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, 20*time.Minute, oc.JobTimeout)

	_, err = mapOrchestratorConfig(&config.Config{Orchestrator: config.OrchestratorConfig{SubmitBackoff: "x", LeaseTTL: "-1m"}})
	require.ErrorContains(t, err, "orchestrator.submit_backoff")
	require.ErrorContains(t, err, "orchestrator.lease_ttl")
}

func TestMapLimits(t *testing.T) {
	l, err := mapLimits(&config.Config{Limits: config.LimitsConfig{PerUserConcurrency: 2, GlobalConcurrency: 10, PerUserRate: 5}})
	require.NoError(t, err)
	require.Equal(t, 2, l.PerUserConcurrency)
	require.Equal(t, 10, l.GlobalConcurrency)
	require.Equal(t, 5, l.PerUserRate)
	require.Equal(t, time.Hour, l.Window)
}

func TestMapLogConfigParsesGroupLog(t *testing.T) {
	cfg := &config.Config{}
	cfg.Telegram.GroupLog = " -100123 "
	cfg.Logging.Telegram.Enabled = true
	cfg.Logging.Telegram.ThreadID = 7
	lc := mapLogConfig(cfg)
	require.Equal(t, int64(-100123), lc.Telegram.ChatID)
	require.Equal(t, 7, lc.Telegram.ThreadID)
	require.True(t, lc.Telegram.Enabled)

	cfg.Telegram.GroupLog = "not-a-chat"
	require.Zero(t, mapLogConfig(cfg).Telegram.ChatID)
}

func TestMapSoraOptions(t *testing.T) {
	cfg := &config.Config{Sora: config.SoraConfig{APIKey: "k", CircuitTripAfter: 3, CircuitBase: "1s"}}
	so, err := mapSoraOptions(cfg, logx.Nop())
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, so.RequestTimeout)
	require.Equal(t, 2, so.RatePerSec)
	require.Equal(t, 3, so.Breaker.Trip)
	require.Equal(t, time.Second, so.Breaker.BaseDelay)
}

func TestMapAccessAndHTTP(t *testing.T) {
	cfg := &config.Config{}
	cfg.Telegram.OwnerUserIDs = []int64{1}
	cfg.Telegram.AllowedUserIDs = []int64{2, 3}
	acc := mapAccess(cfg)
	require.True(t, acc.IsOwner(1))
	require.Equal(t, []int64{2, 3}, acc.Allowed)

	cfg.HTTP = config.HTTPConfig{Addr: " :8080 ", ReadTimeout: "5s"}
	hc, err := mapHTTPConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, ":8080", hc.Addr)
	require.Equal(t, 5*time.Second, hc.ReadTimeout)
}
