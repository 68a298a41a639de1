package bootstrap

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/kluret-checkout/internal/session"
	"github.com/angelmondragon/kluret-checkout/pkg/config"
	"github.com/angelmondragon/kluret-checkout/pkg/logger"
)

func sqlConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvAppEnv, config.AppEnvDev)
	t.Setenv(config.EnvPort, "8081")
	t.Setenv(config.EnvJWTSecret, "secret")
	t.Setenv(config.EnvJWTIssuer, "kluret")
	t.Setenv(config.EnvGatewayPublishableKey, "pk_test_123")
	t.Setenv(config.EnvBackendBaseURL, "https://api.kluret.test")
	t.Setenv(config.EnvSessionStore, config.SessionStoreSQL)
	t.Setenv(config.EnvDBDriver, "sqlite")
	t.Setenv(config.EnvDBDSN, filepath.Join(t.TempDir(), "sessions.db"))
	t.Setenv(config.EnvAutoMigrate, "true")
	t.Setenv(config.EnvRedisURL, "")
	t.Setenv(config.EnvRedisAddr, "")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresSQLStoreWithoutRedis(t *testing.T) {
	cfg := sqlConfig(t)
	logg := logger.New(logger.Options{ServiceName: "bootstrap-test", Output: io.Discard})

	deps, err := Build(context.Background(), cfg, logg, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })

	assert.Nil(t, deps.Redis)
	require.NotNil(t, deps.DB)
	_, ok := deps.Store.(*session.SQLStore)
	assert.True(t, ok, "expected sql session store, got %T", deps.Store)

	pingers := deps.Pingers()
	assert.Contains(t, pingers, "database")
	assert.NotContains(t, pingers, "redis")
	require.NoError(t, pingers["database"].Ping(context.Background()))

	view, err := deps.Checkout.Current(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, view.Session)
	require.NoError(t, deps.Checkout.Shutdown(context.Background()))
}

func TestSweeperRunsExpiryAndRetentionJobs(t *testing.T) {
	cfg := sqlConfig(t)
	logg := logger.New(logger.Options{ServiceName: "bootstrap-test", Output: io.Discard})
	reg := prometheus.NewRegistry()

	deps, err := Build(context.Background(), cfg, logg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close() })

	sweeper, err := deps.Sweeper(cfg, reg)
	require.NoError(t, err)
	require.NoError(t, sweeper.RunOnce(context.Background()))

	families, err := reg.Gather()
	require.NoError(t, err)
	jobs := map[string]bool{}
	for _, family := range families {
		if family.GetName() != "kluret_job_success_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "job" {
					jobs[label.GetValue()] = true
				}
			}
		}
	}
	assert.True(t, jobs["payment-session-expiry"])
	assert.True(t, jobs["payment-session-retention"])
}
