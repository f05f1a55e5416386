package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "data/bridge.db", cfg.Queue.DBPath)
		assert.Equal(t, 500*time.Millisecond, cfg.Queue.PollInterval)
		assert.Equal(t, 2*time.Second, cfg.Queue.ThrottleWindow)
		assert.Equal(t, 60*time.Second, cfg.Queue.HeartbeatTimeout)
		assert.Equal(t, 10*time.Second, cfg.Queue.SweepInterval)
		assert.Equal(t, 2*time.Minute, cfg.Queue.ReclaimAfter)
		assert.Equal(t, 3, cfg.Queue.MaxAttempts)
		assert.Equal(t, 30*time.Second, cfg.Queue.LongPollWait)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "server", cfg.Logging.Profile)

		assert.True(t, cfg.Metrics.Enabled)
		assert.True(t, cfg.Health.Enabled)

		assert.False(t, cfg.Archive.Enabled)
		assert.Equal(t, "archive/jobs", cfg.Archive.Prefix)

		assert.False(t, cfg.Debug.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Non-overridden values keep their defaults.
		assert.Equal(t, "server", cfg.Logging.Profile)
		assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		require.NoError(t, os.Setenv("REVITBRIDGE_PORT", "3000"))
		require.NoError(t, os.Setenv("REVITBRIDGE_LOG_LEVEL", "warn"))
		require.NoError(t, os.Setenv("REVITBRIDGE_METRICS_ENABLED", "false"))
		require.NoError(t, os.Setenv("REVITBRIDGE_DB_PATH", "/var/lib/bridge/queue.db"))
		defer func() {
			_ = os.Unsetenv("REVITBRIDGE_PORT")
			_ = os.Unsetenv("REVITBRIDGE_LOG_LEVEL")
			_ = os.Unsetenv("REVITBRIDGE_METRICS_ENABLED")
			_ = os.Unsetenv("REVITBRIDGE_DB_PATH")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "/var/lib/bridge/queue.db", cfg.Queue.DBPath)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		require.NoError(t, os.Setenv("REVITBRIDGE_PORT", "4000"))
		defer func() {
			_ = os.Unsetenv("REVITBRIDGE_PORT")
		}()

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Runtime override wins over the environment variable.
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvBindings(t *testing.T) {
	bindings := EnvBindings()
	assert.NotEmpty(t, bindings)

	envVarNames := make(map[string]bool)
	for _, name := range bindings {
		envVarNames[name] = true
		assert.Contains(t, name, "REVITBRIDGE_")
	}

	assert.True(t, envVarNames["REVITBRIDGE_LOG_LEVEL"])
	assert.True(t, envVarNames["REVITBRIDGE_PORT"])
	assert.True(t, envVarNames["REVITBRIDGE_HOST"])
	assert.True(t, envVarNames["REVITBRIDGE_DB_PATH"])
	assert.True(t, envVarNames["REVITBRIDGE_HEARTBEAT_TIMEOUT"])
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, os.Setenv("REVITBRIDGE_READ_TIMEOUT", "45s"))
	require.NoError(t, os.Setenv("REVITBRIDGE_HEARTBEAT_TIMEOUT", "5m"))
	defer func() {
		_ = os.Unsetenv("REVITBRIDGE_READ_TIMEOUT")
		_ = os.Unsetenv("REVITBRIDGE_HEARTBEAT_TIMEOUT")
	}()

	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Queue.HeartbeatTimeout)
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	overrides := map[string]any{
		"server": map[string]any{
			"port": initialPort + 1000,
		},
	}

	cfg2, err := Load(ctx, overrides)
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg2.Server.Port, current.Server.Port)
}

func TestFlattenOverrides(t *testing.T) {
	flat := flattenOverrides("", map[string]any{
		"server": map[string]any{
			"port": 9000,
			"host": "0.0.0.0",
		},
		"workers": 2,
	})

	assert.Equal(t, 9000, flat["server.port"])
	assert.Equal(t, "0.0.0.0", flat["server.host"])
	assert.Equal(t, 2, flat["workers"])
}
