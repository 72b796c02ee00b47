package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interlock/internal/storage/sqlstore"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "interlock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsApplyWithEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)

	assert.Equal(t, sqlstore.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, DefaultDSN(), cfg.Database.DSN)
	assert.Equal(t, 30*time.Second, cfg.Database.IdleTxTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Database.SlowQueryThreshold)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
database:
  driver: postgres
  dsn: postgres://localhost/interlock
  idle_tx_timeout: 5s
  serializable: true
retry:
  max_retries: 2
log:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, sqlstore.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/interlock", cfg.Database.DSN)
	assert.Equal(t, 5*time.Second, cfg.Database.IdleTxTimeout)
	assert.True(t, cfg.Database.Serializable)
	assert.Equal(t, 2, cfg.Retry.MaxRetries)
	assert.Equal(t, "console", cfg.Log.Format)

	sc := cfg.StoreConfig()
	assert.Equal(t, cfg.Database.DSN, sc.DSN)
	assert.Equal(t, 5*time.Second, sc.IdleTxTimeout)
	assert.True(t, sc.Serializable)
	assert.Equal(t, 2, cfg.RetryPolicy().MaxRetries)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "database:\n  dsn: /tmp/from-file.db\n")
	t.Setenv("INTERLOCK_DATABASE_DSN", "/tmp/from-env.db")
	t.Setenv("INTERLOCK_BREAKER_THRESHOLD", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.db", cfg.Database.DSN)
	assert.Equal(t, 9, cfg.Breaker.Threshold)
}

func TestConfigEnvSelectsFile(t *testing.T) {
	path := writeFile(t, "database:\n  dsn: /tmp/selected.db\n")
	t.Setenv("INTERLOCK_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/selected.db", cfg.Database.DSN)
}

func TestMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]string{
		"driver":    "database:\n  driver: mysql\n",
		"dsn":       "database:\n  dsn: \" \"\n",
		"jitter":    "retry:\n  jitter: 2\n",
		"threshold": "breaker:\n  threshold: 0\n",
		"level":     "log:\n  level: loud\n",
		"format":    "log:\n  format: xml\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "interlock.yaml")
	require.NoError(t, WriteDefault(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, sqlstore.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Database.IdleTxTimeout)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)

	err = WriteDefault(path, false)
	assert.Error(t, err, "existing file is not overwritten")
	require.NoError(t, WriteDefault(path, true))

	assert.Error(t, WriteDefault(" ", false))
}

func TestLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), `"message":"shown"`)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
}
