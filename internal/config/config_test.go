package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"CHAT_HOMESERVER",
		"CHAT_USER_ID",
		"CHAT_ACCESS_TOKEN",
		"DEVICE_NAME",
		"ARCHIVE_DB_PATH",
		"CRYPTO_PROVIDER_URL",
		"BACKUP_PASSPHRASE",
		"RECOVERY_DROP_PATH",
		"ROOM_FILTER_PATH",
		"QUEUE_BATCH_SIZE",
		"QUEUE_MAX_RETRY",
		"DRAIN_INTERVAL",
		"DRAIN_ERROR_PAUSE",
		"BACKFILL_BATCH_SIZE",
		"ENVIRONMENT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setRequiredEnv sets the minimum env vars for a valid config.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHAT_HOMESERVER", "chat.example.com")
	t.Setenv("CHAT_USER_ID", "@archiver:example.com")
	t.Setenv("CHAT_ACCESS_TOKEN", "tok-123")
	t.Setenv("CRYPTO_PROVIDER_URL", "http://127.0.0.1:8008")
}

// --- Load ---

func TestLoad_Minimal(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "chat.example.com", cfg.Homeserver)
	assert.Equal(t, "@archiver:example.com", cfg.UserID)
	assert.Equal(t, "tok-123", cfg.AccessToken)
	assert.Equal(t, "http://127.0.0.1:8008", cfg.CryptoProviderURL)
}

func TestLoad_MissingHomeserver(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	os.Unsetenv("CHAT_HOMESERVER")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_HOMESERVER")
}

func TestLoad_MissingUserID(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	os.Unsetenv("CHAT_USER_ID")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_USER_ID")
}

func TestLoad_MissingAccessToken(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	os.Unsetenv("CHAT_ACCESS_TOKEN")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_ACCESS_TOKEN")
}

func TestLoad_MissingProviderURL(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	os.Unsetenv("CRYPTO_PROVIDER_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRYPTO_PROVIDER_URL")
}

// --- Defaults ---

func TestLoad_QueueDefaults(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.QueueBatchSize)
	assert.Equal(t, 3, cfg.QueueMaxRetry)
	assert.Equal(t, time.Second, cfg.DrainInterval)
	assert.Equal(t, 5*time.Second, cfg.DrainErrPause)
	assert.Equal(t, 20, cfg.BackfillBatchSize)
}

func TestLoad_DefaultDeviceName(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "chat-archive"
	}

	assert.Equal(t, hostname, cfg.DeviceName)
}

func TestLoad_DefaultDatabasePath(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DatabasePath))
	assert.Contains(t, cfg.DatabasePath, filepath.Join(".chat-archive", "archive.db"))
}

func TestLoad_ExplicitDatabasePath(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "custom.db")
	t.Setenv("ARCHIVE_DB_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, cfg.DatabasePath)
}

func TestLoad_DefaultEnvironment(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
}

// --- Validation bounds ---

func TestLoad_InvalidBatchSize(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("QUEUE_BATCH_SIZE", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_BATCH_SIZE")
}

func TestLoad_NegativeMaxRetry(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("QUEUE_MAX_RETRY", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_MAX_RETRY")
}

func TestLoad_InvalidBackfillBatch(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("BACKFILL_BATCH_SIZE", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKFILL_BATCH_SIZE")
}

// --- Optional fields ---

func TestLoad_OptionalPathsEmpty(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.BackupPassphrase)
	assert.Empty(t, cfg.RecoveryDropPath)
	assert.Empty(t, cfg.RoomFilterPath)
}

func TestLoad_CustomTuning(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("QUEUE_BATCH_SIZE", "100")
	t.Setenv("DRAIN_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.QueueBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.DrainInterval)
}

// --- IsProduction ---

func TestIsProduction_True(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
}

func TestIsProduction_False(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.False(t, cfg.IsProduction())
}
