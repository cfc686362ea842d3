package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-archive.
type Config struct {
	// Homeserver host the archiver connects to, e.g. "chat.example.com".
	Homeserver string `env:"CHAT_HOMESERVER"`

	// Account credentials. The access token is cached in the local
	// session store after first use; the env var takes precedence.
	UserID      string `env:"CHAT_USER_ID"`
	AccessToken string `env:"CHAT_ACCESS_TOKEN"`

	// Device name this archiver identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Path to the sqlite archive database. Defaults to
	// ~/.chat-archive/archive.db when empty.
	DatabasePath string `env:"ARCHIVE_DB_PATH"`

	// Base URL of the crypto provider sidecar, e.g. "http://127.0.0.1:8008".
	CryptoProviderURL string `env:"CRYPTO_PROVIDER_URL"`

	// Optional key-backup passphrase. When set, recovery can run without
	// operator action. When empty, passphrase-protected backups require a
	// drop file (see RecoveryDropPath).
	BackupPassphrase string `env:"BACKUP_PASSPHRASE"`

	// Path watched for an operator-supplied passphrase file. When a file
	// appears here, its contents are used to run key recovery and the
	// file is removed. Empty disables the watcher.
	RecoveryDropPath string `env:"RECOVERY_DROP_PATH"`

	// Optional YAML file with room allow/deny rules.
	RoomFilterPath string `env:"ROOM_FILTER_PATH"`

	// Queue tuning.
	QueueBatchSize int           `env:"QUEUE_BATCH_SIZE" envDefault:"50"`
	QueueMaxRetry  int           `env:"QUEUE_MAX_RETRY" envDefault:"3"`
	DrainInterval  time.Duration `env:"DRAIN_INTERVAL" envDefault:"1s"`
	DrainErrPause  time.Duration `env:"DRAIN_ERROR_PAUSE" envDefault:"5s"`

	// Rooms upserted per transaction during full backfill.
	BackfillBatchSize int `env:"BACKFILL_BATCH_SIZE" envDefault:"20"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chat-archive"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DatabasePath == "" {
		path, err := defaultDatabasePath()
		if err != nil {
			return nil, err
		}

		cfg.DatabasePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("CHAT_HOMESERVER is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.AccessToken == "" {
		return fmt.Errorf("CHAT_ACCESS_TOKEN is required")
	}

	if c.CryptoProviderURL == "" {
		return fmt.Errorf("CRYPTO_PROVIDER_URL is required")
	}

	if c.QueueBatchSize <= 0 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be positive")
	}

	if c.QueueMaxRetry < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRY must not be negative")
	}

	if c.BackfillBatchSize <= 0 {
		return fmt.Errorf("BACKFILL_BATCH_SIZE must be positive")
	}

	return nil
}

// defaultDatabasePath returns ~/.chat-archive/archive.db.
func defaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-archive", "archive.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
