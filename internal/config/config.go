// Package config implements TOML configuration loading and validation for
// courserelay. Values resolve through a three-layer override chain
// (defaults -> config file -> COURSERELAY_* environment variables). The
// resulting Config is an explicit value passed into each component's
// constructor; there is no package-level configuration state.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	// ListenAddr is the address the HTTP API binds to.
	ListenAddr string `toml:"listen_addr"`
	// BaseURL is the externally reachable URL of this deployment, used to
	// build OAuth redirect URIs.
	BaseURL string `toml:"base_url"`
	// DatabasePath is the SQLite database file. An unusable value falls
	// back to an in-process database with a logged warning.
	DatabasePath string `toml:"database_path"`
	// SessionSecret signs session cookies. Must be set outside dev.
	SessionSecret string `toml:"session_secret"`
	// RedisURL selects the redis-backed job queue. Empty means the
	// in-process queue (single binary mode).
	RedisURL string `toml:"redis_url"`
	// EnumerationCap bounds the number of files returned by a single
	// listing call. Applied at the API boundary, not by the enumerator.
	EnumerationCap int `toml:"enumeration_cap"`

	Storage   StorageConfig   `toml:"storage"`
	Transfers TransfersConfig `toml:"transfers"`
	Logging   LoggingConfig   `toml:"logging"`
}

// StorageConfig configures the object storage destination.
type StorageConfig struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	// PathStyle forces path-style addressing (MinIO and most
	// S3-compatible stores need this).
	PathStyle bool `toml:"path_style"`
	// WriteCredentialTTL bounds the lifetime of minted write-scoped
	// credentials, e.g. "2h".
	WriteCredentialTTL string `toml:"write_credential_ttl"`
}

// TransfersConfig controls chunked upload behavior and worker counts.
type TransfersConfig struct {
	ChunkSizeMiB      int `toml:"chunk_size_mib"`
	UploadConcurrency int `toml:"upload_concurrency"`
	Workers           int `toml:"workers"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults matching the reference deployment.
const (
	defaultListenAddr        = ":8080"
	defaultDatabasePath      = "courserelay.db"
	defaultEnumerationCap    = 200
	defaultChunkSizeMiB      = 8
	defaultUploadConcurrency = 4
	defaultWorkers           = 4
	defaultWriteTTL          = 2 * time.Hour
)

// Default returns a Config populated with working defaults.
func Default() *Config {
	return &Config{
		ListenAddr:     defaultListenAddr,
		DatabasePath:   defaultDatabasePath,
		EnumerationCap: defaultEnumerationCap,
		Storage: StorageConfig{
			Region:             "us-east-1",
			WriteCredentialTTL: defaultWriteTTL.String(),
		},
		Transfers: TransfersConfig{
			ChunkSizeMiB:      defaultChunkSizeMiB,
			UploadConcurrency: defaultUploadConcurrency,
			Workers:           defaultWorkers,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the TOML file at path (when it exists), applies environment
// overrides, and validates the result. A missing file is not an error;
// defaults plus environment variables form a complete configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays COURSERELAY_* environment variables onto the config.
// Only variables that are set override file or default values.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("COURSERELAY_LISTEN_ADDR", &c.ListenAddr)
	setString("COURSERELAY_BASE_URL", &c.BaseURL)
	setString("COURSERELAY_DATABASE_PATH", &c.DatabasePath)
	setString("COURSERELAY_SESSION_SECRET", &c.SessionSecret)
	setString("COURSERELAY_REDIS_URL", &c.RedisURL)
	setInt("COURSERELAY_ENUMERATION_CAP", &c.EnumerationCap)

	setString("COURSERELAY_STORAGE_ENDPOINT", &c.Storage.Endpoint)
	setString("COURSERELAY_STORAGE_REGION", &c.Storage.Region)
	setString("COURSERELAY_STORAGE_BUCKET", &c.Storage.Bucket)
	setString("COURSERELAY_STORAGE_ACCESS_KEY", &c.Storage.AccessKey)
	setString("COURSERELAY_STORAGE_SECRET_KEY", &c.Storage.SecretKey)

	setInt("COURSERELAY_CHUNK_SIZE_MIB", &c.Transfers.ChunkSizeMiB)
	setInt("COURSERELAY_UPLOAD_CONCURRENCY", &c.Transfers.UploadConcurrency)
	setInt("COURSERELAY_WORKERS", &c.Transfers.Workers)
}

// Validate checks values that would otherwise fail far from their source.
func (c *Config) Validate() error {
	if c.Transfers.ChunkSizeMiB <= 0 {
		return fmt.Errorf("config: chunk_size_mib must be positive, got %d", c.Transfers.ChunkSizeMiB)
	}

	if c.Transfers.UploadConcurrency <= 0 {
		return fmt.Errorf("config: upload_concurrency must be positive, got %d", c.Transfers.UploadConcurrency)
	}

	if c.Transfers.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Transfers.Workers)
	}

	if c.EnumerationCap <= 0 {
		return fmt.Errorf("config: enumeration_cap must be positive, got %d", c.EnumerationCap)
	}

	if _, err := c.Storage.WriteTTL(); err != nil {
		return err
	}

	return nil
}

// ChunkSize returns the upload chunk size in bytes.
func (t TransfersConfig) ChunkSize() int64 {
	return int64(t.ChunkSizeMiB) * 1024 * 1024
}

// WriteTTL returns the parsed write-credential lifetime, defaulting to 2h
// when unset.
func (s StorageConfig) WriteTTL() (time.Duration, error) {
	if s.WriteCredentialTTL == "" {
		return defaultWriteTTL, nil
	}

	d, err := time.ParseDuration(s.WriteCredentialTTL)
	if err != nil {
		return 0, fmt.Errorf("config: parsing write_credential_ttl: %w", err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("config: write_credential_ttl must be positive, got %s", d)
	}

	return d, nil
}
