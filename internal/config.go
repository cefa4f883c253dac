package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/drift/internal/livequery"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Remote kinds.
const (
	// RemoteMemory keeps the remote in process. Useful for development and
	// for exercising the sync path end to end.
	RemoteMemory = "memory"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Schema    SchemaConfig      `yaml:"schema"`
	Storage   StorageConfig     `yaml:"storage"`
	LiveQuery livequery.Config  `yaml:"live_query"`
	Sync      SyncConfig        `yaml:"sync"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Schema.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SchemaConfig points at the YAML schema document.
type SchemaConfig struct {
	Path string `yaml:"path"`
	// Watch reloads the document when the file changes.
	Watch bool `yaml:"watch"`
}

// Validate validates the schema configuration.
func (c *SchemaConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// StorageConfig tunes the storage adapter.
type StorageConfig struct {
	// Workers bounds concurrent storage operations.
	Workers int `yaml:"workers"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Min(0), validation.Max(256)),
	)
}

// SyncConfig controls reconciliation with the remote.
type SyncConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Remote           string        `yaml:"remote"`
	FullSyncInterval time.Duration `yaml:"full_sync_interval"`
	PageSize         int           `yaml:"page_size"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
	RetryMax         time.Duration `yaml:"retry_max"`
	// Staleness is how long a completed sync keeps live query snapshots
	// marked as synced.
	Staleness time.Duration `yaml:"staleness"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Remote, validation.Required, validation.In(RemoteMemory)),
		validation.Field(&c.PageSize, validation.Min(0), validation.Max(10000)),
		validation.Field(&c.FullSyncInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.RetryInitial, validation.Min(time.Duration(0))),
		validation.Field(&c.RetryMax, validation.Min(time.Duration(0))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled".
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./drift.db",
		},
		Schema: SchemaConfig{
			Path:  "./config/schema.yaml",
			Watch: true,
		},
		Storage: StorageConfig{
			Workers: 8,
		},
		LiveQuery: livequery.Config{
			MaxRecords: livequery.DefaultMaxRecords,
			MaxTime:    livequery.DefaultMaxTime,
		},
		Sync: SyncConfig{
			Enabled: false,
			Remote:  RemoteMemory,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
