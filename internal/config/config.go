// Package config loads settings for the sync core, the CLI and the
// reference server.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Remote RemoteConfig `yaml:"remote"`
	Sync   SyncConfig   `yaml:"sync"`
	Token  TokenConfig  `yaml:"token"`
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
}

// StoreConfig holds the local database settings.
type StoreConfig struct {
	Path string `yaml:"path" env:"STORE_PATH" env-default:"./expenses.db"`
}

// RemoteConfig holds the remote API settings.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url" env:"REMOTE_BASE_URL" env-default:"http://localhost:8080"`
	Timeout time.Duration `yaml:"timeout"  env:"REMOTE_TIMEOUT"  env-default:"30s"`
}

// SyncConfig holds the sync engine settings.
type SyncConfig struct {
	Interval      time.Duration `yaml:"interval"        env:"SYNC_INTERVAL"        env-default:"5m"`
	Jitter        float64       `yaml:"jitter"          env:"SYNC_JITTER"          env-default:"0.1"`
	RetryInitial  time.Duration `yaml:"retry_initial"   env:"SYNC_RETRY_INITIAL"   env-default:"5s"`
	RetryMax      time.Duration `yaml:"retry_max"       env:"SYNC_RETRY_MAX"       env-default:"5m"`
	Pull          bool          `yaml:"pull"            env:"SYNC_PULL"            env-default:"true"`
	BulkDeleteMax int           `yaml:"bulk_delete_max" env:"SYNC_BULK_DELETE_MAX" env-default:"100"`
}

// TokenConfig holds the token refresh settings.
type TokenConfig struct {
	RefreshWindow  time.Duration `yaml:"refresh_window"  env:"TOKEN_REFRESH_WINDOW"  env-default:"2m"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env:"TOKEN_REFRESH_TIMEOUT" env-default:"30s"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// ServerConfig holds the reference server settings.
type ServerConfig struct {
	Addr      string        `yaml:"addr"       env:"SERVER_ADDR"       env-default:":8080"`
	DBPath    string        `yaml:"db_path"    env:"SERVER_DB_PATH"    env-default:"./server.db"`
	JWTSecret string        `yaml:"jwt_secret" env:"SERVER_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl"  env:"SERVER_TOKEN_TTL"  env-default:"15m"`
	// SessionTTL bounds how long an expired token can still be refreshed.
	SessionTTL time.Duration `yaml:"session_ttl" env:"SERVER_SESSION_TTL" env-default:"720h"`
}
