package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the settings shared by every binary. Load calls it.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if err := c.Remote.validate(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if err := c.Sync.validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if c.Token.RefreshWindow < 0 {
		return fmt.Errorf("token.refresh_window must be >= 0 (got %v)", c.Token.RefreshWindow)
	}
	if c.Token.RefreshTimeout <= 0 {
		return fmt.Errorf("token.refresh_timeout must be > 0 (got %v)", c.Token.RefreshTimeout)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text (got %q)", c.Log.Format)
	}
	return nil
}

// ValidateServer checks the settings only the reference server needs.
func (c *Config) ValidateServer() error {
	if len(c.Server.JWTSecret) < 32 {
		return fmt.Errorf("server.jwt_secret must be at least 32 characters (got %d)", len(c.Server.JWTSecret))
	}
	if c.Server.TokenTTL <= 0 {
		return fmt.Errorf("server.token_ttl must be > 0 (got %v)", c.Server.TokenTTL)
	}
	if c.Server.SessionTTL < c.Server.TokenTTL {
		return fmt.Errorf("server.session_ttl must be >= token_ttl (got %v < %v)", c.Server.SessionTTL, c.Server.TokenTTL)
	}
	return nil
}

func (r *RemoteConfig) validate() error {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https (got %q)", r.BaseURL)
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0 (got %v)", r.Timeout)
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be > 0 (got %v)", s.Interval)
	}
	if s.Jitter < 0 || s.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1) (got %v)", s.Jitter)
	}
	if s.RetryInitial <= 0 || s.RetryMax < s.RetryInitial {
		return fmt.Errorf("retry_initial must be > 0 and <= retry_max (got %v, %v)", s.RetryInitial, s.RetryMax)
	}
	if s.BulkDeleteMax <= 0 {
		return fmt.Errorf("bulk_delete_max must be > 0 (got %d)", s.BulkDeleteMax)
	}
	return nil
}
