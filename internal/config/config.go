// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// agentchat.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.agentchat/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/agentchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete agentchat configuration.
type Config struct {
	// Backend configuration (chat API)
	Backend BackendConfig `toml:"backend" json:"backend"`

	// Storage configuration (transcript persistence)
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Cache configuration (ephemeral binary objects)
	Cache CacheConfig `toml:"cache" json:"cache"`

	// Session configuration (repository behavior)
	Session SessionConfig `toml:"session" json:"session"`
}

// BackendConfig contains chat backend connection configuration.
type BackendConfig struct {
	// BaseURL is the backend API root, e.g. "https://host/api/dify"
	BaseURL string `toml:"base_url" json:"base_url"`
	// Token is the bearer token for the backend. Empty means unauthenticated.
	Token string `toml:"token" json:"token"`
	// User is the stable user identifier threaded through every call.
	// Empty falls back to the anonymous identifier.
	User string `toml:"user" json:"user"`
	// AgentType is the agent discriminator header value
	AgentType string `toml:"agent_type" json:"agent_type"`
	// Language is a BCP 47 tag, normalized to the backend's supported values
	Language string `toml:"language" json:"language"`
	// TimeoutSecs is the timeout for non-streaming requests in seconds
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
}

// StorageConfig contains transcript persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file path. Empty uses in-memory storage,
	// which means transcripts do not survive a restart.
	Path string `toml:"path" json:"path"`
	// QuotaBytes caps the persisted footprint. 0 means unlimited.
	QuotaBytes int64 `toml:"quota_bytes" json:"quota_bytes"`
}

// CacheConfig contains ephemeral object cache configuration.
type CacheConfig struct {
	// MaxObjectBytes is the largest object the cache will hold
	MaxObjectBytes int64 `toml:"max_object_bytes" json:"max_object_bytes"`
	// MaxEntries is the entry ceiling before LRU eviction
	MaxEntries int `toml:"max_entries" json:"max_entries"`
	// SweepIntervalSecs is how often unreferenced entries are swept
	SweepIntervalSecs int `toml:"sweep_interval_secs" json:"sweep_interval_secs"`
	// IdleGraceSecs is how long an unreferenced entry survives before sweep
	IdleGraceSecs int `toml:"idle_grace_secs" json:"idle_grace_secs"`
	// MaxAgeSecs is the hard lifetime cap regardless of references
	MaxAgeSecs int `toml:"max_age_secs" json:"max_age_secs"`
}

// SessionConfig contains session repository configuration.
type SessionConfig struct {
	// FlushDebounceMillis is the write-coalescing window for persistence
	FlushDebounceMillis int `toml:"flush_debounce_millis" json:"flush_debounce_millis"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:     "",
			Token:       "",
			User:        "",
			AgentType:   "",
			Language:    "zh",
			TimeoutSecs: 30,
		},

		Storage: StorageConfig{
			Path:       "", // in-memory unless pointed at a file
			QuotaBytes: 50 * 1024 * 1024,
		},

		Cache: CacheConfig{
			MaxObjectBytes:    10 * 1024 * 1024,
			MaxEntries:        50,
			SweepIntervalSecs: 300,
			IdleGraceSecs:     60,
			MaxAgeSecs:        1800,
		},

		Session: SessionConfig{
			FlushDebounceMillis: 2000,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the agentchat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".agentchat"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect
// the backend token.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(path); statErr == nil {
		return LoadFromPath(path)
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation.
// SECURITY: Checks and fixes file permissions on load.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode TOML file: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
// RELIABILITY: Atomic write with fsync prevents data loss on crash.
func SaveToPath(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# agentchat configuration file")
	fmt.Fprintln(&buf, "# Generated by agentchat - edit with care")
	fmt.Fprintln(&buf, "")

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	// Backend
	if c.Backend.BaseURL != "" {
		parsed, err := url.Parse(c.Backend.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "backend.base_url",
				Message: fmt.Sprintf("invalid URL '%s'", c.Backend.BaseURL),
			})
		}
	}
	if c.Backend.TimeoutSecs < 1 || c.Backend.TimeoutSecs > 300 {
		errs = append(errs, ValidationError{
			Field:   "backend.timeout_secs",
			Message: fmt.Sprintf("must be 1-300, got %d", c.Backend.TimeoutSecs),
		})
	}

	// Storage
	if c.Storage.QuotaBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.quota_bytes",
			Message: "must be non-negative",
		})
	}

	// Cache
	if c.Cache.MaxObjectBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "cache.max_object_bytes",
			Message: "must be non-negative",
		})
	}
	if c.Cache.MaxEntries < 1 || c.Cache.MaxEntries > 10000 {
		errs = append(errs, ValidationError{
			Field:   "cache.max_entries",
			Message: fmt.Sprintf("must be 1-10000, got %d", c.Cache.MaxEntries),
		})
	}
	if c.Cache.SweepIntervalSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "cache.sweep_interval_secs",
			Message: "must be at least 1 second",
		})
	}

	// Session
	if c.Session.FlushDebounceMillis < 0 || c.Session.FlushDebounceMillis > 60000 {
		errs = append(errs, ValidationError{
			Field:   "session.flush_debounce_millis",
			Message: fmt.Sprintf("must be 0-60000, got %d", c.Session.FlushDebounceMillis),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Backend.Language == "" {
		c.Backend.Language = defaults.Backend.Language
	}
	if c.Backend.TimeoutSecs == 0 {
		c.Backend.TimeoutSecs = defaults.Backend.TimeoutSecs
	}

	if c.Cache.MaxObjectBytes == 0 {
		c.Cache.MaxObjectBytes = defaults.Cache.MaxObjectBytes
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = defaults.Cache.MaxEntries
	}
	if c.Cache.SweepIntervalSecs == 0 {
		c.Cache.SweepIntervalSecs = defaults.Cache.SweepIntervalSecs
	}
	if c.Cache.IdleGraceSecs == 0 {
		c.Cache.IdleGraceSecs = defaults.Cache.IdleGraceSecs
	}
	if c.Cache.MaxAgeSecs == 0 {
		c.Cache.MaxAgeSecs = defaults.Cache.MaxAgeSecs
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - AGENTCHAT_BASE_URL: overrides backend.base_url
//   - AGENTCHAT_TOKEN: overrides backend.token
//   - AGENTCHAT_USER: overrides backend.user
//   - AGENTCHAT_AGENT_TYPE: overrides backend.agent_type
//   - AGENTCHAT_LANGUAGE: overrides backend.language
//   - AGENTCHAT_STORAGE_PATH: overrides storage.path
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AGENTCHAT_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("AGENTCHAT_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("AGENTCHAT_USER"); v != "" {
		c.Backend.User = v
	}
	if v := os.Getenv("AGENTCHAT_AGENT_TYPE"); v != "" {
		c.Backend.AgentType = v
	}
	if v := os.Getenv("AGENTCHAT_LANGUAGE"); v != "" {
		c.Backend.Language = v
	}
	if v := os.Getenv("AGENTCHAT_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// Timeout returns the backend request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSecs) * time.Second
}

// FlushDebounce returns the persistence debounce as a duration.
func (c *Config) FlushDebounce() time.Duration {
	return time.Duration(c.Session.FlushDebounceMillis) * time.Millisecond
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a string representation of the config for debugging.
// SECURITY: Redacts the backend token to prevent accidental exposure in
// logs or debug output.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Backend.Token != "" {
		safe.Backend.Token = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
