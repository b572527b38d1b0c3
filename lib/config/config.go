// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "BUREAU_E2EE_CONFIG"

// Config is the configuration of one E2EE client session.
type Config struct {
	// HomeserverURL is the base URL of the homeserver.
	HomeserverURL string `yaml:"homeserver_url" json:"homeserver_url"`

	// UserID is the fully-qualified Matrix user ID. Optional: resolved
	// via whoami when empty.
	UserID string `yaml:"user_id" json:"user_id"`

	// DeviceID is this client's device ID. Optional: resolved via
	// whoami when empty.
	DeviceID string `yaml:"device_id" json:"device_id"`

	// AccessTokenFile holds the access token. Secrets are never
	// inline in the config file.
	AccessTokenFile string `yaml:"access_token_file" json:"access_token_file"`

	// PasswordFile holds the account password. Optional; without it
	// a forced cross-signing reset is never attempted.
	PasswordFile string `yaml:"password_file" json:"password_file"`

	// RequestTimeout is the per-request transport deadline.
	// Default: 60s
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`

	// Encryption configures the crypto session.
	Encryption EncryptionConfig `yaml:"encryption" json:"encryption"`

	// DecryptRetry tunes the decrypt retry bridge.
	DecryptRetry DecryptRetryConfig `yaml:"decrypt_retry" json:"decrypt_retry"`

	// Sync configures the long-poll sync loop.
	Sync SyncConfig `yaml:"sync" json:"sync"`
}

// EncryptionConfig configures crypto state persistence.
type EncryptionConfig struct {
	// Enabled turns the crypto session on. When false every crypto
	// operation reports the crypto-unavailable condition.
	// Default: true
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// StateDir is the base directory for crypto files.
	// Default: ${HOME}/.local/state/bureau-e2ee
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// RecoveryKeyPath is where the sealed recovery key record lives.
	// Default: ${STATE_DIR}/recovery-key
	RecoveryKeyPath string `yaml:"recovery_key_path" json:"recovery_key_path"`

	// SnapshotPath is where crypto-state snapshots are written.
	// Default: ${STATE_DIR}/crypto-state
	SnapshotPath string `yaml:"snapshot_path" json:"snapshot_path"`

	// SnapshotInterval is the period of background snapshot writes.
	// Default: 60s
	SnapshotInterval Duration `yaml:"snapshot_interval" json:"snapshot_interval"`

	// SnapshotCompression is "zstd", "lz4", or "none".
	// Default: zstd
	SnapshotCompression string `yaml:"snapshot_compression" json:"snapshot_compression"`

	// SealSnapshots encrypts snapshots with a key derived from the
	// recovery store identity.
	// Default: true
	SealSnapshots *bool `yaml:"seal_snapshots" json:"seal_snapshots"`
}

// DecryptRetryConfig tunes retry backoff. The retry cap is fixed.
type DecryptRetryConfig struct {
	// BaseDelay is the delay before the first retry.
	// Default: 2s
	BaseDelay Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the doubling backoff.
	// Default: 5m
	MaxDelay Duration `yaml:"max_delay" json:"max_delay"`
}

// SyncConfig configures the sync loop.
type SyncConfig struct {
	// Timeout is the server-side long-poll timeout.
	// Default: 30s
	Timeout Duration `yaml:"timeout" json:"timeout"`

	// Filter is a filter ID or inline JSON filter.
	Filter string `yaml:"filter" json:"filter"`
}

// EncryptionEnabled reports whether the crypto session is on.
func (c *Config) EncryptionEnabled() bool {
	return c.Encryption.Enabled == nil || *c.Encryption.Enabled
}

// SealSnapshots reports whether snapshots are sealed.
func (c *Config) SealSnapshots() bool {
	return c.Encryption.SealSnapshots == nil || *c.Encryption.SealSnapshots
}

// Default returns the configuration every file is loaded over.
func Default() *Config {
	return &Config{
		RequestTimeout: Duration(60 * time.Second),
		Encryption: EncryptionConfig{
			StateDir:            "${HOME}/.local/state/bureau-e2ee",
			RecoveryKeyPath:     "${STATE_DIR}/recovery-key",
			SnapshotPath:        "${STATE_DIR}/crypto-state",
			SnapshotInterval:    Duration(60 * time.Second),
			SnapshotCompression: "zstd",
		},
		DecryptRetry: DecryptRetryConfig{
			BaseDelay: Duration(2 * time.Second),
			MaxDelay:  Duration(5 * time.Minute),
		},
		Sync: SyncConfig{
			Timeout: Duration(30 * time.Second),
		},
	}
}

// Load loads configuration from the file named by BUREAU_E2EE_CONFIG.
// There is no fallback: an unset variable is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file. Files ending in
// .json or .jsonc are JSON with comments and trailing commas; anything
// else is YAML. Environment variables never override values; the only
// expansion is ${VAR} in path fields.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Encryption.StateDir = expandVars(c.Encryption.StateDir, vars)
	vars["STATE_DIR"] = c.Encryption.StateDir

	c.Encryption.RecoveryKeyPath = expandVars(c.Encryption.RecoveryKeyPath, vars)
	c.Encryption.SnapshotPath = expandVars(c.Encryption.SnapshotPath, vars)
	c.AccessTokenFile = expandVars(c.AccessTokenFile, vars)
	c.PasswordFile = expandVars(c.PasswordFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.HomeserverURL == "" {
		errs = append(errs, fmt.Errorf("homeserver_url is required"))
	} else if !strings.HasPrefix(c.HomeserverURL, "https://") && !strings.HasPrefix(c.HomeserverURL, "http://") {
		errs = append(errs, fmt.Errorf("homeserver_url must start with http:// or https://"))
	}

	if c.AccessTokenFile == "" {
		errs = append(errs, fmt.Errorf("access_token_file is required"))
	}

	if c.RequestTimeout.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive"))
	}

	if c.EncryptionEnabled() {
		if c.Encryption.RecoveryKeyPath == "" {
			errs = append(errs, fmt.Errorf("encryption.recovery_key_path is required when encryption is enabled"))
		}
		if c.Encryption.SnapshotPath == "" {
			errs = append(errs, fmt.Errorf("encryption.snapshot_path is required when encryption is enabled"))
		}
		if c.Encryption.SnapshotInterval.Duration() <= 0 {
			errs = append(errs, fmt.Errorf("encryption.snapshot_interval must be positive"))
		}
		switch c.Encryption.SnapshotCompression {
		case "", "zstd", "lz4", "none":
		default:
			errs = append(errs, fmt.Errorf("encryption.snapshot_compression must be one of: zstd, lz4, none"))
		}
	}

	if c.DecryptRetry.BaseDelay.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("decrypt_retry.base_delay must be positive"))
	}
	if c.DecryptRetry.MaxDelay.Duration() < c.DecryptRetry.BaseDelay.Duration() {
		errs = append(errs, fmt.Errorf("decrypt_retry.max_delay must not be less than base_delay"))
	}

	if c.Sync.Timeout.Duration() < 0 {
		errs = append(errs, fmt.Errorf("sync.timeout must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories that hold crypto files.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Encryption.StateDir,
		filepath.Dir(c.Encryption.RecoveryKeyPath),
		filepath.Dir(c.Encryption.SnapshotPath),
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
