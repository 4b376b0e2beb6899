// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/devops-cli/internal/util"
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the root configuration.
type Config struct {
	// AuthDir holds users, sessions, lockout state and the audit log.
	// Default: ~/.devops-cli/auth
	AuthDir string `toml:"auth_dir" json:"auth_dir"`

	Auth    AuthConfig    `toml:"auth" json:"auth"`
	Storage StorageConfig `toml:"storage" json:"storage"`
	Audit   AuditConfig   `toml:"audit" json:"audit"`
	Log     LogConfig     `toml:"log" json:"log"`
}

// AuthConfig controls credentials, sessions and the lockout window.
type AuthConfig struct {
	SessionHours         int    `toml:"session_hours" json:"session_hours"`
	MaxFailedAttempts    int    `toml:"max_failed_attempts" json:"max_failed_attempts"`
	LockoutWindowMinutes int    `toml:"lockout_window_minutes" json:"lockout_window_minutes"`
	HashAlgorithm        string `toml:"hash_algorithm" json:"hash_algorithm"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "file" or "sqlite".
	Backend       string `toml:"backend" json:"backend"`
	LockTimeoutMs int    `toml:"lock_timeout_ms" json:"lock_timeout_ms"`
}

// AuditConfig controls audit log reads and writes.
type AuditConfig struct {
	DefaultLimit int `toml:"default_limit" json:"default_limit"`
	// RedactPatterns are extra regular expressions scrubbed from audit
	// details, on top of the built-in token and key patterns.
	RedactPatterns []string `toml:"redact_patterns,omitempty" json:"redact_patterns,omitempty"`
}

// LogConfig controls the operational logger.
type LogConfig struct {
	Level string `toml:"level" json:"level"`
}

// SessionDuration returns the session lifetime.
func (a AuthConfig) SessionDuration() time.Duration {
	return time.Duration(a.SessionHours) * time.Hour
}

// LockoutWindow returns the failed-attempt window.
func (a AuthConfig) LockoutWindow() time.Duration {
	return time.Duration(a.LockoutWindowMinutes) * time.Minute
}

// LockTimeout returns the storage lock timeout.
func (s StorageConfig) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutMs) * time.Millisecond
}

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	DefaultSessionHours         = 8
	DefaultMaxFailedAttempts    = 5
	DefaultLockoutWindowMinutes = 15
	DefaultHashAlgorithm        = "sha256"
	DefaultBackend              = "file"
	DefaultLockTimeoutMs        = 2000
	DefaultAuditLimit           = 50
	DefaultLogLevel             = "warn"
)

// Default returns the built-in configuration. AuthDir is left empty and
// resolved against the home directory by SetDefaults.
func Default() *Config {
	return &Config{
		Auth: AuthConfig{
			SessionHours:         DefaultSessionHours,
			MaxFailedAttempts:    DefaultMaxFailedAttempts,
			LockoutWindowMinutes: DefaultLockoutWindowMinutes,
			HashAlgorithm:        DefaultHashAlgorithm,
		},
		Storage: StorageConfig{
			Backend:       DefaultBackend,
			LockTimeoutMs: DefaultLockTimeoutMs,
		},
		Audit: AuditConfig{DefaultLimit: DefaultAuditLimit},
		Log:   LogConfig{Level: DefaultLogLevel},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the CLI configuration directory, ~/.devops-cli unless
// DEVOPS_HOME is set.
func ConfigDir() (string, error) {
	if dir := os.Getenv("DEVOPS_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".devops-cli"), nil
}

// ConfigPathTOML returns the default TOML config path.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnvFilePath returns the path of the optional .env file.
func EnvFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".env"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the TOML config at path (the default path when empty), then
// the .env file, then process environment overrides, and validates the
// result. A missing default config file is not an error; a missing file
// named explicitly is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		if p := os.Getenv("DEVOPS_CONFIG"); p != "" {
			path = p
		} else {
			p, err := ConfigPathTOML()
			if err != nil {
				return nil, err
			}
			path = p
		}
	}

	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	dotenv := map[string]string{}
	if envPath, err := EnvFilePath(); err == nil {
		if values, err := godotenv.Read(envPath); err == nil {
			dotenv = values
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", envPath, err)
		}
	}

	if err := cfg.applyOverrides(lookupWithFallback(dotenv)); err != nil {
		return nil, err
	}
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes the TOML file at path into cfg.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// SetDefaults fills zero values and resolves AuthDir.
func (c *Config) SetDefaults() error {
	d := Default()
	if c.Auth.SessionHours == 0 {
		c.Auth.SessionHours = d.Auth.SessionHours
	}
	if c.Auth.MaxFailedAttempts == 0 {
		c.Auth.MaxFailedAttempts = d.Auth.MaxFailedAttempts
	}
	if c.Auth.LockoutWindowMinutes == 0 {
		c.Auth.LockoutWindowMinutes = d.Auth.LockoutWindowMinutes
	}
	if c.Auth.HashAlgorithm == "" {
		c.Auth.HashAlgorithm = d.Auth.HashAlgorithm
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.LockTimeoutMs == 0 {
		c.Storage.LockTimeoutMs = d.Storage.LockTimeoutMs
	}
	if c.Audit.DefaultLimit == 0 {
		c.Audit.DefaultLimit = d.Audit.DefaultLimit
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.AuthDir == "" {
		dir, err := ConfigDir()
		if err != nil {
			return err
		}
		c.AuthDir = filepath.Join(dir, "auth")
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// EncodeTOML writes cfg as a commented TOML document.
func EncodeTOML(w io.Writer, cfg *Config) error {
	var buf bytes.Buffer
	buf.WriteString("# devops CLI configuration\n")
	buf.WriteString("# Generated by devops - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// SaveTOML writes cfg to path atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := EncodeTOML(&buf, cfg); err != nil {
		return err
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
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
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs ValidateErrors

	checkRange := func(field string, v, min, max int) {
		if v < min || v > max {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("must be between %d and %d, got %d", min, max, v),
			})
		}
	}
	checkOneOf := func(field, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid value '%s', must be one of: %s", v, strings.Join(allowed, ", ")),
		})
	}

	checkRange("auth.session_hours", c.Auth.SessionHours, 1, 72)
	checkRange("auth.max_failed_attempts", c.Auth.MaxFailedAttempts, 1, 100)
	checkRange("auth.lockout_window_minutes", c.Auth.LockoutWindowMinutes, 1, 1440)
	checkOneOf("auth.hash_algorithm", c.Auth.HashAlgorithm, "sha256", "argon2id")
	checkOneOf("storage.backend", c.Storage.Backend, "file", "sqlite")
	checkRange("storage.lock_timeout_ms", c.Storage.LockTimeoutMs, 100, 60000)
	checkRange("audit.default_limit", c.Audit.DefaultLimit, 1, 100000)
	checkOneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error")

	for i, pattern := range c.Audit.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("audit.redact_patterns[%d]", i),
				Message: err.Error(),
			})
		}
	}

	if c.AuthDir != "" && !filepath.IsAbs(c.AuthDir) {
		errs = append(errs, ValidationError{Field: "auth_dir", Message: "must be an absolute path"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// applyOverrides applies DEVOPS_* variables found by lookup:
//   - DEVOPS_AUTH_DIR: overrides auth_dir
//   - DEVOPS_STORAGE_BACKEND: overrides storage.backend
//   - DEVOPS_LOCK_TIMEOUT_MS: overrides storage.lock_timeout_ms
//   - DEVOPS_HASH_ALGORITHM: overrides auth.hash_algorithm
//   - DEVOPS_SESSION_HOURS: overrides auth.session_hours
//   - DEVOPS_LOG_LEVEL: overrides log.level
func (c *Config) applyOverrides(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DEVOPS_AUTH_DIR"); ok && v != "" {
		c.AuthDir = v
	}
	if v, ok := lookup("DEVOPS_STORAGE_BACKEND"); ok && v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v, ok := lookup("DEVOPS_HASH_ALGORITHM"); ok && v != "" {
		c.Auth.HashAlgorithm = strings.ToLower(v)
	}
	if v, ok := lookup("DEVOPS_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	for name, dst := range map[string]*int{
		"DEVOPS_SESSION_HOURS":   &c.Auth.SessionHours,
		"DEVOPS_LOCK_TIMEOUT_MS": &c.Storage.LockTimeoutMs,
	} {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", name, err)
		}
		*dst = n
	}
	return nil
}

// lookupWithFallback prefers the process environment and falls back to
// values read from the .env file.
func lookupWithFallback(dotenv map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}
