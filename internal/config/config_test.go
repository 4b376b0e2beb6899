// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the config directory at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("DEVOPS_HOME", home)
	for _, k := range []string{
		"DEVOPS_CONFIG", "DEVOPS_AUTH_DIR", "DEVOPS_STORAGE_BACKEND", "DEVOPS_HASH_ALGORITHM",
		"DEVOPS_LOG_LEVEL", "DEVOPS_SESSION_HOURS", "DEVOPS_LOCK_TIMEOUT_MS",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return home
}

// TestLoad_Defaults tests that a missing config file yields the defaults.
func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "auth"), cfg.AuthDir)
	assert.Equal(t, 8*time.Hour, cfg.Auth.SessionDuration())
	assert.Equal(t, 5, cfg.Auth.MaxFailedAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LockoutWindow())
	assert.Equal(t, "sha256", cfg.Auth.HashAlgorithm)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.Storage.LockTimeout())
	assert.Equal(t, 50, cfg.Audit.DefaultLimit)
}

// TestLoad_TOML tests decoding a config file.
func TestLoad_TOML(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "config.toml")
	authDir := filepath.Join(home, "state")
	content := `auth_dir = "` + filepath.ToSlash(authDir) + `"

[auth]
session_hours = 4
hash_algorithm = "argon2id"

[storage]
backend = "sqlite"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.ToSlash(authDir), cfg.AuthDir)
	assert.Equal(t, 4, cfg.Auth.SessionHours)
	assert.Equal(t, "argon2id", cfg.Auth.HashAlgorithm)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 5, cfg.Auth.MaxFailedAttempts, "unset keys keep defaults")
}

// TestLoad_UnknownKey tests that typos in the config file are reported.
func TestLoad_UnknownKey(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[auth]\nsesion_hours = 4\n"), 0600))

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sesion_hours")
}

// TestLoad_ExplicitMissingPath tests that --config pointing nowhere fails.
func TestLoad_ExplicitMissingPath(t *testing.T) {
	home := isolate(t)
	_, err := Load(filepath.Join(home, "nope.toml"))
	assert.Error(t, err)
}

// TestLoad_EnvOverridesAndDotenv tests precedence: env > .env > file.
func TestLoad_EnvOverridesAndDotenv(t *testing.T) {
	home := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"),
		[]byte("[log]\nlevel = \"error\"\n[storage]\nbackend = \"file\"\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".env"),
		[]byte("DEVOPS_LOG_LEVEL=info\nDEVOPS_STORAGE_BACKEND=sqlite\n"), 0600))
	t.Setenv("DEVOPS_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level, "process env wins")
	assert.Equal(t, "sqlite", cfg.Storage.Backend, ".env beats the file")
}

// TestLoad_InvalidEnvInteger tests that a malformed numeric override fails.
func TestLoad_InvalidEnvInteger(t *testing.T) {
	isolate(t)
	t.Setenv("DEVOPS_SESSION_HOURS", "eight")
	_, err := Load("")
	assert.Error(t, err)
}

// TestValidate tests range and enumeration checks.
func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.AuthDir = filepath.Join(t.TempDir(), "auth")
	require.NoError(t, cfg.Validate())

	cfg.Auth.HashAlgorithm = "md5"
	cfg.Storage.Backend = "redis"
	cfg.Auth.MaxFailedAttempts = 0
	cfg.Audit.RedactPatterns = []string{`INC-\d+`, `(unclosed`}

	err := cfg.Validate()
	require.Error(t, err)
	var verrs ValidateErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 4)
	assert.Equal(t, "audit.redact_patterns[1]", verrs[3].Field)
}

// TestSaveTOML_RoundTrip tests that a saved config loads back unchanged.
func TestSaveTOML_RoundTrip(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "config.toml")

	cfg := Default()
	cfg.AuthDir = filepath.Join(home, "auth")
	cfg.Auth.SessionHours = 12
	cfg.Audit.RedactPatterns = []string{`INC-\d+`}
	require.NoError(t, SaveTOML(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
