// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// env.go - Per-invocation wiring of config, logging, storage and the auth gate.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/devops-cli/internal/config"
	"github.com/jeranaias/devops-cli/internal/logging"
	"github.com/jeranaias/devops-cli/internal/security"
	"github.com/jeranaias/devops-cli/internal/storage"
)

// errNotLoggedIn is returned when a command needs a session and no
// session file exists on this workstation.
var errNotLoggedIn = errors.New("not logged in")

// Env is everything one command invocation needs. Handlers write only to
// Out and ErrOut so tests can capture them.
type Env struct {
	Config  *config.Config
	Logger  *zap.Logger
	Gate    *security.AuthGate
	Current *security.CurrentSession
	Prompt  Prompter
	Out     io.Writer
	ErrOut  io.Writer
	Now     func() time.Time
	// Ctx bounds long-running commands such as audit-logs --follow.
	Ctx context.Context
}

// OpenEnv loads the config named by args (or the default), builds the
// logger and opens the auth store.
func OpenEnv(args Args) (*Env, error) {
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if args.Verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, JSON: args.JSON})
	if err != nil {
		return nil, err
	}

	return NewEnv(cfg, logger, security.WithSource(invocationSource()))
}

// NewEnv opens the storage backend and auth gate described by cfg. Extra
// options are applied after the ones derived from cfg.
func NewEnv(cfg *config.Config, logger *zap.Logger, extra ...security.Option) (*Env, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backend, err := storage.Open(storage.Kind(cfg.Storage.Backend), cfg.AuthDir,
		storage.WithLockTimeout(cfg.Storage.LockTimeout()),
		storage.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open auth store: %w", err)
	}

	opts := []security.Option{
		security.WithLogger(logger),
		security.WithSessionDuration(cfg.Auth.SessionDuration()),
		security.WithMaxFailures(cfg.Auth.MaxFailedAttempts),
		security.WithLockoutWindow(cfg.Auth.LockoutWindow()),
		security.WithHashAlgorithm(cfg.Auth.HashAlgorithm),
	}
	for i, pattern := range cfg.Audit.RedactPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("invalid audit.redact_patterns[%d]: %w", i, err)
		}
		opts = append(opts, security.WithRedactors(
			security.NewPatternRedactor(fmt.Sprintf("config-%d", i), re, "[REDACTED]")))
	}
	opts = append(opts, extra...)

	gate, err := security.Open(backend, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}

	logger.Debug("auth store opened",
		zap.String("dir", backend.Location()),
		zap.String("backend", cfg.Storage.Backend),
	)

	return &Env{
		Config:  cfg,
		Logger:  logger,
		Gate:    gate,
		Current: security.NewCurrentSession(cfg.AuthDir),
		Prompt:  NewTerminalPrompter(),
		Out:     os.Stdout,
		ErrOut:  os.Stderr,
		Now:     time.Now,
		Ctx:     context.Background(),
	}, nil
}

// Close releases the auth store and flushes the logger.
func (e *Env) Close() error {
	err := e.Gate.Close()
	e.Logger.Sync()
	return err
}

// sessionID returns the saved session id, or errNotLoggedIn.
func (e *Env) sessionID() (string, error) {
	id, err := e.Current.Load()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errNotLoggedIn
	}
	return id, nil
}

// adminSessionID returns the saved session id, or "" when there is none.
// Admin operations decide themselves whether an empty id is a bootstrap.
func (e *Env) adminSessionID() (string, error) {
	return e.Current.Load()
}

// printJSON writes a successful JSON response for command.
func (e *Env) printJSON(command string, data interface{}) error {
	return NewJSONResponse(command, data).Write(e.Out)
}

// invocationSource describes where this CLI run came from, for audit details.
func invocationSource() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "cli host=" + host
}
