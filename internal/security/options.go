// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	// DefaultSessionDuration is the lifetime of a session from login or refresh.
	DefaultSessionDuration = 8 * time.Hour

	// DefaultMaxFailures is the failure count that locks an identity.
	DefaultMaxFailures = 5

	// DefaultLockoutWindow is the trailing window failures are counted over.
	DefaultLockoutWindow = 15 * time.Minute

	// DefaultRetryBackoff is the pause before the single retry of a busy
	// storage operation.
	DefaultRetryBackoff = 100 * time.Millisecond

	// sessionRetention keeps dead sessions around for status messages
	// before they are pruned.
	sessionRetention = 24 * time.Hour
)

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	now             func() time.Time
	logger          *zap.Logger
	sessionDuration time.Duration
	maxFailures     int
	lockoutWindow   time.Duration
	hashAlgorithm   string
	retryBackoff    time.Duration
	source          string
	onAuditFailure  func(error)
	redactors       []Redactor
}

// Option configures the auth components. Every component accepts the same
// options and ignores the ones it does not use.
type Option func(*options)

// WithClock replaces time.Now. Tests use it to move through session and
// lockout windows.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSessionDuration sets the session lifetime.
func WithSessionDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sessionDuration = d
		}
	}
}

// WithMaxFailures sets how many failures within the window lock an identity.
func WithMaxFailures(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFailures = n
		}
	}
}

// WithLockoutWindow sets the trailing failure window.
func WithLockoutWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockoutWindow = d
		}
	}
}

// WithHashAlgorithm selects the digest for newly issued tokens. Existing
// records keep verifying with the algorithm they were created under.
func WithHashAlgorithm(alg string) Option {
	return func(o *options) {
		if alg != "" {
			o.hashAlgorithm = alg
		}
	}
}

// WithRetryBackoff sets the pause before retrying a busy storage operation.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retryBackoff = d
		}
	}
}

// WithSource sets the free-text origin recorded in audit event details,
// for example "cli host=build-01".
func WithSource(source string) Option {
	return func(o *options) {
		o.source = source
	}
}

// WithAuditFailureHandler is called with every audit append error, after
// the error has been logged. The auth operation itself still proceeds.
func WithAuditFailureHandler(fn func(error)) Option {
	return func(o *options) {
		o.onAuditFailure = fn
	}
}

// WithRedactors adds redactors the audit log applies after the built-in
// ones.
func WithRedactors(rs ...Redactor) Option {
	return func(o *options) {
		o.redactors = append(o.redactors, rs...)
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:             time.Now,
		logger:          zap.NewNop(),
		sessionDuration: DefaultSessionDuration,
		maxFailures:     DefaultMaxFailures,
		lockoutWindow:   DefaultLockoutWindow,
		hashAlgorithm:   HashSHA256,
		retryBackoff:    DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// clock returns the current time in UTC so persisted timestamps are stable
// across encode and decode.
func (o options) clock() time.Time {
	return o.now().UTC()
}
