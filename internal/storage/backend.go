// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrBusy is returned when the document lock could not be acquired
	// within the lock timeout. It is transient.
	ErrBusy = errors.New("storage busy")

	// ErrCorrupt marks a document whose bytes cannot be decoded or whose
	// integrity check failed. It is never repaired automatically.
	ErrCorrupt = errors.New("storage corrupt")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage closed")

	// ErrInvalidName is returned for document names that are not plain
	// file names.
	ErrInvalidName = errors.New("invalid document name")
)

// =============================================================================
// BACKEND
// =============================================================================

// Kind names a backend implementation.
type Kind string

const (
	// KindFile stores each document as a file next to a lock file.
	KindFile Kind = "file"
	// KindSQLite stores documents in a single SQLite database.
	KindSQLite Kind = "sqlite"
)

// UpdateFunc receives the current bytes of a document (nil when it does not
// exist yet) and returns the replacement. Returning nil bytes and a nil
// error leaves the document untouched. Returning an error aborts the update
// without writing and the error is passed through unchanged.
type UpdateFunc func(current []byte) ([]byte, error)

// AppendFunc receives the last line of a line-oriented document (nil when
// empty) and returns the next line, without a trailing newline.
type AppendFunc func(last []byte) ([]byte, error)

// Backend is a set of named documents shared between processes.
type Backend interface {
	// Read returns the committed bytes of a document, or nil when it does
	// not exist. Read takes no lock.
	Read(name string) ([]byte, error)

	// Update performs lock, read, fn, atomic replace, unlock.
	Update(name string, fn UpdateFunc) error

	// Append performs lock, read last line, fn, durable append, unlock.
	Append(name string, fn AppendFunc) error

	// Location is the directory holding the backend's files.
	Location() string

	// Close releases resources held by the backend.
	Close() error
}

// =============================================================================
// OPTIONS
// =============================================================================

// DefaultLockTimeout bounds how long a writer waits for a document lock.
const DefaultLockTimeout = 2 * time.Second

type options struct {
	lockTimeout time.Duration
	logger      *zap.Logger
}

// Option configures a Backend.
type Option func(*options)

// WithLockTimeout sets how long Update and Append wait for the lock before
// returning ErrBusy.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
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

func buildOptions(opts []Option) options {
	o := options{
		lockTimeout: DefaultLockTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open creates the auth directory if needed and opens a backend of the given
// kind inside it.
func Open(kind Kind, dir string, opts ...Option) (Backend, error) {
	switch kind {
	case KindFile, "":
		return NewFileBackend(dir, opts...)
	case KindSQLite:
		return NewSQLiteBackend(dir, opts...)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (expected %q or %q)", kind, KindFile, KindSQLite)
	}
}
