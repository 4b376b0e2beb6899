// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/devops-cli/internal/util"
)

// lockPollInterval is the pacing between non-blocking lock attempts.
const lockPollInterval = 10 * time.Millisecond

// tailChunk is the read size used when scanning backwards for a last line.
const tailChunk = 4096

// =============================================================================
// FILE BACKEND
// =============================================================================

// FileBackend stores each document as <dir>/<name>, guarded by an exclusive
// advisory lock on <dir>/<name>.lock.
//
// RELIABILITY: Writers replace documents by rename, so lock-free readers
// always see a complete file.
type FileBackend struct {
	dir    string
	opts   options
	mu     sync.Mutex
	closed bool
}

// NewFileBackend opens a file backend rooted at dir, creating it with owner
// only permissions.
func NewFileBackend(dir string, opts ...Option) (*FileBackend, error) {
	if err := util.EnsurePrivateDir(dir); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir, opts: buildOptions(opts)}, nil
}

// Location returns the backend directory.
func (b *FileBackend) Location() string {
	return b.dir
}

// Path returns the on-disk path of a document.
func (b *FileBackend) Path(name string) string {
	return filepath.Join(b.dir, name)
}

// Read returns the current bytes of a document, nil if it does not exist.
func (b *FileBackend) Read(name string) ([]byte, error) {
	if err := b.check(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Update runs fn under the document lock and atomically replaces the
// document with its result.
func (b *FileBackend) Update(name string, fn UpdateFunc) error {
	if err := b.check(name); err != nil {
		return err
	}
	unlock, err := b.lock(name)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := b.Read(name)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	if err := util.AtomicWriteFile(b.Path(name), next, util.PrivateFilePerm); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// Append runs fn with the last line of the document under the document lock
// and appends its result as a new line, fsynced before returning.
func (b *FileBackend) Append(name string, fn AppendFunc) error {
	if err := b.check(name); err != nil {
		return err
	}
	unlock, err := b.lock(name)
	if err != nil {
		return err
	}
	defer unlock()

	path := b.Path(name)
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, util.PrivateFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	last, err := lastLine(f)
	if err != nil {
		return fmt.Errorf("failed to read tail of %s: %w", name, err)
	}
	line, err := fn(last)
	if err != nil {
		return err
	}
	if bytes.IndexByte(line, '\n') >= 0 {
		return fmt.Errorf("append to %s: line contains a newline", name)
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if created {
		if err := os.Chmod(path, util.PrivateFilePerm); err != nil {
			return fmt.Errorf("failed to restrict %s: %w", name, err)
		}
		return util.SyncDir(b.dir)
	}
	return nil
}

// Close marks the backend closed. Lock files are left in place; they carry
// no data.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *FileBackend) check(name string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return validateName(name)
}

// lock acquires the exclusive lock for name, polling until the lock timeout.
func (b *FileBackend) lock(name string) (func(), error) {
	lockPath := filepath.Join(b.dir, name+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, util.PrivateFilePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file for %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.lockTimeout)
	defer cancel()
	pace := rate.NewLimiter(rate.Every(lockPollInterval), 1)

	start := time.Now()
	for {
		ok, err := tryLockFile(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", name, err)
		}
		if ok {
			if waited := time.Since(start); waited > lockPollInterval {
				b.opts.logger.Debug("acquired contended lock",
					zap.String("document", name),
					zap.Duration("waited", waited))
			}
			return func() {
				if err := unlockFile(f); err != nil {
					b.opts.logger.Warn("failed to release lock",
						zap.String("document", name), zap.Error(err))
				}
				f.Close()
			}, nil
		}
		if err := pace.Wait(ctx); err != nil {
			f.Close()
			b.opts.logger.Warn("lock acquisition timed out",
				zap.String("document", name),
				zap.Duration("timeout", b.opts.lockTimeout))
			return nil, fmt.Errorf("%w: %s is locked by another process", ErrBusy, name)
		}
	}
}

// validateName rejects names that could escape the backend directory.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// lastLine returns the final non-empty line of f without its newline.
func lastLine(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	off := info.Size()
	var tail []byte
	for off > 0 {
		n := int64(tailChunk)
		if n > off {
			n = off
		}
		off -= n
		chunk := make([]byte, n)
		if _, err := f.ReadAt(chunk, off); err != nil {
			return nil, err
		}
		tail = append(chunk, tail...)
		trimmed := bytes.TrimRight(tail, "\n")
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return trimmed[i+1:], nil
		}
	}
	trimmed := bytes.TrimRight(tail, "\n")
	if len(trimmed) == 0 {
		return nil, nil
	}
	return trimmed, nil
}
