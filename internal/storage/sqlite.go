// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jeranaias/devops-cli/internal/util"
)

// SQLiteFileName is the database file created inside the auth directory.
const SQLiteFileName = "auth.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lines (
	name TEXT    NOT NULL,
	seq  INTEGER NOT NULL,
	line TEXT    NOT NULL,
	PRIMARY KEY (name, seq)
);
`

// =============================================================================
// SQLITE BACKEND
// =============================================================================

// SQLiteBackend keeps documents as rows of an embedded database. Writers use
// BEGIN IMMEDIATE transactions, so the database write lock plays the role of
// the per-document file lock.
type SQLiteBackend struct {
	dir  string
	path string
	db   *sql.DB
	opts options
}

// NewSQLiteBackend opens (or creates) <dir>/auth.db.
func NewSQLiteBackend(dir string, opts ...Option) (*SQLiteBackend, error) {
	if err := util.EnsurePrivateDir(dir); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	path := filepath.Join(dir, SQLiteFileName)

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate",
		path, o.lockTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), o.lockTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		if isBusy(err) {
			return nil, fmt.Errorf("%w: database schema is locked", ErrBusy)
		}
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	// SECURITY: The database and its WAL side files hold the same data as
	// the JSON documents and get the same permissions.
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Chmod(p, util.PrivateFilePerm); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.logger.Warn("failed to restrict database file", zap.String("path", p), zap.Error(err))
		}
	}

	return &SQLiteBackend{dir: dir, path: path, db: db, opts: o}, nil
}

// Location returns the directory holding auth.db.
func (b *SQLiteBackend) Location() string {
	return b.dir
}

// Read returns a document body. Line-oriented documents written through
// Append are returned as newline-terminated lines.
func (b *SQLiteBackend) Read(name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.lockTimeout)
	defer cancel()

	var body []byte
	err := b.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, name).Scan(&body)
	switch {
	case err == nil:
		return body, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, b.translate(name, err)
	}

	rows, err := b.db.QueryContext(ctx, `SELECT line FROM lines WHERE name = ? ORDER BY seq`, name)
	if err != nil {
		return nil, b.translate(name, err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, b.translate(name, err)
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		return nil, b.translate(name, err)
	}
	if buf.Len() == 0 {
		return nil, nil
	}
	return buf.Bytes(), nil
}

// Update runs fn inside an immediate transaction and upserts the result.
func (b *SQLiteBackend) Update(name string, fn UpdateFunc) error {
	if err := validateName(name); err != nil {
		return err
	}
	return b.inTx(name, func(ctx context.Context, tx *sql.Tx) error {
		var current []byte
		err := tx.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, name).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
			name, next, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// Append runs fn with the highest-sequence line and inserts the next one.
func (b *SQLiteBackend) Append(name string, fn AppendFunc) error {
	if err := validateName(name); err != nil {
		return err
	}
	return b.inTx(name, func(ctx context.Context, tx *sql.Tx) error {
		var (
			seq  int64
			last []byte
		)
		var line string
		err := tx.QueryRowContext(ctx,
			`SELECT seq, line FROM lines WHERE name = ? ORDER BY seq DESC LIMIT 1`, name).Scan(&seq, &line)
		switch {
		case err == nil:
			last = []byte(line)
		case errors.Is(err, sql.ErrNoRows):
			seq = 0
		default:
			return err
		}

		next, err := fn(last)
		if err != nil {
			return err
		}
		if bytes.IndexByte(next, '\n') >= 0 {
			return fmt.Errorf("append to %s: line contains a newline", name)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO lines (name, seq, line) VALUES (?, ?, ?)`,
			name, seq+1, string(next))
		return err
	})
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) inTx(name string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.lockTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return b.translate(name, err)
	}
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return b.translate(name, err)
	}
	if err := tx.Commit(); err != nil {
		return b.translate(name, err)
	}
	return nil
}

// translate maps lock contention to ErrBusy and leaves other errors intact.
func (b *SQLiteBackend) translate(name string, err error) error {
	if isBusy(err) {
		b.opts.logger.Warn("database lock timed out",
			zap.String("document", name),
			zap.Duration("timeout", b.opts.lockTimeout))
		return fmt.Errorf("%w: %s is locked by another process", ErrBusy, name)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return ErrClosed
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return strings.Contains(err.Error(), "database is locked")
}
