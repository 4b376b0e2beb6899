// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// PrivateDirPerm is the mode for directories holding auth state.
const PrivateDirPerm os.FileMode = 0700

// PrivateFilePerm is the mode for every file holding auth state.
const PrivateFilePerm os.FileMode = 0600

// RELIABILITY: Atomic write with fsync prevents data loss on crash
//
// AtomicWriteFile replaces path with data so that a concurrent reader sees
// either the previous content or the new content, never a partial file:
//  1. write to a temp file in the same directory
//  2. fsync and close it
//  3. chmod to perm
//  4. rename over the target
//  5. fsync the directory so the rename itself is durable
//
// The parent directory must already exist.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true

	return SyncDir(dir)
}

// SyncDir fsyncs a directory so that entries created or renamed in it
// survive a crash. It is a no-op on Windows, where directories cannot be
// opened for sync.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// EnsurePrivateDir creates dir with PrivateDirPerm and tightens an existing
// directory that grants any access to group or others.
// SECURITY: Auth state must be readable by the owning account only.
func EnsurePrivateDir(dir string) error {
	if err := os.MkdirAll(dir, PrivateDirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat directory %s: %w", dir, err)
	}
	if info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(dir, PrivateDirPerm); err != nil {
			return fmt.Errorf("failed to restrict directory %s: %w", dir, err)
		}
	}
	return nil
}
