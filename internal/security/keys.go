// keys.go - Installation key for audit chaining and lockout state integrity.
//
// Key Source Priority:
// 1. Environment variable (DEVOPS_AUDIT_KEY, hex) - preferred when several
//    workstations share a synced auth directory
// 2. <auth_dir>/.audit_key, created on first use with 0600 permissions
//
// Purpose-specific subkeys are derived with HKDF so the audit chain and the
// lockout trailer never share key material.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/jeranaias/devops-cli/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// AuditKeyEnvVar overrides the key file with a hex-encoded key.
const AuditKeyEnvVar = "DEVOPS_AUDIT_KEY"

// AuditKeyFileName is the key file inside the auth directory.
const AuditKeyFileName = ".audit_key"

// MinKeyLength is the minimum key length in bytes (256 bits).
const MinKeyLength = 32

// KeySource identifies where the installation key was loaded from.
type KeySource string

const (
	KeySourceEnv  KeySource = "environment"
	KeySourceFile KeySource = "file"
)

// ErrInvalidKey is returned when the configured key is malformed or short.
var ErrInvalidKey = fmt.Errorf("invalid installation key: must be at least %d bytes", MinKeyLength)

// HKDF info labels for derived subkeys.
const (
	keyPurposeAuditChain = "devops-cli audit chain v1"
	keyPurposeLockout    = "devops-cli lockout state v1"
)

// =============================================================================
// KEY LOADING
// =============================================================================

// InstallationKey is the root secret for integrity checks in one auth
// directory.
type InstallationKey struct {
	key    []byte
	source KeySource
}

// LoadInstallationKey loads the key from DEVOPS_AUDIT_KEY or from the key
// file in dir, creating the file when neither exists.
// SECURITY: A set but invalid env var fails instead of falling through to
// the file, so a typo cannot silently switch keys.
func LoadInstallationKey(dir string) (*InstallationKey, error) {
	if raw, ok := os.LookupEnv(AuditKeyEnvVar); ok && strings.TrimSpace(raw) != "" {
		key, err := hex.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", AuditKeyEnvVar, ErrInvalidKey)
		}
		if len(key) < MinKeyLength {
			return nil, fmt.Errorf("%s: %w", AuditKeyEnvVar, ErrInvalidKey)
		}
		return &InstallationKey{key: key, source: KeySourceEnv}, nil
	}

	if err := util.EnsurePrivateDir(dir); err != nil {
		return nil, err
	}
	key, err := loadOrCreateKeyFile(filepath.Join(dir, AuditKeyFileName))
	if err != nil {
		return nil, err
	}
	return &InstallationKey{key: key, source: KeySourceFile}, nil
}

// NewInstallationKey wraps raw key bytes. Tests use it to avoid touching
// the environment.
func NewInstallationKey(key []byte) (*InstallationKey, error) {
	if len(key) < MinKeyLength {
		return nil, ErrInvalidKey
	}
	return &InstallationKey{key: append([]byte(nil), key...), source: KeySourceEnv}, nil
}

// Source reports where the key came from.
func (k *InstallationKey) Source() KeySource {
	return k.source
}

// Fingerprint identifies the key without revealing it.
func (k *InstallationKey) Fingerprint() string {
	sum := sha256.Sum256(k.key)
	return hex.EncodeToString(sum[:4])
}

// derive returns a 32-byte subkey for purpose.
func (k *InstallationKey) derive(purpose string) []byte {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, k.key, nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-SHA256 can produce up to 8160 bytes; 32 never fails.
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return out
}

// loadOrCreateKeyFile reads the key file, or creates it. Two processes
// racing on first use both end up with whichever key was linked first.
func loadOrCreateKeyFile(path string) ([]byte, error) {
	key, err := readKeyFile(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, MinKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate installation key: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".audit_key.*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(hex.EncodeToString(key)); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close key file: %w", err)
	}
	if err := os.Chmod(tmpPath, util.PrivateFilePerm); err != nil {
		return nil, fmt.Errorf("failed to restrict key file: %w", err)
	}

	// Link fails if another process created the key first; use theirs.
	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return readKeyFileWithWait(path)
		}
		return nil, fmt.Errorf("failed to install key file: %w", err)
	}
	if err := util.SyncDir(dir); err != nil {
		return nil, err
	}
	return key, nil
}

// readKeyFileWithWait reads a key file a concurrent process just linked.
func readKeyFileWithWait(path string) ([]byte, error) {
	var lastErr error
	for i := 0; i < 5; i++ {
		key, err := readKeyFile(path)
		if err == nil {
			return key, nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	return nil, lastErr
}

func readKeyFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(path, util.PrivateFilePerm); err != nil {
			return nil, fmt.Errorf("key file %s has insecure permissions %o: %w", path, info.Mode().Perm(), err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) < MinKeyLength {
		return nil, &CorruptionError{Document: AuditKeyFileName, Err: ErrInvalidKey}
	}
	return key, nil
}
