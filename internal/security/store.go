// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/devops-cli/internal/storage"
)

// Document names inside the auth directory.
const (
	UsersDocument    = "users.json"
	SessionsDocument = "sessions.json"
	LockoutDocument  = "lockout.json"
	AuditDocument    = "audit.log"

	// CurrentSessionFile holds this workstation's session id.
	CurrentSessionFile = ".session"

	// documentVersion is written into every JSON document.
	documentVersion = 1
)

// =============================================================================
// STORAGE HELPERS
// =============================================================================

// withRetry runs op and, if it failed on lock contention, runs it exactly
// once more after the retry backoff. Any other error is returned as is.
func withRetry(o options, document string, op func() error) error {
	err := op()
	if !errors.Is(err, storage.ErrBusy) {
		return err
	}
	o.logger.Debug("storage busy, retrying once",
		zap.String("document", document),
		zap.Duration("backoff", o.retryBackoff))
	time.Sleep(o.retryBackoff)
	return op()
}

// readDocument reads a document with the busy retry applied.
func readDocument(b storage.Backend, o options, name string) ([]byte, error) {
	var data []byte
	err := withRetry(o, name, func() error {
		var err error
		data, err = b.Read(name)
		return err
	})
	return data, err
}

// updateDocument runs a locked read-modify-write with the busy retry
// applied. fn may run twice; it must not keep state between runs.
func updateDocument(b storage.Backend, o options, name string, fn storage.UpdateFunc) error {
	return withRetry(o, name, func() error {
		return b.Update(name, fn)
	})
}

// decodeJSON unmarshals a document, mapping malformed bytes to a
// CorruptionError. Empty input leaves v untouched.
func decodeJSON(name string, data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptionError{Document: name, Err: err}
	}
	return nil
}

// encodeJSON marshals a document for storage.
func encodeJSON(name string, v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return append(data, '\n'), nil
}
