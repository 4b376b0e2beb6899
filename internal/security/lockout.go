// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the devops CLI authentication core.
//
// This file implements failed-login rate limiting.
//
// Failures are counted per identity over a trailing window (default 15
// minutes). Once the count inside the window reaches the limit (default 5),
// the identity is locked until enough of the oldest failures age out to
// bring the count back under the limit. Stale entries are pruned whenever
// the state is read or written; there is no timer.
//
// The state document carries a 32-byte HMAC-SHA256 trailer. Deleting
// entries by hand to escape a lockout breaks the trailer and is reported as
// corruption.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/devops-cli/internal/storage"
)

// lockoutTrailerSize is the HMAC-SHA256 size appended to the state.
const lockoutTrailerSize = sha256.Size

// =============================================================================
// ATTEMPT WINDOW
// =============================================================================

// FailureWindow is the ordered list of failure times for one identity.
type FailureWindow struct {
	Failures []time.Time `json:"failures"`
}

// prune drops failures that are outside the window ending at now.
func (w *FailureWindow) prune(now time.Time, window time.Duration) {
	kept := w.Failures[:0]
	for _, t := range w.Failures {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	w.Failures = kept
}

// LockoutStatus describes one identity's window after pruning.
type LockoutStatus struct {
	Identity    string    `json:"identity"`
	Failures    int       `json:"failures"`
	MaxFailures int       `json:"max_failures"`
	Locked      bool      `json:"locked"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
	OldestAt    time.Time `json:"oldest_failure,omitempty"`
}

// RetryAfter returns how long the identity stays locked, measured from now.
func (s LockoutStatus) RetryAfter(now time.Time) time.Duration {
	if !s.Locked {
		return 0
	}
	if d := s.LockedUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// lockoutDocument is the persisted form of lockout.json, before the trailer.
type lockoutDocument struct {
	Version    int                       `json:"version"`
	Identities map[string]*FailureWindow `json:"identities"`
	SavedAt    time.Time                 `json:"saved_at"`
}

// =============================================================================
// RATE LIMITER
// =============================================================================

// RateLimiter tracks failed logins per identity in the shared store.
type RateLimiter struct {
	backend storage.Backend
	opts    options
	macKey  []byte
}

// NewRateLimiter creates a rate limiter whose state is signed with a
// subkey of key.
func NewRateLimiter(backend storage.Backend, key *InstallationKey, opts ...Option) *RateLimiter {
	return &RateLimiter{
		backend: backend,
		opts:    buildOptions(opts),
		macKey:  key.derive(keyPurposeLockout),
	}
}

// RecordFailure appends a failure for identity and returns the resulting
// status.
func (r *RateLimiter) RecordFailure(identity string) (LockoutStatus, error) {
	key := CanonicalEmail(identity)
	var status LockoutStatus
	err := r.update(func(doc *lockoutDocument, now time.Time) bool {
		w := doc.Identities[key]
		if w == nil {
			w = &FailureWindow{}
			doc.Identities[key] = w
		}
		w.Failures = append(w.Failures, now)
		status = r.statusOf(key, w, now)
		return true
	})
	if err != nil {
		return LockoutStatus{}, err
	}

	if status.Locked {
		r.opts.logger.Warn("identity locked after repeated failures",
			zap.String("identity", maskIdentifier(key)),
			zap.Int("failures", status.Failures),
			zap.Time("until", status.LockedUntil))
	}
	return status, nil
}

// IsLocked reports whether identity is locked and for how long. It reads
// without taking the store lock.
func (r *RateLimiter) IsLocked(identity string) (bool, time.Duration, error) {
	status, err := r.Status(identity)
	if err != nil {
		return false, 0, err
	}
	return status.Locked, status.RetryAfter(r.opts.clock()), nil
}

// RecordSuccess clears the identity's window.
func (r *RateLimiter) RecordSuccess(identity string) error {
	key := CanonicalEmail(identity)
	return r.update(func(doc *lockoutDocument, now time.Time) bool {
		if _, ok := doc.Identities[key]; !ok {
			return false
		}
		delete(doc.Identities, key)
		return true
	})
}

// Unlock clears the identity's window on an administrator's request. It
// reports whether the identity had been locked.
func (r *RateLimiter) Unlock(identity string) (bool, error) {
	key := CanonicalEmail(identity)
	wasLocked := false
	err := r.update(func(doc *lockoutDocument, now time.Time) bool {
		w, ok := doc.Identities[key]
		if !ok {
			return false
		}
		wasLocked = r.statusOf(key, w, now).Locked
		delete(doc.Identities, key)
		return true
	})
	if err != nil {
		return false, err
	}
	if wasLocked {
		r.opts.logger.Info("identity unlocked", zap.String("identity", maskIdentifier(key)))
	}
	return wasLocked, nil
}

// Status returns the pruned window for identity.
func (r *RateLimiter) Status(identity string) (LockoutStatus, error) {
	key := CanonicalEmail(identity)
	doc, err := r.load()
	if err != nil {
		return LockoutStatus{}, err
	}
	now := r.opts.clock()
	w := doc.Identities[key]
	if w == nil {
		w = &FailureWindow{}
	}
	w.prune(now, r.opts.lockoutWindow)
	return r.statusOf(key, w, now), nil
}

// ListLocked returns every currently locked identity, soonest unlock first.
func (r *RateLimiter) ListLocked() ([]LockoutStatus, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	now := r.opts.clock()
	var locked []LockoutStatus
	for id, w := range doc.Identities {
		w.prune(now, r.opts.lockoutWindow)
		if s := r.statusOf(id, w, now); s.Locked {
			locked = append(locked, s)
		}
	}
	sort.Slice(locked, func(i, j int) bool {
		return locked[i].LockedUntil.Before(locked[j].LockedUntil)
	})
	return locked, nil
}

// statusOf computes the status of an already pruned window. With n
// failures and a limit of m, the identity unlocks when failure n-m ages
// out, which brings the count to m-1.
func (r *RateLimiter) statusOf(id string, w *FailureWindow, now time.Time) LockoutStatus {
	s := LockoutStatus{
		Identity:    id,
		Failures:    len(w.Failures),
		MaxFailures: r.opts.maxFailures,
	}
	if s.Failures > 0 {
		s.OldestAt = w.Failures[0]
	}
	if s.Failures >= r.opts.maxFailures {
		s.Locked = true
		s.LockedUntil = w.Failures[s.Failures-r.opts.maxFailures].Add(r.opts.lockoutWindow)
	}
	return s
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// update runs fn on the pruned state under the store lock. fn returns
// whether it changed anything; pruning alone is written back only when
// something was removed.
func (r *RateLimiter) update(fn func(doc *lockoutDocument, now time.Time) bool) error {
	return updateDocument(r.backend, r.opts, LockoutDocument, func(cur []byte) ([]byte, error) {
		doc, err := r.decode(cur)
		if err != nil {
			return nil, err
		}
		now := r.opts.clock()
		pruned := r.pruneAll(doc, now)
		if !fn(doc, now) && !pruned {
			return nil, nil
		}
		doc.SavedAt = now
		return r.encode(doc)
	})
}

// pruneAll drops stale failures and empty windows, reporting whether
// anything was removed.
func (r *RateLimiter) pruneAll(doc *lockoutDocument, now time.Time) bool {
	changed := false
	for id, w := range doc.Identities {
		before := len(w.Failures)
		w.prune(now, r.opts.lockoutWindow)
		if len(w.Failures) != before {
			changed = true
		}
		if len(w.Failures) == 0 {
			delete(doc.Identities, id)
			changed = true
		}
	}
	return changed
}

func (r *RateLimiter) load() (*lockoutDocument, error) {
	data, err := readDocument(r.backend, r.opts, LockoutDocument)
	if err != nil {
		return nil, err
	}
	return r.decode(data)
}

// decode verifies the trailer and parses the state.
// SECURITY: A trailer mismatch is never repaired; an admin has to look.
func (r *RateLimiter) decode(payload []byte) (*lockoutDocument, error) {
	doc := &lockoutDocument{Version: documentVersion, Identities: make(map[string]*FailureWindow)}
	if len(payload) == 0 {
		return doc, nil
	}
	if len(payload) < lockoutTrailerSize {
		return nil, &CorruptionError{Document: LockoutDocument, Err: errors.New("state too short for signature")}
	}

	data := payload[:len(payload)-lockoutTrailerSize]
	sig := payload[len(payload)-lockoutTrailerSize:]
	if !hmac.Equal(sig, r.sign(data)) {
		return nil, &CorruptionError{Document: LockoutDocument, Err: errors.New("signature mismatch, possible tampering")}
	}

	if err := json.Unmarshal(data, doc); err != nil {
		return nil, &CorruptionError{Document: LockoutDocument, Err: err}
	}
	if doc.Identities == nil {
		doc.Identities = make(map[string]*FailureWindow)
	}
	for _, w := range doc.Identities {
		sort.Slice(w.Failures, func(i, j int) bool { return w.Failures[i].Before(w.Failures[j]) })
	}
	return doc, nil
}

func (r *RateLimiter) encode(doc *lockoutDocument) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", LockoutDocument, err)
	}
	return append(data, r.sign(data)...), nil
}

func (r *RateLimiter) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, r.macKey)
	mac.Write(data)
	return mac.Sum(nil)
}
