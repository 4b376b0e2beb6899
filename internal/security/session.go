// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the devops CLI authentication core.
//
// Session Manager issues and checks time-bounded sessions.
//
// # Lifecycle
//
//   - Active: created by a successful login, lasts 8 hours
//   - Refresh: moves expiry to now + 8 hours (absolute, not cumulative)
//   - Expired: detected lazily when the session is next validated
//   - Revoked: logout, user removal or token reset
//
// Sessions are stored keyed by a SHA-256 digest of their id, so the
// sessions document alone cannot be replayed.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/devops-cli/internal/storage"
	"github.com/jeranaias/devops-cli/internal/util"
)

// =============================================================================
// SESSION
// =============================================================================

// SessionState is the lifecycle state of a session at a point in time.
type SessionState int

const (
	// SessionActive indicates the session is usable.
	SessionActive SessionState = iota
	// SessionExpired indicates expiry has passed.
	SessionExpired
	// SessionRevoked indicates logout or a cascading revoke.
	SessionRevoked
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	case SessionRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Session is an access grant from a prior successful login. ID is only
// populated where the caller supplied or was just issued it.
type Session struct {
	ID              string     `json:"-"`
	IDHash          string     `json:"id_hash"`
	Email           string     `json:"user_email"`
	UserID          string     `json:"user_id"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	Revoked         bool       `json:"revoked"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	RefreshedAt     *time.Time `json:"refreshed_at,omitempty"`
	TokenGeneration int        `json:"token_generation"`
}

// StateAt reports the session state at now. Expiry takes precedence over
// revocation.
func (s Session) StateAt(now time.Time) SessionState {
	if !now.Before(s.ExpiresAt) {
		return SessionExpired
	}
	if s.Revoked {
		return SessionRevoked
	}
	return SessionActive
}

// RemainingAt returns the time left at now, or zero.
func (s Session) RemainingAt(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Identity is the result of a successful validation.
type Identity struct {
	Email   string  `json:"email"`
	Name    string  `json:"name"`
	Role    Role    `json:"role"`
	Team    string  `json:"team"`
	Session Session `json:"session"`
}

// UserLookup resolves the owner of a session. CredentialStore implements it.
type UserLookup interface {
	Get(email string) (User, error)
}

// sessionsDocument is the persisted form of sessions.json.
type sessionsDocument struct {
	Version  int                 `json:"version"`
	Sessions map[string]*Session `json:"sessions"`
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// SessionManager issues, validates, refreshes and revokes sessions.
type SessionManager struct {
	backend storage.Backend
	users   UserLookup
	opts    options
}

// NewSessionManager creates a session manager that checks session owners
// against users.
func NewSessionManager(backend storage.Backend, users UserLookup, opts ...Option) *SessionManager {
	return &SessionManager{
		backend: backend,
		users:   users,
		opts:    buildOptions(opts),
	}
}

// Create mints a session for email. The caller is responsible for having
// authenticated the user.
func (m *SessionManager) Create(email string) (Session, error) {
	key := CanonicalEmail(email)
	user, err := m.users.Get(key)
	if err != nil {
		return Session{}, err
	}

	id, err := generateSessionID()
	if err != nil {
		return Session{}, err
	}
	now := m.opts.clock()
	session := Session{
		ID:              id,
		IDHash:          hashSessionID(id),
		Email:           key,
		UserID:          user.ID,
		IssuedAt:        now,
		ExpiresAt:       now.Add(m.opts.sessionDuration),
		TokenGeneration: user.TokenGeneration,
	}

	err = m.update(func(doc *sessionsDocument, now time.Time) (bool, error) {
		record := session
		doc.Sessions[session.IDHash] = &record
		return true, nil
	})
	if err != nil {
		return Session{}, err
	}

	m.opts.logger.Debug("session created",
		zap.String("session", sanitizeSessionIDForLog(id)),
		zap.Time("expires_at", session.ExpiresAt))
	return session, nil
}

// Validate checks that a session is usable and returns its owner.
//
// Failures, in order: ErrSessionNotFound, ErrSessionExpired,
// ErrSessionRevoked, then ErrAccountDisabled when the owner is inactive or
// gone. A session minted under a token that has since been reset, or for an
// earlier user of the same email, reports ErrSessionRevoked. When the
// session exists, the returned Identity carries its email even on failure
// so callers can attribute the attempt.
func (m *SessionManager) Validate(id string) (Identity, error) {
	doc, err := m.load()
	if err != nil {
		return Identity{}, err
	}
	s, ok := doc.Sessions[hashSessionID(id)]
	if !ok {
		return Identity{}, ErrSessionNotFound
	}
	session := *s
	session.ID = id
	return m.check(session, m.opts.clock())
}

// Refresh re-validates a session and moves its expiry to now plus the
// session duration.
func (m *SessionManager) Refresh(id string) (Identity, error) {
	var ident Identity
	err := m.update(func(doc *sessionsDocument, now time.Time) (bool, error) {
		s, ok := doc.Sessions[hashSessionID(id)]
		if !ok {
			ident = Identity{}
			return false, ErrSessionNotFound
		}
		session := *s
		session.ID = id
		checked, err := m.check(session, now)
		ident = checked
		if err != nil {
			return false, err
		}
		s.ExpiresAt = now.Add(m.opts.sessionDuration)
		refreshed := now
		s.RefreshedAt = &refreshed
		ident.Session = *s
		ident.Session.ID = id
		return true, nil
	})
	return ident, err
}

// Revoke ends a session. Unknown and already revoked sessions are not an
// error. It reports whether a live session was revoked.
func (m *SessionManager) Revoke(id string) (bool, error) {
	revoked := false
	err := m.update(func(doc *sessionsDocument, now time.Time) (bool, error) {
		revoked = false
		s, ok := doc.Sessions[hashSessionID(id)]
		if !ok || s.Revoked {
			return false, nil
		}
		s.Revoked = true
		at := now
		s.RevokedAt = &at
		revoked = true
		return true, nil
	})
	return revoked, err
}

// RevokeAllFor revokes every live session of email and returns how many
// were revoked.
func (m *SessionManager) RevokeAllFor(email string) (int, error) {
	key := CanonicalEmail(email)
	count := 0
	err := m.update(func(doc *sessionsDocument, now time.Time) (bool, error) {
		count = 0
		for _, s := range doc.Sessions {
			if s.Email != key || s.Revoked {
				continue
			}
			s.Revoked = true
			at := now
			s.RevokedAt = &at
			count++
		}
		return count > 0, nil
	})
	return count, err
}

// ListFor returns the sessions of email, newest first, with IDs unset.
func (m *SessionManager) ListFor(email string) ([]Session, error) {
	key := CanonicalEmail(email)
	doc, err := m.load()
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, s := range doc.Sessions {
		if s.Email == key {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

// Prune drops sessions that expired or were revoked before the cutoff and
// returns how many were dropped.
func (m *SessionManager) Prune(before time.Time) (int, error) {
	dropped := 0
	err := m.update(func(doc *sessionsDocument, now time.Time) (bool, error) {
		dropped = pruneSessions(doc, before)
		return dropped > 0, nil
	})
	return dropped, err
}

// check applies the validation rules to a session at now.
func (m *SessionManager) check(s Session, now time.Time) (Identity, error) {
	ident := Identity{Email: s.Email, Session: s}
	switch s.StateAt(now) {
	case SessionExpired:
		return ident, ErrSessionExpired
	case SessionRevoked:
		return ident, ErrSessionRevoked
	}

	user, err := m.users.Get(s.Email)
	if errors.Is(err, ErrUserNotFound) {
		return ident, fmt.Errorf("%w: user no longer exists", ErrAccountDisabled)
	}
	if err != nil {
		return ident, err
	}
	if user.ID != s.UserID {
		return ident, fmt.Errorf("%w: user was removed", ErrSessionRevoked)
	}
	if !user.Active {
		return ident, ErrAccountDisabled
	}
	if user.TokenGeneration != s.TokenGeneration {
		return ident, fmt.Errorf("%w: token was reset", ErrSessionRevoked)
	}

	ident.Name = user.Name
	ident.Role = user.Role
	ident.Team = user.Team
	return ident, nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// update runs fn under the store lock. Writes also prune dead sessions past
// the retention period, so the document does not grow without bound.
func (m *SessionManager) update(fn func(doc *sessionsDocument, now time.Time) (bool, error)) error {
	return updateDocument(m.backend, m.opts, SessionsDocument, func(cur []byte) ([]byte, error) {
		doc, err := decodeSessions(cur)
		if err != nil {
			return nil, err
		}
		now := m.opts.clock()
		changed, err := fn(doc, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, nil
		}
		pruneSessions(doc, now.Add(-sessionRetention))
		return encodeJSON(SessionsDocument, doc)
	})
}

func (m *SessionManager) load() (*sessionsDocument, error) {
	data, err := readDocument(m.backend, m.opts, SessionsDocument)
	if err != nil {
		return nil, err
	}
	return decodeSessions(data)
}

func decodeSessions(data []byte) (*sessionsDocument, error) {
	doc := &sessionsDocument{Version: documentVersion}
	if err := decodeJSON(SessionsDocument, data, doc); err != nil {
		return nil, err
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]*Session)
	}
	for key, s := range doc.Sessions {
		if s == nil || s.IDHash != key {
			return nil, &CorruptionError{Document: SessionsDocument, Err: fmt.Errorf("record %q does not match its key", sanitizeSessionIDForLog(key))}
		}
	}
	return doc, nil
}

// pruneSessions removes sessions that died before cutoff.
func pruneSessions(doc *sessionsDocument, cutoff time.Time) int {
	n := 0
	for key, s := range doc.Sessions {
		expiredLongAgo := s.ExpiresAt.Before(cutoff)
		revokedLongAgo := s.Revoked && s.RevokedAt != nil && s.RevokedAt.Before(cutoff)
		if expiredLongAgo || revokedLongAgo {
			delete(doc.Sessions, key)
			n++
		}
	}
	return n
}

// hashSessionID is the storage key of a session.
func hashSessionID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// CURRENT SESSION FILE
// =============================================================================

// CurrentSession is the per-workstation pointer to the session the CLI
// uses. It lives next to the shared documents with owner-only permissions.
type CurrentSession struct {
	path string
}

// NewCurrentSession returns the pointer file inside dir.
func NewCurrentSession(dir string) *CurrentSession {
	return &CurrentSession{path: filepath.Join(dir, CurrentSessionFile)}
}

// Load returns the saved session id, or "" when there is none.
func (c *CurrentSession) Load() (string, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read current session: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save records id as this workstation's session.
func (c *CurrentSession) Save(id string) error {
	if err := util.EnsurePrivateDir(filepath.Dir(c.path)); err != nil {
		return err
	}
	return util.AtomicWriteFile(c.path, []byte(id+"\n"), util.PrivateFilePerm)
}

// Clear removes the pointer. A missing file is not an error.
func (c *CurrentSession) Clear() error {
	err := os.Remove(c.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear current session: %w", err)
	}
	return nil
}
