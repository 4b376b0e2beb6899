// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/devops-cli/internal/storage"
)

// =============================================================================
// AUTH GATE
// =============================================================================

// AuthGate is the entry point other commands call through. It composes the
// credential store, rate limiter, session manager and audit log and owns
// the audit policy: every failure path is recorded, routine authorized
// access is not.
type AuthGate struct {
	backend  storage.Backend
	opts     options
	creds    *CredentialStore
	sessions *SessionManager
	limiter  *RateLimiter
	audit    *AuditLog

	// auditGaps throttles the operational warning for failed audit appends.
	auditGaps *rate.Sometimes
}

// Open loads the installation key for the backend's directory and returns a
// gate over backend.
func Open(backend storage.Backend, opts ...Option) (*AuthGate, error) {
	key, err := LoadInstallationKey(backend.Location())
	if err != nil {
		return nil, fmt.Errorf("failed to load installation key: %w", err)
	}
	return NewAuthGate(backend, key, opts...), nil
}

// NewAuthGate wires the components over backend with an explicit key.
func NewAuthGate(backend storage.Backend, key *InstallationKey, opts ...Option) *AuthGate {
	o := buildOptions(opts)
	creds := NewCredentialStore(backend, opts...)
	sessions := NewSessionManager(backend, creds, opts...)
	creds.SetSessionRevoker(sessions)

	return &AuthGate{
		backend:   backend,
		opts:      o,
		creds:     creds,
		sessions:  sessions,
		limiter:   NewRateLimiter(backend, key, opts...),
		audit:     NewAuditLog(backend, key, opts...),
		auditGaps: &rate.Sometimes{First: 3, Interval: time.Minute},
	}
}

// Credentials returns the underlying credential store.
func (g *AuthGate) Credentials() *CredentialStore { return g.creds }

// Sessions returns the underlying session manager.
func (g *AuthGate) Sessions() *SessionManager { return g.sessions }

// Limiter returns the underlying rate limiter.
func (g *AuthGate) Limiter() *RateLimiter { return g.limiter }

// Audit returns the underlying audit log.
func (g *AuthGate) Audit() *AuditLog { return g.audit }

// Close releases the storage backend.
func (g *AuthGate) Close() error {
	return g.backend.Close()
}

// =============================================================================
// LOGIN / LOGOUT
// =============================================================================

// Login authenticates email with a plaintext token and opens a session.
//
// A locked identity fails with *RateLimitError before the token is looked
// at. A wrong token or unknown email counts as a failure and yields
// ErrInvalidCredentials. A correct token on a deactivated account yields
// ErrAccountDisabled and does not count as a failure.
func (g *AuthGate) Login(email, token string) (Session, error) {
	key := CanonicalEmail(email)
	if key == "" {
		g.record(ActorUnknown, ActionLogin, ResultFailure, "missing email")
		return Session{}, ErrInvalidCredentials
	}

	locked, retryAfter, err := g.limiter.IsLocked(key)
	if err != nil {
		g.record(key, ActionLogin, ResultFailure, reasonFor(err))
		return Session{}, err
	}
	if locked {
		g.record(key, ActionLogin, ResultFailure, "rate-limited")
		return Session{}, &RateLimitError{RetryAfter: retryAfter}
	}

	user, err := g.creds.Verify(key, token)
	switch {
	case errors.Is(err, ErrAccountDisabled):
		g.record(key, ActionLogin, ResultDenied, "account disabled")
		return Session{}, ErrAccountDisabled
	case errors.Is(err, ErrInvalidCredentials):
		detail := "invalid credentials"
		status, ferr := g.limiter.RecordFailure(key)
		if ferr != nil {
			g.opts.logger.Warn("failed to record login failure",
				zap.String("identity", maskIdentifier(key)),
				zap.Error(ferr))
		} else {
			detail = fmt.Sprintf("invalid credentials (%d/%d)", status.Failures, status.MaxFailures)
		}
		g.record(key, ActionLogin, ResultFailure, detail)
		return Session{}, ErrInvalidCredentials
	case err != nil:
		g.record(key, ActionLogin, ResultFailure, reasonFor(err))
		return Session{}, err
	}

	if err := g.limiter.RecordSuccess(key); err != nil {
		g.record(key, ActionLogin, ResultFailure, reasonFor(err))
		return Session{}, err
	}
	session, err := g.sessions.Create(user.Email)
	if err != nil {
		g.record(key, ActionLogin, ResultFailure, reasonFor(err))
		return Session{}, err
	}
	g.record(key, ActionLogin, ResultSuccess, "")

	if err := g.creds.RecordLogin(user.Email, session.IssuedAt); err != nil {
		g.opts.logger.Warn("failed to record last login",
			zap.String("email", user.Email),
			zap.Error(err))
	}
	return session, nil
}

// Logout revokes a session. Unknown or already ended sessions are not an
// error; the outcome is recorded either way.
func (g *AuthGate) Logout(id string) error {
	actor := g.ownerOf(id)
	if _, err := g.sessions.Revoke(id); err != nil {
		g.record(actor, ActionLogout, ResultFailure, reasonFor(err))
		return err
	}
	g.record(actor, ActionLogout, ResultSuccess, "")
	return nil
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

// ValidateAndAuthorize validates a session and checks that its owner holds
// required. Session errors are returned unchanged; a role mismatch returns
// *PermissionError. The Identity is filled in whenever the session exists,
// so callers can name the account in messages.
func (g *AuthGate) ValidateAndAuthorize(id string, required Role) (Identity, error) {
	return g.authorize(id, required, ActionAccess, "required="+string(required))
}

// Refresh extends a session to now plus the session duration.
func (g *AuthGate) Refresh(id string) (Identity, error) {
	ident, err := g.sessions.Refresh(id)
	actor := ident.Email
	if actor == "" {
		actor = ActorUnknown
	}
	if err != nil {
		g.record(actor, ActionRefresh, resultFor(err), reasonFor(err))
		return ident, err
	}
	g.record(actor, ActionRefresh, ResultSuccess, "")
	return ident, nil
}

// authorize is ValidateAndAuthorize with the audited action and detail
// chosen by the caller. Only failures are recorded.
func (g *AuthGate) authorize(id string, required Role, action AuditAction, detail string) (Identity, error) {
	ident, err := g.sessions.Validate(id)
	if err != nil {
		actor := ident.Email
		if actor == "" {
			actor = ActorUnknown
		}
		g.record(actor, action, resultFor(err), joinDetail(detail, reasonFor(err)))
		return ident, err
	}
	if !ident.Role.Satisfies(required) {
		g.record(ident.Email, action, ResultDenied,
			joinDetail(detail, fmt.Sprintf("role %s lacks %s", ident.Role, required)))
		return ident, &PermissionError{Email: ident.Email, Held: ident.Role, Required: required}
	}
	return ident, nil
}

// adminActor authorizes an admin operation and returns the acting email.
// With no session and an empty registry the actor is "system" when
// bootstrap is allowed for the operation. The registry may fill up before
// the caller writes, so a "system" caller must add its first user with
// CredentialStore.AddFirstUser.
func (g *AuthGate) adminActor(sessionID string, action AuditAction, detail string, bootstrap bool) (string, error) {
	if sessionID == "" && bootstrap {
		n, err := g.creds.Count()
		if err != nil {
			g.record(ActorSystem, action, ResultFailure, joinDetail(detail, reasonFor(err)))
			return "", err
		}
		if n == 0 {
			return ActorSystem, nil
		}
	}
	ident, err := g.authorize(sessionID, RoleAdmin, action, detail)
	if err != nil {
		return "", err
	}
	return ident.Email, nil
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

// AddUser registers a user and returns the plaintext token once. The first
// admin may be added without a session while the registry is empty.
func (g *AuthGate) AddUser(sessionID, email string, role Role, opts ...UserOption) (User, string, error) {
	target := CanonicalEmail(email)
	detail := fmt.Sprintf("target=%s role=%s", target, role)
	actor, err := g.adminActor(sessionID, ActionUserAdd, detail, role == RoleAdmin)
	if err != nil {
		return User{}, "", err
	}

	opts = append(opts, WithCreatedBy(actor))
	add := g.creds.AddUser
	if actor == ActorSystem {
		add = g.creds.AddFirstUser
	}
	user, token, err := add(target, role, opts...)
	if err != nil {
		g.record(actor, ActionUserAdd, ResultFailure, joinDetail(detail, reasonFor(err)))
		return User{}, "", err
	}
	g.record(actor, ActionUserAdd, ResultSuccess, detail)
	return user, token, nil
}

// RemoveUser deletes a user and revokes all of their sessions.
func (g *AuthGate) RemoveUser(sessionID, email string) error {
	target := CanonicalEmail(email)
	detail := "target=" + target
	actor, err := g.adminActor(sessionID, ActionUserRemove, detail, false)
	if err != nil {
		return err
	}
	if err := g.creds.RemoveUser(target); err != nil {
		g.record(actor, ActionUserRemove, ResultFailure, joinDetail(detail, reasonFor(err)))
		return err
	}
	g.record(actor, ActionUserRemove, ResultSuccess, detail)
	return nil
}

// Deactivate disables a user. Their sessions stop validating immediately.
func (g *AuthGate) Deactivate(sessionID, email string) (User, error) {
	return g.setActive(sessionID, email, false)
}

// Activate re-enables a user.
func (g *AuthGate) Activate(sessionID, email string) (User, error) {
	return g.setActive(sessionID, email, true)
}

func (g *AuthGate) setActive(sessionID, email string, active bool) (User, error) {
	action := ActionDeactivate
	if active {
		action = ActionActivate
	}
	target := CanonicalEmail(email)
	detail := "target=" + target
	actor, err := g.adminActor(sessionID, action, detail, false)
	if err != nil {
		return User{}, err
	}
	user, err := g.creds.SetActive(target, active)
	if err != nil {
		g.record(actor, action, ResultFailure, joinDetail(detail, reasonFor(err)))
		return User{}, err
	}
	g.record(actor, action, ResultSuccess, detail)
	return user, nil
}

// ResetToken issues a new token for a user and revokes their sessions.
func (g *AuthGate) ResetToken(sessionID, email string) (string, error) {
	target := CanonicalEmail(email)
	detail := "target=" + target
	actor, err := g.adminActor(sessionID, ActionResetToken, detail, false)
	if err != nil {
		return "", err
	}
	token, err := g.creds.ResetToken(target)
	if err != nil {
		g.record(actor, ActionResetToken, ResultFailure, joinDetail(detail, reasonFor(err)))
		return "", err
	}
	g.record(actor, ActionResetToken, ResultSuccess, detail)
	return token, nil
}

// Unlock clears the failed-login window of an identity. It reports whether
// the identity had been locked.
func (g *AuthGate) Unlock(sessionID, email string) (bool, error) {
	target := CanonicalEmail(email)
	detail := "target=" + target
	actor, err := g.adminActor(sessionID, ActionUnlock, detail, false)
	if err != nil {
		return false, err
	}
	wasLocked, err := g.limiter.Unlock(target)
	if err != nil {
		g.record(actor, ActionUnlock, ResultFailure, joinDetail(detail, reasonFor(err)))
		return false, err
	}
	if !wasLocked {
		detail = joinDetail(detail, "was not locked")
	}
	g.record(actor, ActionUnlock, ResultSuccess, detail)
	return wasLocked, nil
}

// LockoutStatus returns the failed-login window of an identity.
func (g *AuthGate) LockoutStatus(sessionID, email string) (LockoutStatus, error) {
	target := CanonicalEmail(email)
	if _, err := g.authorize(sessionID, RoleAdmin, ActionAccess, "lockout-status target="+target); err != nil {
		return LockoutStatus{}, err
	}
	return g.limiter.Status(target)
}

// LockedIdentities lists every identity currently locked out.
func (g *AuthGate) LockedIdentities(sessionID string) ([]LockoutStatus, error) {
	if _, err := g.authorize(sessionID, RoleAdmin, ActionAccess, "lockout-list"); err != nil {
		return nil, err
	}
	return g.limiter.ListLocked()
}

// ListUsers returns all users without digest material.
func (g *AuthGate) ListUsers(sessionID string) ([]UserInfo, error) {
	if _, err := g.authorize(sessionID, RoleAdmin, ActionAccess, "user-list"); err != nil {
		return nil, err
	}
	users, err := g.creds.List()
	if err != nil {
		return nil, err
	}
	infos := make([]UserInfo, len(users))
	for i, u := range users {
		infos[i] = u.Info()
	}
	return infos, nil
}

// UserSessions returns the recorded sessions of a user, newest first.
func (g *AuthGate) UserSessions(sessionID, email string) ([]Session, error) {
	target := CanonicalEmail(email)
	if _, err := g.authorize(sessionID, RoleAdmin, ActionAccess, "user-sessions target="+target); err != nil {
		return nil, err
	}
	return g.sessions.ListFor(target)
}

// PruneSessions drops every expired or revoked session and returns how
// many were dropped.
func (g *AuthGate) PruneSessions(sessionID string) (int, error) {
	actor, err := g.adminActor(sessionID, ActionPrune, "", false)
	if err != nil {
		return 0, err
	}
	n, err := g.sessions.Prune(g.opts.clock())
	if err != nil {
		g.record(actor, ActionPrune, ResultFailure, reasonFor(err))
		return 0, err
	}
	g.record(actor, ActionPrune, ResultSuccess, fmt.Sprintf("dropped=%d", n))
	return n, nil
}

// AuditLogs queries the audit log.
func (g *AuthGate) AuditLogs(sessionID string, f AuditFilter) ([]AuditEvent, error) {
	if _, err := g.authorize(sessionID, RoleAdmin, ActionAccess, "audit-logs"); err != nil {
		return nil, err
	}
	return g.audit.Query(f)
}

// FollowAuditLogs streams new audit events until ctx is done.
func (g *AuthGate) FollowAuditLogs(ctx context.Context, sessionID string, f AuditFilter, fn func(AuditEvent) error) error {
	if _, err := g.authorize(sessionID, RoleAdmin, ActionAccess, "audit-logs follow"); err != nil {
		return err
	}
	return g.audit.Follow(ctx, f, fn)
}

// VerifyAudit checks the audit chain.
func (g *AuthGate) VerifyAudit(sessionID string) (VerifyReport, error) {
	if _, err := g.authorize(sessionID, RoleAdmin, ActionAccess, "audit-verify"); err != nil {
		return VerifyReport{}, err
	}
	return g.audit.Verify()
}

// =============================================================================
// HELPERS
// =============================================================================

// record appends an audit event. A failed append never fails the auth
// operation; it is logged as a throttled warning and handed to the audit
// failure handler.
func (g *AuthGate) record(actor string, action AuditAction, result AuditResult, detail string) {
	if g.opts.source != "" {
		detail = joinDetail(detail, "source="+g.opts.source)
	}
	err := g.audit.Record(actor, action, result, detail)
	if err == nil {
		return
	}
	g.auditGaps.Do(func() {
		g.opts.logger.Warn("audit event not recorded",
			zap.String("action", string(action)),
			zap.String("result", string(result)),
			zap.Error(err))
	})
	if g.opts.onAuditFailure != nil {
		g.opts.onAuditFailure(err)
	}
}

// ownerOf returns the email a session belongs to, or "unknown".
func (g *AuthGate) ownerOf(id string) string {
	ident, _ := g.sessions.Validate(id)
	if ident.Email == "" {
		return ActorUnknown
	}
	return ident.Email
}

// resultFor classifies an error for the audit record. Refusals of a valid
// request are "denied"; everything else is "failure".
func resultFor(err error) AuditResult {
	switch {
	case errors.Is(err, ErrAccountDisabled), errors.Is(err, ErrPermissionDenied):
		return ResultDenied
	default:
		return ResultFailure
	}
}

// reasonFor is the short audit detail for an error. It never includes the
// error text, which may carry user input.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid credentials"
	case errors.Is(err, ErrAccountDisabled):
		return "account disabled"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate-limited"
	case errors.Is(err, ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, ErrSessionExpired):
		return "session expired"
	case errors.Is(err, ErrSessionRevoked):
		return "session revoked"
	case errors.Is(err, ErrPermissionDenied):
		return "permission denied"
	case errors.Is(err, ErrDuplicateUser):
		return "duplicate user"
	case errors.Is(err, ErrUserNotFound):
		return "user not found"
	case errors.Is(err, ErrStorageBusy):
		return "storage busy"
	case errors.Is(err, ErrStorageCorruption):
		return "storage corrupt"
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return "invalid " + verr.Field
	}
	return "error"
}

func joinDetail(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
