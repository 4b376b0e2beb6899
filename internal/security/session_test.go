// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionFixture struct {
	clock    *testClock
	store    *CredentialStore
	sessions *SessionManager
	path     string
}

func newSessionFixture(t *testing.T) sessionFixture {
	t.Helper()
	clock := newTestClock()
	b := newTestBackend(t)
	opts := []Option{WithClock(clock.Now), WithRetryBackoff(0)}
	store := NewCredentialStore(b, opts...)
	sessions := NewSessionManager(b, store, opts...)
	store.SetSessionRevoker(sessions)

	_, _, err := store.AddUser("dev@co.com", RoleDeveloper, WithName("Dev"), WithTeam("backend"))
	require.NoError(t, err)
	return sessionFixture{clock: clock, store: store, sessions: sessions, path: b.Path(SessionsDocument)}
}

func TestSession_CreateAndValidate(t *testing.T) {
	f := newSessionFixture(t)

	s, err := f.sessions.Create("Dev@co.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ID, "dvs_"))
	assert.Len(t, s.ID, len("dvs_")+64)
	assert.Equal(t, "dev@co.com", s.Email)
	assert.Equal(t, f.clock.Now().Add(DefaultSessionDuration), s.ExpiresAt)
	assert.False(t, s.Revoked)

	ident, err := f.sessions.Validate(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev@co.com", ident.Email)
	assert.Equal(t, "Dev", ident.Name)
	assert.Equal(t, RoleDeveloper, ident.Role)
	assert.Equal(t, "backend", ident.Team)
	assert.Equal(t, s.ID, ident.Session.ID)
}

func TestSession_CreateUnknownUser(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.sessions.Create("ghost@co.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSession_IDNotStoredInPlaintext(t *testing.T) {
	f := newSessionFixture(t)
	s, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	data, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), s.ID)
	assert.Contains(t, string(data), s.IDHash)
}

func TestSession_ExpiryBoundary(t *testing.T) {
	f := newSessionFixture(t)
	s, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	f.clock.Advance(7*time.Hour + 59*time.Minute)
	_, err = f.sessions.Validate(s.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.sessions.Validate(s.ID)
	assert.ErrorIs(t, err, ErrSessionExpired, "expired at exactly expiresAt")

	f.clock.Advance(time.Second)
	ident, err := f.sessions.Validate(s.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, "dev@co.com", ident.Email)
}

func TestSession_RefreshIsAbsolute(t *testing.T) {
	f := newSessionFixture(t)
	start := f.clock.Now()
	s, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	f.clock.Advance(4 * time.Hour)
	ident, err := f.sessions.Refresh(s.ID)
	require.NoError(t, err)
	want := start.Add(4 * time.Hour).Add(DefaultSessionDuration)
	assert.Equal(t, want, ident.Session.ExpiresAt)
	assert.NotEqual(t, start.Add(16*time.Hour), ident.Session.ExpiresAt)
	require.NotNil(t, ident.Session.RefreshedAt)

	// Usable past the original expiry, until the refreshed one.
	f.clock.Advance(7*time.Hour + 59*time.Minute)
	require.True(t, f.clock.Now().After(s.ExpiresAt))
	_, err = f.sessions.Validate(s.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.sessions.Validate(s.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSession_RefreshFailsLikeValidate(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.sessions.Refresh("dvs_missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)
	f.clock.Advance(DefaultSessionDuration)
	_, err = f.sessions.Refresh(s.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSession_RevokeIsIdempotent(t *testing.T) {
	f := newSessionFixture(t)
	s, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	revoked, err := f.sessions.Revoke(s.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = f.sessions.Revoke(s.ID)
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = f.sessions.Revoke("dvs_unknown")
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = f.sessions.Validate(s.ID)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestSession_ValidationOrder(t *testing.T) {
	f := newSessionFixture(t)
	s, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)
	_, err = f.sessions.Revoke(s.ID)
	require.NoError(t, err)

	// Expired and revoked reports expired.
	f.clock.Advance(DefaultSessionDuration)
	_, err = f.sessions.Validate(s.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = f.sessions.Validate("dvs_nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSession_DeactivateInvalidatesImmediately(t *testing.T) {
	f := newSessionFixture(t)
	s, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	_, err = f.store.SetActive("dev@co.com", false)
	require.NoError(t, err)

	_, err = f.sessions.Validate(s.ID)
	assert.ErrorIs(t, err, ErrAccountDisabled)

	// Reactivating restores the untouched session.
	_, err = f.store.SetActive("dev@co.com", true)
	require.NoError(t, err)
	_, err = f.sessions.Validate(s.ID)
	assert.NoError(t, err)
}

func TestSession_ResetTokenRevokesAll(t *testing.T) {
	f := newSessionFixture(t)
	first, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)
	second, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	_, err = f.store.ResetToken("dev@co.com")
	require.NoError(t, err)

	for _, s := range []Session{first, second} {
		_, err = f.sessions.Validate(s.ID)
		assert.ErrorIs(t, err, ErrSessionRevoked)
	}

	user, err := f.store.Get("dev@co.com")
	require.NoError(t, err)
	assert.True(t, user.Active)
}

func TestSession_ResetTokenWithoutCascade(t *testing.T) {
	f := newSessionFixture(t)
	s, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	// Without the revoke cascade the generation check still rejects it.
	f.store.SetSessionRevoker(nil)
	_, err = f.store.ResetToken("dev@co.com")
	require.NoError(t, err)

	_, err = f.sessions.Validate(s.ID)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestSession_RemovedUser(t *testing.T) {
	f := newSessionFixture(t)
	s, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	f.store.SetSessionRevoker(nil)
	require.NoError(t, f.store.RemoveUser("dev@co.com"))

	_, err = f.sessions.Validate(s.ID)
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestSession_RevokeAllForAndList(t *testing.T) {
	f := newSessionFixture(t)
	_, _, err := f.store.AddUser("ops@co.com", RoleAdmin)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.sessions.Create("dev@co.com")
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}
	other, err := f.sessions.Create("ops@co.com")
	require.NoError(t, err)

	n, err := f.sessions.RevokeAllFor("DEV@co.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := f.sessions.ListFor("dev@co.com")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].IssuedAt.After(list[1].IssuedAt))
	for _, s := range list {
		assert.True(t, s.Revoked)
		assert.Empty(t, s.ID)
	}

	_, err = f.sessions.Validate(other.ID)
	assert.NoError(t, err)
}

func TestSession_ReAddedUserDoesNotInheritSessions(t *testing.T) {
	f := newSessionFixture(t)
	old, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	// The cascade revoke fails, so the old session stays unrevoked on disk.
	f.store.SetSessionRevoker(&countingRevoker{err: ErrStorageBusy})
	require.NoError(t, f.store.RemoveUser("dev@co.com"))
	f.store.SetSessionRevoker(f.sessions)

	_, _, err = f.store.AddUser("dev@co.com", RoleAdmin)
	require.NoError(t, err)

	ident, err := f.sessions.Validate(old.ID)
	assert.ErrorIs(t, err, ErrSessionRevoked)
	assert.Empty(t, ident.Role)
	_, err = f.sessions.Refresh(old.ID)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	fresh, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)
	ident, err = f.sessions.Validate(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, ident.Role)
}

func TestSession_PruneAfterRetention(t *testing.T) {
	f := newSessionFixture(t)
	old, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	f.clock.Advance(DefaultSessionDuration + sessionRetention + time.Minute)

	// Any write prunes sessions dead for longer than the retention period.
	fresh, err := f.sessions.Create("dev@co.com")
	require.NoError(t, err)

	_, err = f.sessions.Validate(old.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.sessions.Validate(fresh.ID)
	assert.NoError(t, err)

	n, err := f.sessions.Prune(f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "fresh session is not dead")
}

func TestCurrentSession(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "auth")
	cur := NewCurrentSession(dir)

	id, err := cur.Load()
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, cur.Save("dvs_abc"))
	id, err = cur.Load()
	require.NoError(t, err)
	assert.Equal(t, "dvs_abc", id)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, CurrentSessionFile))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	require.NoError(t, cur.Clear())
	require.NoError(t, cur.Clear())
	id, err = cur.Load()
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "active", SessionActive.String())
	assert.Equal(t, "expired", SessionExpired.String())
	assert.Equal(t, "revoked", SessionRevoked.String())
}
