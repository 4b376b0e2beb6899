// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/devops-cli/internal/storage"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testKey(t *testing.T) *InstallationKey {
	t.Helper()
	key, err := NewInstallationKey(bytes.Repeat([]byte{0x5a}, MinKeyLength))
	require.NoError(t, err)
	return key
}

func newTestBackend(t *testing.T) *storage.FileBackend {
	t.Helper()
	b, err := storage.NewFileBackend(filepath.Join(t.TempDir(), "auth"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// newTestGate returns a gate over a fresh file backend with a controllable
// clock and no retry backoff.
func newTestGate(t *testing.T, opts ...Option) (*AuthGate, *testClock, *storage.FileBackend) {
	t.Helper()
	clock := newTestClock()
	b := newTestBackend(t)
	all := append([]Option{WithClock(clock.Now), WithRetryBackoff(0)}, opts...)
	return NewAuthGate(b, testKey(t), all...), clock, b
}

// bootstrapAdmin adds the first admin and logs them in.
func bootstrapAdmin(t *testing.T, g *AuthGate) (User, string, Session) {
	t.Helper()
	admin, token, err := g.AddUser("", "admin@co.com", RoleAdmin, WithName("Admin"))
	require.NoError(t, err)
	session, err := g.Login(admin.Email, token)
	require.NoError(t, err)
	return admin, token, session
}
