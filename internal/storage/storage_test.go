// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CONTRACT TESTS (run against every backend)
// =============================================================================

func backends(t *testing.T) map[Kind]Backend {
	t.Helper()
	out := make(map[Kind]Backend)
	for _, kind := range []Kind{KindFile, KindSQLite} {
		b, err := Open(kind, filepath.Join(t.TempDir(), "auth"), WithLockTimeout(5*time.Second))
		require.NoError(t, err, "open %s backend", kind)
		t.Cleanup(func() { b.Close() })
		out[kind] = b
	}
	return out
}

func TestBackend_ReadMissing(t *testing.T) {
	for kind, b := range backends(t) {
		data, err := b.Read("users.json")
		require.NoError(t, err, kind)
		assert.Nil(t, data, kind)
	}
}

func TestBackend_UpdateAndRead(t *testing.T) {
	for kind, b := range backends(t) {
		err := b.Update("users.json", func(cur []byte) ([]byte, error) {
			assert.Nil(t, cur, kind)
			return []byte(`{"a":1}`), nil
		})
		require.NoError(t, err, kind)

		err = b.Update("users.json", func(cur []byte) ([]byte, error) {
			assert.Equal(t, `{"a":1}`, string(cur), kind)
			return []byte(`{"a":2}`), nil
		})
		require.NoError(t, err, kind)

		data, err := b.Read("users.json")
		require.NoError(t, err, kind)
		assert.Equal(t, `{"a":2}`, string(data), kind)
	}
}

func TestBackend_UpdateErrorAbortsWrite(t *testing.T) {
	sentinel := errors.New("duplicate")
	for kind, b := range backends(t) {
		require.NoError(t, b.Update("doc", func([]byte) ([]byte, error) { return []byte("v1"), nil }))

		err := b.Update("doc", func([]byte) ([]byte, error) { return []byte("v2"), sentinel })
		assert.ErrorIs(t, err, sentinel, kind)

		err = b.Update("doc", func([]byte) ([]byte, error) { return nil, nil })
		assert.NoError(t, err, kind)

		data, _ := b.Read("doc")
		assert.Equal(t, "v1", string(data), kind)
	}
}

func TestBackend_AppendPassesLastLine(t *testing.T) {
	for kind, b := range backends(t) {
		var seen [][]byte
		for i := 0; i < 3; i++ {
			line := []byte("line-" + strconv.Itoa(i))
			err := b.Append("audit.log", func(last []byte) ([]byte, error) {
				seen = append(seen, append([]byte(nil), last...))
				return line, nil
			})
			require.NoError(t, err, kind)
		}

		require.Len(t, seen, 3, kind)
		assert.Empty(t, seen[0], kind)
		assert.Equal(t, "line-0", string(seen[1]), kind)
		assert.Equal(t, "line-1", string(seen[2]), kind)

		data, err := b.Read("audit.log")
		require.NoError(t, err, kind)
		assert.Equal(t, "line-0\nline-1\nline-2\n", string(data), kind)
	}
}

func TestBackend_AppendRejectsNewline(t *testing.T) {
	for kind, b := range backends(t) {
		err := b.Append("audit.log", func([]byte) ([]byte, error) { return []byte("a\nb"), nil })
		assert.Error(t, err, kind)
	}
}

func TestBackend_InvalidName(t *testing.T) {
	for kind, b := range backends(t) {
		for _, name := range []string{"", "..", "../users.json", "a/b"} {
			_, err := b.Read(name)
			assert.ErrorIs(t, err, ErrInvalidName, "%s %q", kind, name)
		}
	}
}

// TestBackend_ConcurrentUpdates verifies that many writers never lose an
// increment, which would happen if two read-modify-write cycles interleaved.
func TestBackend_ConcurrentUpdates(t *testing.T) {
	for kind, b := range backends(t) {
		const writers = 20
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- b.Update("counter", func(cur []byte) ([]byte, error) {
					n := 0
					if len(cur) > 0 {
						var err error
						if n, err = strconv.Atoi(string(cur)); err != nil {
							return nil, err
						}
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err, kind)
		}

		data, err := b.Read("counter")
		require.NoError(t, err, kind)
		assert.Equal(t, strconv.Itoa(writers), string(data), kind)
	}
}

// =============================================================================
// FILE BACKEND SPECIFICS
// =============================================================================

func TestFileBackend_LockTimeoutIsBusy(t *testing.T) {
	dir := t.TempDir()
	holder, err := NewFileBackend(dir)
	require.NoError(t, err)
	contender, err := NewFileBackend(dir, WithLockTimeout(50*time.Millisecond))
	require.NoError(t, err)

	unlock, err := holder.lock("sessions.json")
	require.NoError(t, err)

	start := time.Now()
	err = contender.Update("sessions.json", func([]byte) ([]byte, error) {
		t.Fatal("update ran while lock was held")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Less(t, time.Since(start), 2*time.Second, "lock wait must be bounded")

	unlock()
	assert.NoError(t, contender.Update("sessions.json", func([]byte) ([]byte, error) {
		return []byte("{}"), nil
	}))
}

func TestFileBackend_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits not enforced on windows")
	}
	dir := filepath.Join(t.TempDir(), "auth")
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	require.NoError(t, b.Update("users.json", func([]byte) ([]byte, error) { return []byte("{}"), nil }))
	require.NoError(t, b.Append("audit.log", func([]byte) ([]byte, error) { return []byte("{}"), nil }))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	for _, name := range []string{"users.json", "audit.log", "users.json.lock"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), name)
	}
}

func TestLastLine_LongLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	long := bytes.Repeat([]byte("x"), tailChunk*2+17)
	content := append([]byte("first\n"), long...)
	content = append(content, '\n')
	require.NoError(t, os.WriteFile(path, content, 0600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := lastLine(f)
	require.NoError(t, err)
	assert.Equal(t, long, got)
}

func TestClosedBackend(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.Read("users.json")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open("etcd", t.TempDir())
	assert.Error(t, err)
}
