// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_Basic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")

	if err := AtomicWriteFile(path, []byte(`{"a":1}`), PrivateFilePerm); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != `{"a":1}` {
		t.Errorf("Content mismatch: got %q", content)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm() != PrivateFilePerm {
			t.Errorf("mode = %o, want %o", info.Mode().Perm(), PrivateFilePerm)
		}
	}
}

func TestAtomicWriteFile_OverwritesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	for _, body := range []string{"first", "second", "third"} {
		if err := AtomicWriteFile(path, []byte(body), PrivateFilePerm); err != nil {
			t.Fatalf("write %s: %v", body, err)
		}
	}

	content, _ := os.ReadFile(path)
	if string(content) != "third" {
		t.Errorf("got %q, want third", content)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestAtomicWriteFile_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "file.json")
	if err := AtomicWriteFile(path, []byte("x"), PrivateFilePerm); err == nil {
		t.Fatal("expected error for missing parent directory")
	}
}

func TestEnsurePrivateDir_TightensPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits not enforced on windows")
	}
	dir := filepath.Join(t.TempDir(), "auth")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	if err := EnsurePrivateDir(dir); err != nil {
		t.Fatalf("EnsurePrivateDir: %v", err)
	}

	info, _ := os.Stat(dir)
	if info.Mode().Perm() != PrivateDirPerm {
		t.Errorf("mode = %o, want %o", info.Mode().Perm(), PrivateDirPerm)
	}
}

// =============================================================================
// WIDTH TESTS
// =============================================================================

func TestPadRight(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"dev", 6, "dev   "},
		{"dev@co.com", 6, "dev..."},
		{"", 3, "   "},
	}
	for _, tt := range tests {
		if got := PadRight(tt.in, tt.width); got != tt.want {
			t.Errorf("PadRight(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestPadRight_WideCharacters(t *testing.T) {
	got := PadRight("日本", 6)
	if StringWidth(got) != 6 {
		t.Errorf("width = %d, want 6 (%q)", StringWidth(got), got)
	}
}

func TestTruncateWidth(t *testing.T) {
	if got := TruncateWidth("hello", 10); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := TruncateWidth("hello world", 8); got != "hello..." {
		t.Errorf("got %q", got)
	}
	if got := TruncateWidth("hello", 0); got != "" {
		t.Errorf("got %q", got)
	}
}
