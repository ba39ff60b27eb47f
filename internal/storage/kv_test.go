// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func backends(t *testing.T) map[string]KV {
	t.Helper()

	fileKV, err := NewFileKV(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	sqliteKV, err := NewSQLiteKV(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteKV: %v", err)
	}
	t.Cleanup(func() { sqliteKV.Close() })

	return map[string]KV{
		"file":   fileKV,
		"sqlite": sqliteKV,
		"memory": NewMemoryKV(),
	}
}

func TestKV_Contract(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := kv.Get("conversations"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
			}

			if err := kv.Set("conversations", []byte(`{"v":1}`)); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := kv.Set("conversations", []byte(`{"v":2}`)); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}

			got, err := kv.Get("conversations")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != `{"v":2}` {
				t.Errorf("Get = %s, want overwritten value", got)
			}

			if err := kv.Remove("conversations"); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if err := kv.Remove("conversations"); err != nil {
				t.Errorf("Remove missing: %v", err)
			}
			if _, err := kv.Get("conversations"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after remove: err = %v", err)
			}
		})
	}
}

func TestKV_InvalidKeys(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "..", "../escape", "a/b", "with space"} {
				if err := kv.Set(key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Set(%q) err = %v, want ErrInvalidKey", key, err)
				}
			}
		})
	}
}

func TestFileKV_Permissions(t *testing.T) {
	kv, err := NewFileKV(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set("state", []byte("secret")); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(kv.BaseDir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 && runtime.GOOS != "windows" {
		t.Errorf("file mode = %v, want owner-only", perm)
	}
}

func TestSQLiteKV_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	kv, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set("state", []byte("persisted")); err != nil {
		t.Fatal(err)
	}
	kv.Close()

	kv, err = NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	got, err := kv.Get("state")
	if err != nil || string(got) != "persisted" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("redis", t.TempDir()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
