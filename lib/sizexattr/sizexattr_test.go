// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package sizexattr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/xattr"
)

func tempFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backing.zst")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := writeEmpty(path); err != nil {
		t.Fatalf("writeEmpty: %v", err)
	}
	return path
}

func writeEmpty(path string) error {
	return xattr.Set(path, "user.zstdfs_test_marker", []byte("x"))
}

func TestWriteThenRead(t *testing.T) {
	path := tempFile(t)
	store := New(nil)

	if err := store.Write(path, 4096); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 4096 {
		t.Errorf("Read() = %d, want 4096", got)
	}
}

func TestReadAbsentReturnsZero(t *testing.T) {
	path := tempFile(t)
	store := New(nil)

	got, err := store.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 0 {
		t.Errorf("Read() on absent attribute = %d, want 0", got)
	}
}

func TestReadMalformedValue(t *testing.T) {
	path := tempFile(t)
	if err := xattr.Set(path, AttrName, []byte("short")); err != nil {
		t.Fatalf("xattr.Set: %v", err)
	}

	store := New(nil)
	if _, err := store.Read(path); err == nil {
		t.Error("Read() with malformed attribute value: want error, got nil")
	}
}

func TestWriteOverwritesPreviousValue(t *testing.T) {
	path := tempFile(t)
	store := New(nil)

	if err := store.Write(path, 10); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Write(path, 20); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 20 {
		t.Errorf("Read() = %d, want 20", got)
	}
}

func TestProbeSupport(t *testing.T) {
	dir := t.TempDir()
	if err := ProbeSupport(dir); err != nil {
		t.Errorf("ProbeSupport(%q) = %v, want nil", dir, err)
	}
}
