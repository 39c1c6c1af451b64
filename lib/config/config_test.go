// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateRequiresExistingDataDir(t *testing.T) {
	cfg := Config{DataDir: filepath.Join(t.TempDir(), "missing"), MountPoint: t.TempDir()}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate with missing data dir: want error, got nil")
	}
}

func TestValidateRequiresExistingMountPoint(t *testing.T) {
	cfg := Config{DataDir: t.TempDir(), MountPoint: filepath.Join(t.TempDir(), "missing")}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate with missing mount point: want error, got nil")
	}
}

func TestValidateRejectsOutOfRangeCompressionLevel(t *testing.T) {
	cfg := Config{DataDir: t.TempDir(), MountPoint: t.TempDir(), CompressionLevel: 20}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate with CompressionLevel=20: want error, got nil")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := Config{DataDir: t.TempDir(), MountPoint: t.TempDir(), CompressionLevel: 5}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLevelFromVerbosity(t *testing.T) {
	cases := map[int]slog.Level{
		0: slog.LevelError,
		1: slog.LevelWarn,
		2: slog.LevelInfo,
		3: slog.LevelDebug,
		9: slog.LevelDebug,
	}
	for count, want := range cases {
		if got := LevelFromVerbosity(count); got != want {
			t.Errorf("LevelFromVerbosity(%d) = %v, want %v", count, got, want)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zstdfs.env")
	content := "# comment\nDATA_DIR=/srv/data\n\nMOUNT_POINT=/mnt/zstdfs\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	values, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if values["DATA_DIR"] != "/srv/data" {
		t.Errorf("DATA_DIR = %q, want %q", values["DATA_DIR"], "/srv/data")
	}
	if values["MOUNT_POINT"] != "/mnt/zstdfs" {
		t.Errorf("MOUNT_POINT = %q, want %q", values["MOUNT_POINT"], "/mnt/zstdfs")
	}
}

func TestLoadEnvFileRejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.env")
	if err := os.WriteFile(path, []byte("not-a-key-value-line\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadEnvFile(path); err == nil {
		t.Fatal("LoadEnvFile with malformed line: want error, got nil")
	}
}
