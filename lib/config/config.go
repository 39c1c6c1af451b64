// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package config builds a validated, immutable snapshot of the
// options that every other component needs, from parsed CLI flags and
// an optional env-file of default values.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Config is the validated startup configuration. It is constructed
// once by cmd/zstdfsd and threaded by value into every component
// constructor; no component reads flags or the environment directly.
type Config struct {
	DataDir          string
	MountPoint       string
	Convert          bool
	AllowOther       bool
	CompressionLevel int
	LogLevel         slog.Level
	EnvFile          string
}

// Validate checks that DataDir and MountPoint are set and are existing
// directories, and that CompressionLevel is in the supported range.
// Called once, immediately after flag parsing; any failure here is a
// startup configuration error (spec.md §6 exit code 1).
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: --data-dir is required")
	}
	if err := requireDir(c.DataDir); err != nil {
		return fmt.Errorf("config: --data-dir: %w", err)
	}

	if c.MountPoint == "" {
		return fmt.Errorf("config: --mount-point is required")
	}
	if err := requireDir(c.MountPoint); err != nil {
		return fmt.Errorf("config: --mount-point: %w", err)
	}

	if c.CompressionLevel < 0 || c.CompressionLevel > 19 {
		return fmt.Errorf("config: --compression-level must be between 0 and 19, got %d", c.CompressionLevel)
	}

	return nil
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", path)
	}
	return nil
}

// LevelFromVerbosity maps a -v repeat count to a slog.Level, mirroring
// the original implementation's verbosity-count-to-level convention:
// 0 is Error, 1 is Warn, 2 is Info, 3 or more is Debug.
func LevelFromVerbosity(count int) slog.Level {
	switch {
	case count <= 0:
		return slog.LevelError
	case count == 1:
		return slog.LevelWarn
	case count == 2:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// LoadEnvFile reads KEY=VALUE lines from path and returns them as a
// map. Blank lines and lines starting with '#' are skipped.
// cmd/zstdfsd reads it after parsing command-line flags and uses only
// ZSTDFS_DATA_DIR and ZSTDFS_MOUNT_POINT, each for a flag left empty,
// so an explicit flag always overrides the env-file.
func LoadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening env-file %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: malformed line %q, want KEY=VALUE", path, lineNo, line)
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading env-file %s: %w", path, err)
	}

	return values, nil
}
