// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package sizexattr reads and writes the extended attribute that
// records a compressed backing file's uncompressed byte length, so
// that stat() over the mount can report the decompressed size without
// decompressing the file.
package sizexattr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pkg/xattr"
)

// isNotExist reports whether err indicates the attribute is absent.
func isNotExist(err error) bool {
	return errors.Is(err, xattr.ENOATTR)
}

// AttrName is the fixed extended-attribute key under which the
// uncompressed size is stored. This is part of the on-disk format;
// changing it breaks compatibility with existing data directories.
const AttrName = "user.fuse_zstd.real_size"

// Store reads and writes the size attribute on backing files.
type Store struct {
	logger *slog.Logger
}

// New returns a Store that logs absent-attribute notices to logger.
// If logger is nil, a no-op logger is used.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{logger: logger}
}

// Read returns the stored uncompressed size for path. A missing
// attribute is not an error: it returns 0 and logs a debug note, per
// spec (files written by a version of this system predating size
// tracking, or xattr-stripping tools, should still stat cleanly).
func (s *Store) Read(path string) (uint64, error) {
	data, err := xattr.Get(path, AttrName)
	if err != nil {
		if isNotExist(err) {
			s.logger.Debug("size xattr absent, reporting size 0", "path", path)
			return 0, nil
		}
		return 0, fmt.Errorf("sizexattr: reading %s: %w", path, err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("sizexattr: %s: malformed attribute value (%d bytes, want 8)", path, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Write sets the size attribute on path to size. Callers are
// responsible for calling Write together with whatever backing-file
// replacement makes size accurate (spec §3: "writers always update
// this attribute together with the backing file replacement").
func (s *Store) Write(path string, size uint64) error {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], size)
	if err := xattr.Set(path, AttrName, data[:]); err != nil {
		return fmt.Errorf("sizexattr: writing %s: %w", path, err)
	}
	return nil
}

// ErrUnsupported marks a backing filesystem that rejected the xattr
// round-trip in ProbeSupport — a fatal mount-time condition per
// spec.md §6 (exit code 2, grouped with persistent-store corruption).
var ErrUnsupported = errors.New("sizexattr: backing filesystem does not support extended attributes")

// ProbeSupport verifies that dir's filesystem supports user extended
// attributes by round-tripping a throwaway value on dir itself. Called
// once at mount time (spec §4.2: "a missing-xattr-support error on the
// backing filesystem is treated as fatal at mount time, not per-request").
func ProbeSupport(dir string) error {
	const probeAttr = "user.fuse_zstd.probe"
	if err := xattr.Set(dir, probeAttr, []byte("1")); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnsupported, dir, err)
	}
	defer xattr.Remove(dir, probeAttr)
	if _, err := xattr.Get(dir, probeAttr); err != nil {
		return fmt.Errorf("%w: %s failed xattr round-trip: %v", ErrUnsupported, dir, err)
	}
	return nil
}
