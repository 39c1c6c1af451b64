// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package convert implements the optional convert mode: absorbing a
// plain file sitting in the data directory by compressing it in place
// the first time it is looked up through the mount.
package convert

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zstdfs/zstdfs/lib/codec"
	"github.com/zstdfs/zstdfs/lib/pathcodec"
	"github.com/zstdfs/zstdfs/lib/sizexattr"
)

// Absorber compresses plain files into backing `.zst` form on first
// lookup, used only when the filesystem was mounted with --convert.
type Absorber struct {
	codec  *codec.Codec
	sizes  *sizexattr.Store
	logger *slog.Logger
}

// New returns an Absorber using c for compression and sizes for
// recording the absorbed file's uncompressed length.
func New(c *codec.Codec, sizes *sizexattr.Store, logger *slog.Logger) *Absorber {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Absorber{codec: c, sizes: sizes, logger: logger}
}

// Absorb compresses the plain file at plainPath into backingPath
// (which must not already exist), sets SizeXattr to the plain file's
// original size, then removes plainPath. Compression lands in a
// sibling temp file first and is only renamed over backingPath once
// complete, per Codec.Compress's contract that callers atomically
// publish the result themselves; this keeps a crash mid-compress from
// leaving a partial or corrupt backing file at its final name. Failure
// at any step leaves plainPath untouched, and the temp file is removed
// before returning the error.
func (a *Absorber) Absorb(plainPath, backingPath string) error {
	info, err := os.Stat(plainPath)
	if err != nil {
		return fmt.Errorf("convert: stating %s: %w", plainPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("convert: %s is not a regular file", plainPath)
	}

	if _, err := os.Lstat(backingPath); err == nil {
		return fmt.Errorf("convert: backing path %s already exists", backingPath)
	}

	tmpPath := backingPath + ".tmp-absorb"

	if _, err := a.codec.Compress(plainPath, tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("convert: compressing %s: %w", plainPath, err)
	}

	if err := a.sizes.Write(tmpPath, uint64(info.Size())); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("convert: setting size xattr on %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, backingPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("convert: publishing %s: %w", backingPath, err)
	}

	if err := os.Remove(plainPath); err != nil {
		return fmt.Errorf("convert: removing absorbed plain file %s: %w", plainPath, err)
	}

	a.logger.Debug("absorbed plain file into compressed backing form", "plain", plainPath, "backing", backingPath, "size", info.Size())

	return nil
}

// IsCandidate reports whether name (a backing-directory entry without
// the compressed suffix) is a regular file eligible for absorption.
// Entries that are directories, or neither regular files nor
// directories, are never candidates: Readdir lists directories as
// directories and hides the other non-regular entries in both modes.
func IsCandidate(info os.FileInfo) bool {
	return info.Mode().IsRegular() && !pathcodec.HasCompressedSuffix(info.Name())
}
