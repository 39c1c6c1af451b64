// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec streams zstd compression and decompression between
// files. Both directions are bounded-memory: they move data through
// io.Copy rather than materializing a whole file in RAM, and leave no
// partial target on failure.
package codec

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// ErrCorrupt wraps a zstd frame-decoding error, distinguishing "the
// bytes are not a valid zstd frame" from a plain I/O failure so
// callers can surface it as the CodecCorrupt error kind.
var ErrCorrupt = errors.New("codec: corrupt zstd stream")

// Codec streams compression and decompression. level controls the
// encoder's compression level; a level of zero selects the library
// default.
type Codec struct {
	level zstd.EncoderLevel
}

// New returns a Codec using level (the zstd encoder level; 0 selects
// the library default level).
func New(level int) *Codec {
	c := &Codec{level: zstd.SpeedDefault}
	if level > 0 {
		c.level = zstd.EncoderLevelFromZstd(level)
	}
	return c
}

// Decompress streams the zstd frame at srcBackingPath into a fresh
// file at dstScratchPath, creating it if absent and truncating it if
// present. Returns the number of decompressed bytes written. On any
// failure dstScratchPath is removed so no partial scratch file is
// left behind.
func (c *Codec) Decompress(srcBackingPath, dstScratchPath string) (written int64, err error) {
	src, err := os.Open(srcBackingPath)
	if err != nil {
		return 0, fmt.Errorf("codec: opening %s: %w", srcBackingPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstScratchPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("codec: creating %s: %w", dstScratchPath, err)
	}

	success := false
	defer func() {
		dst.Close()
		if !success {
			os.Remove(dstScratchPath)
		}
	}()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorrupt, srcBackingPath, err)
	}
	defer dec.Close()

	written, err = io.Copy(dst, dec)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return written, fmt.Errorf("codec: decompressing %s into %s: %w", srcBackingPath, dstScratchPath, err)
		}
		return written, fmt.Errorf("%w: %s: %v", ErrCorrupt, srcBackingPath, err)
	}

	if err := dst.Sync(); err != nil {
		return written, fmt.Errorf("codec: syncing %s: %w", dstScratchPath, err)
	}

	success = true
	return written, nil
}

// Compress streams srcScratchPath through the zstd encoder into a
// fresh file at dstBackingTmpPath, creating it if absent and
// truncating it if present. The caller is responsible for atomically
// renaming dstBackingTmpPath over the real backing path; Compress
// itself never touches any path other than its two arguments. Returns
// the number of compressed bytes written. On any failure
// dstBackingTmpPath is removed.
func (c *Codec) Compress(srcScratchPath, dstBackingTmpPath string) (written int64, err error) {
	src, err := os.Open(srcScratchPath)
	if err != nil {
		return 0, fmt.Errorf("codec: opening %s: %w", srcScratchPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstBackingTmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("codec: creating %s: %w", dstBackingTmpPath, err)
	}

	success := false
	defer func() {
		dst.Close()
		if !success {
			os.Remove(dstBackingTmpPath)
		}
	}()

	enc, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderCRC(true),
	)
	if err != nil {
		return 0, fmt.Errorf("codec: constructing encoder: %w", err)
	}

	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return 0, fmt.Errorf("codec: compressing %s: %w", srcScratchPath, err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("codec: closing encoder for %s: %w", dstBackingTmpPath, err)
	}

	if err := dst.Sync(); err != nil {
		return 0, fmt.Errorf("codec: syncing %s: %w", dstBackingTmpPath, err)
	}

	info, err := dst.Stat()
	if err != nil {
		return 0, fmt.Errorf("codec: stating %s: %w", dstBackingTmpPath, err)
	}
	written = info.Size()
	success = true
	return written, nil
}

// EmptyFrame returns the bytes of a valid, empty zstd frame. create()
// uses this to populate a zero-length backing file without a full
// Compress round trip through the filesystem.
func EmptyFrame() ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithZeroFrames(true))
	if err != nil {
		return nil, fmt.Errorf("codec: constructing encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(nil, nil), nil
}
