// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package pathcodec translates between mount-visible names and the
// names stored in the backing data directory. Regular files gain a
// ".zst" suffix on disk; directories are mirrored without one.
package pathcodec

import "strings"

// Suffix is the fixed suffix appended to every backing-file name.
// Changing this value changes the on-disk format of existing data
// directories and is out of scope (spec Non-goals).
const Suffix = ".zst"

// ToBackingFile returns the backing-directory name for a visible
// regular-file name. ToBackingFile("report.txt") == "report.txt.zst".
func ToBackingFile(visibleName string) string {
	return visibleName + Suffix
}

// ToBackingDir returns the backing-directory name for a visible
// directory name. Directories carry no suffix, so this is the
// identity function; it exists so callers never need to special-case
// directories inline.
func ToBackingDir(visibleName string) string {
	return visibleName
}

// HasCompressedSuffix reports whether name ends in Suffix and has a
// non-empty stem before it; the bare name ".zst" reports false.
func HasCompressedSuffix(name string) bool {
	return strings.HasSuffix(name, Suffix) && name != Suffix
}

// ToVisibleFile strips Suffix from a backing regular-file name. The
// caller must already know the entry is a regular file; for entries
// without the suffix (non-compressed files outside convert mode)
// ToVisibleFile returns the name unchanged and ok is false.
func ToVisibleFile(backingName string) (visible string, ok bool) {
	if !HasCompressedSuffix(backingName) {
		return backingName, false
	}
	return strings.TrimSuffix(backingName, Suffix), true
}
