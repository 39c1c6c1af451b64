// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package fsops

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// sliceDirStream serves a pre-built []fuse.DirEntry as a go-fuse
// DirStream; Readdir has already resolved every name to its inode, so
// there is nothing left to compute lazily.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	e := s.entries[s.index]
	s.index++
	return e, 0
}

func (s *sliceDirStream) Close() {}
