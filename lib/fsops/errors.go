// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package fsops

import (
	"errors"
	"os"
	"syscall"

	"github.com/zstdfs/zstdfs/lib/codec"
	"github.com/zstdfs/zstdfs/lib/handletable"
	"github.com/zstdfs/zstdfs/lib/inodemap"
)

// Kind classifies a failure the way spec.md §7 names it, independent
// of the FUSE transport's own errno vocabulary.
type Kind int

const (
	KindIO Kind = iota
	KindNotFound
	KindNotDir
	KindExists
	KindAccess
	KindNotSupp
	KindNoSpc
	KindCodecCorrupt
	KindPersistCorrupt
)

// Error pairs a Kind with the underlying cause for logging.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "fsops: " + e.Kind.String()
	}
	return "fsops: " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindNotDir:
		return "not a directory"
	case KindExists:
		return "already exists"
	case KindAccess:
		return "access denied"
	case KindNotSupp:
		return "not supported"
	case KindNoSpc:
		return "no space left"
	case KindCodecCorrupt:
		return "corrupt compressed stream"
	case KindPersistCorrupt:
		return "persistent store corrupt"
	default:
		return "i/o error"
	}
}

// Errno maps a Kind to the syscall error the kernel should see, per
// the table in spec.md §7.
func (k Kind) Errno() syscall.Errno {
	switch k {
	case KindNotFound:
		return syscall.ENOENT
	case KindNotDir:
		return syscall.ENOTDIR
	case KindExists:
		return syscall.EEXIST
	case KindAccess:
		return syscall.EACCES
	case KindNotSupp:
		return syscall.ENOSYS
	case KindNoSpc:
		return syscall.ENOSPC
	default:
		return syscall.EIO
	}
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// classify maps an error returned by a collaborator package into a
// Kind, so callers deep in fs.go don't need to know about every
// collaborator's error sentinels.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	if fsErr, ok := err.(*Error); ok {
		return fsErr
	}

	switch {
	case errors.Is(err, inodemap.ErrPersistCorrupt):
		return newError(KindPersistCorrupt, err)
	case errors.Is(err, inodemap.ErrNotFound), os.IsNotExist(err):
		return newError(KindNotFound, err)
	case errors.Is(err, codec.ErrCorrupt):
		return newError(KindCodecCorrupt, err)
	case errors.Is(err, handletable.ErrNoSpace), errors.Is(err, syscall.ENOSPC):
		return newError(KindNoSpc, err)
	case os.IsPermission(err):
		return newError(KindAccess, err)
	case errors.Is(err, os.ErrExist):
		return newError(KindExists, err)
	default:
		return newError(KindIO, err)
	}
}
