// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package handletable implements the open-file machinery: it
// materializes a compressed backing file as a decompressed scratch
// file, tracks concurrent handles against it, and recompresses on
// flush/last-close under the commit ordering contract spec.md §4.5
// defines.
package handletable

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/zstdfs/zstdfs/lib/clock"
	"github.com/zstdfs/zstdfs/lib/codec"
	"github.com/zstdfs/zstdfs/lib/sizexattr"
)

// ErrNoSpace is returned when the scratch or backing filesystem is
// full; the caller maps this to the NoSpc error kind (ENOSPC).
var ErrNoSpace = errors.New("handletable: no space left on device")

// Session is the shared state for every open handle on one inode: the
// scratch-file path, an open-count, an aggregate dirty flag, and the
// mutex ordering commit-on-last-close. The first Open for an inode
// creates the session by decompressing the backing file; subsequent
// opens while the session lives reuse the same scratch file.
type Session struct {
	mu sync.Mutex

	inode       uint64
	backingPath string
	scratchPath string

	openCount int
	dirty     bool
	unlinked  bool
}

// Handle identifies one successful Open or Create: a 64-bit handle
// number, the scratch-file descriptor, the access mode, and a
// back-pointer to the shared Session.
type Handle struct {
	ID      uint64
	Inode   uint64
	session *Session
	file    *os.File
	flags   int
}

// Table is the process-wide table of open handles. One Table exists
// per mounted filesystem instance.
type Table struct {
	scratchDir string
	codec      *codec.Codec
	sizes      *sizexattr.Store
	clock      clock.Clock
	logger     *slog.Logger

	mu         sync.Mutex
	sessions   map[uint64]*Session // inode -> session
	handles    map[uint64]*Handle  // handle id -> handle
	nextHandle uint64
}

// New returns a Table that stages scratch files under scratchDir
// (which must already exist and be private to this process),
// compresses/decompresses via c, and records sizes via sizes.
func New(scratchDir string, c *codec.Codec, sizes *sizexattr.Store, clk clock.Clock, logger *slog.Logger) *Table {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Table{
		scratchDir: scratchDir,
		codec:      c,
		sizes:      sizes,
		clock:      clk,
		logger:     logger,
		sessions:   make(map[uint64]*Session),
		handles:    make(map[uint64]*Handle),
	}
}

func (t *Table) scratchPathFor(inode uint64) string {
	return filepath.Join(t.scratchDir, fmt.Sprintf("inode-%d.scratch", inode))
}

// Open materializes (or reuses) the session for inode and returns a
// new handle against it. If no session exists for the inode, the
// backing file at backingPath is decompressed into a fresh scratch
// file first. flags follows the standard os.O_* bits; O_APPEND causes
// the returned handle's file position to start at end-of-file.
func (t *Table) Open(inode uint64, backingPath string, flags int) (*Handle, error) {
	t.mu.Lock()
	session, ok := t.sessions[inode]
	if !ok {
		session = &Session{
			inode:       inode,
			backingPath: backingPath,
			scratchPath: t.scratchPathFor(inode),
		}
		if _, err := t.codec.Decompress(backingPath, session.scratchPath); err != nil {
			t.mu.Unlock()
			return nil, t.classify(err)
		}
		t.sessions[inode] = session
	}
	t.mu.Unlock()

	session.mu.Lock()
	session.openCount++
	session.mu.Unlock()

	// O_APPEND is not passed on: Write uses WriteAt, which *os.File
	// refuses on append-mode files; the seek below positions the handle.
	osFlags := flags &^ (os.O_CREATE | os.O_APPEND)
	f, err := os.OpenFile(session.scratchPath, osFlags, 0o600)
	if err != nil {
		session.mu.Lock()
		session.openCount--
		session.mu.Unlock()
		return nil, fmt.Errorf("handletable: opening scratch for inode %d: %w", inode, err)
	}
	if flags&os.O_APPEND != 0 {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("handletable: seeking append handle for inode %d: %w", inode, err)
		}
	}

	t.mu.Lock()
	t.nextHandle++
	id := t.nextHandle
	h := &Handle{ID: id, Inode: inode, session: session, file: f, flags: flags}
	t.handles[id] = h
	t.mu.Unlock()

	return h, nil
}

// CreateEmpty opens a brand-new session for inode that has never had
// a backing file, seeding the scratch file empty rather than
// decompressing anything. Used by Operations.create for a zero-length
// file.
func (t *Table) CreateEmpty(inode uint64, backingPath string) (*Handle, error) {
	t.mu.Lock()
	if _, exists := t.sessions[inode]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("handletable: session for inode %d already exists", inode)
	}
	session := &Session{
		inode:       inode,
		backingPath: backingPath,
		scratchPath: t.scratchPathFor(inode),
	}
	f, err := os.OpenFile(session.scratchPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("handletable: creating scratch for inode %d: %w", inode, err)
	}
	session.openCount = 1
	t.sessions[inode] = session
	t.nextHandle++
	id := t.nextHandle
	h := &Handle{ID: id, Inode: inode, session: session, file: f, flags: os.O_RDWR}
	t.handles[id] = h
	t.mu.Unlock()

	return h, nil
}

// MarkUnlinked records that inode's backing entry has been removed by
// an unlink while a session is still live. Operations.unlink calls
// this after removing the backing file and before removing the
// InodeMap entry, so
// that the next commit knows to check whether another entry has since
// taken the name (spec §9 open question iii, decided in DESIGN.md).
func (t *Table) MarkUnlinked(inode uint64) {
	t.mu.Lock()
	session, ok := t.sessions[inode]
	t.mu.Unlock()
	if !ok {
		return
	}
	session.mu.Lock()
	session.unlinked = true
	session.mu.Unlock()
}

// SessionExists reports whether a live session exists for inode,
// without creating a handle.
func (t *Table) SessionExists(inode uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[inode]
	return ok
}

// TruncateSession resizes the scratch file of an existing session for
// inode directly, without requiring the caller to hold an open
// Handle, and marks the session dirty so the next flush or last
// release commits it. Used by setattr(size) when a session is already
// live; when none exists, setattr opens a transient handle instead.
func (t *Table) TruncateSession(inode uint64, size int64) error {
	t.mu.Lock()
	session, ok := t.sessions[inode]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("handletable: no session for inode %d", inode)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if err := os.Truncate(session.scratchPath, size); err != nil {
		return fmt.Errorf("handletable: truncating inode %d: %w", inode, err)
	}
	session.dirty = true
	return nil
}

// Handle looks up an open handle by id.
func (t *Table) Handle(id uint64) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	return h, ok
}

// Read reads len(buf) bytes from handle's scratch file at offset.
func (t *Table) Read(h *Handle, offset int64, buf []byte) (int, error) {
	n, err := h.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("handletable: reading inode %d: %w", h.Inode, err)
	}
	return n, nil
}

// Write writes buf to handle's scratch file at offset and marks the
// session dirty.
func (t *Table) Write(h *Handle, offset int64, buf []byte) (int, error) {
	if h.flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, &os.PathError{Op: "write", Path: h.session.scratchPath, Err: syscall.EACCES}
	}
	n, err := h.file.WriteAt(buf, offset)
	if err != nil {
		if isNoSpace(err) {
			return n, ErrNoSpace
		}
		return n, fmt.Errorf("handletable: writing inode %d: %w", h.Inode, err)
	}
	h.session.mu.Lock()
	h.session.dirty = true
	h.session.mu.Unlock()
	return n, nil
}

// Truncate resizes handle's scratch file and marks the session dirty.
func (t *Table) Truncate(h *Handle, size int64) error {
	if err := h.file.Truncate(size); err != nil {
		return fmt.Errorf("handletable: truncating inode %d: %w", h.Inode, err)
	}
	h.session.mu.Lock()
	h.session.dirty = true
	h.session.mu.Unlock()
	return nil
}

// ScratchSize returns the current size of handle's scratch file.
func (t *Table) ScratchSize(h *Handle) (int64, error) {
	fi, err := h.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("handletable: stating scratch for inode %d: %w", h.Inode, err)
	}
	return fi.Size(), nil
}

// Flush runs the commit sequence if the session is dirty, then clears
// the dirty flag. The session remains open, and its backing path is
// never changed by a commit (the backing path is decoupled from the
// OS inode).
func (t *Table) Flush(h *Handle) error {
	return t.commitIfDirty(h.session, false)
}

// Fsync runs the same commit sequence as Flush (whose compressed
// temporary is fsynced by Codec.Compress before the rename) and, when
// datasync is false, fsyncs the backing file's containing directory.
// The backing file is not fsynced again after the rename, and a clean
// session's backing file is not fsynced at all.
func (t *Table) Fsync(h *Handle, datasync bool) error {
	return t.commitIfDirty(h.session, !datasync)
}

// Release closes handle's scratch descriptor, decrements the session
// open-count, and on reaching zero runs the commit sequence (if
// dirty), removes the scratch file, and drops the session.
func (t *Table) Release(h *Handle) error {
	closeErr := h.file.Close()

	t.mu.Lock()
	delete(t.handles, h.ID)
	t.mu.Unlock()

	session := h.session
	session.mu.Lock()
	session.openCount--
	remaining := session.openCount
	session.mu.Unlock()

	if remaining > 0 {
		return closeErr
	}

	commitErr := t.commitIfDirty(session, false)

	if err := os.Remove(session.scratchPath); err != nil && !os.IsNotExist(err) {
		t.logger.Warn("failed to remove scratch file on release", "inode", session.inode, "path", session.scratchPath, "error", err)
	}

	t.mu.Lock()
	delete(t.sessions, session.inode)
	t.mu.Unlock()

	if closeErr != nil {
		return fmt.Errorf("handletable: closing handle for inode %d: %w", h.Inode, closeErr)
	}
	return commitErr
}

// commitIfDirty implements the four-step atomicity contract from
// spec.md §4.5: compress to a sibling temporary, write SizeXattr on
// the temporary, atomically rename over the backing path, optionally
// fsync the containing directory. The session's backing path is never
// mutated by a commit — our inode identity is decoupled from the
// backing filesystem's.
func (t *Table) commitIfDirty(session *Session, syncDir bool) error {
	session.mu.Lock()
	defer session.mu.Unlock()

	if !session.dirty {
		if syncDir {
			return t.syncDirOf(session.backingPath)
		}
		return nil
	}

	size, err := scratchSize(session.scratchPath)
	if err != nil {
		return fmt.Errorf("handletable: stating scratch for inode %d: %w", session.inode, err)
	}

	start := t.clock.Now()
	tmpPath := session.backingPath + fmt.Sprintf(".tmp-%d", session.inode)

	written, err := t.codec.Compress(session.scratchPath, tmpPath)
	if err != nil {
		return t.classify(err)
	}

	if err := t.sizes.Write(tmpPath, uint64(size)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("handletable: setting size xattr on inode %d: %w", session.inode, err)
	}

	if session.unlinked {
		if _, statErr := os.Lstat(session.backingPath); statErr == nil {
			os.Remove(tmpPath)
			t.logger.Warn("discarding orphaned dirty data after unlink-while-open race",
				"inode", session.inode, "path", session.backingPath)
			session.dirty = false
			return nil
		}
	}

	if err := os.Rename(tmpPath, session.backingPath); err != nil {
		os.Remove(tmpPath)
		if isNoSpace(err) {
			return ErrNoSpace
		}
		return fmt.Errorf("handletable: committing inode %d: %w", session.inode, err)
	}

	if syncDir {
		if err := t.syncDirOf(session.backingPath); err != nil {
			return err
		}
	}

	session.dirty = false
	t.logger.Debug("committed dirty session", "inode", session.inode, "path", session.backingPath, "compressed_bytes", written, "uncompressed_bytes", size, "elapsed", t.clock.Now().Sub(start))

	return nil
}

func (t *Table) syncDirOf(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("handletable: opening directory for fsync: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("handletable: syncing directory: %w", err)
	}
	return nil
}

func scratchSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (t *Table) classify(err error) error {
	if errors.Is(err, codec.ErrCorrupt) {
		t.logger.Error("backing file failed zstd decode", "error", err)
	}
	return err
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
