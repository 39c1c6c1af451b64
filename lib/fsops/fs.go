// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package fsops implements the FUSE operation surface: lookup,
// getattr, setattr, readdir, mkdir, rmdir, create, open, read, write,
// flush, release, fsync, unlink, rename, statfs, access. The
// transport-agnostic logic lives in this file; node.go binds it to
// github.com/hanwen/go-fuse/v2.
package fsops

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/zstdfs/zstdfs/lib/clock"
	"github.com/zstdfs/zstdfs/lib/codec"
	"github.com/zstdfs/zstdfs/lib/convert"
	"github.com/zstdfs/zstdfs/lib/handletable"
	"github.com/zstdfs/zstdfs/lib/inodemap"
	"github.com/zstdfs/zstdfs/lib/pathcodec"
	"github.com/zstdfs/zstdfs/lib/sizexattr"
)

// Entry describes one resolved filesystem entry: the inode this
// system assigned it, whether it is a file or directory, and its
// uncompressed (for files) or backing-reported (for directories)
// size plus host attributes.
type Entry struct {
	Inode   uint64
	Kind    inodemap.Kind
	Size    uint64
	Mode    uint32
	ModTime time.Time
	AccTime time.Time
	Uid     uint32
	Gid     uint32
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name  string
	Inode uint64
	Kind  inodemap.Kind
}

// FS holds the shared state every Operations call needs: the
// InodeMap, HandleTable, Codec, SizeXattr store, optional ConvertMode
// absorber, and the backing data directory root.
type FS struct {
	dataDir     string
	convertMode bool

	inodes  *inodemap.Map
	handles *handletable.Table
	codec   *codec.Codec
	sizes   *sizexattr.Store
	absorb  *convert.Absorber
	clock   clock.Clock
	logger  *slog.Logger

	notSuppOnce sync.Map // op name (string) -> *sync.Once
}

// New constructs the Operations core. dataDir is the backing
// directory root; scratchDir is a private directory for
// HandleTable's decompressed scratch files.
func New(dataDir, scratchDir string, compressionLevel int, convertMode bool, clk clock.Clock, logger *slog.Logger) (*FS, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := sizexattr.ProbeSupport(dataDir); err != nil {
		return nil, err
	}

	inodeDBPath := filepath.Join(filepath.Dir(scratchDir), "inodes.db")
	inodes, err := inodemap.Open(inodeDBPath, logger)
	if err != nil {
		return nil, err
	}

	c := codec.New(compressionLevel)
	sizes := sizexattr.New(logger)

	fsys := &FS{
		dataDir:     dataDir,
		convertMode: convertMode,
		inodes:      inodes,
		handles:     handletable.New(scratchDir, c, sizes, clk, logger),
		codec:       c,
		sizes:       sizes,
		absorb:      convert.New(c, sizes, logger),
		clock:       clk,
		logger:      logger,
	}
	return fsys, nil
}

// Close flushes and closes the InodeMap's persistent store. Called on
// clean unmount.
func (fsys *FS) Close() error {
	return fsys.inodes.Close()
}

func (fsys *FS) absPath(relPath string) string {
	if relPath == "" {
		return fsys.dataDir
	}
	return filepath.Join(fsys.dataDir, relPath)
}

func joinRel(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return path.Join(parentPath, name)
}

func (fsys *FS) logNotSuppOnce(op string) {
	onceIface, _ := fsys.notSuppOnce.LoadOrStore(op, &sync.Once{})
	once := onceIface.(*sync.Once)
	once.Do(func() {
		fsys.logger.Warn("unsupported FUSE operation invoked", "op", op)
	})
}

// entryFromStat builds an Entry for a backing filesystem entry
// already known to be inode/kind, using info for host attributes and
// size as the reported size: the SizeXattr value for files, the
// backing size for directories.
func entryFromStat(inode uint64, kind inodemap.Kind, info os.FileInfo, size uint64) Entry {
	e := Entry{
		Inode:   inode,
		Kind:    kind,
		Size:    size,
		Mode:    uint32(info.Mode().Perm()),
		ModTime: info.ModTime(),
		AccTime: info.ModTime(),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		e.Uid = st.Uid
		e.Gid = st.Gid
		e.AccTime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return e
}

// Lookup resolves (parentInode, name) to an Entry, per spec.md §4.6.
// In convert mode, a plain sibling file is absorbed transparently
// before the lookup proceeds if no compressed entry exists yet.
func (fsys *FS) Lookup(parentInode uint64, name string) (Entry, *Error) {
	parentPath, err := fsys.inodes.Resolve(parentInode)
	if err != nil {
		return Entry{}, classify(err)
	}

	backingFileName := pathcodec.ToBackingFile(name)
	fileRelPath := joinRel(parentPath, backingFileName)
	fileAbsPath := fsys.absPath(fileRelPath)

	if info, statErr := os.Lstat(fileAbsPath); statErr == nil && info.Mode().IsRegular() {
		return fsys.publishFile(parentInode, backingFileName, fileAbsPath, info)
	}

	dirRelPath := joinRel(parentPath, name)
	dirAbsPath := fsys.absPath(dirRelPath)
	if info, statErr := os.Lstat(dirAbsPath); statErr == nil && info.IsDir() {
		inode, _, allocErr := fsys.inodes.LookupOrAllocate(parentInode, name)
		if allocErr != nil {
			return Entry{}, classify(allocErr)
		}
		return entryFromStat(inode, inodemap.KindDir, info, uint64(info.Size())), nil
	}

	if fsys.convertMode {
		plainAbsPath := fsys.absPath(joinRel(parentPath, name))
		if info, statErr := os.Lstat(plainAbsPath); statErr == nil && convert.IsCandidate(info) {
			if absorbErr := fsys.absorb.Absorb(plainAbsPath, fileAbsPath); absorbErr != nil {
				fsys.logger.Warn("convert-mode absorption failed", "path", plainAbsPath, "error", absorbErr)
				return Entry{}, newError(KindNotFound, absorbErr)
			}
			absorbedInfo, statErr := os.Lstat(fileAbsPath)
			if statErr != nil {
				return Entry{}, classify(statErr)
			}
			return fsys.publishFile(parentInode, backingFileName, fileAbsPath, absorbedInfo)
		}
	}

	return Entry{}, newError(KindNotFound, fmt.Errorf("%s not found", name))
}

func (fsys *FS) publishFile(parentInode uint64, backingFileName, fileAbsPath string, info os.FileInfo) (Entry, *Error) {
	inode, _, allocErr := fsys.inodes.LookupOrAllocate(parentInode, backingFileName)
	if allocErr != nil {
		return Entry{}, classify(allocErr)
	}
	size, sizeErr := fsys.sizes.Read(fileAbsPath)
	if sizeErr != nil {
		return Entry{}, classify(sizeErr)
	}
	return entryFromStat(inode, inodemap.KindFile, info, size), nil
}

// Getattr resolves inode and returns its current Entry.
func (fsys *FS) Getattr(inode uint64) (Entry, *Error) {
	relPath, err := fsys.inodes.Resolve(inode)
	if err != nil {
		return Entry{}, classify(err)
	}
	absPath := fsys.absPath(relPath)
	info, statErr := os.Lstat(absPath)
	if statErr != nil {
		return Entry{}, classify(statErr)
	}

	if info.IsDir() {
		return entryFromStat(inode, inodemap.KindDir, info, uint64(info.Size())), nil
	}

	size, sizeErr := fsys.sizes.Read(absPath)
	if sizeErr != nil {
		return Entry{}, classify(sizeErr)
	}
	return entryFromStat(inode, inodemap.KindFile, info, size), nil
}

// SetattrRequest carries the subset of setattr fields this system
// honors: mode, uid/gid, atime/mtime, and size (truncate).
type SetattrRequest struct {
	Mode    *uint32
	Uid     *uint32
	Gid     *uint32
	Atime   *time.Time
	Mtime   *time.Time
	Size    *uint64
}

// Setattr applies attrs to inode's backing file. A requested size
// change (truncate) opens a transient session if none exists,
// truncates, and commits immediately; if a session is already open,
// the scratch file is truncated and committed on the caller's next
// flush/release, per spec.md §4.6.
func (fsys *FS) Setattr(inode uint64, attrs SetattrRequest) (Entry, *Error) {
	relPath, err := fsys.inodes.Resolve(inode)
	if err != nil {
		return Entry{}, classify(err)
	}
	absPath := fsys.absPath(relPath)

	if attrs.Mode != nil {
		if chmodErr := os.Chmod(absPath, os.FileMode(*attrs.Mode).Perm()); chmodErr != nil {
			return Entry{}, classify(chmodErr)
		}
	}
	if attrs.Uid != nil || attrs.Gid != nil {
		uid, gid := -1, -1
		if attrs.Uid != nil {
			uid = int(*attrs.Uid)
		}
		if attrs.Gid != nil {
			gid = int(*attrs.Gid)
		}
		if chownErr := os.Chown(absPath, uid, gid); chownErr != nil {
			return Entry{}, classify(chownErr)
		}
	}
	if attrs.Atime != nil || attrs.Mtime != nil {
		atime, mtime := fsys.clock.Now(), fsys.clock.Now()
		if attrs.Atime != nil {
			atime = *attrs.Atime
		}
		if attrs.Mtime != nil {
			mtime = *attrs.Mtime
		}
		if chtimesErr := os.Chtimes(absPath, atime, mtime); chtimesErr != nil {
			return Entry{}, classify(chtimesErr)
		}
	}

	if attrs.Size != nil {
		if setErr := fsys.truncate(inode, absPath, *attrs.Size); setErr != nil {
			return Entry{}, setErr
		}
	}

	return fsys.Getattr(inode)
}

func (fsys *FS) truncate(inode uint64, absPath string, size uint64) *Error {
	if fsys.handles.SessionExists(inode) {
		if err := fsys.handles.TruncateSession(inode, int64(size)); err != nil {
			return classify(err)
		}
		return nil
	}

	h, err := fsys.handles.Open(inode, absPath, os.O_RDWR)
	if err != nil {
		return classify(err)
	}
	if truncErr := fsys.handles.Truncate(h, int64(size)); truncErr != nil {
		fsys.handles.Release(h)
		return classify(truncErr)
	}
	if flushErr := fsys.handles.Flush(h); flushErr != nil {
		fsys.handles.Release(h)
		return classify(flushErr)
	}
	if releaseErr := fsys.handles.Release(h); releaseErr != nil {
		return classify(releaseErr)
	}
	return nil
}

// Readdir lists the backing directory at inode, translating regular
// `.zst` entries to their visible names and skipping anything that is
// neither a regular file nor a directory. In convert mode, plain
// regular files are listed under their own name too, so that a
// subsequent Lookup triggers absorption.
func (fsys *FS) Readdir(inode uint64) ([]DirEntry, *Error) {
	relPath, err := fsys.inodes.Resolve(inode)
	if err != nil {
		return nil, classify(err)
	}
	absPath := fsys.absPath(relPath)

	dirEntries, readErr := os.ReadDir(absPath)
	if readErr != nil {
		return nil, classify(readErr)
	}

	var out []DirEntry
	for _, de := range dirEntries {
		info, infoErr := de.Info()
		if infoErr != nil {
			continue
		}

		switch {
		case info.IsDir():
			childInode, _, allocErr := fsys.inodes.LookupOrAllocate(inode, de.Name())
			if allocErr != nil {
				return nil, classify(allocErr)
			}
			out = append(out, DirEntry{Name: de.Name(), Inode: childInode, Kind: inodemap.KindDir})

		case info.Mode().IsRegular() && pathcodec.HasCompressedSuffix(de.Name()):
			visibleName, ok := pathcodec.ToVisibleFile(de.Name())
			if !ok {
				continue
			}
			childInode, _, allocErr := fsys.inodes.LookupOrAllocate(inode, de.Name())
			if allocErr != nil {
				return nil, classify(allocErr)
			}
			out = append(out, DirEntry{Name: visibleName, Inode: childInode, Kind: inodemap.KindFile})

		case fsys.convertMode && convert.IsCandidate(info):
			out = append(out, DirEntry{Name: de.Name(), Inode: 0, Kind: inodemap.KindFile})
		}
	}

	return out, nil
}

// Mkdir creates a backing directory under parentInode.
func (fsys *FS) Mkdir(parentInode uint64, name string, mode uint32) (Entry, *Error) {
	parentPath, err := fsys.inodes.Resolve(parentInode)
	if err != nil {
		return Entry{}, classify(err)
	}
	absPath := fsys.absPath(joinRel(parentPath, name))

	if _, statErr := os.Lstat(absPath); statErr == nil {
		return Entry{}, newError(KindExists, fmt.Errorf("%s already exists", name))
	}

	if mkErr := os.Mkdir(absPath, os.FileMode(mode).Perm()); mkErr != nil {
		return Entry{}, classify(mkErr)
	}

	inode, _, allocErr := fsys.inodes.LookupOrAllocate(parentInode, name)
	if allocErr != nil {
		return Entry{}, classify(allocErr)
	}

	info, statErr := os.Lstat(absPath)
	if statErr != nil {
		return Entry{}, classify(statErr)
	}
	return entryFromStat(inode, inodemap.KindDir, info, uint64(info.Size())), nil
}

// Rmdir removes an empty backing directory and its InodeMap entry.
func (fsys *FS) Rmdir(parentInode uint64, name string) *Error {
	parentPath, err := fsys.inodes.Resolve(parentInode)
	if err != nil {
		return classify(err)
	}
	absPath := fsys.absPath(joinRel(parentPath, name))

	if rmErr := os.Remove(absPath); rmErr != nil {
		return classify(rmErr)
	}
	if rmMapErr := fsys.inodes.Rmdir(parentInode, name); rmMapErr != nil {
		return classify(rmMapErr)
	}
	return nil
}

// CreateResult is returned by Create: the new Entry plus the open
// handle id the caller should hand back to the kernel.
type CreateResult struct {
	Entry    Entry
	HandleID uint64
}

// Create makes a zero-length backing `.zst` file (a single empty zstd
// frame), sets SizeXattr to 0, allocates an inode, and opens a
// session on it.
func (fsys *FS) Create(parentInode uint64, name string, mode uint32) (CreateResult, *Error) {
	parentPath, err := fsys.inodes.Resolve(parentInode)
	if err != nil {
		return CreateResult{}, classify(err)
	}
	backingName := pathcodec.ToBackingFile(name)
	absPath := fsys.absPath(joinRel(parentPath, backingName))

	if _, statErr := os.Lstat(absPath); statErr == nil {
		return CreateResult{}, newError(KindExists, fmt.Errorf("%s already exists", name))
	}

	frame, frameErr := codec.EmptyFrame()
	if frameErr != nil {
		return CreateResult{}, classify(frameErr)
	}
	if writeErr := os.WriteFile(absPath, frame, os.FileMode(mode).Perm()); writeErr != nil {
		return CreateResult{}, classify(writeErr)
	}
	if sizeErr := fsys.sizes.Write(absPath, 0); sizeErr != nil {
		os.Remove(absPath)
		return CreateResult{}, classify(sizeErr)
	}

	inode, _, allocErr := fsys.inodes.LookupOrAllocate(parentInode, backingName)
	if allocErr != nil {
		os.Remove(absPath)
		return CreateResult{}, classify(allocErr)
	}

	h, openErr := fsys.handles.CreateEmpty(inode, absPath)
	if openErr != nil {
		return CreateResult{}, classify(openErr)
	}

	info, statErr := os.Lstat(absPath)
	if statErr != nil {
		return CreateResult{}, classify(statErr)
	}

	return CreateResult{
		Entry:    entryFromStat(inode, inodemap.KindFile, info, 0),
		HandleID: h.ID,
	}, nil
}

// Open delegates to HandleTable.
func (fsys *FS) Open(inode uint64, flags int) (uint64, *Error) {
	relPath, err := fsys.inodes.Resolve(inode)
	if err != nil {
		return 0, classify(err)
	}
	h, openErr := fsys.handles.Open(inode, fsys.absPath(relPath), flags)
	if openErr != nil {
		return 0, classify(openErr)
	}
	return h.ID, nil
}

// Read delegates to HandleTable.
func (fsys *FS) Read(handleID uint64, offset int64, buf []byte) (int, *Error) {
	h, ok := fsys.handles.Handle(handleID)
	if !ok {
		return 0, newError(KindNotFound, fmt.Errorf("handle %d not open", handleID))
	}
	n, err := fsys.handles.Read(h, offset, buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// Write delegates to HandleTable, rejected with Access if the open
// flags forbid writing.
func (fsys *FS) Write(handleID uint64, offset int64, buf []byte) (int, *Error) {
	h, ok := fsys.handles.Handle(handleID)
	if !ok {
		return 0, newError(KindNotFound, fmt.Errorf("handle %d not open", handleID))
	}
	n, err := fsys.handles.Write(h, offset, buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// Flush delegates to HandleTable.
func (fsys *FS) Flush(handleID uint64) *Error {
	h, ok := fsys.handles.Handle(handleID)
	if !ok {
		return newError(KindNotFound, fmt.Errorf("handle %d not open", handleID))
	}
	if err := fsys.handles.Flush(h); err != nil {
		return classify(err)
	}
	return nil
}

// Fsync delegates to HandleTable.
func (fsys *FS) Fsync(handleID uint64, datasync bool) *Error {
	h, ok := fsys.handles.Handle(handleID)
	if !ok {
		return newError(KindNotFound, fmt.Errorf("handle %d not open", handleID))
	}
	if err := fsys.handles.Fsync(h, datasync); err != nil {
		return classify(err)
	}
	return nil
}

// Release delegates to HandleTable.
func (fsys *FS) Release(handleID uint64) *Error {
	h, ok := fsys.handles.Handle(handleID)
	if !ok {
		return newError(KindNotFound, fmt.Errorf("handle %d not open", handleID))
	}
	if err := fsys.handles.Release(h); err != nil {
		return classify(err)
	}
	return nil
}

// Unlink removes the backing `.zst` file and the InodeMap entry. If
// the file has a live session, HandleTable is told so the eventual
// commit can detect the unlink-while-open race (spec §9 open
// question iii).
func (fsys *FS) Unlink(parentInode uint64, name string) *Error {
	parentPath, err := fsys.inodes.Resolve(parentInode)
	if err != nil {
		return classify(err)
	}
	backingName := pathcodec.ToBackingFile(name)
	absPath := fsys.absPath(joinRel(parentPath, backingName))

	inode, _, allocErr := fsys.inodes.LookupOrAllocate(parentInode, backingName)
	if allocErr != nil {
		return classify(allocErr)
	}

	if rmErr := os.Remove(absPath); rmErr != nil {
		return classify(rmErr)
	}

	fsys.handles.MarkUnlinked(inode)

	if rmMapErr := fsys.inodes.Unlink(parentInode, backingName); rmMapErr != nil {
		return classify(rmMapErr)
	}
	return nil
}

// Rename renames a backing entry (file or directory) and updates
// InodeMap, including descendants of a renamed directory, per
// spec.md §4.3.
func (fsys *FS) Rename(oldParent uint64, oldName string, newParent uint64, newName string) *Error {
	oldParentPath, err := fsys.inodes.Resolve(oldParent)
	if err != nil {
		return classify(err)
	}

	oldFileBacking := pathcodec.ToBackingFile(oldName)
	oldFileAbs := fsys.absPath(joinRel(oldParentPath, oldFileBacking))
	oldDirAbs := fsys.absPath(joinRel(oldParentPath, oldName))

	newParentPath, err := fsys.inodes.Resolve(newParent)
	if err != nil {
		return classify(err)
	}

	var oldBackingName, newBackingName string
	var oldAbs, newAbs string

	if info, statErr := os.Lstat(oldFileAbs); statErr == nil && info.Mode().IsRegular() {
		oldBackingName = oldFileBacking
		newBackingName = pathcodec.ToBackingFile(newName)
		oldAbs = oldFileAbs
		newAbs = fsys.absPath(joinRel(newParentPath, newBackingName))
	} else if info, statErr := os.Lstat(oldDirAbs); statErr == nil && info.IsDir() {
		oldBackingName = oldName
		newBackingName = newName
		oldAbs = oldDirAbs
		newAbs = fsys.absPath(joinRel(newParentPath, newBackingName))
	} else {
		return newError(KindNotFound, fmt.Errorf("%s not found", oldName))
	}

	if renameErr := os.Rename(oldAbs, newAbs); renameErr != nil {
		return classify(renameErr)
	}

	if mapErr := fsys.inodes.Rename(oldParent, oldBackingName, newParent, newBackingName); mapErr != nil {
		return classify(mapErr)
	}
	return nil
}

// StatfsResult mirrors the host statfs fields this system proxies.
type StatfsResult struct {
	BlockSize  uint64
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameLen    uint64
}

// Statfs proxies the backing filesystem's statfs. Block counts
// reflect compressed storage; spec.md §9 explicitly decides against
// projecting uncompressed totals.
func (fsys *FS) Statfs() (StatfsResult, *Error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(fsys.dataDir, &st); err != nil {
		return StatfsResult{}, classify(err)
	}
	return StatfsResult{
		BlockSize:  uint64(st.Bsize),
		Blocks:     st.Blocks,
		BlocksFree: st.Bfree,
		Files:      st.Files,
		FilesFree:  st.Ffree,
		NameLen:    uint64(st.Namelen),
	}, nil
}

// Access resolves inode and delegates to the host's access check on
// the backing entry.
func (fsys *FS) Access(inode uint64, mask uint32) *Error {
	relPath, err := fsys.inodes.Resolve(inode)
	if err != nil {
		return classify(err)
	}
	if accessErr := unixAccess(fsys.absPath(relPath), mask); accessErr != nil {
		return classify(accessErr)
	}
	return nil
}

func unixAccess(path string, mask uint32) error {
	var mode uint32
	if mask&4 != 0 {
		mode |= unix_R_OK
	}
	if mask&2 != 0 {
		mode |= unix_W_OK
	}
	if mask&1 != 0 {
		mode |= unix_X_OK
	}
	return syscall.Access(path, mode)
}

const (
	unix_R_OK = 4
	unix_W_OK = 2
	unix_X_OK = 1
)
