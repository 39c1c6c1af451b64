// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package fsops

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/zstdfs/zstdfs/lib/inodemap"
)

// Node is the single InodeEmbedder type used for every entry this
// filesystem exposes, file or directory alike. Its identity is
// InodeMap's inode number, carried by go-fuse as StableAttr.Ino; Node
// itself holds no state beyond a reference to the shared FS.
type Node struct {
	gofuse.Inode
	fs *FS
}

var (
	_ gofuse.InodeEmbedder = (*Node)(nil)
	_ gofuse.NodeLookuper  = (*Node)(nil)
	_ gofuse.NodeGetattrer = (*Node)(nil)
	_ gofuse.NodeSetattrer = (*Node)(nil)
	_ gofuse.NodeReaddirer = (*Node)(nil)
	_ gofuse.NodeMkdirer   = (*Node)(nil)
	_ gofuse.NodeRmdirer   = (*Node)(nil)
	_ gofuse.NodeCreater   = (*Node)(nil)
	_ gofuse.NodeOpener    = (*Node)(nil)
	_ gofuse.NodeReader    = (*Node)(nil)
	_ gofuse.NodeWriter    = (*Node)(nil)
	_ gofuse.NodeFlusher   = (*Node)(nil)
	_ gofuse.NodeReleaser  = (*Node)(nil)
	_ gofuse.NodeFsyncer   = (*Node)(nil)
	_ gofuse.NodeUnlinker  = (*Node)(nil)
	_ gofuse.NodeRenamer   = (*Node)(nil)
	_ gofuse.NodeStatfser  = (*Node)(nil)
	_ gofuse.NodeAccesser  = (*Node)(nil)
)

// fileHandle is the opaque FileHandle value go-fuse hands back on
// every I/O call after Open/Create; it only carries the HandleTable
// handle id.
type fileHandle struct {
	id uint64
}

func (n *Node) ino() uint64 {
	return n.StableAttr().Ino
}

func newChildNode(fsys *FS) *Node {
	return &Node{fs: fsys}
}

func fillAttr(attr *fuse.Attr, e Entry) {
	attr.Ino = e.Inode
	attr.Size = e.Size
	attr.Uid = e.Uid
	attr.Gid = e.Gid
	attr.Mtime = uint64(e.ModTime.Unix())
	attr.Atime = uint64(e.AccTime.Unix())
	attr.Blksize = 4096
	attr.Blocks = (e.Size + 511) / 512

	if e.Kind == inodemap.KindDir {
		attr.Mode = syscall.S_IFDIR | e.Mode
		attr.Nlink = 2
	} else {
		attr.Mode = syscall.S_IFREG | e.Mode
		attr.Nlink = 1
	}
}

// Lookup implements spec.md §4.6 lookup: resolve the backing entry,
// allocate or reuse its inode via InodeMap, and (in convert mode)
// absorb a plain sibling file transparently.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	entry, err := n.fs.Lookup(n.ino(), name)
	if err != nil {
		return nil, err.Kind.Errno()
	}

	fillAttr(&out.Attr, entry)

	mode := uint32(syscall.S_IFREG)
	if entry.Kind == inodemap.KindDir {
		mode = syscall.S_IFDIR
	}

	child := n.NewInode(ctx, newChildNode(n.fs), gofuse.StableAttr{Ino: entry.Inode, Mode: mode})
	return child, 0
}

// Getattr implements spec.md §4.6 getattr.
func (n *Node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	entry, err := n.fs.Getattr(n.ino())
	if err != nil {
		return err.Kind.Errno()
	}
	fillAttr(&out.Attr, entry)
	return 0
}

// Setattr implements spec.md §4.6 setattr, including the
// open-a-transient-session truncate path.
func (n *Node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var req SetattrRequest

	if mode, ok := in.GetMode(); ok {
		req.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		req.Uid = &uid
	}
	if gid, ok := in.GetGID(); ok {
		req.Gid = &gid
	}
	if size, ok := in.GetSize(); ok {
		req.Size = &size
	}
	if atime, ok := in.GetATime(); ok {
		req.Atime = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		req.Mtime = &mtime
	}

	entry, err := n.fs.Setattr(n.ino(), req)
	if err != nil {
		return err.Kind.Errno()
	}
	fillAttr(&out.Attr, entry)
	return 0
}

// Readdir implements spec.md §4.6 readdir.
func (n *Node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	dirEntries, err := n.fs.Readdir(n.ino())
	if err != nil {
		return nil, err.Kind.Errno()
	}

	entries := make([]fuse.DirEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		mode := uint32(syscall.S_IFREG)
		if de.Kind == inodemap.KindDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: de.Name, Mode: mode, Ino: de.Inode})
	}

	return &sliceDirStream{entries: entries}, 0
}

// Mkdir implements spec.md §4.6 mkdir.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	entry, err := n.fs.Mkdir(n.ino(), name, mode)
	if err != nil {
		return nil, err.Kind.Errno()
	}
	fillAttr(&out.Attr, entry)
	child := n.NewInode(ctx, newChildNode(n.fs), gofuse.StableAttr{Ino: entry.Inode, Mode: syscall.S_IFDIR})
	return child, 0
}

// Rmdir implements spec.md §4.6 rmdir.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := n.fs.Rmdir(n.ino(), name); err != nil {
		return err.Kind.Errno()
	}
	return 0
}

// Create implements spec.md §4.6 create.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	result, err := n.fs.Create(n.ino(), name, mode)
	if err != nil {
		return nil, nil, 0, err.Kind.Errno()
	}
	fillAttr(&out.Attr, result.Entry)
	child := n.NewInode(ctx, newChildNode(n.fs), gofuse.StableAttr{Ino: result.Entry.Inode, Mode: syscall.S_IFREG})
	return child, &fileHandle{id: result.HandleID}, 0, 0
}

// Open implements spec.md §4.6 open, delegating to HandleTable.
func (n *Node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	handleID, err := n.fs.Open(n.ino(), int(flags))
	if err != nil {
		return nil, 0, err.Kind.Errno()
	}
	return &fileHandle{id: handleID}, 0, 0
}

// Read implements spec.md §4.6 read, delegating to HandleTable.
func (n *Node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	count, err := n.fs.Read(fh.id, off, dest)
	if err != nil {
		return nil, err.Kind.Errno()
	}
	return fuse.ReadResultData(dest[:count]), 0
}

// Write implements spec.md §4.6 write, delegating to HandleTable.
func (n *Node) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	count, err := n.fs.Write(fh.id, off, data)
	if err != nil {
		return uint32(count), err.Kind.Errno()
	}
	return uint32(count), 0
}

// Flush implements spec.md §4.6 flush, delegating to HandleTable.
func (n *Node) Flush(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	if err := n.fs.Flush(fh.id); err != nil {
		return err.Kind.Errno()
	}
	return 0
}

// Release implements spec.md §4.6 release, delegating to HandleTable.
func (n *Node) Release(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	if err := n.fs.Release(fh.id); err != nil {
		return err.Kind.Errno()
	}
	return 0
}

// Fsync implements spec.md §4.6 fsync. Bit 0 of flags is the kernel's
// datasync request, matching the FUSE wire protocol.
func (n *Node) Fsync(ctx context.Context, f gofuse.FileHandle, flags uint32) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	datasync := flags&1 != 0
	if err := n.fs.Fsync(fh.id, datasync); err != nil {
		return err.Kind.Errno()
	}
	return 0
}

// Unlink implements spec.md §4.6 unlink.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := n.fs.Unlink(n.ino(), name); err != nil {
		return err.Kind.Errno()
	}
	return 0
}

// Rename implements spec.md §4.6 rename.
func (n *Node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newParentNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	if err := n.fs.Rename(n.ino(), name, newParentNode.ino(), newName); err != nil {
		return err.Kind.Errno()
	}
	return 0
}

// Statfs implements spec.md §4.6 statfs.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	res, err := n.fs.Statfs()
	if err != nil {
		return err.Kind.Errno()
	}
	out.Blocks = res.Blocks
	out.Bfree = res.BlocksFree
	out.Bavail = res.BlocksFree
	out.Files = res.Files
	out.Ffree = res.FilesFree
	out.Bsize = uint32(res.BlockSize)
	out.NameLen = uint32(res.NameLen)
	return 0
}

// Access implements spec.md §4.6 access.
func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	if err := n.fs.Access(n.ino(), mask); err != nil {
		return err.Kind.Errno()
	}
	return 0
}
