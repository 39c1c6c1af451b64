// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package inodemap implements the authoritative, persistent,
// bidirectional mapping between 64-bit inode numbers and
// backing-relative paths that the rest of the filesystem treats as the
// sole source of truth for inode identity.
package inodemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// RootInode is reserved for the mount root and always maps to the
// empty relative path.
const RootInode uint64 = 1

var (
	bucketInodes = []byte("inodes")
	bucketPaths  = []byte("paths")
	bucketMeta   = []byte("meta")

	keyNextInode = []byte("next_inode")
)

// ErrNotFound is returned by Resolve, LookupOrAllocate, Rename, Unlink
// and Rmdir when no live entry matches the request.
var ErrNotFound = errors.New("inodemap: not found")

// Kind distinguishes regular files from directories. The map itself
// does not store it; callers classify an entry from the backing stat.
type Kind int

const (
	// KindFile marks a backing regular (compressed) file.
	KindFile Kind = iota
	// KindDir marks a backing directory.
	KindDir
)

// Map is the persistent, bidirectional inode<->path store. It keeps an
// in-memory index mirroring the bbolt database so that Resolve does
// not need a transaction on the hot path, and re-derives that index
// from the database on Open so restarts preserve inode identity.
type Map struct {
	db     *bolt.DB
	logger *slog.Logger

	mu        sync.RWMutex
	pathOf    map[uint64]string // inode -> backing path
	inodeOf   map[string]uint64 // backing path -> inode
	nextInode uint64
}

// Open opens (creating if absent) the bbolt database at dbPath,
// ensures the three buckets exist, rebuilds the in-memory index by
// scanning them, and guarantees the root entry (inode 1 <-> "") is
// present.
func Open(dbPath string, logger *slog.Logger) (*Map, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("inodemap: opening %s: %w", dbPath, err)
	}

	m := &Map{
		db:      db,
		logger:  logger,
		pathOf:  make(map[uint64]string),
		inodeOf: make(map[string]uint64),
	}

	if err := m.rebuild(); err != nil {
		db.Close()
		return nil, err
	}

	return m, nil
}

// Close flushes and closes the underlying persistent store.
func (m *Map) Close() error {
	return m.db.Close()
}

// rebuild creates the buckets if missing, scans them into the
// in-memory index, derives the counter as max(stored, max observed
// inode + 1), and ensures the root entry exists.
func (m *Map) rebuild() error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		bi, err := tx.CreateBucketIfNotExists(bucketInodes)
		if err != nil {
			return err
		}
		bp, err := tx.CreateBucketIfNotExists(bucketPaths)
		if err != nil {
			return err
		}
		bm, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}

		var maxSeen uint64
		if err := bi.ForEach(func(k, v []byte) error {
			inode, ok := decodeInodeKey(k)
			if !ok {
				return fmt.Errorf("inodemap: %w: malformed inode key %q", ErrPersistCorrupt, k)
			}
			p := string(v)
			m.pathOf[inode] = p
			m.inodeOf[p] = inode
			if inode > maxSeen {
				maxSeen = inode
			}
			return nil
		}); err != nil {
			return err
		}

		var stored uint64
		if v := bm.Get(keyNextInode); v != nil {
			if len(v) != 8 {
				return fmt.Errorf("inodemap: %w: malformed next_inode value", ErrPersistCorrupt)
			}
			stored = binary.LittleEndian.Uint64(v)
		}

		next := stored
		if maxSeen+1 > next {
			next = maxSeen + 1
		}
		if next <= RootInode {
			next = RootInode + 1
		}
		m.nextInode = next

		if _, ok := m.pathOf[RootInode]; !ok {
			m.pathOf[RootInode] = ""
			m.inodeOf[""] = RootInode
			// Only the inodes bucket records the root: bbolt rejects
			// zero-length keys, so the root's empty path has no entry in
			// the paths bucket and its reverse mapping lives only in the
			// in-memory index, restored here on every Open.
			if err := bi.Put(encodeInodeKey(RootInode), []byte("")); err != nil {
				return err
			}
		}

		return putNextInode(bm, m.nextInode)
	})
	if err != nil {
		return fmt.Errorf("inodemap: rebuilding index: %w", err)
	}
	return nil
}

// ErrPersistCorrupt marks a malformed record read back from the
// persistent store — a fatal condition per spec.md §7 (the filesystem
// unmounts rather than guessing at recovery).
var ErrPersistCorrupt = errors.New("inodemap: persistent store corrupt")

func encodeInodeKey(inode uint64) []byte {
	key := make([]byte, 8+len("inode:"))
	n := copy(key, "inode:")
	binary.LittleEndian.PutUint64(key[n:], inode)
	return key
}

func decodeInodeKey(key []byte) (uint64, bool) {
	const prefix = "inode:"
	if len(key) != len(prefix)+8 || string(key[:len(prefix)]) != prefix {
		return 0, false
	}
	return binary.LittleEndian.Uint64(key[len(prefix):]), true
}

func putNextInode(bm *bolt.Bucket, next uint64) error {
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], next)
	return bm.Put(keyNextInode, v[:])
}

// Resolve returns the backing path for inode, or ErrNotFound.
func (m *Map) Resolve(inode uint64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pathOf[inode]
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

// LookupOrAllocate resolves parentInode to its backing path, composes
// the child path at backingRelName (already translated through
// PathCodec by the caller), and either returns the existing inode for
// that path or allocates a new one; allocated reports which. It does
// not stat the backing entry and records no file/directory kind — the
// caller's backing stat is the source of truth for kind, and InodeMap
// only persists identity, not classification.
func (m *Map) LookupOrAllocate(parentInode uint64, backingRelName string) (inode uint64, allocated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parentPath, ok := m.pathOf[parentInode]
	if !ok {
		return 0, false, ErrNotFound
	}
	childPath := joinBacking(parentPath, backingRelName)

	if existing, ok := m.inodeOf[childPath]; ok {
		return existing, false, nil
	}

	var allocatedInode uint64
	err = m.db.Update(func(tx *bolt.Tx) error {
		bi := tx.Bucket(bucketInodes)
		bp := tx.Bucket(bucketPaths)
		bm := tx.Bucket(bucketMeta)

		allocatedInode = m.nextInode
		if err := bi.Put(encodeInodeKey(allocatedInode), []byte(childPath)); err != nil {
			return err
		}
		if err := bp.Put([]byte(childPath), encodeInodeKey(allocatedInode)); err != nil {
			return err
		}
		return putNextInode(bm, allocatedInode+1)
	})
	if err != nil {
		return 0, false, fmt.Errorf("inodemap: allocating inode for %s: %w", childPath, err)
	}

	m.nextInode = allocatedInode + 1
	m.pathOf[allocatedInode] = childPath
	m.inodeOf[childPath] = allocatedInode

	return allocatedInode, true, nil
}

// Forget accepts a kernel forget for inode. The map tracks no
// refcount (the kernel owns nlookup accounting), so this is a no-op:
// entries are never removed on forget. No Operations code calls it.
func (m *Map) Forget(inode uint64, nlookup uint64) {
	_ = inode
	_ = nlookup
}

// Rename updates the backing path for the entry at (oldParent,
// oldBackingName) to live at (newParent, newBackingName), rewriting
// every currently-indexed descendant if the entry is a directory. The
// whole operation commits as one bbolt transaction.
func (m *Map) Rename(oldParent uint64, oldBackingName string, newParent uint64, newBackingName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldParentPath, ok := m.pathOf[oldParent]
	if !ok {
		return ErrNotFound
	}
	newParentPath, ok := m.pathOf[newParent]
	if !ok {
		return ErrNotFound
	}
	oldPath := joinBacking(oldParentPath, oldBackingName)
	newPath := joinBacking(newParentPath, newBackingName)

	inode, ok := m.inodeOf[oldPath]
	if !ok {
		return ErrNotFound
	}

	type rewrite struct {
		inode   uint64
		oldPath string
		newPath string
	}
	rewrites := []rewrite{{inode, oldPath, newPath}}

	prefix := oldPath + "/"
	for p, ino := range m.inodeOf {
		if strings.HasPrefix(p, prefix) {
			suffix := strings.TrimPrefix(p, oldPath)
			rewrites = append(rewrites, rewrite{ino, p, newPath + suffix})
		}
	}

	err := m.db.Update(func(tx *bolt.Tx) error {
		bi := tx.Bucket(bucketInodes)
		bp := tx.Bucket(bucketPaths)
		for _, r := range rewrites {
			if err := bp.Delete([]byte(r.oldPath)); err != nil {
				return err
			}
			if err := bi.Put(encodeInodeKey(r.inode), []byte(r.newPath)); err != nil {
				return err
			}
			if err := bp.Put([]byte(r.newPath), encodeInodeKey(r.inode)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("inodemap: renaming %s -> %s: %w", oldPath, newPath, err)
	}

	for _, r := range rewrites {
		delete(m.inodeOf, r.oldPath)
		m.inodeOf[r.newPath] = r.inode
		m.pathOf[r.inode] = r.newPath
	}

	return nil
}

// Unlink removes the mapping for the entry at (parent, backingName).
// The caller is responsible for removing the backing filesystem entry
// itself; Unlink only removes the mapping, and only after the caller
// has done so. The inode number is not reused.
func (m *Map) Unlink(parent uint64, backingName string) error {
	return m.removeEntry(parent, backingName)
}

// Rmdir removes the mapping for a directory entry. Same contract as
// Unlink; kept as a distinct method name to mirror the Operations
// surface and spec vocabulary.
func (m *Map) Rmdir(parent uint64, backingName string) error {
	return m.removeEntry(parent, backingName)
}

func (m *Map) removeEntry(parent uint64, backingName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	parentPath, ok := m.pathOf[parent]
	if !ok {
		return ErrNotFound
	}
	childPath := joinBacking(parentPath, backingName)

	inode, ok := m.inodeOf[childPath]
	if !ok {
		return ErrNotFound
	}

	err := m.db.Update(func(tx *bolt.Tx) error {
		bi := tx.Bucket(bucketInodes)
		bp := tx.Bucket(bucketPaths)
		if err := bi.Delete(encodeInodeKey(inode)); err != nil {
			return err
		}
		return bp.Delete([]byte(childPath))
	})
	if err != nil {
		return fmt.Errorf("inodemap: removing %s: %w", childPath, err)
	}

	delete(m.pathOf, inode)
	delete(m.inodeOf, childPath)
	m.logger.Debug("inodemap entry removed", "inode", inode, "path", childPath)

	return nil
}

func joinBacking(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return path.Join(parentPath, name)
}
