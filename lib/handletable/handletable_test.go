// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package handletable

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zstdfs/zstdfs/lib/clock"
	"github.com/zstdfs/zstdfs/lib/codec"
	"github.com/zstdfs/zstdfs/lib/sizexattr"
)

func newTestTable(t *testing.T) (*Table, string) {
	t.Helper()
	dataDir := t.TempDir()
	scratchDir := t.TempDir()
	fc := clock.Fake(time.Unix(0, 0))
	tbl := New(scratchDir, codec.New(0), sizexattr.New(nil), fc, nil)
	return tbl, dataDir
}

func seedBacking(t *testing.T, dataDir, name string, content []byte) string {
	t.Helper()
	backing := filepath.Join(dataDir, name)
	scratch := filepath.Join(t.TempDir(), "seed")
	if err := os.WriteFile(scratch, content, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c := codec.New(0)
	if _, err := c.Compress(scratch, backing); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if err := sizexattr.New(nil).Write(backing, uint64(len(content))); err != nil {
		t.Fatalf("Write size xattr: %v", err)
	}
	return backing
}

func TestOpenReadRoundTrip(t *testing.T) {
	tbl, dataDir := newTestTable(t)
	backing := seedBacking(t, dataDir, "a.txt.zst", []byte("hello"))

	h, err := tbl.Open(1, backing, os.O_RDONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Release(h)

	buf := make([]byte, 5)
	n, err := tbl.Read(h, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("Read() = %q, want %q", buf[:n], "hello")
	}
}

func TestWriteAndCommitOnRelease(t *testing.T) {
	tbl, dataDir := newTestTable(t)
	backing := seedBacking(t, dataDir, "b.txt.zst", []byte("old"))

	h, err := tbl.Open(2, backing, os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := tbl.Write(h, 0, []byte("newvalue!")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tbl.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	c := codec.New(0)
	restored := filepath.Join(t.TempDir(), "restored")
	if _, err := c.Decompress(backing, restored); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "newvalue!" {
		t.Errorf("committed content = %q, want %q", got, "newvalue!")
	}

	size, err := sizexattr.New(nil).Read(backing)
	if err != nil {
		t.Fatalf("Read size xattr: %v", err)
	}
	if size != uint64(len("newvalue!")) {
		t.Errorf("SizeXattr = %d, want %d", size, len("newvalue!"))
	}
}

func TestSharedSessionVisibility(t *testing.T) {
	tbl, dataDir := newTestTable(t)
	backing := seedBacking(t, dataDir, "c.txt.zst", []byte("xxxxx"))

	h1, err := tbl.Open(3, backing, os.O_RDWR)
	if err != nil {
		t.Fatalf("Open h1: %v", err)
	}
	h2, err := tbl.Open(3, backing, os.O_RDONLY)
	if err != nil {
		t.Fatalf("Open h2: %v", err)
	}

	if _, err := tbl.Write(h1, 0, []byte("A")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 1)
	if _, err := tbl.Read(h2, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "A" {
		t.Errorf("Read via second handle = %q, want %q (shared session)", buf, "A")
	}

	tbl.Release(h1)
	tbl.Release(h2)
}

func TestCreateEmptyThenWrite(t *testing.T) {
	tbl, dataDir := newTestTable(t)
	backing := filepath.Join(dataDir, "new.txt.zst")

	h, err := tbl.CreateEmpty(4, backing)
	if err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	if _, err := tbl.Write(h, 0, []byte("fresh")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tbl.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := os.Stat(backing); err != nil {
		t.Errorf("backing file missing after release: %v", err)
	}
}

func TestUnlinkWhileOpenDiscardsOnRaceWithRecreate(t *testing.T) {
	tbl, dataDir := newTestTable(t)
	backing := seedBacking(t, dataDir, "d.txt.zst", []byte("original"))

	h, err := tbl.Open(5, backing, os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := tbl.Write(h, 0, []byte("dirtydata")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := os.Remove(backing); err != nil {
		t.Fatalf("Remove backing: %v", err)
	}
	tbl.MarkUnlinked(5)

	if err := os.WriteFile(backing, []byte("someone-elses-new-file"), 0o600); err != nil {
		t.Fatalf("recreate backing: %v", err)
	}

	if err := tbl.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := os.ReadFile(backing)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "someone-elses-new-file" {
		t.Errorf("backing file was overwritten by orphaned session data: %q", got)
	}
}

func TestUnlinkWhileOpenReappearsWithoutRecreate(t *testing.T) {
	tbl, dataDir := newTestTable(t)
	backing := seedBacking(t, dataDir, "e.txt.zst", []byte("original"))

	h, err := tbl.Open(6, backing, os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := tbl.Write(h, 0, []byte("finalcontent")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := os.Remove(backing); err != nil {
		t.Fatalf("Remove backing: %v", err)
	}
	tbl.MarkUnlinked(6)

	if err := tbl.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	c := codec.New(0)
	restored := filepath.Join(t.TempDir(), "restored")
	if _, err := c.Decompress(backing, restored); err != nil {
		t.Fatalf("backing file did not reappear: %v", err)
	}
	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "finalcontent" {
		t.Errorf("reappeared content = %q, want %q", got, "finalcontent")
	}
}
