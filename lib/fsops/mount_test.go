// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package fsops

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zstdfs/zstdfs/lib/clock"
)

// fuseAvailable skips the calling test unless /dev/fuse is present,
// since these tests exercise a real kernel FUSE mount.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func testMount(t *testing.T) (mountPoint string, fsys *FS) {
	t.Helper()
	fuseAvailable(t)

	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	mountPoint = filepath.Join(root, "mount")
	scratchDir := filepath.Join(root, "scratch")
	for _, d := range []string{dataDir, mountPoint, scratchDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("MkdirAll(%s): %v", d, err)
		}
	}

	var err error
	fsys, err = New(dataDir, scratchDir, 0, false, clock.Fake(time.Unix(1700000000, 0)), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	server, err := Mount(fsys, mountPoint, false, false)
	if err != nil {
		fsys.Close()
		t.Fatalf("Mount: %v", err)
	}

	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
		fsys.Close()
	})

	return mountPoint, fsys
}

func TestMountWriteAndReadBackThroughKernel(t *testing.T) {
	mountPoint, _ := testMount(t)

	content := []byte("round trip through a real FUSE mount")
	path := filepath.Join(mountPoint, "hello.txt")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("got %q, want %q", got, content)
	}
}

func TestMountMkdirAndList(t *testing.T) {
	mountPoint, _ := testMount(t)

	if err := os.Mkdir(filepath.Join(mountPoint, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name() == "sub" && e.IsDir() {
			found = true
		}
	}
	if !found {
		t.Error("missing 'sub' directory in listing")
	}
}

func TestMountBackingFileCarriesZstSuffixAndSizeXattr(t *testing.T) {
	mountPoint, fsys := testMount(t)

	content := []byte("compressed on disk")
	if err := os.WriteFile(filepath.Join(mountPoint, "doc.txt"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	backingPath := filepath.Join(fsys.dataDir, "doc.txt.zst")
	if _, err := os.Stat(backingPath); err != nil {
		t.Fatalf("backing file missing: %v", err)
	}

	size, err := fsys.sizes.Read(backingPath)
	if err != nil {
		t.Fatalf("sizes.Read: %v", err)
	}
	if size != uint64(len(content)) {
		t.Errorf("size xattr = %d, want %d", size, len(content))
	}
}

func TestMountUnlinkRemovesFile(t *testing.T) {
	mountPoint, _ := testMount(t)

	path := filepath.Join(mountPoint, "temp.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Stat after Remove = %v, want IsNotExist", err)
	}
}

func TestMountRenameAcrossDirectories(t *testing.T) {
	mountPoint, _ := testMount(t)

	if err := os.Mkdir(filepath.Join(mountPoint, "dest"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	src := filepath.Join(mountPoint, "movable.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dst := filepath.Join(mountPoint, "dest", "movable.txt")
	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile(dst): %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("content after rename = %q, want %q", got, "payload")
	}
}
