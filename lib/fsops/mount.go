// Copyright 2026 The zstdfs Authors
// SPDX-License-Identifier: Apache-2.0

package fsops

import (
	"fmt"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Mount attaches fsys's root Node at mountPoint and returns the
// running fuse.Server. Request dispatch is single-threaded, matching
// spec.md §5: the core never needs to guard itself against concurrent
// calls from the kernel.
func Mount(fsys *FS, mountPoint string, allowOther bool, debug bool) (*fuse.Server, error) {
	root := &Node{fs: fsys}

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(mountPoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:         "zstdfs",
			Name:           "zstdfs",
			AllowOther:     allowOther,
			SingleThreaded: true,
			Debug:          debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fsops: mounting %s: %w", mountPoint, err)
	}
	return server, nil
}
