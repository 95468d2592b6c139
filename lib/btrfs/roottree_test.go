// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
	"github.com/g2p/bedup-go/lib/btrfsioctl"
)

func TestReadRootTreeResolvesPaths(t *testing.T) {
	fs, fake := newTestFS(t)
	fake.AddRoot(btrfsioctl.FakeRoot{ID: btrfsprim.FS_TREE_OBJECTID, Generation: 1})
	fake.AddRoot(btrfsioctl.FakeRoot{
		ID: 257, Generation: 5,
		ParentRootID: btrfsprim.FS_TREE_OBJECTID, ParentDirID: 256, Name: "snap1",
	})

	roots, err := fs.ReadRootTree()
	require.NoError(t, err)

	require.Contains(t, roots, btrfsprim.ObjID(257))
	assert.Equal(t, "snap1", roots[257].Path)
}

func TestReadRootTreeResolvesOutOfOrderParent(t *testing.T) {
	fs, fake := newTestFS(t)
	// Child registered before its parent, simulating a post-move ordering.
	fake.AddRoot(btrfsioctl.FakeRoot{
		ID: 258, Generation: 6,
		ParentRootID: 257, ParentDirID: 256, Name: "child",
	})
	fake.AddRoot(btrfsioctl.FakeRoot{
		ID: 257, Generation: 5,
		ParentRootID: btrfsprim.FS_TREE_OBJECTID, ParentDirID: 256, Name: "parent",
	})
	fake.AddRoot(btrfsioctl.FakeRoot{ID: btrfsprim.FS_TREE_OBJECTID, Generation: 1})

	roots, err := fs.ReadRootTree()
	require.NoError(t, err)
	assert.Equal(t, "parent", roots[257].Path)
	assert.Equal(t, "parent/child", roots[258].Path)
}

func TestReadRootTreeReportsDanglingParent(t *testing.T) {
	fs, fake := newTestFS(t)
	fake.AddRoot(btrfsioctl.FakeRoot{
		ID: 258, Generation: 6,
		ParentRootID: 999, ParentDirID: 256, Name: "orphan",
	})

	_, err := fs.ReadRootTree()
	assert.Error(t, err)
}
