// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g2p/bedup-go/lib/btrfs/btrfsitem"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
	"github.com/g2p/bedup-go/lib/btrfsioctl"
	"github.com/g2p/bedup-go/lib/linux"
)

func newTestFS(t *testing.T) (*FS, *btrfsioctl.Fake) {
	t.Helper()
	fake := btrfsioctl.NewFake()
	dir, err := os.Open(".")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })
	return &FS{Dir: dir, Backend: fake}, fake
}

func TestTreeSearchVisitsAllInodes(t *testing.T) {
	fs, fake := newTestFS(t)
	for i := btrfsprim.ObjID(256); i < 260; i++ {
		fake.AddInode(i, btrfsprim.Generation(10), 4096, linux.ModeFmtRegular|0o644)
	}

	var found []btrfsprim.ObjID
	err := fs.TreeSearch(context.Background(), btrfsprim.FS_TREE_OBJECTID,
		btrfsprim.INODE_ITEM_KEY, btrfsprim.INODE_ITEM_KEY, 0,
		func(key btrfsprim.Key, item btrfsitem.Item) error {
			inode, ok := item.(btrfsitem.Inode)
			require.True(t, ok, "expected Inode, got %T", item)
			assert.Equal(t, int64(4096), inode.Size)
			found = append(found, key.ObjectID)
			return nil
		})
	require.NoError(t, err)
	assert.ElementsMatch(t, []btrfsprim.ObjID{256, 257, 258, 259}, found)
}

func TestTreeSearchFiltersByGeneration(t *testing.T) {
	fs, fake := newTestFS(t)
	fake.AddInode(256, btrfsprim.Generation(5), 100, linux.ModeFmtRegular)
	fake.AddInode(257, btrfsprim.Generation(15), 200, linux.ModeFmtRegular)

	var found []btrfsprim.ObjID
	err := fs.TreeSearch(context.Background(), btrfsprim.FS_TREE_OBJECTID,
		btrfsprim.INODE_ITEM_KEY, btrfsprim.INODE_ITEM_KEY, btrfsprim.Generation(10),
		func(key btrfsprim.Key, _ btrfsitem.Item) error {
			found = append(found, key.ObjectID)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []btrfsprim.ObjID{257}, found)
}

func TestUUIDAndRootID(t *testing.T) {
	fs, fake := newTestFS(t)
	fake.UUID = btrfsprim.MustParseUUID("00000000-0000-0000-0000-000000000042")
	fake.RootID = 5

	uuid, err := fs.UUID()
	require.NoError(t, err)
	assert.Equal(t, fake.UUID, uuid)

	rootID, err := fs.RootID()
	require.NoError(t, err)
	assert.Equal(t, btrfsprim.ObjID(5), rootID)
}
