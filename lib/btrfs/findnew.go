// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"
	"io"

	"github.com/g2p/bedup-go/lib/btrfs/btrfsitem"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
)

// FindNew writes one line per INODE_ITEM found in the subvolume's own fs
// tree with a generation >= minGeneration: by default
// "inode <ino> size <size> generation <gen>", or (terse) just the inode
// number, deduplicated.
func (fs *FS) FindNew(minGeneration btrfsprim.Generation, sink io.Writer, terse bool) error {
	ctx := context.Background()
	seen := make(map[btrfsprim.ObjID]bool)
	return fs.TreeSearch(ctx, btrfsprim.FS_TREE_OBJECTID,
		btrfsprim.INODE_ITEM_KEY, btrfsprim.EXTENT_DATA_KEY, minGeneration,
		func(key btrfsprim.Key, item btrfsitem.Item) error {
			switch typed := item.(type) {
			case btrfsitem.Inode:
				if typed.Generation < minGeneration {
					return nil
				}
				if terse {
					if seen[key.ObjectID] {
						return nil
					}
					seen[key.ObjectID] = true
					_, err := fmt.Fprintf(sink, "%d\n", uint64(key.ObjectID))
					return err
				}
				_, err := fmt.Fprintf(sink, "inode %d size %d generation %d\n",
					uint64(key.ObjectID), typed.Size, uint64(typed.Generation))
				return err
			case btrfsitem.Error:
				return typed.Err
			}
			return nil
		})
}
