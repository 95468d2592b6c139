// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/g2p/bedup-go/lib/btrfs/btrfsitem"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
	"github.com/g2p/bedup-go/lib/maps"
)

// RootInfo is one resolved entry of the root tree: a subvolume's
// generation, its parent linkage, and (after the fixpoint pass) its path
// relative to the filesystem's top level. It carries no read-only flag:
// ReadRootTree does not read subvolume flags, and no caller checks whether
// a subvolume is a read-only snapshot, so read-only snapshots are not
// excluded from scanning or deduplication.
type RootInfo struct {
	Generation   btrfsprim.Generation
	UUID         btrfsprim.UUID
	ParentRootID btrfsprim.ObjID
	ParentDirID  btrfsprim.ObjID
	Name         string

	// Path is the root's location relative to the top of the tree. It is
	// only populated once ReadRootTree's fixpoint pass has resolved it;
	// an entry left with Path=="" after the pass terminates names a
	// subvolume that could not be reached from the top (a dangling
	// parent pointer), and is reported rather than silently dropped.
	Path string
}

// ReadRootTree performs the two-pass walk of the root tree (tree id
// ROOT_TREE_OBJECTID): the first pass collects each subvolume's ROOT_ITEM
// (generation, UUID) and ROOT_BACKREF (parent root id, parent
// directory id, name); the second pass is a fixpoint that joins each
// child's name onto its parent's already-resolved path as parents become
// resolved one at a time, so that a subvolume which was moved and appears
// before its new parent in on-disk order still ends up with a correct
// path. The loop terminates when a full scan over the unresolved set
// fails to shrink it further; anything still unresolved at that point
// names a cycle or a dangling parent, and is returned alongside the error.
func (fs *FS) ReadRootTree() (map[btrfsprim.ObjID]*RootInfo, error) {
	roots := make(map[btrfsprim.ObjID]*RootInfo)

	ctx := context.Background()
	err := fs.TreeSearch(ctx, btrfsprim.ROOT_TREE_OBJECTID, 0, btrfsprim.MAX_KEY, 0,
		func(key btrfsprim.Key, item btrfsitem.Item) error {
			switch typed := item.(type) {
			case btrfsitem.Root:
				info := roots[key.ObjectID]
				if info == nil {
					info = &RootInfo{}
					roots[key.ObjectID] = info
				}
				info.Generation = typed.Generation
				info.UUID = typed.UUID
			case btrfsitem.RootRef:
				if key.ItemType != btrfsprim.ROOT_BACKREF_KEY {
					return nil
				}
				childID := btrfsprim.ObjID(key.Offset)
				info := roots[childID]
				if info == nil {
					info = &RootInfo{}
					roots[childID] = info
				}
				info.ParentRootID = key.ObjectID
				info.ParentDirID = typed.DirID
				info.Name = string(typed.Name)
			case btrfsitem.Error:
				return errors.Wrapf(typed.Err, "btrfs: root tree")
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	fsTreeInfo := roots[btrfsprim.FS_TREE_OBJECTID]
	if fsTreeInfo == nil {
		fsTreeInfo = &RootInfo{}
		roots[btrfsprim.FS_TREE_OBJECTID] = fsTreeInfo
	}
	fsTreeInfo.Path = "."

	unresolved := make(map[btrfsprim.ObjID]*RootInfo, len(roots))
	for id, info := range roots {
		if info.Path == "" {
			unresolved[id] = info
		}
	}

	for {
		progress := false
		for id, info := range unresolved {
			parent, ok := roots[info.ParentRootID]
			if !ok || parent.Path == "" {
				continue
			}
			name, err := fs.LookupOnePath(info.ParentRootID, info.ParentDirID)
			if err != nil {
				name = info.Name
			}
			if name == "" {
				name = info.Name
			}
			info.Path = joinPath(parent.Path, name)
			delete(unresolved, id)
			progress = true
		}
		if len(unresolved) == 0 {
			break
		}
		if !progress {
			ids := maps.SortedKeys(unresolved)
			return roots, fmt.Errorf("btrfs: root tree has unresolvable subvolumes (dangling parent or cycle): %v", ids)
		}
	}

	return roots, nil
}

func joinPath(parent, name string) string {
	if parent == "." {
		return name
	}
	return parent + "/" + name
}
