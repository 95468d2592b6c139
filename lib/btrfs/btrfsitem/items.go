// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"fmt"

	"github.com/g2p/bedup-go/lib/binstruct"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
)

type Item interface {
	isItem()
}

func (Inode) isItem()    {}
func (Root) isItem()     {}
func (RootRef) isItem()  {}
func (InodeRef) isItem() {}
func (DirEntry) isItem() {}
func (Empty) isItem()    {}

type Error struct {
	Dat []byte
	Err error
}

func (Error) isItem() {}

func (o Error) MarshalBinary() ([]byte, error) {
	return o.Dat, nil
}

func (o *Error) UnmarshalBinary(dat []byte) (int, error) {
	o.Dat = dat
	return len(dat), nil
}

// UnmarshalItem decodes a tree-search item payload according to the item
// type named in its key. The tree-search ioctl returns items in the exact
// on-disk serialization, so the same struct tags used to parse a raw
// filesystem image apply unchanged to a live ioctl response.
//
// Rather than returning a separate error value, return an Error item.
func UnmarshalItem(key btrfsprim.Key, dat []byte) Item {
	var itemPtr any
	switch key.ItemType {
	case btrfsprim.INODE_ITEM_KEY:
		itemPtr = new(Inode)
	case btrfsprim.ROOT_ITEM_KEY:
		itemPtr = new(Root)
	case btrfsprim.ROOT_REF_KEY, btrfsprim.ROOT_BACKREF_KEY:
		itemPtr = new(RootRef)
	case btrfsprim.INODE_REF_KEY:
		itemPtr = new(InodeRef)
	case btrfsprim.DIR_ITEM_KEY, btrfsprim.DIR_INDEX_KEY, btrfsprim.XATTR_ITEM_KEY:
		itemPtr = new(DirEntry)
	case btrfsprim.ORPHAN_ITEM_KEY, btrfsprim.TREE_BLOCK_REF_KEY, btrfsprim.SHARED_BLOCK_REF_KEY,
		btrfsprim.FREE_SPACE_EXTENT_KEY, btrfsprim.QGROUP_RELATION_KEY:
		itemPtr = new(Empty)
	default:
		return Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem(%v, dat): unhandled item type", key),
		}
	}
	n, err := binstruct.Unmarshal(dat, itemPtr)
	if err != nil {
		return Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem(%v, dat): %w", key, err),
		}
	}
	if n < len(dat) {
		return Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem(%v, dat): left over data: got %v bytes but only consumed %v",
				key, len(dat), n),
		}
	}
	switch typed := itemPtr.(type) {
	case *Inode:
		return *typed
	case *Root:
		return *typed
	case *RootRef:
		return *typed
	case *InodeRef:
		return *typed
	case *DirEntry:
		return *typed
	case *Empty:
		return *typed
	default:
		return Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem(%v, dat): internal error: unhandled type %T", key, itemPtr),
		}
	}
}
