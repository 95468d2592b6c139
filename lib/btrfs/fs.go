// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfs exposes a typed API over a writable btrfs volume: UUID and
// root-id lookup, the generation watermark, the tree-search iterator,
// root-tree resolution, inode path lookup, and the clone/defragment
// operations. It decodes tree-search payloads with the same
// bin:"off=...,siz=..." struct tags and UnmarshalBinary idiom used to parse
// an on-disk filesystem image, because the tree-search ioctl returns items
// in that exact serialization.
package btrfs

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/g2p/bedup-go/lib/btrfs/btrfsitem"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
	"github.com/g2p/bedup-go/lib/btrfsioctl"
)

// FS is a typed binding over one writable volume's open directory handle.
type FS struct {
	Dir     *os.File
	Backend btrfsioctl.Backend
}

// Open opens path as a volume's root directory, bound to the real syscall
// backend.
func Open(path string) (*FS, error) {
	dir, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "btrfs.Open")
	}
	return &FS{Dir: dir, Backend: btrfsioctl.Real{}}, nil
}

// Close releases the underlying directory handle.
func (fs *FS) Close() error {
	return fs.Dir.Close()
}

func (fs *FS) fd() uintptr { return fs.Dir.Fd() }

// UUID returns the filesystem's UUID.
func (fs *FS) UUID() (btrfsprim.UUID, error) {
	info, err := fs.Backend.GetFSInfo(fs.fd())
	if err != nil {
		return btrfsprim.UUID{}, errors.Wrap(err, "btrfs: get fs UUID")
	}
	return info.FSID, nil
}

// RootID returns the subvolume id containing Dir.
func (fs *FS) RootID() (btrfsprim.ObjID, error) {
	id, err := fs.Backend.GetRootID(fs.fd())
	if err != nil {
		return 0, errors.Wrap(err, "btrfs: get root id")
	}
	return btrfsprim.ObjID(id), nil
}

// RootGeneration returns the current generation of the subvolume
// containing Dir: it reads the whole root tree with ReadRootTree and
// returns the generation recorded in that subvolume's ROOT_ITEM.
func (fs *FS) RootGeneration() (btrfsprim.Generation, error) {
	rootID, err := fs.RootID()
	if err != nil {
		return 0, err
	}
	roots, err := fs.ReadRootTree()
	if err != nil {
		return 0, err
	}
	info, ok := roots[rootID]
	if !ok {
		return 0, fmt.Errorf("btrfs: root %v not found in root tree", rootID)
	}
	return info.Generation, nil
}

// Flush forces a commit of the filesystem, so a just-completed write is
// visible to a subsequent RootGeneration call.
func (fs *FS) Flush() error {
	return errors.Wrap(fs.Backend.Syncfs(fs.fd()), "btrfs: syncfs")
}

// TreeSearchVisitor is called once per item a TreeSearch call decodes.
// Returning a non-nil error stops the search early.
type TreeSearchVisitor func(key btrfsprim.Key, item btrfsitem.Item) error

// treeSearchBufSize is the buffer size TreeSearch always requests; it is
// well clear of btrfsioctl's rejected 1024-byte size, so callers never have
// to reason about that quirk.
const treeSearchBufSize = 64 * 1024

// TreeSearch walks tree treeID's items with ItemType in [minType, maxType]
// and transaction id >= minTransID, calling visit for each in on-disk
// order. It implements the saturating next-key advancement of the
// tree-search iterator: after a batch, (objectid, type, offset) of the last
// item is carried forward with offset incremented (and, on overflow, type
// then objectid bumped) via btrfsprim.Key.Pp — min_objectid is never pinned
// equal to max_objectid, since the kernel treats the range as a tuple
// iterator rather than an intersection.
func (fs *FS) TreeSearch(ctx context.Context, treeID btrfsprim.ObjID, minType, maxType btrfsprim.ItemType, minTransID btrfsprim.Generation, visit TreeSearchVisitor) error {
	cur := btrfsprim.Key{ObjectID: 0, ItemType: minType, Offset: 0}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		krange := &btrfsioctl.SearchKeyRange{
			TreeID:      uint64(treeID),
			MinObjectID: uint64(cur.ObjectID),
			MaxObjectID: btrfsprim.MaxKey.ObjectID,
			MinOffset:   uint64(cur.Offset),
			MaxOffset:   btrfsprim.MaxKey.Offset,
			MinTransID:  uint64(minTransID),
			MaxTransID:  ^uint64(0),
			MinType:     uint32(cur.ItemType),
			MaxType:     uint32(maxType),
			NrItems:     4096,
		}
		results, err := fs.Backend.TreeSearchV2(fs.fd(), krange, treeSearchBufSize)
		if err != nil {
			return errors.Wrap(err, "btrfs: tree search")
		}
		if len(results) == 0 {
			return nil
		}
		var last btrfsprim.Key
		for _, r := range results {
			key := btrfsprim.Key{
				ObjectID: btrfsprim.ObjID(r.Header.ObjectID),
				ItemType: btrfsprim.ItemType(r.Header.Type),
				Offset:   r.Header.Offset,
			}
			item := btrfsitem.UnmarshalItem(key, r.Data)
			if err := visit(key, item); err != nil {
				return err
			}
			last = key
		}
		if last == btrfsprim.MaxKey {
			return nil
		}
		cur = last.Pp()
		if cur == last {
			// Pp() is a no-op only at MaxKey, handled above; this guards
			// against an infinite loop if the kernel ever echoes MaxKey
			// back without us noticing.
			return nil
		}
	}
}

// LookupOnePath returns one path for ino (an arbitrary hardlink if more
// than one exists): the kernel's inode-lookup ioctl provides only a single
// backref, and multi-backref resolution is known-broken at the kernel
// level, so it is intentionally not attempted here.
func (fs *FS) LookupOnePath(treeID btrfsprim.ObjID, ino btrfsprim.ObjID) (string, error) {
	path, err := fs.Backend.InoLookup(fs.fd(), uint64(treeID), uint64(ino))
	if err != nil {
		return "", errors.Wrap(err, "btrfs: ino lookup")
	}
	return path, nil
}

// CloneResult is the outcome of a CloneData call.
type CloneResult int

const (
	Cloned CloneResult = iota
	AlreadyShared
)

// CloneData clones src's data into dest. If checkFirst, the extent maps are
// compared first (via the extent-map hasher) and AlreadyShared is returned
// without issuing the clone ioctl when they already match.
func (fs *FS) CloneData(destFd, srcFd uintptr, checkFirst bool, sameExtents func() (bool, error)) (CloneResult, error) {
	if checkFirst {
		same, err := sameExtents()
		if err != nil {
			return 0, err
		}
		if same {
			return AlreadyShared, nil
		}
	}
	if err := fs.Backend.CloneRange(destFd, srcFd, 0, 0, 0); err != nil {
		return 0, classifyCloneError(err)
	}
	return Cloned, nil
}

// Defragment runs the defragment ioctl over fd's entire range. This may
// unshare extents and disable compression; callers use it only when
// explicitly opted in, and only before cloning (never after).
func (fs *FS) Defragment(fd uintptr) error {
	return errors.Wrap(fs.Backend.DefragRange(fd), "btrfs: defragment")
}

// ErrNodataCowOrInvalid is returned by CloneData when the kernel rejects
// the pair with EINVAL, which this filesystem uses both for generic
// argument errors and, in practice, to reject clones targeting a
// nocow-flagged file.
var ErrNodataCowOrInvalid = errors.New("btrfs: clone rejected (NODATACOW target or invalid arguments)")

func classifyCloneError(err error) error {
	var ierr *btrfsioctl.Error
	if errors.As(err, &ierr) {
		if ierr.Err == unix.EINVAL {
			return ErrNodataCowOrInvalid
		}
	}
	return errors.Wrap(err, "btrfs: clone")
}
