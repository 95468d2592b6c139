// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsioctl

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/g2p/bedup-go/lib/binstruct"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsitem"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
	"github.com/g2p/bedup-go/lib/linux"
)

// copyFileRange stands in for the kernel's shared-extent clone when
// simulating it against a non-btrfs test filesystem: it makes the bytes
// identical, though (unlike a real reflink) it actually duplicates storage.
func copyFileRange(destFd, srcFd uintptr, srcOff, length, destOff uint64) error {
	if length == 0 {
		st, err := fstatSize(srcFd)
		if err != nil {
			return err
		}
		if uint64(st) <= srcOff {
			return nil
		}
		length = uint64(st) - srcOff
	}
	buf := make([]byte, 1<<20)
	var copied uint64
	for copied < length {
		n := uint64(len(buf))
		if remaining := length - copied; remaining < n {
			n = remaining
		}
		r, err := unix.Pread(int(srcFd), buf[:n], int64(srcOff+copied))
		if err != nil {
			return err
		}
		if r == 0 {
			break
		}
		if _, err := unix.Pwrite(int(destFd), buf[:r], int64(destOff+copied)); err != nil {
			return err
		}
		copied += uint64(r)
	}
	return nil
}

func fstatSize(fd uintptr) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return 0, err
	}
	return st.Size, nil
}

// FakeInode is one row of a Fake's simulated inode tree.
type FakeInode struct {
	ObjectID   btrfsprim.ObjID
	Generation btrfsprim.Generation
	Size       int64
	Mode       linux.StatMode
}

// FakeRoot is one row of a Fake's simulated root tree: a subvolume's
// ROOT_ITEM plus the ROOT_BACKREF naming its parent, mirroring the two
// item types ReadRootTree's two-pass walk consumes.
type FakeRoot struct {
	ID           btrfsprim.ObjID
	Generation   btrfsprim.Generation
	ParentRootID btrfsprim.ObjID
	ParentDirID  btrfsprim.ObjID
	Name         string
}

// Fake is an in-memory Backend, letting lib/scan and lib/dedup tests drive
// the tiered pipeline and windowed query without a real btrfs volume. It
// simulates the tree-search inode listing faithfully (encoding real
// btrfsitem.Inode payloads with binstruct, exactly as the kernel's
// tree-search ioctl would return them) and simulates clone/fiemap/flags
// against fds the test itself opened on a real (non-btrfs) temp file.
type Fake struct {
	mu sync.Mutex

	UUID    btrfsprim.UUID
	RootGen uint64
	RootID  uint64

	Inodes []FakeInode
	Roots  []FakeRoot

	flags   map[uintptr]uint32
	extents map[uintptr][]FiemapExtent
	paths   map[btrfsprim.ObjID]string
}

var _ Backend = (*Fake)(nil)

// NewFake returns an empty Fake backend.
func NewFake() *Fake {
	return &Fake{
		flags:   make(map[uintptr]uint32),
		extents: make(map[uintptr][]FiemapExtent),
		paths:   make(map[btrfsprim.ObjID]string),
	}
}

// AddInode registers one simulated INODE_ITEM row.
func (f *Fake) AddInode(objectID btrfsprim.ObjID, generation btrfsprim.Generation, size int64, mode linux.StatMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Inodes = append(f.Inodes, FakeInode{ObjectID: objectID, Generation: generation, Size: size, Mode: mode})
}

// SetPath records the path InoLookup should report for objectID, regardless
// of which fd or tree id the lookup is issued against: a Fake models a
// single simulated subvolume's namespace.
func (f *Fake) SetPath(_ uintptr, objectID btrfsprim.ObjID, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[objectID] = path
}

// SetExtents seeds fd's simulated fiemap output.
func (f *Fake) SetExtents(fd uintptr, extents []FiemapExtent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extents[fd] = extents
}

// AddRoot registers one simulated subvolume entry in the root tree.
func (f *Fake) AddRoot(root FakeRoot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Roots = append(f.Roots, root)
}

func (f *Fake) TreeSearchV2(_ uintptr, krange *SearchKeyRange, _ int) ([]SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if krange.TreeID == uint64(btrfsprim.ROOT_TREE_OBJECTID) {
		return f.searchRootTree(krange)
	}

	minKey := btrfsprim.Key{
		ObjectID: btrfsprim.ObjID(krange.MinObjectID),
		ItemType: btrfsprim.ItemType(krange.MinType),
		Offset:   krange.MinOffset,
	}
	var results []SearchResult
	for _, inode := range f.Inodes {
		if uint64(inode.ObjectID) < krange.MinObjectID || uint64(inode.ObjectID) > krange.MaxObjectID {
			continue
		}
		if uint64(btrfsprim.INODE_ITEM_KEY) < uint64(krange.MinType) || uint64(btrfsprim.INODE_ITEM_KEY) > uint64(krange.MaxType) {
			continue
		}
		if uint64(inode.Generation) < krange.MinTransID || uint64(inode.Generation) > krange.MaxTransID {
			continue
		}
		if (btrfsprim.Key{ObjectID: inode.ObjectID, ItemType: btrfsprim.INODE_ITEM_KEY}).Compare(minKey) < 0 {
			continue
		}

		item := btrfsitem.Inode{
			Generation: inode.Generation,
			Size:       inode.Size,
			NumBytes:   inode.Size,
			NLink:      1,
			Mode:       inode.Mode,
		}
		dat, err := binstruct.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("btrfsioctl.Fake: encoding inode %v: %w", inode.ObjectID, err)
		}
		results = append(results, SearchResult{
			Header: SearchHeader{
				TransID:  uint64(inode.Generation),
				ObjectID: uint64(inode.ObjectID),
				Offset:   0,
				Type:     uint32(btrfsprim.INODE_ITEM_KEY),
				Len:      uint32(len(dat)),
			},
			Data: dat,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Header.ObjectID < results[j].Header.ObjectID })
	if len(results) > int(krange.NrItems) {
		results = results[:krange.NrItems]
	}
	krange.NrItems = uint32(len(results))
	return results, nil
}

// searchRootTree encodes each registered FakeRoot as a ROOT_ITEM plus (for
// a root with a parent) its ROOT_BACKREF, and returns those at or after
// the range's (min_objectid, min_type, min_offset) key, in on-disk key
// order, at most NrItems of them.
func (f *Fake) searchRootTree(krange *SearchKeyRange) ([]SearchResult, error) {
	var results []SearchResult
	for _, root := range f.Roots {
		rootItem := btrfsitem.Root{
			Generation: root.Generation,
		}
		dat, err := binstruct.Marshal(rootItem)
		if err != nil {
			return nil, fmt.Errorf("btrfsioctl.Fake: encoding root %v: %w", root.ID, err)
		}
		results = append(results, SearchResult{
			Header: SearchHeader{
				TransID:  uint64(root.Generation),
				ObjectID: uint64(root.ID),
				Offset:   0,
				Type:     uint32(btrfsprim.ROOT_ITEM_KEY),
				Len:      uint32(len(dat)),
			},
			Data: dat,
		})

		if root.ParentRootID == 0 {
			continue
		}
		backref := btrfsitem.RootRef{
			DirID: root.ParentDirID,
			Name:  []byte(root.Name),
		}
		dat, err = binstruct.Marshal(backref)
		if err != nil {
			return nil, fmt.Errorf("btrfsioctl.Fake: encoding root backref %v: %w", root.ID, err)
		}
		results = append(results, SearchResult{
			Header: SearchHeader{
				TransID:  uint64(root.Generation),
				ObjectID: uint64(root.ParentRootID),
				Offset:   uint64(root.ID),
				Type:     uint32(btrfsprim.ROOT_BACKREF_KEY),
				Len:      uint32(len(dat)),
			},
			Data: dat,
		})
	}
	key := func(h SearchHeader) btrfsprim.Key {
		return btrfsprim.Key{ObjectID: btrfsprim.ObjID(h.ObjectID), ItemType: btrfsprim.ItemType(h.Type), Offset: h.Offset}
	}
	sort.SliceStable(results, func(i, j int) bool { return key(results[i].Header).Compare(key(results[j].Header)) < 0 })
	minKey := key(SearchHeader{ObjectID: krange.MinObjectID, Type: krange.MinType, Offset: krange.MinOffset})
	kept := results[:0]
	for _, r := range results {
		if key(r.Header).Compare(minKey) >= 0 && len(kept) < int(krange.NrItems) {
			kept = append(kept, r)
		}
	}
	krange.NrItems = uint32(len(kept))
	return kept, nil
}

// CloneRange simulates the clone ioctl over two fds the test itself opened,
// by copying bytes with pread/pwrite and then making their simulated
// fiemap output identical, matching the observable postcondition real
// reflink cloning guarantees (destination's extent map equals source's).
func (f *Fake) CloneRange(destFd uintptr, srcFd uintptr, srcOff, length, destOff uint64) error {
	if err := copyFileRange(destFd, srcFd, srcOff, length, destOff); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extents[destFd] = f.extents[srcFd]
	return nil
}

func (f *Fake) DefragRange(uintptr) error { return nil }

func (f *Fake) InoLookup(_ uintptr, _ uint64, objectID uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.paths[btrfsprim.ObjID(objectID)]; ok {
		return p, nil
	}
	return "", &Error{Op: "INO_LOOKUP", Err: unix.ENOENT}
}

func (f *Fake) GetFSInfo(uintptr) (FSInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FSInfo{FSID: f.UUID}, nil
}

func (f *Fake) Syncfs(uintptr) error { return nil }

func (f *Fake) GetRootID(uintptr) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RootID, nil
}

func (f *Fake) Fiemap(fd uintptr) ([]FiemapExtent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.extents[fd]; ok {
		return e, nil
	}
	// A file with no explicitly-seeded extent layout is modeled as one
	// extent unique to that fd, so two never-cloned files never collide.
	return []FiemapExtent{{Logical: 0, Physical: uint64(fd) * 4096, Length: 4096}}, nil
}

func (f *Fake) GetFlags(fd uintptr) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[fd], nil
}

func (f *Fake) SetFlags(fd uintptr, flags uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[fd] = flags
	return nil
}
