// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsioctl wraps the btrfs kernel control interfaces this engine
// uses: tree-search, clone, defrag, fs-info, inode-path lookup, fiemap, the FS_IOC_{GET,SET}FLAGS inode-flag pair, and syncfs(2).
//
// Every call here is a raw unix.Syscall(unix.SYS_IOCTL, ...) over a
// fixed-layout struct passed by unsafe.Pointer, in the same idiom used to
// set a received-subvolume UUID in other btrfs storage-driver code: there is
// no higher-level Go binding for these ioctls, so the struct layouts are
// taken directly from the kernel's UAPI headers.
package btrfsioctl

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const ioctlMagic = 0x94

const (
	iocNRBITS   = 8
	iocTYPEBITS = 8
	iocSIZEBITS = 14
	iocDIRBITS  = 2

	iocNRSHIFT   = 0
	iocTYPESHIFT = iocNRSHIFT + iocNRBITS
	iocSIZESHIFT = iocTYPESHIFT + iocTYPEBITS
	iocDIRSHIFT  = iocSIZESHIFT + iocSIZEBITS

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDIRSHIFT) | (typ << iocTYPESHIFT) | (nr << iocNRSHIFT) | (size << iocSIZESHIFT)
}

func iow(typ, nr, size uintptr) uintptr  { return ioc(iocWrite, typ, nr, size) }
func ior(typ, nr, size uintptr) uintptr  { return ioc(iocRead, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocWrite|iocRead, typ, nr, size) }
func io0(typ, nr uintptr) uintptr        { return ioc(iocNone, typ, nr, 0) }

// Backend is the set of btrfs/fs control operations lib/btrfs drives an FS
// binding with. Real is the syscall-backed implementation; Fake (in
// fake.go) is an in-memory stand-in used by lib/scan and lib/dedup tests.
type Backend interface {
	TreeSearchV2(fd uintptr, krange *SearchKeyRange, bufSize int) ([]SearchResult, error)
	CloneRange(destFd uintptr, srcFd uintptr, srcOff, length, destOff uint64) error
	DefragRange(fd uintptr) error
	InoLookup(fd uintptr, treeID, objectID uint64) (string, error)
	GetFSInfo(fd uintptr) (FSInfo, error)
	Syncfs(fd uintptr) error
	GetRootID(fd uintptr) (uint64, error)
	Fiemap(fd uintptr) ([]FiemapExtent, error)
	GetFlags(fd uintptr) (uint32, error)
	SetFlags(fd uintptr, flags uint32) error
}

// Real is the Backend implementation that issues actual ioctl(2) syscalls.
type Real struct{}

var _ Backend = Real{}

func (Real) TreeSearchV2(fd uintptr, krange *SearchKeyRange, bufSize int) ([]SearchResult, error) {
	return TreeSearchV2(fd, krange, bufSize)
}
func (Real) CloneRange(destFd, srcFd uintptr, srcOff, length, destOff uint64) error {
	return CloneRange(destFd, srcFd, srcOff, length, destOff)
}
func (Real) DefragRange(fd uintptr) error { return DefragRange(fd) }
func (Real) InoLookup(fd uintptr, treeID, objectID uint64) (string, error) {
	return InoLookup(fd, treeID, objectID)
}
func (Real) GetFSInfo(fd uintptr) (FSInfo, error)       { return GetFSInfo(fd) }
func (Real) Syncfs(fd uintptr) error                    { return Syncfs(fd) }
func (Real) GetRootID(fd uintptr) (uint64, error)       { return GetRootID(fd) }
func (Real) Fiemap(fd uintptr) ([]FiemapExtent, error)  { return Fiemap(fd) }
func (Real) GetFlags(fd uintptr) (uint32, error)        { return GetFlags(fd) }
func (Real) SetFlags(fd uintptr, flags uint32) error    { return SetFlags(fd, flags) }

// Error wraps a failing ioctl with the operation name, so callers can match
// on the underlying unix.Errno without losing context.
type Error struct {
	Op  string
	Err unix.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("btrfsioctl: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer, op string) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return &Error{Op: op, Err: errno}
	}
	return nil
}

// Key mirrors the fields of struct btrfs_disk_key: a 64-bit object ID, an
// 8-bit item type, and a 64-bit offset. As a Go struct it is not packed
// (Type is followed by alignment padding), so its memory layout is not the
// kernel's 17-byte one.
type Key struct {
	ObjectID uint64
	Type     uint8
	Offset   uint64
}

// SearchKeyRange is the mutable iteration state passed to TreeSearchV2,
// mirroring struct btrfs_ioctl_search_key.
type SearchKeyRange struct {
	TreeID     uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset  uint64
	MaxOffset  uint64
	MinTransID uint64
	MaxTransID uint64
	MinType    uint32
	MaxType    uint32
	// NrItems is both an input (max items to return) and an output
	// (items actually returned).
	NrItems uint32
}

// SearchHeader precedes each item's payload in the buffer returned by
// TreeSearchV2, mirroring struct btrfs_ioctl_search_header.
type SearchHeader struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Len      uint32
}

const searchHeaderSize = 8 + 8 + 8 + 4 + 4

// SearchResult is one decoded (header, payload) pair from a tree-search
// batch.
type SearchResult struct {
	Header SearchHeader
	Data   []byte
}

// minSafeBufSize is the size TreeSearchV2 raises any smaller buffer to. A
// buffer of exactly 1024 bytes triggers EOVERFLOW/Busy on kernels affected
// by a known tree-search quirk, so TreeSearchV2 rejects that one size with
// ErrUnsafeBufferSize instead of raising it.
const minSafeBufSize = 1025

// ErrUnsafeBufferSize is returned by TreeSearchV2 when bufSize is the
// rejected 1024-byte size.
var ErrUnsafeBufferSize = fmt.Errorf("btrfsioctl: tree-search buffer of exactly 1024 bytes triggers a kernel quirk; use a different size")

// TreeSearchV2 performs one batch of the generic tree-search ioctl,
// returning the decoded (header, payload) pairs, one per item the kernel
// reported (which may be fewer than krange.NrItems requested).
//
// krange is both read and updated in place: on return, callers advance
// their own min_objectid/min_type/min_offset from the last result (see
// btrfsprim.Key.Pp for the saturating-increment rule) rather than relying on
// any state TreeSearchV2 itself retains.
func TreeSearchV2(fd uintptr, krange *SearchKeyRange, bufSize int) ([]SearchResult, error) {
	if bufSize == 1024 {
		return nil, ErrUnsafeBufferSize
	}
	if bufSize < minSafeBufSize {
		bufSize = minSafeBufSize
	}

	type argsHeader struct {
		key    SearchKeyRange
		bufLen uint64
	}
	buf := make([]byte, int(unsafe.Sizeof(argsHeader{}))+bufSize)
	hdr := (*argsHeader)(unsafe.Pointer(&buf[0]))
	hdr.key = *krange
	hdr.bufLen = uint64(bufSize)

	const nr = 17
	req := iowr(ioctlMagic, nr, unsafe.Sizeof(argsHeader{})+uintptr(bufSize))
	if err := ioctl(fd, req, unsafe.Pointer(&buf[0]), "TREE_SEARCH_V2"); err != nil {
		return nil, err
	}

	*krange = hdr.key
	n := int(krange.NrItems)
	data := buf[unsafe.Sizeof(argsHeader{}):]

	results := make([]SearchResult, 0, n)
	off := 0
	for i := 0; i < n; i++ {
		if off+searchHeaderSize > len(data) {
			return results, fmt.Errorf("btrfsioctl: tree-search result %d/%d truncated", i, n)
		}
		var sh SearchHeader
		sh.TransID = leUint64(data[off:])
		sh.ObjectID = leUint64(data[off+8:])
		sh.Offset = leUint64(data[off+16:])
		sh.Type = leUint32(data[off+24:])
		sh.Len = leUint32(data[off+28:])
		off += searchHeaderSize
		if off+int(sh.Len) > len(data) {
			return results, fmt.Errorf("btrfsioctl: tree-search item %d/%d payload truncated", i, n)
		}
		payload := make([]byte, sh.Len)
		copy(payload, data[off:off+int(sh.Len)])
		off += int(sh.Len)
		results = append(results, SearchResult{Header: sh, Data: payload})
	}
	return results, nil
}

func leUint64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func leUint32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// CloneRange invokes the clone ioctl, making destFd's range point at the
// same extents as srcFd's. A length of 0 clones from srcOff to the end of
// the source file.
func CloneRange(destFd uintptr, srcFd uintptr, srcOff, length, destOff uint64) error {
	type cloneRangeArgs struct {
		srcFd      int64
		srcOffset  uint64
		srcLength  uint64
		destOffset uint64
	}
	args := cloneRangeArgs{
		srcFd:      int64(srcFd),
		srcOffset:  srcOff,
		srcLength:  length,
		destOffset: destOff,
	}
	const nr = 13
	req := iow(ioctlMagic, nr, unsafe.Sizeof(args))
	return ioctl(destFd, req, unsafe.Pointer(&args), "CLONE_RANGE")
}

// DefragRange invokes the extent-defragment ioctl over the whole file.
func DefragRange(fd uintptr) error {
	type defragRangeArgs struct {
		start      uint64
		length     uint64
		flags      uint64
		extentThresh uint32
		compressType uint32
		_          [4]uint32 // reserved
	}
	args := defragRangeArgs{
		length: ^uint64(0),
	}
	const nr = 16
	req := iow(ioctlMagic, nr, unsafe.Sizeof(args))
	return ioctl(fd, req, unsafe.Pointer(&args), "DEFRAG_RANGE")
}

// InoLookup resolves objectID's path relative to the subvolume rooted at
// treeID, mirroring struct btrfs_ioctl_ino_lookup_args. The kernel provides
// a single path per inode (one hardlink); multi-path lookup is
// known-broken at the kernel level and intentionally not exposed here.
func InoLookup(fd uintptr, treeID, objectID uint64) (string, error) {
	type inoLookupArgs struct {
		treeID   uint64
		objectID uint64
		name     [4080]byte
	}
	args := inoLookupArgs{treeID: treeID, objectID: objectID}
	const nr = 18
	req := iowr(ioctlMagic, nr, unsafe.Sizeof(args))
	if err := ioctl(fd, req, unsafe.Pointer(&args), "INO_LOOKUP"); err != nil {
		return "", err
	}
	n := 0
	for n < len(args.name) && args.name[n] != 0 {
		n++
	}
	return string(args.name[:n]), nil
}

// FSInfo mirrors the fields of struct btrfs_ioctl_fs_info_args this engine
// uses.
type FSInfo struct {
	MaxID     uint64
	NumDevices uint64
	FSID      [16]byte
}

// GetFSInfo returns the filesystem's UUID and device count.
func GetFSInfo(fd uintptr) (FSInfo, error) {
	type fsInfoArgs struct {
		maxID      uint64
		numDevices uint64
		fsid       [16]byte
		_          [32]uint64 // reserved
	}
	var args fsInfoArgs
	const nr = 31
	req := ior(ioctlMagic, nr, unsafe.Sizeof(args))
	if err := ioctl(fd, req, unsafe.Pointer(&args), "FS_INFO"); err != nil {
		return FSInfo{}, err
	}
	return FSInfo{MaxID: args.maxID, NumDevices: args.numDevices, FSID: args.fsid}, nil
}

// Syncfs forces a commit of the filesystem containing fd, so a
// just-completed write is guaranteed visible to a subsequent
// get_root_generation read.
func Syncfs(fd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_SYNCFS, fd, 0, 0)
	if errno != 0 {
		return &Error{Op: "SYNCFS", Err: errno}
	}
	return nil
}

// GetRootID returns the subvolume (root) id containing fd, via
// BTRFS_IOC_INO_LOOKUP on objectID 0 (FIRST_FREE_OBJECTID's sibling
// sentinel meaning "the subvolume itself").
func GetRootID(fd uintptr) (uint64, error) {
	type inoLookupArgs struct {
		treeID   uint64
		objectID uint64
		name     [4080]byte
	}
	args := inoLookupArgs{objectID: 0}
	const nr = 18
	req := iowr(ioctlMagic, nr, unsafe.Sizeof(args))
	if err := ioctl(fd, req, unsafe.Pointer(&args), "INO_LOOKUP(root)"); err != nil {
		return 0, err
	}
	return args.treeID, nil
}

// Inode flags, the subset FS_IOC_{GET,SET}FLAGS exposes that this engine
// cares about.
const (
	FS_IMMUTABLE_FL uint32 = 0x00000010
)

// GetFlags reads the FS_IOC_GETFLAGS inode attribute word (chattr flags).
func GetFlags(fd uintptr) (uint32, error) {
	var flags int32
	const magic = 'f'
	const nr = 1
	req := ior(magic, nr, unsafe.Sizeof(flags))
	if err := ioctl(fd, req, unsafe.Pointer(&flags), "FS_IOC_GETFLAGS"); err != nil {
		return 0, err
	}
	return uint32(flags), nil
}

// SetFlags writes the FS_IOC_SETFLAGS inode attribute word.
func SetFlags(fd uintptr, flags uint32) error {
	f := int32(flags)
	const magic = 'f'
	const nr = 2
	req := iow(magic, nr, unsafe.Sizeof(f))
	return ioctl(fd, req, unsafe.Pointer(&f), "FS_IOC_SETFLAGS")
}

// FiemapExtent mirrors one entry of struct fiemap_extent.
type FiemapExtent struct {
	Logical   uint64
	Physical  uint64
	Length    uint64
	Flags     uint32
}

const fiemapExtentMax = 4096

// Fiemap enumerates fd's physical extent map via FS_IOC_FIEMAP.
func Fiemap(fd uintptr) ([]FiemapExtent, error) {
	type fiemapHdr struct {
		start        uint64
		length       uint64
		flags        uint32
		mappedExtents uint32
		extentCount  uint32
		reserved     uint32
	}
	type rawExtent struct {
		logical   uint64
		physical  uint64
		length    uint64
		reserved1 uint64
		reserved2 uint64
		flags     uint32
		reserved3 [3]uint32
	}

	buf := make([]byte, int(unsafe.Sizeof(fiemapHdr{}))+fiemapExtentMax*int(unsafe.Sizeof(rawExtent{})))
	hdr := (*fiemapHdr)(unsafe.Pointer(&buf[0]))
	hdr.length = ^uint64(0)
	hdr.extentCount = fiemapExtentMax

	const magic = 'f'
	const nr = 11
	req := iowr(magic, nr, unsafe.Sizeof(fiemapHdr{}))
	if err := ioctl(fd, req, unsafe.Pointer(&buf[0]), "FS_IOC_FIEMAP"); err != nil {
		return nil, err
	}

	n := int(hdr.mappedExtents)
	extents := make([]FiemapExtent, n)
	base := unsafe.Sizeof(fiemapHdr{})
	for i := 0; i < n; i++ {
		re := (*rawExtent)(unsafe.Pointer(&buf[base+uintptr(i)*unsafe.Sizeof(rawExtent{})]))
		extents[i] = FiemapExtent{
			Logical:  re.logical,
			Physical: re.physical,
			Length:   re.length,
			Flags:    re.flags,
		}
	}
	return extents, nil
}
