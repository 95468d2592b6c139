// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hashing implements the engine's three-tier file-comparison
// hierarchy: a cheap sample hash for coarse bucketing, an extent-map hash
// that rules out pairs already sharing storage, and a full cryptographic
// hash used as the final gate before a clone is issued.
package hashing

import (
	"encoding/binary"
	"hash/adler32"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/g2p/bedup-go/lib/btrfsioctl"
)

// SampleSize is the maximum number of bytes read by SampleHash.
const SampleSize = 4096

// SampleHash seeks to 30% of size and returns an Adler-32 checksum of up
// to SampleSize bytes read from there. It is a coarse, collision-prone
// classifier: fully zeroed or sparse files collide with each other, which
// is acceptable because downstream tiers re-verify before any clone.
func SampleHash(r io.ReaderAt, size int64) (uint32, error) {
	offset := (size * 3) / 10
	buf := make([]byte, SampleSize)
	n, err := r.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return 0, err
	}
	return adler32.Checksum(buf[:n]), nil
}

// ExtentMapHash enumerates fd's physical extent map via fiemap and
// returns a 64-bit hash of the (logical, physical, length, flags) tuples
// in order. Two files with identical content but different on-disk
// layouts (e.g. one already reflinked to a third file) intentionally hash
// differently, since deduplicating them would be a redundant clone.
func ExtentMapHash(backend btrfsioctl.Backend, fd uintptr) (uint64, error) {
	extents, err := backend.Fiemap(fd)
	if err != nil {
		return 0, err
	}
	h, err := blake2b.New(8, nil)
	if err != nil {
		return 0, err
	}
	var buf [28]byte
	for _, e := range extents {
		binary.LittleEndian.PutUint64(buf[0:8], e.Logical)
		binary.LittleEndian.PutUint64(buf[8:16], e.Physical)
		binary.LittleEndian.PutUint64(buf[16:24], e.Length)
		binary.LittleEndian.PutUint32(buf[24:28], e.Flags)
		if _, err := h.Write(buf[:]); err != nil {
			return 0, err
		}
	}
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum), nil
}

// FullHashSize is the digest length used for the full-file comparison
// tier: wide enough that an accidental collision between distinct file
// contents is not a practical concern.
const FullHashSize = 32

// FullHash returns a 256-bit BLAKE2b digest of r's entire contents. It is
// computed only under the Immutability Guard, so the bytes read are
// guaranteed stable for the duration of the call.
func FullHash(r io.Reader) ([FullHashSize]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return [FullHashSize]byte{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return [FullHashSize]byte{}, err
	}
	var out [FullHashSize]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
