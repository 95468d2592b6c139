// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cli

import (
	"path/filepath"
	"runtime"

	"github.com/g2p/bedup-go/lib/btrfs"
	"github.com/g2p/bedup-go/lib/mountns"
)

// PrivateMountVolumeSource resolves each volume path by bind-mounting it
// into a scratch directory inside a fresh, private mount namespace,
// instead of opening the path as given. This is for the case where a
// subvolume named on the command line isn't reachable under its own
// path in the caller's mount namespace (for example, it's known to
// `btrfs subvolume list` but was never separately mounted): the path
// passed to Open still has to be something the caller can reach, but
// everything downstream sees it bind-mounted under ScratchDir instead.
//
// Open locks its calling goroutine to its OS thread and never unshares
// back, since Linux mount namespaces are a per-thread property; a
// VolumeSource value should only ever be used to resolve volumes from a
// single dedicated goroutine.
type PrivateMountVolumeSource struct {
	ScratchDir string
}

// Open implements VolumeSource.
func (s PrivateMountVolumeSource) Open(path string) (*btrfs.FS, error) {
	runtime.LockOSThread()
	mountpoint := s.mountpointFor(path)
	if err := mountns.Private(path, mountpoint); err != nil {
		return nil, err
	}
	return btrfs.Open(mountpoint)
}

// Release implements volumeReleaser, undoing the bind mount Open made
// for path.
func (s PrivateMountVolumeSource) Release(path string) error {
	return mountns.Release(s.mountpointFor(path))
}

func (s PrivateMountVolumeSource) mountpointFor(path string) string {
	return filepath.Join(s.ScratchDir, filepath.Base(filepath.Clean(path)))
}
