// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mountns gives the engine a private view of a filesystem's
// subvolumes: a bind mount of the top-level subvolume into a scratch
// directory inside a fresh mount namespace, so every subvolume on the
// filesystem is reachable under one path prefix regardless of which
// individual subvolumes the caller's original mount namespace happened to
// have mounted.
package mountns

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Private unshares a new mount namespace for the calling OS thread,
// marks the whole mount tree private (so later mount/unmount calls here
// never propagate back to the namespace this process started in), and
// bind-mounts topLevelSubvol at mountpoint. The caller must have already
// locked itself to the current OS thread (runtime.LockOSThread), since
// Linux mount namespaces are a per-thread property.
func Private(topLevelSubvol, mountpoint string) error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("mountns: unshare CLONE_NEWNS: %w", err)
	}
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("mountns: mark mount tree private: %w", err)
	}
	if err := os.MkdirAll(mountpoint, 0o700); err != nil {
		return fmt.Errorf("mountns: create mountpoint: %w", err)
	}
	if err := unix.Mount(topLevelSubvol, mountpoint, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("mountns: bind mount %s at %s: %w", topLevelSubvol, mountpoint, err)
	}
	return nil
}

// Release unmounts mountpoint. The surrounding mount namespace itself is
// torn down automatically when the last thread using it exits; this only
// undoes the bind mount this package created.
func Release(mountpoint string) error {
	if err := unix.Unmount(mountpoint, 0); err != nil {
		return fmt.Errorf("mountns: unmount %s: %w", mountpoint, err)
	}
	return nil
}
