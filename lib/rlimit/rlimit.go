// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rlimit encapsulates the engine's one piece of genuinely global
// mutable state: the process's open-file soft limit. The dedup engine
// opens every inode in a group read-write at once, so it must be able to
// check headroom before opening a group and raise the limit on demand.
package rlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NoFile returns the process's current RLIMIT_NOFILE (soft, hard).
func NoFile() (soft, hard uint64, err error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, 0, fmt.Errorf("rlimit: getrlimit RLIMIT_NOFILE: %w", err)
	}
	return rlimit.Cur, rlimit.Max, nil
}

// HasHeadroom reports whether need additional file descriptors fit under
// the current soft limit.
func HasHeadroom(need uint64) (bool, error) {
	soft, _, err := NoFile()
	if err != nil {
		return false, err
	}
	return need <= soft, nil
}

// RaiseToHard sets the soft limit to the hard limit, returning the new
// soft value. Called only when a group's fd need exceeds the current
// soft limit; never called from library code outside this explicit
// setup path.
func RaiseToHard() (uint64, error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, fmt.Errorf("rlimit: getrlimit RLIMIT_NOFILE: %w", err)
	}
	rlimit.Cur = rlimit.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, fmt.Errorf("rlimit: setrlimit RLIMIT_NOFILE to %d: %w", rlimit.Max, err)
	}
	return rlimit.Cur, nil
}
