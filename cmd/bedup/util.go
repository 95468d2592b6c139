// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/g2p/bedup-go/lib/dedup"
)

// exitCodeFor maps a propagated error to one of the process exit codes
// named for the CLI: 1 for conditions a user can act on directly
// (permission denied, a path that isn't on btrfs, dedup-files hitting
// files it can't reconcile); any other, unexpected error is an engine
// bug or an unhandled kernel condition and gets a distinct nonzero code
// rather than being folded into the same bucket.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, os.ErrPermission):
		return 1
	case errors.Is(err, unix.EACCES):
		return 1
	case errors.Is(err, unix.ENOTTY):
		return 1
	case errors.Is(err, dedup.ErrFilesDiffer):
		return 1
	default:
		return 2
	}
}
