// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ioprio sets the calling process's I/O scheduling class, so a
// long-running scan or dedup pass does not starve interactive I/O on the
// same block device. golang.org/x/sys/unix has no wrapper for
// ioprio_set(2) (it is rarely used outside storage tooling), so this
// issues the raw syscall directly, in the same raw-syscall idiom used
// elsewhere in this module for kernel interfaces the stdlib doesn't cover.
package ioprio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Class is an I/O scheduling class, as accepted by ioprio_set(2).
type Class int

const (
	ClassNone Class = iota
	ClassRealtime
	ClassBestEffort
	ClassIdle
)

const (
	whoProcess = 1

	classShift = 13
)

// SetSelfIdle sets the calling process to the "idle" I/O scheduling
// class: it only gets disk time when nothing else wants it. The calling
// collaborator is expected to do this once before invoking scan or
// dedup; the core assumes it has already happened.
func SetSelfIdle() error {
	return set(whoProcess, 0, ClassIdle, 0)
}

func set(who, which int, class Class, data int) error {
	ioprio := (int(class) << classShift) | data
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, uintptr(who), uintptr(which), uintptr(ioprio))
	if errno != 0 {
		return fmt.Errorf("ioprio: ioprio_set: %w", errno)
	}
	return nil
}
