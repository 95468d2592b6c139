// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package guard implements the Immutability Guard: a scoped acquisition
// over a set of file descriptors that marks them temporarily non-writable
// (by setting the inode IMMUTABLE flag) and detects any pre-existing
// writer among other processes, so the clone ioctl can run over both
// files without either changing underneath it.
package guard

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/g2p/bedup-go/lib/btrfsioctl"
	"github.com/g2p/bedup-go/lib/procscan"
)

const immutableFlag = btrfsioctl.FS_IMMUTABLE_FL

type fdState struct {
	fd           uintptr
	wasImmutable bool
	atime, mtime unix.Timespec
}

// Guard is an acquired Immutability Guard over a set of fds. The zero
// value is not usable; construct with Acquire.
type Guard struct {
	backend btrfsioctl.Backend
	states  []*fdState

	mu        sync.Mutex
	released  bool
	writeUses map[uintptr][]procscan.UseInfo
}

// Acquire freezes every fd in fds: it reads and records each fd's current
// inode flags and (atime, mtime), sets IMMUTABLE, and then scans /proc for
// other processes already holding a reference open for writing. fds is the
// complete set of the caller's own fds under test, passed back in so the
// /proc scan can exclude them from the reported write-use set.
//
// Always pair a successful Acquire with a deferred Release: every exit
// path, including a panic unwind through the defer, must restore flags
// and times.
func Acquire(backend btrfsioctl.Backend, fds []uintptr) (*Guard, error) {
	g := &Guard{
		backend:   backend,
		writeUses: make(map[uintptr][]procscan.UseInfo),
	}

	self := make(map[int]map[int]bool, len(fds))
	pid := os.Getpid()
	self[pid] = make(map[int]bool, len(fds))
	for _, fd := range fds {
		self[pid][int(fd)] = true
	}

	for _, fd := range fds {
		st, err := acquireOne(backend, fd)
		if err != nil {
			// Unwind everything acquired so far before surfacing the error:
			// a partial freeze must never be left in place.
			g.release()
			return nil, err
		}
		g.states = append(g.states, st)
	}

	for _, st := range g.states {
		devIno, err := procscan.StatDevIno(st.fd)
		if err != nil {
			g.release()
			return nil, fmt.Errorf("guard: stat fd %d: %w", st.fd, err)
		}
		uses, err := procscan.Scan(devIno, self)
		if err != nil {
			g.release()
			return nil, fmt.Errorf("guard: scan /proc: %w", err)
		}
		g.writeUses[st.fd] = uses
	}

	return g, nil
}

func acquireOne(backend btrfsioctl.Backend, fd uintptr) (*fdState, error) {
	flags, err := backend.GetFlags(fd)
	if err != nil {
		return nil, fmt.Errorf("guard: get flags on fd %d: %w", fd, err)
	}
	wasImmutable := flags&immutableFlag != 0
	if !wasImmutable {
		if err := backend.SetFlags(fd, flags|immutableFlag); err != nil {
			return nil, fmt.Errorf("guard: set immutable on fd %d: %w", fd, err)
		}
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return nil, fmt.Errorf("guard: fstat fd %d: %w", fd, err)
	}

	return &fdState{
		fd:           fd,
		wasImmutable: wasImmutable,
		atime:        statAtime(st),
		mtime:        statMtime(st),
	}, nil
}

// FDsInWriteUse returns every fd in the guarded set that some other
// process already holds open for writing.
func (g *Guard) FDsInWriteUse() []uintptr {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []uintptr
	for fd, uses := range g.writeUses {
		for _, u := range uses {
			if u.IsWritable {
				out = append(out, fd)
				break
			}
		}
	}
	return out
}

// WriteUseInfo returns the recorded other-process uses of fd.
func (g *Guard) WriteUseInfo(fd uintptr) []procscan.UseInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeUses[fd]
}

// Release restores, in reverse acquisition order, the IMMUTABLE flag (only
// on fds that did not already have it) and the (atime, mtime) recorded at
// Acquire. It is safe to call more than once; only the first call has any
// effect.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.release()
}

func (g *Guard) release() error {
	if g.released {
		return nil
	}
	g.released = true

	var firstErr error
	for i := len(g.states) - 1; i >= 0; i-- {
		st := g.states[i]
		if !st.wasImmutable {
			flags, err := g.backend.GetFlags(st.fd)
			if err == nil {
				err = g.backend.SetFlags(st.fd, flags&^immutableFlag)
			}
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("guard: restore flags on fd %d: %w", st.fd, err)
			}
		}
		if err := restoreTimes(st.fd, st.atime, st.mtime); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("guard: restore times on fd %d: %w", st.fd, err)
		}
	}
	return firstErr
}

func restoreTimes(fd uintptr, atime, mtime unix.Timespec) error {
	procPath := fmt.Sprintf("/proc/self/fd/%d", fd)
	times := []unix.Timespec{atime, mtime}
	return unix.UtimesNanoAt(unix.AT_FDCWD, procPath, times, 0)
}

func statAtime(st unix.Stat_t) unix.Timespec { return st.Atim }
func statMtime(st unix.Stat_t) unix.Timespec { return st.Mtim }
