// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package procscan scans /proc for other processes holding a reference to
// a given (device, inode) pair, the way the Immutability Guard checks for
// a pre-existing writer before it can safely freeze a file.
package procscan

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// UseInfo describes one other process's open reference to the inode under
// test.
type UseInfo struct {
	Pid         int
	FD          int
	IsReadable  bool
	IsWritable  bool
	ViaMapFiles bool
}

// DevIno identifies a file by the (device, inode) pair stat reports.
type DevIno struct {
	Dev uint64
	Ino uint64
}

// StatDevIno returns fd's (device, inode) pair.
func StatDevIno(fd uintptr) (DevIno, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return DevIno{}, err
	}
	return DevIno{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}

// Scan walks /proc/<pid>/fd and (where present) /proc/<pid>/map_files for
// every process on the system, returning one UseInfo per reference to
// target other than the excluded (pid, fd) pairs in self (the caller's
// own fds under test, which must not be reported as if some other process
// held them).
func Scan(target DevIno, self map[int]map[int]bool) ([]UseInfo, error) {
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var uses []UseInfo
	for _, procEntry := range procEntries {
		pid, err := strconv.Atoi(procEntry.Name())
		if err != nil {
			continue
		}
		uses = append(uses, scanPid(pid, "fd", false, target, self)...)
		uses = append(uses, scanPid(pid, "map_files", true, target, self)...)
	}
	return uses, nil
}

func scanPid(pid int, subdir string, viaMapFiles bool, target DevIno, self map[int]map[int]bool) []UseInfo {
	dirPath := filepath.Join("/proc", strconv.Itoa(pid), subdir)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		// Process exited mid-scan, or we lack permission to inspect it
		// (neither is this engine's own process): skip silently, since
		// the guard only needs a best-effort view of a cooperative OS.
		return nil
	}

	var uses []UseInfo
	for _, entry := range entries {
		linkPath := filepath.Join(dirPath, entry.Name())
		linkDest, err := os.Readlink(linkPath)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(linkDest, "/") {
			continue
		}

		var fd int
		if viaMapFiles {
			fd = -1
		} else {
			fd, err = strconv.Atoi(entry.Name())
			if err != nil {
				continue
			}
			if self[pid] != nil && self[pid][fd] {
				continue
			}
		}

		var st unix.Stat_t
		if err := unix.Stat(linkDest, &st); err != nil {
			continue
		}
		if uint64(st.Dev) != target.Dev || st.Ino != target.Ino {
			continue
		}

		var linkStat unix.Stat_t
		if err := unix.Lstat(linkPath, &linkStat); err != nil {
			continue
		}
		mode := linkStat.Mode
		uses = append(uses, UseInfo{
			Pid:         pid,
			FD:          fd,
			IsReadable:  mode&0o444 != 0,
			IsWritable:  mode&0o222 != 0,
			ViaMapFiles: viaMapFiles,
		})
	}
	return uses
}
