// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"context"
	"database/sql"
)

// windowSize bounds how many distinct sizes a single fetch pulls from the
// store, so a filesystem with many dirty inodes is processed in bounded
// batches rather than one giant result set.
const windowSize = 200

// SizeGroup is one yielded group from WindowedInodes: every Inode row
// sharing the same size, with at least one of them dirty.
type SizeGroup struct {
	Size       int64
	InodeCount int
	Inodes     []InodeRef
}

// SkipReporter lets the consumer mark an inode "skipped" during a window,
// so WindowedInodes re-sets its dirty flag instead of clearing it at the
// window boundary.
type SkipReporter struct {
	skipped map[int64]map[uint64]bool
}

// NewSkipReporter returns an empty SkipReporter.
func NewSkipReporter() *SkipReporter {
	return &SkipReporter{skipped: make(map[int64]map[uint64]bool)}
}

// Skip records that (volID, ino) should remain dirty after this window.
func (r *SkipReporter) Skip(volID int64, ino uint64) {
	if r.skipped[volID] == nil {
		r.skipped[volID] = make(map[uint64]bool)
	}
	r.skipped[volID][ino] = true
}

func (r *SkipReporter) isSkipped(volID int64, ino uint64) bool {
	return r.skipped[volID] != nil && r.skipped[volID][ino]
}

// WindowedInodes walks fsID's inodes in descending size order, calling
// visit once per SizeGroup with inode_count >= 2 and at least one dirty
// member. Per the iterator protocol: each window clears dirty_flag over
// the full size range it covered (not only the sizes that formed a
// group, since singletons in that range are cleared too), then re-sets it
// for anything skip reported during that window's visit call. Once no
// grouped size remains at or below the current window, a final pass
// clears dirty_flag over the rest of the range down to 0, so every
// dirty singleton below the smallest duplicated size is cleared too.
//
// onWindowClosed, if non-nil, is called after each window's closeWindow
// commits (including the final sweep), so a caller can prompt its
// checkpointer to drain the WAL between windows instead of only once at
// the end of the run. It is called synchronously, after the commit, and
// must not block.
func (s *Store) WindowedInodes(ctx context.Context, fsID int64, skip *SkipReporter, onWindowClosed func(), visit func(SizeGroup) error) error {
	var upperBound sql.NullInt64
	if err := s.Worker.QueryRowContext(ctx,
		`SELECT MAX(i.size) FROM Inode i JOIN Volume v ON v.id = i.vol_id WHERE v.fs_id = ?`, fsID,
	).Scan(&upperBound); err != nil {
		return err
	}
	if !upperBound.Valid {
		return nil
	}

	windowStart := upperBound.Int64
	for {
		sizes, err := s.fetchWindowSizes(ctx, fsID, windowStart)
		if err != nil {
			return err
		}
		if len(sizes) == 0 {
			// No more grouped sizes remain, but dirty singletons at or
			// below windowStart were never visited and so never passed
			// through closeWindow; sweep the rest of the range here so
			// every inode's dirty_flag is cleared exactly once.
			err := s.closeWindow(ctx, fsID, 0, windowStart, skip)
			if err == nil && onWindowClosed != nil {
				onWindowClosed()
			}
			return err
		}

		windowEnd := sizes[len(sizes)-1]

		for _, size := range sizes {
			group, err := s.loadSizeGroup(ctx, fsID, size)
			if err != nil {
				return err
			}
			if err := visit(group); err != nil {
				return err
			}
		}

		if err := s.closeWindow(ctx, fsID, windowEnd, windowStart, skip); err != nil {
			return err
		}
		if onWindowClosed != nil {
			onWindowClosed()
		}

		if windowEnd == 0 {
			break
		}
		windowStart = windowEnd - 1
	}
	return nil
}

// fetchWindowSizes returns up to windowSize distinct sizes <= windowStart
// with more than one inode and at least one dirty member, descending.
func (s *Store) fetchWindowSizes(ctx context.Context, fsID int64, windowStart int64) ([]int64, error) {
	rows, err := s.Worker.QueryContext(ctx,
		`SELECT i.size
		 FROM Inode i JOIN Volume v ON v.id = i.vol_id
		 WHERE v.fs_id = ? AND i.size <= ?
		 GROUP BY i.size
		 HAVING COUNT(*) > 1 AND SUM(i.dirty_flag) > 0
		 ORDER BY i.size DESC
		 LIMIT ?`, fsID, windowStart, windowSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sizes []int64
	for rows.Next() {
		var size int64
		if err := rows.Scan(&size); err != nil {
			return nil, err
		}
		sizes = append(sizes, size)
	}
	return sizes, rows.Err()
}

func (s *Store) loadSizeGroup(ctx context.Context, fsID int64, size int64) (SizeGroup, error) {
	rows, err := s.Worker.QueryContext(ctx,
		`SELECT i.vol_id, i.ino, i.size
		 FROM Inode i JOIN Volume v ON v.id = i.vol_id
		 WHERE v.fs_id = ? AND i.size = ?
		 ORDER BY i.vol_id, i.ino`, fsID, size)
	if err != nil {
		return SizeGroup{}, err
	}
	defer rows.Close()

	group := SizeGroup{Size: size}
	for rows.Next() {
		var ref InodeRef
		if err := rows.Scan(&ref.VolID, &ref.Ino, &ref.Size); err != nil {
			return SizeGroup{}, err
		}
		group.Inodes = append(group.Inodes, ref)
	}
	if err := rows.Err(); err != nil {
		return SizeGroup{}, err
	}
	group.InodeCount = len(group.Inodes)
	return group, nil
}

// closeWindow clears dirty_flag for every inode with windowEnd <= size <=
// windowStart, then re-sets it for anything the consumer reported skipped
// during this window.
func (s *Store) closeWindow(ctx context.Context, fsID int64, windowEnd, windowStart int64, skip *SkipReporter) error {
	tx, err := s.Worker.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE Inode SET dirty_flag = 0
		 WHERE vol_id IN (SELECT id FROM Volume WHERE fs_id = ?)
		   AND size BETWEEN ? AND ?`, fsID, windowEnd, windowStart); err != nil {
		return err
	}

	if skip != nil {
		for volID, inos := range skip.skipped {
			for ino := range inos {
				if _, err := tx.ExecContext(ctx,
					`UPDATE Inode SET dirty_flag = 1 WHERE vol_id = ? AND ino = ?`, volID, ino); err != nil {
					return err
				}
			}
		}
	}

	return tx.Commit()
}
