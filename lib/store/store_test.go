// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bedup.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetOrCreateFilesystemIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.GetOrCreateFilesystem(ctx, "fs-uuid-1")
	require.NoError(t, err)
	id2, err := s.GetOrCreateFilesystem(ctx, "fs-uuid-1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestUpsertInodeMarksDirty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fsID, err := s.GetOrCreateFilesystem(ctx, "fs-uuid")
	require.NoError(t, err)
	vol, err := s.GetOrCreateVolume(ctx, fsID, 5, 65536)
	require.NoError(t, err)

	require.NoError(t, s.UpsertInode(ctx, vol.ID, 256, 1<<20))

	var dirty int
	err = s.Worker.QueryRowContext(ctx, `SELECT dirty_flag FROM Inode WHERE vol_id = ? AND ino = ?`, vol.ID, 256).Scan(&dirty)
	require.NoError(t, err)
	assert.Equal(t, 1, dirty)
}

func TestWindowedInodesGroupsBySize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fsID, err := s.GetOrCreateFilesystem(ctx, "fs-uuid")
	require.NoError(t, err)
	vol, err := s.GetOrCreateVolume(ctx, fsID, 5, 65536)
	require.NoError(t, err)

	require.NoError(t, s.UpsertInode(ctx, vol.ID, 1, 1<<20))
	require.NoError(t, s.UpsertInode(ctx, vol.ID, 2, 1<<20))
	require.NoError(t, s.UpsertInode(ctx, vol.ID, 3, 1<<10)) // singleton, never grouped

	var groups []SizeGroup
	err = s.WindowedInodes(ctx, fsID, nil, nil, func(g SizeGroup) error {
		groups = append(groups, g)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, int64(1<<20), groups[0].Size)
	assert.Equal(t, 2, groups[0].InodeCount)

	var dirty int
	err = s.Worker.QueryRowContext(ctx, `SELECT dirty_flag FROM Inode WHERE vol_id = ? AND ino = ?`, vol.ID, 1).Scan(&dirty)
	require.NoError(t, err)
	assert.Equal(t, 0, dirty, "grouped inode's dirty flag clears at window boundary")

	var singletonDirty int
	err = s.Worker.QueryRowContext(ctx, `SELECT dirty_flag FROM Inode WHERE vol_id = ? AND ino = ?`, vol.ID, 3).Scan(&singletonDirty)
	require.NoError(t, err)
	assert.Equal(t, 0, singletonDirty, "dirty singleton below the smallest grouped size still clears at the final sweep")
}

func TestWindowedInodesHonoursSkipReporter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fsID, err := s.GetOrCreateFilesystem(ctx, "fs-uuid")
	require.NoError(t, err)
	vol, err := s.GetOrCreateVolume(ctx, fsID, 5, 65536)
	require.NoError(t, err)

	require.NoError(t, s.UpsertInode(ctx, vol.ID, 1, 4096))
	require.NoError(t, s.UpsertInode(ctx, vol.ID, 2, 4096))

	skip := NewSkipReporter()
	err = s.WindowedInodes(ctx, fsID, skip, nil, func(g SizeGroup) error {
		skip.Skip(vol.ID, 1)
		return nil
	})
	require.NoError(t, err)

	var dirty1, dirty2 int
	require.NoError(t, s.Worker.QueryRowContext(ctx, `SELECT dirty_flag FROM Inode WHERE vol_id = ? AND ino = ?`, vol.ID, 1).Scan(&dirty1))
	require.NoError(t, s.Worker.QueryRowContext(ctx, `SELECT dirty_flag FROM Inode WHERE vol_id = ? AND ino = ?`, vol.ID, 2).Scan(&dirty2))
	assert.Equal(t, 1, dirty1, "skipped inode stays dirty for retry")
	assert.Equal(t, 0, dirty2)
}

func TestRecordDedupEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fsID, err := s.GetOrCreateFilesystem(ctx, "fs-uuid")
	require.NoError(t, err)
	vol, err := s.GetOrCreateVolume(ctx, fsID, 5, 65536)
	require.NoError(t, err)

	err = s.RecordDedupEvent(ctx, fsID, 1<<20, time.Unix(1700000000, 0), []InodeRef{
		{VolID: vol.ID, Ino: 1},
		{VolID: vol.ID, Ino: 2},
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.Worker.QueryRowContext(ctx, `SELECT COUNT(*) FROM DedupEventInode`).Scan(&count))
	assert.Equal(t, 2, count)
}
