// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g2p/bedup-go/lib/btrfs"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
	"github.com/g2p/bedup-go/lib/btrfsioctl"
	"github.com/g2p/bedup-go/lib/linux"
	"github.com/g2p/bedup-go/lib/store"
)

func newTestEnv(t *testing.T) (*btrfs.FS, *btrfsioctl.Fake, *store.Store) {
	t.Helper()
	fake := btrfsioctl.NewFake()
	fake.RootID = 5
	fake.AddRoot(btrfsioctl.FakeRoot{ID: btrfsprim.FS_TREE_OBJECTID, Generation: 1})

	dir, err := os.Open(".")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })
	fs := &btrfs.FS{Dir: dir, Backend: fake}

	s, err := store.Open(filepath.Join(t.TempDir(), "bedup.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return fs, fake, s
}

func TestScanAdmitsLargeRegularFiles(t *testing.T) {
	fs, fake, s := newTestEnv(t)
	fake.AddRoot(btrfsioctl.FakeRoot{ID: btrfsprim.FS_TREE_OBJECTID, Generation: 10})
	fake.AddInode(256, btrfsprim.Generation(10), 1<<20, linux.ModeFmtRegular|0o644)
	fake.AddInode(257, btrfsprim.Generation(10), 100, linux.ModeFmtRegular|0o644) // below cutoff
	fake.AddInode(258, btrfsprim.Generation(10), 1<<20, linux.ModeFmtDir|0o755)   // not regular

	ctx := context.Background()
	fsID, err := s.GetOrCreateFilesystem(ctx, "fs-uuid")
	require.NoError(t, err)
	vol, err := s.GetOrCreateVolume(ctx, fsID, 5, 65536)
	require.NoError(t, err)

	stats, err := Scan(ctx, fs, s, vol, 65536)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Admitted)

	var count int
	require.NoError(t, s.Worker.QueryRowContext(ctx, `SELECT COUNT(*) FROM Inode WHERE vol_id = ?`, vol.ID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestScanSkipsWhenAlreadyUpToDate(t *testing.T) {
	fs, fake, s := newTestEnv(t)
	fake.AddRoot(btrfsioctl.FakeRoot{ID: btrfsprim.FS_TREE_OBJECTID, Generation: 5})

	ctx := context.Background()
	fsID, err := s.GetOrCreateFilesystem(ctx, "fs-uuid")
	require.NoError(t, err)
	vol, err := s.GetOrCreateVolume(ctx, fsID, 5, 65536)
	require.NoError(t, err)
	require.NoError(t, s.UpdateWatermark(ctx, vol.ID, 5, 65536))
	vol.LastTrackedGeneration = 5
	vol.LastTrackedSizeCutoff = 65536

	fake.AddInode(300, btrfsprim.Generation(5), 1<<20, linux.ModeFmtRegular)

	stats, err := Scan(ctx, fs, s, vol, 65536)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Considered)
}
