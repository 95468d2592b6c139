// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dedup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/g2p/bedup-go/lib/btrfs"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
	"github.com/g2p/bedup-go/lib/btrfsioctl"
	"github.com/g2p/bedup-go/lib/rlimit"
	"github.com/g2p/bedup-go/lib/store"
)

func writeFile(t *testing.T, dir, name string, content []byte) (string, int64) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, int64(len(content))
}

func newHarness(t *testing.T) (*store.Store, *btrfsioctl.Fake, string) {
	t.Helper()
	fake := btrfsioctl.NewFake()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(t.TempDir(), "bedup.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fake, dir
}

// TestRunClonesIdenticalFiles exercises the full tiered pipeline end to
// end: two byte-identical files are admitted, survive every tier, and come
// out the other side as a recorded DedupEvent with matching extent maps.
func TestRunClonesIdenticalFiles(t *testing.T) {
	s, fake, dir := newHarness(t)
	ctx := context.Background()

	content := make([]byte, 8192)
	for i := range content {
		content[i] = byte(i % 251)
	}
	path1, size := writeFile(t, dir, "one", content)
	path2, _ := writeFile(t, dir, "two", content)

	fsID, err := s.GetOrCreateFilesystem(ctx, "fs-uuid")
	require.NoError(t, err)
	vol, err := s.GetOrCreateVolume(ctx, fsID, 5, 1024)
	require.NoError(t, err)

	// fullHashTier re-checks each open file's inode number against the
	// stored one, so the rows carry the files' real inode numbers.
	var st1, st2 unix.Stat_t
	require.NoError(t, unix.Stat(path1, &st1))
	require.NoError(t, unix.Stat(path2, &st2))
	ino1, ino2 := st1.Ino, st2.Ino
	require.NoError(t, s.UpsertInode(ctx, vol.ID, ino1, size))
	require.NoError(t, s.UpsertInode(ctx, vol.ID, ino2, size))

	fake.SetPath(0, btrfsprim.ObjID(ino1), "one")
	fake.SetPath(0, btrfsprim.ObjID(ino2), "two")

	dirHandle, err := os.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dirHandle.Close() })
	fs := &btrfs.FS{Dir: dirHandle, Backend: fake}

	volumes := map[int64]*VolumeHandle{
		vol.ID: {Volume: vol, FS: fs},
	}

	stats, err := Run(ctx, s, fsID, volumes, fake, Options{SizeCutoff: 1024, VolumesInBatch: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ClonesPerformed)
	assert.Equal(t, size, stats.BytesReclaimed)

	gotA, err := os.ReadFile(path1)
	require.NoError(t, err)
	gotB, err := os.ReadFile(path2)
	require.NoError(t, err)
	assert.Equal(t, gotA, gotB)

	var eventCount int
	require.NoError(t, s.Worker.QueryRowContext(ctx, `SELECT COUNT(*) FROM DedupEvent WHERE fs_id = ?`, fsID).Scan(&eventCount))
	assert.Equal(t, 1, eventCount)
}

// TestRunSkipsNonMatchingSamples ensures a bucket with only one surviving
// candidate per sample hash never reaches the clone tier: two files of the
// same size but different content produce no event.
func TestRunSkipsNonMatchingSamples(t *testing.T) {
	s, fake, dir := newHarness(t)
	ctx := context.Background()

	contentA := make([]byte, 8192)
	contentB := make([]byte, 8192)
	for i := range contentA {
		contentA[i] = byte(i % 251)
		contentB[i] = byte((i + 128) % 251)
	}
	_, size := writeFile(t, dir, "a", contentA)
	writeFile(t, dir, "b", contentB)

	fsID, err := s.GetOrCreateFilesystem(ctx, "fs-uuid")
	require.NoError(t, err)
	vol, err := s.GetOrCreateVolume(ctx, fsID, 5, 1024)
	require.NoError(t, err)

	const inoA, inoB = 300, 301
	require.NoError(t, s.UpsertInode(ctx, vol.ID, inoA, size))
	require.NoError(t, s.UpsertInode(ctx, vol.ID, inoB, size))
	fake.SetPath(0, btrfsprim.ObjID(inoA), "a")
	fake.SetPath(0, btrfsprim.ObjID(inoB), "b")

	dirHandle, err := os.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dirHandle.Close() })
	fs := &btrfs.FS{Dir: dirHandle, Backend: fake}

	volumes := map[int64]*VolumeHandle{vol.ID: {Volume: vol, FS: fs}}

	stats, err := Run(ctx, s, fsID, volumes, fake, Options{SizeCutoff: 1024, VolumesInBatch: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ClonesPerformed)
}

func TestOpenFileHeadroomAccountsForReserved(t *testing.T) {
	_, _, err := rlimit.NoFile()
	require.NoError(t, err)
	assert.True(t, openFileHeadroom(1, 1))
	// No hard limit on a real system reaches this high, so raising to the
	// hard limit still leaves this group without enough headroom.
	assert.False(t, openFileHeadroom(1<<30, 1))
}
