// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g2p/bedup-go/lib/btrfs"
	"github.com/g2p/bedup-go/lib/btrfsioctl"
	"github.com/g2p/bedup-go/lib/store"
)

type fakeSource struct {
	fake *btrfsioctl.Fake
	dir  *os.File
}

func (s fakeSource) Open(string) (*btrfs.FS, error) {
	return &btrfs.FS{Dir: s.dir, Backend: s.fake}, nil
}

func TestResolveVolumesGroupsSharedFilesystem(t *testing.T) {
	fake := btrfsioctl.NewFake()
	fake.RootID = 5
	dir, err := os.Open(".")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	s, err := store.Open(filepath.Join(t.TempDir(), "bedup.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	opened, err := ResolveVolumes(ctx, s, fakeSource{fake: fake, dir: dir}, []string{"/mnt/a", "/mnt/b"}, 1024)
	require.NoError(t, err)
	require.Len(t, opened, 2)
	assert.Equal(t, opened[0].FSID, opened[1].FSID)

	order, groups := GroupByFilesystem(opened)
	require.Len(t, order, 1)
	assert.Len(t, groups[order[0]], 2)

	handles := VolumeHandles(opened)
	assert.Len(t, handles, 1) // both paths share the fake's single simulated root id
}
