// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package guard

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g2p/bedup-go/lib/btrfsioctl"
)

func TestAcquireSetsImmutableAndReleaseRestores(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "guard-*")
	require.NoError(t, err)
	defer f.Close()

	fake := btrfsioctl.NewFake()
	g, err := Acquire(fake, []uintptr{f.Fd()})
	require.NoError(t, err)

	flags, err := fake.GetFlags(f.Fd())
	require.NoError(t, err)
	assert.NotZero(t, flags&btrfsioctl.FS_IMMUTABLE_FL)

	require.NoError(t, g.Release())

	flags, err = fake.GetFlags(f.Fd())
	require.NoError(t, err)
	assert.Zero(t, flags&btrfsioctl.FS_IMMUTABLE_FL)
}

func TestReleaseIsIdempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "guard-*")
	require.NoError(t, err)
	defer f.Close()

	fake := btrfsioctl.NewFake()
	g, err := Acquire(fake, []uintptr{f.Fd()})
	require.NoError(t, err)

	require.NoError(t, g.Release())
	require.NoError(t, g.Release())
}

func TestAcquirePreservesPreexistingImmutableFlag(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "guard-*")
	require.NoError(t, err)
	defer f.Close()

	fake := btrfsioctl.NewFake()
	require.NoError(t, fake.SetFlags(f.Fd(), btrfsioctl.FS_IMMUTABLE_FL))

	g, err := Acquire(fake, []uintptr{f.Fd()})
	require.NoError(t, err)
	require.NoError(t, g.Release())

	flags, err := fake.GetFlags(f.Fd())
	require.NoError(t, err)
	assert.NotZero(t, flags&btrfsioctl.FS_IMMUTABLE_FL, "flag present before acquire must survive release")
}
