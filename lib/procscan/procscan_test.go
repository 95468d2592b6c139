// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package procscan

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatDevIno(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "procscan-*")
	require.NoError(t, err)
	defer f.Close()

	a, err := StatDevIno(f.Fd())
	require.NoError(t, err)

	b, err := StatDevIno(f.Fd())
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.NotZero(t, a.Ino)
}

func TestScanExcludesSelf(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "procscan-*")
	require.NoError(t, err)
	defer f.Close()

	devIno, err := StatDevIno(f.Fd())
	require.NoError(t, err)

	self := map[int]map[int]bool{
		os.Getpid(): {int(f.Fd()): true},
	}
	uses, err := Scan(devIno, self)
	require.NoError(t, err)
	for _, u := range uses {
		require.Falsef(t, u.Pid == os.Getpid() && u.FD == int(f.Fd()),
			"self fd leaked into scan result: %+v", u)
	}
}
