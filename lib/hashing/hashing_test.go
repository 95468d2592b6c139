// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package hashing

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g2p/bedup-go/lib/btrfsioctl"
)

func TestSampleHashDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 10000)
	a, err := SampleHash(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	b, err := SampleHash(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSampleHashDiffersOnContent(t *testing.T) {
	a, err := SampleHash(bytes.NewReader(bytes.Repeat([]byte{0x01}, 10000)), 10000)
	require.NoError(t, err)
	b, err := SampleHash(bytes.NewReader(bytes.Repeat([]byte{0x02}, 10000)), 10000)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestExtentMapHashDiffersOnLayout(t *testing.T) {
	fake := btrfsioctl.NewFake()
	f1, err := os.CreateTemp(t.TempDir(), "h-*")
	require.NoError(t, err)
	defer f1.Close()
	f2, err := os.CreateTemp(t.TempDir(), "h-*")
	require.NoError(t, err)
	defer f2.Close()

	a, err := ExtentMapHash(fake, f1.Fd())
	require.NoError(t, err)
	b, err := ExtentMapHash(fake, f2.Fd())
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "unrelated files default to distinct simulated layouts")
}

func TestExtentMapHashMatchesAfterClone(t *testing.T) {
	fake := btrfsioctl.NewFake()
	src, err := os.CreateTemp(t.TempDir(), "h-*")
	require.NoError(t, err)
	defer src.Close()
	dst, err := os.CreateTemp(t.TempDir(), "h-*")
	require.NoError(t, err)
	defer dst.Close()

	_, err = src.Write([]byte("hello world"))
	require.NoError(t, err)

	require.NoError(t, fake.CloneRange(dst.Fd(), src.Fd(), 0, 0, 0))

	a, err := ExtentMapHash(fake, src.Fd())
	require.NoError(t, err)
	b, err := ExtentMapHash(fake, dst.Fd())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFullHash(t *testing.T) {
	a, err := FullHash(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	b, err := FullHash(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := FullHash(bytes.NewReader([]byte("hello worlds")))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
