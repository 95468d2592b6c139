// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/g2p/bedup-go/lib/binstruct"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsitem"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
)

func FuzzRoundTrip(f *testing.F) {
	keySize := binstruct.StaticSize(btrfsprim.Key{})

	f.Add(make([]byte, 256))

	f.Fuzz(func(t *testing.T, inDat []byte) {
		if len(inDat) < keySize {
			t.Skip()
		}
		keyInDat, inDat := inDat[:keySize], inDat[keySize:]
		itemInDat := inDat

		// key

		var key btrfsprim.Key
		n, err := binstruct.Unmarshal(keyInDat, &key)
		require.NoError(t, err, "binstruct.Unmarshal(dat, &key)")
		require.Equal(t, keySize, n, "binstruct.Unmarshal(dat, &key)")

		keyOutDat, err := binstruct.Marshal(key)
		require.NoError(t, err, "binstruct.Marshal(key)")
		require.Equal(t, keyInDat, keyOutDat, "binstruct.Marshal(key)")

		// item

		t.Logf("key=%v dat=%q", key, itemInDat)

		item := btrfsitem.UnmarshalItem(key, itemInDat)
		require.NotNil(t, item, "btrfsitem.UnmarshalItem")

		if _, isErr := item.(btrfsitem.Error); isErr {
			t.Skip("unhandled item type or malformed payload")
		}

		itemOutDat, err := binstruct.Marshal(item)
		require.NoError(t, err, "binstruct.Marshal(item)")
		require.Equal(t, string(itemInDat), string(itemOutDat), "binstruct.Marshal(item)")
	})
}
