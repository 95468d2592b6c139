// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import (
	"fmt"
	"time"

	"github.com/g2p/bedup-go/lib/binstruct"
)

// Generation is a btree generation number (a.k.a. "transaction ID"); it
// increases monotonically each time the filesystem commits a transaction.
type Generation uint64

func (gen Generation) String() string {
	return fmt.Sprintf("%v", uint64(gen))
}

// Time is the on-disk btrfs_timespec: a 96-bit (sec, nsec) pair.
type Time struct {
	Sec           int64  `bin:"off=0x0, siz=0x8"`
	NSec          uint32 `bin:"off=0x8, siz=0x4"`
	binstruct.End `bin:"off=0xc"`
}

func (t Time) ToStd() time.Time {
	return time.Unix(t.Sec, int64(t.NSec))
}

func (t Time) String() string {
	return t.ToStd().Format(time.RFC3339Nano)
}
