// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scan implements the engine's volume scanner: it walks a
// subvolume's own fs tree for INODE_ITEMs touched since the volume's
// watermark and upserts eligible ones into the persistent inode store.
package scan

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/g2p/bedup-go/lib/btrfs"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsitem"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
	"github.com/g2p/bedup-go/lib/store"
)

// Stats summarizes one Scan call, for the progress sink.
type Stats struct {
	Considered int
	Admitted   int
}

// Scan walks vol's subvolume fs tree and upserts every admitted inode
// into s. It returns without touching the store if the volume's
// watermark is already at or beyond the filesystem's current generation.
func Scan(ctx context.Context, fs *btrfs.FS, s *store.Store, vol *store.Volume, sizeCutoff int64) (Stats, error) {
	var stats Stats

	topGen, err := fs.RootGeneration()
	if err != nil {
		return stats, fmt.Errorf("scan: read root generation: %w", err)
	}

	var minGen btrfsprim.Generation
	if vol.LastTrackedSizeCutoff != 0 && vol.LastTrackedSizeCutoff <= sizeCutoff {
		minGen = btrfsprim.Generation(vol.LastTrackedGeneration + 1)
	} else {
		minGen = 0
	}

	if uint64(minGen) > uint64(topGen) {
		dlog.Infof(ctx, "volume %d: already up to date at generation %d", vol.RootID, vol.LastTrackedGeneration)
		return stats, nil
	}

	err = fs.TreeSearch(ctx, 0, btrfsprim.INODE_ITEM_KEY, btrfsprim.INODE_ITEM_KEY, minGen,
		func(key btrfsprim.Key, item btrfsitem.Item) error {
			inode, ok := item.(btrfsitem.Inode)
			if !ok {
				if ierr, ok := item.(btrfsitem.Error); ok {
					return fmt.Errorf("scan: decode inode %v: %w", key, ierr.Err)
				}
				return nil
			}
			stats.Considered++

			if admit(vol, sizeCutoff, inode, minGen) {
				stats.Admitted++
				if err := s.UpsertInode(ctx, vol.ID, uint64(key.ObjectID), inode.Size); err != nil {
					return fmt.Errorf("scan: upsert inode %v: %w", key.ObjectID, err)
				}
			}
			return nil
		})
	if err != nil {
		return stats, err
	}

	if err := s.UpdateWatermark(ctx, vol.ID, uint64(topGen), sizeCutoff); err != nil {
		return stats, fmt.Errorf("scan: update watermark: %w", err)
	}

	ctx = dlog.WithField(ctx, "scan.volume", vol.RootID)
	dlog.Infof(ctx, "considered %d inodes, admitted %d", stats.Considered, stats.Admitted)
	return stats, nil
}

// admit applies the eligibility filter: size, then the generation test
// (stricter for inodes that were already within the previous scan's size
// window, coarser for ones newly admitted by a lowered cutoff), then mode.
func admit(vol *store.Volume, sizeCutoff int64, inode btrfsitem.Inode, minGen btrfsprim.Generation) bool {
	if inode.Size < sizeCutoff {
		return false
	}
	if vol.LastTrackedSizeCutoff != 0 && inode.Size >= vol.LastTrackedSizeCutoff {
		if uint64(inode.Generation) <= vol.LastTrackedGeneration {
			return false
		}
	} else if inode.Generation < minGen {
		return false
	}
	if !inode.Mode.IsRegular() {
		return false
	}
	return true
}
