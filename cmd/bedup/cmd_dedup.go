// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/btrfsioctl"
	"github.com/g2p/bedup-go/lib/cli"
	"github.com/g2p/bedup-go/lib/cliutil"
	"github.com/g2p/bedup-go/lib/dedup"
	"github.com/g2p/bedup-go/lib/scan"
	"github.com/g2p/bedup-go/lib/store"
)

func newDedupCommand(flags *rootFlags) *cobra.Command {
	var sizeCutoff int64
	var defrag bool
	var noCrossvol bool

	cmd := &cobra.Command{
		Use:   "dedup VOLUME...",
		Short: "Scan, then deduplicate identical files across the given volumes",
		Args:  cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
	}
	cmd.Flags().Int64Var(&sizeCutoff, "size-cutoff", 8*1024*1024, "ignore files smaller than this many bytes")
	cmd.Flags().BoolVar(&defrag, "defrag", false, "defragment the source file of each bucket before cloning")
	cmd.Flags().BoolVar(&noCrossvol, "no-crossvol", false, "process each volume's inodes separately instead of batching by filesystem")
	cmd.RunE = withStore(flags, func(ctx context.Context, s *store.Store, _ *cobra.Command, args []string) error {
		opened, err := cli.ResolveVolumes(ctx, s, flags.volumeSource(), args, sizeCutoff)
		if err != nil {
			return err
		}
		defer closeVolumes(opened)

		for _, ov := range opened {
			if _, err := scan.Scan(ctx, ov.FS, s, ov.Vol, sizeCutoff); err != nil {
				return err
			}
		}

		order, groups := cli.GroupByFilesystem(opened)
		for _, fsID := range order {
			group := groups[fsID]
			ctx := dlog.WithField(ctx, "dedup.fsid", fsID)

			if noCrossvol {
				for _, ov := range group {
					volID := ov.Vol.ID
					opts := dedup.Options{
						SizeCutoff:     sizeCutoff,
						Defragment:     defrag,
						VolumesInBatch: 1,
						OnlyVolumeID:   &volID,
					}
					handles := cli.VolumeHandles([]*cli.OpenVolume{ov})
					stats, err := dedup.Run(ctx, s, fsID, handles, btrfsioctl.Real{}, opts)
					if err != nil {
						return err
					}
					dlog.Infof(ctx, "dedup %s: %d clones, %d bytes reclaimed", ov.Path, stats.ClonesPerformed, stats.BytesReclaimed)
				}
				continue
			}

			opts := dedup.Options{SizeCutoff: sizeCutoff, Defragment: defrag, VolumesInBatch: len(group)}
			handles := cli.VolumeHandles(group)
			stats, err := dedup.Run(ctx, s, fsID, handles, btrfsioctl.Real{}, opts)
			if err != nil {
				return err
			}
			dlog.Infof(ctx, "dedup: %d clones, %d bytes reclaimed", stats.ClonesPerformed, stats.BytesReclaimed)
		}
		return nil
	})
	return cmd
}
