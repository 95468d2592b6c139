// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/cli"
	"github.com/g2p/bedup-go/lib/cliutil"
	"github.com/g2p/bedup-go/lib/scan"
	"github.com/g2p/bedup-go/lib/store"
)

func newScanCommand(flags *rootFlags) *cobra.Command {
	var sizeCutoff int64
	var flush bool

	cmd := &cobra.Command{
		Use:   "scan VOLUME...",
		Short: "Track new and changed files since each volume's last scan",
		Args:  cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
	}
	cmd.Flags().Int64Var(&sizeCutoff, "size-cutoff", 8*1024*1024, "ignore files smaller than this many bytes")
	cmd.Flags().BoolVar(&flush, "flush", false, "force a filesystem sync before reading the generation watermark")
	cmd.RunE = withStore(flags, func(ctx context.Context, s *store.Store, _ *cobra.Command, args []string) error {
		opened, err := cli.ResolveVolumes(ctx, s, flags.volumeSource(), args, sizeCutoff)
		if err != nil {
			return err
		}
		defer closeVolumes(opened)

		for _, ov := range opened {
			if flush {
				if err := ov.FS.Flush(); err != nil {
					return err
				}
			}
			if _, err := scan.Scan(ctx, ov.FS, s, ov.Vol, sizeCutoff); err != nil {
				return err
			}
		}
		return nil
	})
	return cmd
}

func closeVolumes(opened []*cli.OpenVolume) {
	for _, ov := range opened {
		ov.FS.Close() //nolint:errcheck
	}
}
