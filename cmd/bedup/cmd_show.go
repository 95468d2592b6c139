// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/cliutil"
	"github.com/g2p/bedup-go/lib/store"
	"github.com/g2p/bedup-go/lib/textui"
)

func newShowCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List tracked filesystems and volumes with their watermarks",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
	}
	cmd.RunE = withStore(flags, func(ctx context.Context, s *store.Store, cmd *cobra.Command, _ []string) error {
		filesystems, err := s.ListFilesystems(ctx)
		if err != nil {
			return err
		}
		for _, fi := range filesystems {
			textui.Fprintf(cmd.OutOrStdout(), "filesystem %s\n", fi.UUID)
			volumes, err := s.ListVolumes(ctx, fi.ID)
			if err != nil {
				return err
			}
			for _, v := range volumes {
				textui.Fprintf(cmd.OutOrStdout(), "  volume root %d: generation %d, size-cutoff %d\n",
					v.RootID, v.LastTrackedGeneration, v.SizeCutoff)
			}
		}
		return nil
	})
	return cmd
}
