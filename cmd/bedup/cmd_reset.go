// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/cli"
	"github.com/g2p/bedup-go/lib/cliutil"
	"github.com/g2p/bedup-go/lib/store"
)

func newResetCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset VOLUME...",
		Short: "Clear a volume's tracked generation, forcing a full rescan next time",
		Args:  cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
	}
	cmd.RunE = withStore(flags, func(ctx context.Context, s *store.Store, _ *cobra.Command, args []string) error {
		opened, err := cli.ResolveVolumes(ctx, s, flags.volumeSource(), args, 0)
		if err != nil {
			return err
		}
		defer closeVolumes(opened)

		for _, ov := range opened {
			if err := s.ResetWatermark(ctx, ov.Vol.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return cmd
}
