// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/cli"
	"github.com/g2p/bedup-go/lib/cliutil"
	"github.com/g2p/bedup-go/lib/store"
)

func newSizeLookupCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "size-lookup VOLUME INODE",
		Short: "Print the stored size the engine has on record for one inode",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
	}
	cmd.RunE = withStore(flags, func(ctx context.Context, s *store.Store, cmd *cobra.Command, args []string) error {
		ino, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}

		opened, err := cli.ResolveVolumes(ctx, s, flags.volumeSource(), args[:1], 0)
		if err != nil {
			return err
		}
		defer closeVolumes(opened)

		size, ok, err := s.InodeSize(ctx, opened[0].Vol.ID, ino)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("size-lookup: no tracked inode %d on %s", ino, args[0])
		}
		cmd.Printf("%d\n", size)
		return nil
	})
	return cmd
}
