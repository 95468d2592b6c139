// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/btrfs"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
	"github.com/g2p/bedup-go/lib/cliutil"
)

func newFindNewCommand(*rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find-new VOLUME [min-generation]",
		Short: "List items modified at or after a generation, like btrfs find-new",
		Args:  cliutil.WrapPositionalArgs(cobra.RangeArgs(1, 2)),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var minGeneration uint64
		if len(args) == 2 {
			g, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return err
			}
			minGeneration = g
		}

		fs, err := btrfs.Open(args[0])
		if err != nil {
			return err
		}
		defer fs.Close() //nolint:errcheck

		return fs.FindNew(btrfsprim.Generation(minGeneration), cmd.OutOrStdout(), false)
	}
	return cmd
}
