// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/btrfs"
	"github.com/g2p/bedup-go/lib/cliutil"
)

func newGenerationCommand(*rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generation VOLUME",
		Short: "Print the volume's current root generation",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		fs, err := btrfs.Open(args[0])
		if err != nil {
			return err
		}
		defer fs.Close() //nolint:errcheck

		gen, err := fs.RootGeneration()
		if err != nil {
			return err
		}
		cmd.Printf("%d\n", uint64(gen))
		return nil
	}
	return cmd
}
