// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/cliutil"
	"github.com/g2p/bedup-go/lib/store"
)

func newForgetFSCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forget-fs UUID",
		Short: "Cascade-delete a tracked filesystem and all of its volumes and dedup events",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
	}
	cmd.RunE = withStore(flags, func(ctx context.Context, s *store.Store, _ *cobra.Command, args []string) error {
		return s.ForgetFilesystem(ctx, args[0])
	})
	return cmd
}
