// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/cliutil"
	"github.com/g2p/bedup-go/lib/store"
)

// newReplayEventsCommand builds the test-only "internal replay-events"
// subcommand: it re-marks the inodes referenced by a past DedupEvent as
// dirty, so the windowed query can be exercised again against a fixture
// database without a real filesystem. It is deliberately left off the
// root command's visible help (Hidden: true).
func newReplayEventsCommand(flags *rootFlags) *cobra.Command {
	internal := &cobra.Command{
		Use:    "internal",
		Hidden: true,
		Args:   cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE:   cliutil.RunSubcommands,
	}

	replay := &cobra.Command{
		Use:    "replay-events EVENT_ID",
		Hidden: true,
		Args:   cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
	}
	replay.RunE = withStore(flags, func(ctx context.Context, s *store.Store, _ *cobra.Command, args []string) error {
		eventID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return err
		}
		return s.ReplayEvent(ctx, eventID)
	})
	internal.AddCommand(replay)
	return internal
}
