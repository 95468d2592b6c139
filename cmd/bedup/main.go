// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/cli"
	"github.com/g2p/bedup-go/lib/cliutil"
	"github.com/g2p/bedup-go/lib/config"
	"github.com/g2p/bedup-go/lib/ioprio"
	"github.com/g2p/bedup-go/lib/profile"
	"github.com/g2p/bedup-go/lib/store"
	"github.com/g2p/bedup-go/lib/textui"
)

// rootFlags holds the persistent flags every subcommand shares.
type rootFlags struct {
	verbosity    textui.LogLevelFlag
	dbPath       string
	privateMount string
}

// volumeSource picks how a VOLUME command-line argument is turned into
// an open filesystem handle: directly, or (if --private-mount was
// given) bind-mounted into a private mount namespace first, for
// subvolumes the caller's own namespace doesn't expose under a path.
func (flags *rootFlags) volumeSource() cli.VolumeSource {
	if flags.privateMount == "" {
		return cli.DirectVolumeSource{}
	}
	return cli.PrivateMountVolumeSource{ScratchDir: flags.privateMount}
}

// withStore wraps a subcommand's RunE so it opens the store once (at the
// flag-resolved path, creating its parent directory if needed), hands it
// to fn, and closes it on the way out regardless of fn's outcome.
func withStore(flags *rootFlags, fn func(ctx context.Context, s *store.Store, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path := flags.dbPath
		if path == "" {
			var err error
			path, err = config.DefaultStorePath()
			if err != nil {
				return err
			}
		}
		if err := config.EnsureStoreDir(path); err != nil {
			return err
		}
		s, err := store.Open(path)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck

		return fn(ctx, s, cmd, args)
	}
}

func main() {
	flags := &rootFlags{verbosity: textui.LogLevelFlag{Level: dlog.LogLevelInfo}}

	argparser := &cobra.Command{
		Use:   "bedup {[flags]|SUBCOMMAND}",
		Short: "Find and deduplicate identical files on a btrfs filesystem",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&flags.verbosity, "verbosity", "set the log verbosity (error|warn|info|debug|trace)")
	argparser.PersistentFlags().StringVar(&flags.dbPath, "db", "", "override the store path (default: $XDG_DATA_HOME/bedup/db.sqlite)")
	argparser.PersistentFlags().StringVar(&flags.privateMount, "private-mount", "", "bind-mount each volume into a private mount namespace under this scratch directory before opening it")
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "")

	for _, cmd := range []*cobra.Command{
		newScanCommand(flags),
		newDedupCommand(flags),
		newResetCommand(flags),
		newShowCommand(flags),
		newFindNewCommand(flags),
		newForgetFSCommand(flags),
		newDedupFilesCommand(flags),
		newGenerationCommand(flags),
		newSizeLookupCommand(flags),
		newReplayEventsCommand(flags),
	} {
		argparser.AddCommand(cmd)
	}

	argparser.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		logger := textui.NewLogger(os.Stderr, flags.verbosity.Level)
		ctx := dlog.WithLogger(cmd.Context(), logger)
		cmd.SetContext(ctx)
		// Best-effort: dedup is meant to lose a priority fight with
		// anything else touching the disk. Unprivileged or non-Linux
		// environments may not grant this, so it's not fatal.
		if err := ioprio.SetSelfIdle(); err != nil {
			dlog.Debugf(ctx, "ioprio: could not set idle class: %v", err)
		}
		return nil
	}

	for _, cmd := range argparser.Commands() {
		cmd := cmd
		wrapped := cmd.RunE
		if wrapped == nil {
			continue
		}
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			grp := dgroup.NewGroup(cmd.Context(), dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				cmd.SetContext(ctx)
				return wrapped(cmd, args)
			})
			return grp.Wait()
		}
	}

	err := argparser.ExecuteContext(context.Background())
	if stopErr := stopProfiling(); err == nil {
		err = stopErr
	}
	if err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(exitCodeFor(err))
	}
}
