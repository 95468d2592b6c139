// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cliutil is a small local stand-in for the cobra helpers the
// teacher's CLI used from github.com/datawire/ocibuild/pkg/cliutil: a
// PositionalArgs wrapper that only errors when a subcommand name is
// unrecognized, a RunE that prints a parent command's usage when invoked
// without a subcommand, and shared flag-error/help formatting. Only this
// one helper is pulled in rather than the whole of ocibuild, since
// nothing else in that module applies here.
package cliutil

import (
	"fmt"

	"github.com/spf13/cobra"
)

// WrapPositionalArgs wraps a cobra.PositionalArgs so that, if args is
// non-empty, it additionally requires the first argument (once a
// subcommand is resolved by cobra's own dispatch, this only fires for an
// unresolvable name) to not look like a flag.
func WrapPositionalArgs(inner cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := inner(cmd, args); err != nil {
			return err
		}
		for _, arg := range args {
			if len(arg) > 0 && arg[0] == '-' {
				return fmt.Errorf("unknown flag: %s", arg)
			}
		}
		return nil
	}
}

// OnlySubcommands is a cobra.PositionalArgs for parent commands that exist
// only to group subcommands: any positional argument means the named
// subcommand did not resolve.
func OnlySubcommands(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}
	return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
}

// RunSubcommands is a cobra RunE for parent commands that exist only to
// group subcommands: running the parent directly (with no subcommand)
// prints its usage instead of doing nothing silently.
func RunSubcommands(cmd *cobra.Command, _ []string) error {
	return cmd.Help()
}

// FlagErrorFunc prints a flag-parsing error alongside the command's usage
// line, matching the convention the rest of this CLI's output follows.
func FlagErrorFunc(cmd *cobra.Command, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w\n\n%s", cmd.CommandPath(), err, cmd.UsageString())
}

// HelpTemplate is used for every subcommand so flag groups are rendered
// consistently regardless of nesting depth.
const HelpTemplate = `{{.Long | trimTrailingWhitespaces}}

{{.UsageString}}`
