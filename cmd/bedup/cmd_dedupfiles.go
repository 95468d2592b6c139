// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/g2p/bedup-go/lib/btrfs"
	"github.com/g2p/bedup-go/lib/btrfsioctl"
	"github.com/g2p/bedup-go/lib/cliutil"
	"github.com/g2p/bedup-go/lib/dedup"
)

func newDedupFilesCommand(*rootFlags) *cobra.Command {
	var defragment bool

	cmd := &cobra.Command{
		Use:   "dedup-files SRC DEST...",
		Short: "Freeze SRC and each DEST, verify they are identical, and clone SRC's extents onto each DEST",
		Args:  cliutil.WrapPositionalArgs(cobra.MinimumNArgs(2)),
	}
	cmd.Flags().BoolVar(&defragment, "defragment", false, "defragment the source file first")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		srcPath, destPaths := args[0], args[1:]

		srcDir, err := os.Open(filepath.Dir(srcPath))
		if err != nil {
			return err
		}
		defer srcDir.Close() //nolint:errcheck
		fs := &btrfs.FS{Dir: srcDir, Backend: btrfsioctl.Real{}}

		src, err := os.OpenFile(srcPath, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer src.Close() //nolint:errcheck

		dests := make([]*os.File, 0, len(destPaths))
		defer func() {
			for _, d := range dests {
				d.Close() //nolint:errcheck
			}
		}()
		for _, p := range destPaths {
			d, err := os.OpenFile(p, os.O_RDWR, 0)
			if err != nil {
				return err
			}
			dests = append(dests, d)
		}

		cloned, err := dedup.DedupFiles(cmd.Context(), fs, btrfsioctl.Real{}, src, dests, defragment)
		if err != nil {
			return err
		}
		cmd.Printf("cloned %d of %d files\n", cloned, len(dests))
		return nil
	}
	return cmd
}
