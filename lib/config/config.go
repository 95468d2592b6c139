// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config resolves the engine's one piece of persisted state: the
// default path of the SQLite store, following the XDG base directory
// convention.
package config

import (
	"os"
	"path/filepath"
)

// DefaultStorePath returns $XDG_DATA_HOME/bedup/db.sqlite, falling back
// to $HOME/.local/share/bedup/db.sqlite when XDG_DATA_HOME is unset, per
// the XDG base directory specification's defaulting rule.
func DefaultStorePath() (string, error) {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "bedup", "db.sqlite"), nil
}

// EnsureStoreDir creates the parent directory of the store path if it
// does not already exist.
func EnsureStoreDir(storePath string) error {
	return os.MkdirAll(filepath.Dir(storePath), 0o755)
}
