// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cli holds the small amount of glue between cmd/bedup's
// subcommands and the library engine: resolving a list of volume paths
// given on the command line into open filesystem handles and their
// store rows. It is the one place that touches both btrfs.Open and
// store.GetOrCreateVolume, so every subcommand shares the same notion of
// what a "volume" argument means.
package cli

import (
	"context"

	"github.com/pkg/errors"

	"github.com/g2p/bedup-go/lib/btrfs"
	"github.com/g2p/bedup-go/lib/containers"
	"github.com/g2p/bedup-go/lib/dedup"
	"github.com/g2p/bedup-go/lib/store"
)

// OpenVolume is one resolved command-line volume argument: the path it
// was given as, its open FS handle, and its store rows.
type OpenVolume struct {
	Path  string
	FS    *btrfs.FS
	FSID  int64
	FSRow store.FilesystemInfo
	Vol   *store.Volume

	release func() error
}

// Close releases ov's FS handle and, if the VolumeSource that produced
// it needs extra teardown (such as PrivateMountVolumeSource's bind
// mount), that too.
func (ov *OpenVolume) Close() error {
	err := ov.FS.Close()
	if ov.release != nil {
		if rerr := ov.release(); err == nil {
			err = rerr
		}
	}
	return err
}

// volumeReleaser is implemented by VolumeSources whose Open does more
// than open a plain directory handle and so needs a matching teardown
// step once the caller is done with the volume.
type volumeReleaser interface {
	Release(path string) error
}

// VolumeSource resolves a volume path into the directory handle the
// engine opens inodes relative to. The default implementation opens the
// path directly, which is correct whenever the caller already has each
// subvolume bind-mounted at a reachable path (the common case, and the
// one subcommands use unless --private-mount is given); lib/mountns's private-namespace bind
// mount is an alternate VolumeSource for the rarer case of a subvolume
// that the caller's own mount namespace doesn't expose under its own
// path, without the core ever needing to know the difference.
type VolumeSource interface {
	Open(path string) (*btrfs.FS, error)
}

// DirectVolumeSource opens each path as-is with the real ioctl backend.
type DirectVolumeSource struct{}

// Open implements VolumeSource.
func (DirectVolumeSource) Open(path string) (*btrfs.FS, error) {
	return btrfs.Open(path)
}

// ResolveVolumes opens each path with src, looks up (and creates, if
// this is the first time bedup has seen it) the Filesystem and Volume
// rows, and returns one OpenVolume per path in the same order. The
// caller is responsible for closing every returned FS.
func ResolveVolumes(ctx context.Context, s *store.Store, src VolumeSource, paths []string, sizeCutoff int64) ([]*OpenVolume, error) {
	// Volume arguments commonly share a filesystem (that's the whole
	// point of GroupByFilesystem), so memoize the uuid -> fsID lookup
	// for the rest of this call instead of round-tripping the store
	// once per path for what is, after the first path, always the
	// same row.
	fsidCache := containers.NewLRUCache[string, int64](8)

	opened := make([]*OpenVolume, 0, len(paths))
	for _, path := range paths {
		fs, err := src.Open(path)
		if err != nil {
			closeAll(opened)
			return nil, errors.Wrapf(err, "cli: open volume %q", path)
		}

		uuid, err := fs.UUID()
		if err != nil {
			fs.Close() //nolint:errcheck
			closeAll(opened)
			return nil, errors.Wrapf(err, "cli: get fs uuid for %q", path)
		}
		rootID, err := fs.RootID()
		if err != nil {
			fs.Close() //nolint:errcheck
			closeAll(opened)
			return nil, errors.Wrapf(err, "cli: get root id for %q", path)
		}

		fsID, ok := fsidCache.Get(uuid.String())
		if !ok {
			fsID, err = s.GetOrCreateFilesystem(ctx, uuid.String())
			if err != nil {
				fs.Close() //nolint:errcheck
				closeAll(opened)
				return nil, errors.Wrapf(err, "cli: get or create filesystem for %q", path)
			}
			fsidCache.Add(uuid.String(), fsID)
		}
		vol, err := s.GetOrCreateVolume(ctx, fsID, uint64(rootID), sizeCutoff)
		if err != nil {
			fs.Close() //nolint:errcheck
			closeAll(opened)
			return nil, errors.Wrapf(err, "cli: get or create volume for %q", path)
		}

		ov := &OpenVolume{
			Path:  path,
			FS:    fs,
			FSID:  fsID,
			FSRow: store.FilesystemInfo{ID: fsID, UUID: uuid.String()},
			Vol:   vol,
		}
		if releaser, ok := src.(volumeReleaser); ok {
			ov.release = func() error { return releaser.Release(path) }
		}
		opened = append(opened, ov)
	}
	return opened, nil
}

func closeAll(opened []*OpenVolume) {
	for _, ov := range opened {
		ov.Close() //nolint:errcheck
	}
}

// VolumeHandles builds the map dedup.Run expects, keyed by store Volume
// ID, from a set of already-resolved volumes that share one filesystem.
func VolumeHandles(opened []*OpenVolume) map[int64]*dedup.VolumeHandle {
	out := make(map[int64]*dedup.VolumeHandle, len(opened))
	for _, ov := range opened {
		out[ov.Vol.ID] = &dedup.VolumeHandle{Volume: ov.Vol, FS: ov.FS}
	}
	return out
}

// GroupByFilesystem partitions opened volumes by FSID, preserving the
// order in which each filesystem was first seen; this is how the default
// (crossvol) batching finds every volume sharing one filesystem even
// when the command line names volumes from several filesystems at once.
func GroupByFilesystem(opened []*OpenVolume) (order []int64, groups map[int64][]*OpenVolume) {
	groups = make(map[int64][]*OpenVolume)
	for _, ov := range opened {
		if _, ok := groups[ov.FSID]; !ok {
			order = append(order, ov.FSID)
		}
		groups[ov.FSID] = append(groups[ov.FSID], ov)
	}
	return order, groups
}
