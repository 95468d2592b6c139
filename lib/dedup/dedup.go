// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dedup implements the engine's tiered deduplication pipeline: for
// each size-group the windowed query yields, it narrows candidates through
// a sample hash, an extent-map hash, and a full cryptographic hash taken
// under the Immutability Guard, then clones the survivors.
package dedup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/g2p/bedup-go/lib/btrfs"
	"github.com/g2p/bedup-go/lib/btrfs/btrfsprim"
	"github.com/g2p/bedup-go/lib/btrfsioctl"
	"github.com/g2p/bedup-go/lib/guard"
	"github.com/g2p/bedup-go/lib/hashing"
	"github.com/g2p/bedup-go/lib/rlimit"
	"github.com/g2p/bedup-go/lib/store"
)

// FileOpErrorKind routes a per-file error at the open/lookup boundary: Stale
// means the backing file is confirmed gone (delete the record), Transient
// means a retry next run might succeed (mark skipped), Fatal means the
// error is unexpected and must propagate.
type FileOpErrorKind int

const (
	Stale FileOpErrorKind = iota
	Transient
	Fatal
)

func (k FileOpErrorKind) String() string {
	switch k {
	case Stale:
		return "stale"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FileOpError is the sum type the engine matches on at every per-file
// operation boundary (lookup, open, stat re-validation).
type FileOpError struct {
	Kind FileOpErrorKind
	Op   string
	Err  error
}

func (e *FileOpError) Error() string {
	return fmt.Sprintf("dedup: %s: %v", e.Op, e.Err)
}

func (e *FileOpError) Unwrap() error { return e.Err }

// ErrFilesDiffer is returned when a byte-compare fails after two files'
// full cryptographic hashes matched. This is an engine invariant violation
// (a hash collision or a hasher bug), not a recoverable per-file condition.
var ErrFilesDiffer = errors.New("dedup: files differ despite matching full hash")

// classifyLookupErr routes FS.LookupOnePath's failure: an inode that no
// longer resolves to any path is confirmed gone.
func classifyLookupErr(op string, err error) *FileOpError {
	if errors.Is(err, unix.ENOENT) {
		return &FileOpError{Kind: Stale, Op: op, Err: err}
	}
	return &FileOpError{Kind: Fatal, Op: op, Err: err}
}

// classifyOpenErr routes the read-write open of a survivor: a moved or
// unlinked race, a busy text segment, or a permission failure are all
// retried next run; anything else propagates.
func classifyOpenErr(op string, err error) *FileOpError {
	switch {
	case errors.Is(err, unix.ETXTBSY):
		return &FileOpError{Kind: Transient, Op: op, Err: err}
	case errors.Is(err, unix.EACCES):
		return &FileOpError{Kind: Transient, Op: op, Err: err}
	case errors.Is(err, unix.ENOENT):
		return &FileOpError{Kind: Transient, Op: op, Err: err}
	default:
		return &FileOpError{Kind: Fatal, Op: op, Err: err}
	}
}

// VolumeHandle ties a store volume row to the open directory handle the
// engine opens inodes relative to.
type VolumeHandle struct {
	Volume *store.Volume
	FS     *btrfs.FS
}

// Options controls one Run call.
type Options struct {
	SizeCutoff     int64
	Defragment     bool
	VolumesInBatch int

	// OnlyVolumeID restricts every size-group to one volume's inodes,
	// for --no-crossvol: the windowed query still spans the whole
	// filesystem, but candidates from other volumes are dropped before
	// the sample-hash tier rather than being paired for cloning.
	OnlyVolumeID *int64
}

// Stats summarizes one Run call, for the progress sink.
type Stats struct {
	GroupsConsidered int
	GroupsSkipped    int
	ClonesPerformed  int
	BytesReclaimed   int64
}

// candidate is one inode still alive in the current size-group's pipeline,
// carrying whichever open handle the current tier needs.
type candidate struct {
	ref  store.InodeRef
	vh   *VolumeHandle
	path string
	ro   *os.File // open read-only, valid through the sample/extent tiers
	rw   *os.File // open read-write, valid from the open-for-dedup phase on
}

// Run drives the windowed query for fsID and deduplicates every yielded
// size-group, skipping groups whose volumes are not present in volumes
// (e.g. excluded by --no-crossvol).
//
// For the duration of the windowed query, the worker connection's
// durability is relaxed to NORMAL (each window's dirty_flag updates are
// still transactional, just not fsynced individually), and an auxiliary
// checkpointer goroutine drains the WAL on its own connection between
// windows so the WAL doesn't grow unbounded over a long run. Durability
// is restored to FULL before Run returns, win or lose.
func Run(ctx context.Context, s *store.Store, fsID int64, volumes map[int64]*VolumeHandle, backend btrfsioctl.Backend, opts Options) (Stats, error) {
	var stats Stats
	skip := store.NewSkipReporter()

	if err := s.RelaxDurability(ctx); err != nil {
		return stats, errors.Wrap(err, "dedup: relax durability for windowing")
	}
	defer func() {
		// Deliberately detached from ctx: this must run even if ctx was
		// cancelled mid-window, or the store is left at synchronous=NORMAL
		// for every later command against it.
		if err := s.RestoreDurability(context.Background()); err != nil {
			dlog.Errorf(ctx, "dedup: restore durability: %v", err)
		}
	}()

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	checkpoints := make(chan struct{}, 1)
	grp.Go("checkpointer", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-checkpoints:
				if !ok {
					return nil
				}
				if err := s.Checkpoint(ctx); err != nil {
					dlog.Warnf(ctx, "dedup: checkpoint: %v", err)
				}
			}
		}
	})
	grp.Go("windower", func(ctx context.Context) error {
		defer close(checkpoints)
		return s.WindowedInodes(ctx, fsID, skip, func() {
			// Non-blocking: a checkpoint already queued is as good as
			// two, and the checkpointer must never stall the windower.
			select {
			case checkpoints <- struct{}{}:
			default:
			}
		}, func(group store.SizeGroup) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats.GroupsConsidered++
			return processGroup(ctx, s, fsID, volumes, backend, opts, group, skip, &stats)
		})
	})

	return stats, grp.Wait()
}

func processGroup(ctx context.Context, s *store.Store, fsID int64, volumes map[int64]*VolumeHandle, backend btrfsioctl.Backend, opts Options, group store.SizeGroup, skip *store.SkipReporter, stats *Stats) error {
	ctx = dlog.WithField(ctx, "dedup.size", group.Size)

	if opts.OnlyVolumeID != nil {
		filtered := group.Inodes[:0]
		for _, ref := range group.Inodes {
			if ref.VolID == *opts.OnlyVolumeID {
				filtered = append(filtered, ref)
			}
		}
		group.Inodes = filtered
		if len(group.Inodes) < 2 {
			return nil
		}
	}

	buckets := sampleHashTier(ctx, s, volumes, group, skip)
	survivors := extentMapTier(ctx, backend, buckets, skip)

	closeReadOnly(survivors)
	if len(survivors) == 0 {
		return nil
	}

	if !openFileHeadroom(len(survivors), opts.VolumesInBatch) {
		stats.GroupsSkipped++
		for _, ref := range group.Inodes {
			skip.Skip(ref.VolID, ref.Ino)
		}
		dlog.Warnf(ctx, "skipping group of %d inodes: insufficient open-file headroom", len(group.Inodes))
		return nil
	}

	survivors, err := openForDedup(ctx, survivors, skip)
	if err != nil {
		return errors.Wrap(err, "dedup: open-for-dedup phase")
	}
	if len(survivors) < 2 {
		return nil
	}

	fds := make([]uintptr, len(survivors))
	for i, c := range survivors {
		fds[i] = c.rw.Fd()
	}
	g, err := guard.Acquire(backend, fds)
	if err != nil {
		closeReadWrite(survivors)
		return errors.Wrap(err, "dedup: acquire immutability guard")
	}
	defer func() {
		if rerr := g.Release(); rerr != nil {
			dlog.Errorf(ctx, "dedup: release immutability guard: %v", rerr)
		}
		closeReadWrite(survivors)
	}()

	fullBuckets, err := fullHashTier(ctx, s, g, survivors, group.Size, opts.SizeCutoff, skip)
	if err != nil {
		return err
	}

	return cloneTier(ctx, s, fsID, backend, opts, fullBuckets, stats)
}

// sampleHashTier looks up each candidate's path, opens it read-only, and
// buckets by sample hash. Buckets of size < 2 are dropped.
func sampleHashTier(ctx context.Context, s *store.Store, volumes map[int64]*VolumeHandle, group store.SizeGroup, skip *store.SkipReporter) map[uint32][]*candidate {
	buckets := make(map[uint32][]*candidate)
	for _, ref := range group.Inodes {
		vh, ok := volumes[ref.VolID]
		if !ok {
			continue
		}

		path, err := vh.FS.LookupOnePath(btrfsprim.ObjID(vh.Volume.RootID), btrfsprim.ObjID(ref.Ino))
		if err != nil {
			fe := classifyLookupErr("lookup path", err)
			if fe.Kind == Stale {
				if derr := s.DeleteInode(ctx, ref.VolID, ref.Ino); derr != nil {
					dlog.Errorf(ctx, "dedup: delete stale inode %d: %v", ref.Ino, derr)
				}
				continue
			}
			dlog.Errorf(ctx, "dedup: %v", fe)
			skip.Skip(ref.VolID, ref.Ino)
			continue
		}

		f, err := os.Open(filepath.Join(vh.FS.Dir.Name(), path))
		if err != nil {
			dlog.Warnf(ctx, "dedup: open %q read-only: %v", path, err)
			skip.Skip(ref.VolID, ref.Ino)
			continue
		}

		h, err := hashing.SampleHash(f, ref.Size)
		if err != nil {
			dlog.Warnf(ctx, "dedup: sample hash %q: %v", path, err)
			f.Close() //nolint:errcheck
			skip.Skip(ref.VolID, ref.Ino)
			continue
		}

		buckets[h] = append(buckets[h], &candidate{ref: ref, vh: vh, path: path, ro: f})
	}

	for h, cands := range buckets {
		if len(cands) < 2 {
			closeReadOnly(cands)
			delete(buckets, h)
		}
	}
	return buckets
}

// extentMapTier computes each surviving candidate's extent-map hash and
// drops an entire sample bucket when the set of distinct hash values it
// contains has size < 2: either too few candidates made it this far, or
// every one of them already shares the same physical layout, so a clone
// would be a no-op. A bucket with two or more distinct layouts passes
// through whole; which members end up paired for cloning is decided later,
// by the full-hash tier.
func extentMapTier(ctx context.Context, backend btrfsioctl.Backend, sampleBuckets map[uint32][]*candidate, skip *store.SkipReporter) []*candidate {
	var survivors []*candidate
	for _, cands := range sampleBuckets {
		distinct := make(map[uint64]bool)
		kept := make([]*candidate, 0, len(cands))
		for _, c := range cands {
			h, err := hashing.ExtentMapHash(backend, c.ro.Fd())
			if err != nil {
				dlog.Warnf(ctx, "dedup: extent-map hash %q: %v", c.path, err)
				skip.Skip(c.ref.VolID, c.ref.Ino)
				continue
			}
			distinct[h] = true
			kept = append(kept, c)
		}
		if len(distinct) < 2 {
			continue
		}
		survivors = append(survivors, kept...)
	}
	return survivors
}

func closeReadOnly(cands []*candidate) {
	for _, c := range cands {
		if c.ro != nil {
			c.ro.Close() //nolint:errcheck
			c.ro = nil
		}
	}
}

func closeReadWrite(cands []*candidate) {
	for _, c := range cands {
		if c.rw != nil {
			c.rw.Close() //nolint:errcheck
			c.rw = nil
		}
	}
}

// openFileHeadroom checks whether opening 2*n fds (read-write plus the
// guard's own bookkeeping) fits under the process's soft limit, raising
// to the hard limit if not. reserved accounts for standard streams, the
// store's two connections, and one directory handle per volume in batch.
func openFileHeadroom(n int, volumesInBatch int) bool {
	reserved := uint64(7 + volumesInBatch)
	need := uint64(2*n) + reserved
	ok, err := rlimit.HasHeadroom(need)
	if err == nil && ok {
		return true
	}
	if _, err := rlimit.RaiseToHard(); err != nil {
		return false
	}
	ok, err = rlimit.HasHeadroom(need)
	return err == nil && ok
}

// openForDedup opens every surviving candidate read-write. TextBusy,
// AccessDenied, and NoEntry are routed to skip-and-retry; any other error
// propagates, closing whatever this call has already opened.
func openForDedup(ctx context.Context, cands []*candidate, skip *store.SkipReporter) ([]*candidate, error) {
	survivors := cands[:0]
	for _, c := range cands {
		f, err := os.OpenFile(filepath.Join(c.vh.FS.Dir.Name(), c.path), os.O_RDWR, 0)
		if err != nil {
			fe := classifyOpenErr("open read-write", err)
			if fe.Kind == Fatal {
				closeReadWrite(survivors)
				return nil, fe
			}
			dlog.Warnf(ctx, "dedup: %v", fe)
			skip.Skip(c.ref.VolID, c.ref.Ino)
			continue
		}
		c.rw = f
		survivors = append(survivors, c)
	}
	return survivors, nil
}

// fullHashTier computes the full cryptographic hash of every survivor not
// already in write-use by another process, re-validating identity and
// length before bucketing.
func fullHashTier(ctx context.Context, s *store.Store, g *guard.Guard, cands []*candidate, groupSize, sizeCutoff int64, skip *store.SkipReporter) (map[[hashing.FullHashSize]byte][]*candidate, error) {
	inWriteUse := make(map[uintptr]bool)
	for _, fd := range g.FDsInWriteUse() {
		inWriteUse[fd] = true
	}

	buckets := make(map[[hashing.FullHashSize]byte][]*candidate)
	for _, c := range cands {
		if inWriteUse[c.rw.Fd()] {
			dlog.Infof(ctx, "dedup: %q is in use by another process, skipping", c.path)
			skip.Skip(c.ref.VolID, c.ref.Ino)
			continue
		}

		if _, err := c.rw.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrapf(err, "dedup: seek %q", c.path)
		}
		h, err := hashing.FullHash(c.rw)
		if err != nil {
			return nil, errors.Wrapf(err, "dedup: full hash %q", c.path)
		}

		var st unix.Stat_t
		if err := unix.Fstat(int(c.rw.Fd()), &st); err != nil {
			return nil, errors.Wrapf(err, "dedup: fstat %q", c.path)
		}
		switch {
		case uint64(st.Ino) != c.ref.Ino:
			skip.Skip(c.ref.VolID, c.ref.Ino)
			continue
		case st.Size < sizeCutoff:
			if err := s.DeleteInode(ctx, c.ref.VolID, c.ref.Ino); err != nil {
				return nil, errors.Wrapf(err, "dedup: delete shrunk inode %q", c.path)
			}
			continue
		case st.Size != groupSize:
			skip.Skip(c.ref.VolID, c.ref.Ino)
			continue
		}

		buckets[h] = append(buckets[h], c)
	}
	return buckets, nil
}

// cloneTier runs the clone phase over every full-hash bucket of size >= 2,
// committing one DedupEvent per bucket that performs at least one clone.
func cloneTier(ctx context.Context, s *store.Store, fsID int64, backend btrfsioctl.Backend, opts Options, buckets map[[hashing.FullHashSize]byte][]*candidate, stats *Stats) error {
	for _, cands := range buckets {
		if len(cands) < 2 {
			continue
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].ref.Ino < cands[j].ref.Ino })
		src := cands[0]

		if opts.Defragment {
			if err := src.vh.FS.Defragment(src.rw.Fd()); err != nil {
				dlog.Warnf(ctx, "dedup: defragment %q: %v", src.path, err)
			}
		}

		var cloned []*candidate
		for _, dst := range cands[1:] {
			same, err := compareBytes(src.rw, dst.rw)
			if err != nil {
				return errors.Wrapf(err, "dedup: byte-compare %q vs %q", src.path, dst.path)
			}
			if !same {
				return errors.Wrapf(ErrFilesDiffer, "%q vs %q", src.path, dst.path)
			}

			result, err := src.vh.FS.CloneData(dst.rw.Fd(), src.rw.Fd(), true, func() (bool, error) {
				sh, err := hashing.ExtentMapHash(backend, src.rw.Fd())
				if err != nil {
					return false, err
				}
				dh, err := hashing.ExtentMapHash(backend, dst.rw.Fd())
				if err != nil {
					return false, err
				}
				return sh == dh, nil
			})
			if err != nil {
				if errors.Is(err, btrfs.ErrNodataCowOrInvalid) {
					dlog.Warnf(ctx, "dedup: %q rejects cloning, abandoning bucket", dst.path)
					break
				}
				return errors.Wrapf(err, "dedup: clone %q onto %q", src.path, dst.path)
			}

			switch result {
			case btrfs.AlreadyShared:
				dlog.Debugf(ctx, "dedup: %q and %q did not dedup (same extents)", src.path, dst.path)
			case btrfs.Cloned:
				cloned = append(cloned, dst)
				stats.ClonesPerformed++
			}
		}

		if len(cloned) == 0 {
			continue
		}

		participants := make([]store.InodeRef, 0, len(cloned)+1)
		participants = append(participants, src.ref)
		for _, c := range cloned {
			participants = append(participants, c.ref)
		}
		if err := s.RecordDedupEvent(ctx, fsID, src.ref.Size, time.Now(), participants); err != nil {
			return errors.Wrap(err, "dedup: record dedup event")
		}
		stats.BytesReclaimed += src.ref.Size * int64(len(cloned))
	}
	return nil
}

// DedupFiles runs the same freeze/compare/clone path cloneTier uses,
// outside the scan/store flow: src is the clone source, every dest is
// projected onto it in order. It is the engine the CLI's ad hoc
// dedup-files subcommand drives directly on a handful of named files.
func DedupFiles(ctx context.Context, fs *btrfs.FS, backend btrfsioctl.Backend, src *os.File, dests []*os.File, defragment bool) (int, error) {
	fds := make([]uintptr, 0, len(dests)+1)
	fds = append(fds, src.Fd())
	for _, d := range dests {
		fds = append(fds, d.Fd())
	}
	g, err := guard.Acquire(backend, fds)
	if err != nil {
		return 0, errors.Wrap(err, "dedup: acquire immutability guard")
	}
	defer func() {
		if rerr := g.Release(); rerr != nil {
			dlog.Errorf(ctx, "dedup: release immutability guard: %v", rerr)
		}
	}()

	if defragment {
		if err := fs.Defragment(src.Fd()); err != nil {
			dlog.Warnf(ctx, "dedup: defragment source: %v", err)
		}
	}

	var cloned int
	for _, dst := range dests {
		same, err := compareBytes(src, dst)
		if err != nil {
			return cloned, errors.Wrap(err, "dedup: byte-compare")
		}
		if !same {
			return cloned, ErrFilesDiffer
		}

		result, err := fs.CloneData(dst.Fd(), src.Fd(), true, func() (bool, error) {
			sh, err := hashing.ExtentMapHash(backend, src.Fd())
			if err != nil {
				return false, err
			}
			dh, err := hashing.ExtentMapHash(backend, dst.Fd())
			if err != nil {
				return false, err
			}
			return sh == dh, nil
		})
		if err != nil {
			return cloned, errors.Wrap(err, "dedup: clone")
		}

		switch result {
		case btrfs.AlreadyShared:
			dlog.Debugf(ctx, "dedup: did not dedup (same extents)")
		case btrfs.Cloned:
			cloned++
		}
	}
	return cloned, nil
}

// compareBytes is the paranoia check run immediately before every clone:
// a full cryptographic hash match is trusted, but never blindly.
func compareBytes(a, b *os.File) (bool, error) {
	if _, err := a.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	if _, err := b.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	ra := bufio.NewReaderSize(a, 1<<20)
	rb := bufio.NewReaderSize(b, 1<<20)
	bufA := make([]byte, 1<<16)
	bufB := make([]byte, 1<<16)
	for {
		na, erra := io.ReadFull(ra, bufA)
		nb, errb := io.ReadFull(rb, bufB)
		if na != nb {
			return false, nil
		}
		if na > 0 && string(bufA[:na]) != string(bufB[:nb]) {
			return false, nil
		}
		if erra == io.EOF && errb == io.EOF {
			return true, nil
		}
		if erra != nil && erra != io.ErrUnexpectedEOF && erra != io.EOF {
			return false, erra
		}
		if errb != nil && errb != io.ErrUnexpectedEOF && errb != io.EOF {
			return false, errb
		}
		if erra == io.ErrUnexpectedEOF || errb == io.ErrUnexpectedEOF {
			return false, nil
		}
	}
}
