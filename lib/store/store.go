// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package store implements the engine's persistent state: the filesystem,
// volume, inode, and dedup-event log tables, reached through a pair of
// connections (one for the worker, one for the auxiliary checkpointer)
// over a single WAL-mode SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the engine's persistent-state handle. Worker holds the
// connection the scan/dedup loop issues queries and transactions on;
// Checkpointer holds a second connection dedicated to issuing WAL
// checkpoints between windows, so its pragmas are never clobbered by (or
// clobber) the worker's.
type Store struct {
	Worker       *sql.DB
	Checkpointer *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, enables
// WAL journaling and foreign-key enforcement, and migrates the schema to
// the current revision.
func Open(path string) (*Store, error) {
	worker, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open worker connection: %w", err)
	}
	worker.SetMaxOpenConns(1)

	checkpointer, err := sql.Open("sqlite3", path)
	if err != nil {
		worker.Close()
		return nil, fmt.Errorf("store: open checkpointer connection: %w", err)
	}
	checkpointer.SetMaxOpenConns(1)

	s := &Store{Worker: worker, Checkpointer: checkpointer}
	if err := s.init(); err != nil {
		worker.Close()
		checkpointer.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, db := range []*sql.DB{s.Worker, s.Checkpointer} {
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
			"PRAGMA synchronous = FULL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return fmt.Errorf("store: %s: %w", pragma, err)
			}
		}
	}

	var version int
	if err := s.Worker.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if version > schemaRevision {
		return fmt.Errorf("store: database schema revision %d is newer than this binary's revision %d", version, schemaRevision)
	}
	if version < schemaRevision {
		if err := migrate(func(stmt string) error {
			_, err := s.Worker.Exec(stmt)
			return err
		}, version); err != nil {
			return fmt.Errorf("store: migrate schema: %w", err)
		}
		if _, err := s.Worker.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaRevision)); err != nil {
			return fmt.Errorf("store: set schema version: %w", err)
		}
	}
	return nil
}

// Close releases both connections.
func (s *Store) Close() error {
	err1 := s.Worker.Close()
	err2 := s.Checkpointer.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// RelaxDurability lowers synchronous mode for the worker connection during
// scanning/windowing, delegating durability to the checkpointer; call
// RestoreDurability before the final commit of a run.
func (s *Store) RelaxDurability(ctx context.Context) error {
	_, err := s.Worker.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	return err
}

// RestoreDurability returns the worker connection to full synchronous
// durability ahead of a run's final commit.
func (s *Store) RestoreDurability(ctx context.Context) error {
	_, err := s.Worker.ExecContext(ctx, "PRAGMA synchronous = FULL")
	return err
}

// Checkpoint issues a WAL checkpoint on the checkpointer connection; it is
// called from the auxiliary checkpointer between windows.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.Checkpointer.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

// GetOrCreateFilesystem returns the Filesystem row's id for uuid,
// inserting it if absent.
func (s *Store) GetOrCreateFilesystem(ctx context.Context, uuid string) (int64, error) {
	var id int64
	err := s.Worker.QueryRowContext(ctx, `SELECT id FROM Filesystem WHERE uuid = ?`, uuid).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := s.Worker.ExecContext(ctx, `INSERT INTO Filesystem(uuid) VALUES (?)`, uuid)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Volume mirrors one row of the Volume table.
type Volume struct {
	ID                    int64
	FSID                  int64
	RootID                uint64
	LastTrackedGeneration uint64
	LastTrackedSizeCutoff int64
	SizeCutoff            int64
}

// GetOrCreateVolume returns the Volume row for (fsID, rootID), inserting
// it with the given sizeCutoff if absent. If it already exists, sizeCutoff
// is left untouched here — callers apply cutoff-change semantics
// explicitly via UpdateSizeCutoff, since lowering it must force a full
// rescan and raising it must not disturb the watermark.
func (s *Store) GetOrCreateVolume(ctx context.Context, fsID int64, rootID uint64, sizeCutoff int64) (*Volume, error) {
	v := &Volume{}
	err := s.Worker.QueryRowContext(ctx,
		`SELECT id, fs_id, root_id, last_tracked_generation, last_tracked_size_cutoff, size_cutoff
		 FROM Volume WHERE fs_id = ? AND root_id = ?`, fsID, rootID,
	).Scan(&v.ID, &v.FSID, &v.RootID, &v.LastTrackedGeneration, &v.LastTrackedSizeCutoff, &v.SizeCutoff)
	if err == nil {
		return v, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	res, err := s.Worker.ExecContext(ctx,
		`INSERT INTO Volume(fs_id, root_id, last_tracked_generation, last_tracked_size_cutoff, size_cutoff)
		 VALUES (?, ?, 0, 0, ?)`, fsID, rootID, sizeCutoff)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Volume{ID: id, FSID: fsID, RootID: rootID, SizeCutoff: sizeCutoff}, nil
}

// UpdateWatermark advances a volume's last_tracked_generation and
// last_tracked_size_cutoff after a successful scan commit.
func (s *Store) UpdateWatermark(ctx context.Context, volID int64, generation uint64, sizeCutoff int64) error {
	_, err := s.Worker.ExecContext(ctx,
		`UPDATE Volume SET last_tracked_generation = ?, last_tracked_size_cutoff = ? WHERE id = ?`,
		generation, sizeCutoff, volID)
	return err
}

// RecordPath appends one VolumePathHistory entry for vol.
func (s *Store) RecordPath(ctx context.Context, volID int64, path string) error {
	_, err := s.Worker.ExecContext(ctx, `INSERT INTO VolumePathHistory(vol_id, path) VALUES (?, ?)`, volID, path)
	return err
}

// UpsertInode inserts or refreshes an Inode row, marking it dirty.
func (s *Store) UpsertInode(ctx context.Context, volID int64, ino uint64, size int64) error {
	_, err := s.Worker.ExecContext(ctx,
		`INSERT INTO Inode(vol_id, ino, size, dirty_flag) VALUES (?, ?, ?, 1)
		 ON CONFLICT(vol_id, ino) DO UPDATE SET size = excluded.size, dirty_flag = 1`,
		volID, ino, size)
	return err
}

// DeleteInode removes an Inode row outright, used when the backing file
// is confirmed gone.
func (s *Store) DeleteInode(ctx context.Context, volID int64, ino uint64) error {
	_, err := s.Worker.ExecContext(ctx, `DELETE FROM Inode WHERE vol_id = ? AND ino = ?`, volID, ino)
	return err
}

// SetHashes records the sample and extent-map hashes computed for an
// inode during a dedup pass.
func (s *Store) SetHashes(ctx context.Context, volID int64, ino uint64, sampleHash *uint32, extentHash *uint64) error {
	_, err := s.Worker.ExecContext(ctx,
		`UPDATE Inode SET sample_hash = ?, extent_hash = ? WHERE vol_id = ? AND ino = ?`,
		sampleHash, extentHash, volID, ino)
	return err
}

// RecordDedupEvent commits one DedupEvent and its participant rows
// transactionally.
func (s *Store) RecordDedupEvent(ctx context.Context, fsID int64, itemSize int64, createdAt time.Time, participants []InodeRef) error {
	tx, err := s.Worker.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO DedupEvent(fs_id, item_size, created_at) VALUES (?, ?, ?)`,
		fsID, itemSize, createdAt.UnixNano())
	if err != nil {
		return err
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, p := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO DedupEventInode(event_id, vol_id, ino) VALUES (?, ?, ?)`,
			eventID, p.VolID, p.Ino); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InodeRef names one (volume, inode) pair, used both as a DedupEvent
// participant and as a windowed-query result row.
type InodeRef struct {
	VolID int64
	Ino   uint64
	Size  int64
}

// ResetWatermark zeroes a volume's tracked generation and size cutoff,
// forcing the next scan to re-admit every regular file on it.
func (s *Store) ResetWatermark(ctx context.Context, volID int64) error {
	_, err := s.Worker.ExecContext(ctx,
		`UPDATE Volume SET last_tracked_generation = 0, last_tracked_size_cutoff = 0 WHERE id = ?`, volID)
	return err
}

// ForgetFilesystem cascade-deletes a Filesystem row and every Volume,
// Inode, VolumePathHistory, DedupEvent, and DedupEventInode row that
// references it. There are no SQLite schema-level cascades here (the
// migration's REFERENCES clauses are unadorned), so the child tables are
// cleared in dependency order inside one transaction.
func (s *Store) ForgetFilesystem(ctx context.Context, uuid string) error {
	tx, err := s.Worker.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var fsID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM Filesystem WHERE uuid = ?`, uuid).Scan(&fsID); err != nil {
		return err
	}

	stmts := []string{
		`DELETE FROM DedupEventInode WHERE event_id IN (SELECT id FROM DedupEvent WHERE fs_id = ?)`,
		`DELETE FROM DedupEvent WHERE fs_id = ?`,
		`DELETE FROM Inode WHERE vol_id IN (SELECT id FROM Volume WHERE fs_id = ?)`,
		`DELETE FROM VolumePathHistory WHERE vol_id IN (SELECT id FROM Volume WHERE fs_id = ?)`,
		`DELETE FROM Volume WHERE fs_id = ?`,
		`DELETE FROM Filesystem WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, fsID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FilesystemInfo is one row of ListFilesystems.
type FilesystemInfo struct {
	ID   int64
	UUID string
}

// ListFilesystems returns every tracked Filesystem row.
func (s *Store) ListFilesystems(ctx context.Context) ([]FilesystemInfo, error) {
	rows, err := s.Worker.QueryContext(ctx, `SELECT id, uuid FROM Filesystem ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FilesystemInfo
	for rows.Next() {
		var fi FilesystemInfo
		if err := rows.Scan(&fi.ID, &fi.UUID); err != nil {
			return nil, err
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

// ListVolumes returns every Volume row for fsID.
func (s *Store) ListVolumes(ctx context.Context, fsID int64) ([]Volume, error) {
	rows, err := s.Worker.QueryContext(ctx,
		`SELECT id, fs_id, root_id, last_tracked_generation, last_tracked_size_cutoff, size_cutoff
		 FROM Volume WHERE fs_id = ? ORDER BY id`, fsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Volume
	for rows.Next() {
		var v Volume
		if err := rows.Scan(&v.ID, &v.FSID, &v.RootID, &v.LastTrackedGeneration, &v.LastTrackedSizeCutoff, &v.SizeCutoff); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// InodeSize returns the stored size for one inode, and whether a row
// exists for it at all.
func (s *Store) InodeSize(ctx context.Context, volID int64, ino uint64) (int64, bool, error) {
	var size int64
	err := s.Worker.QueryRowContext(ctx, `SELECT size FROM Inode WHERE vol_id = ? AND ino = ?`, volID, ino).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return size, true, nil
}

// ReplayEvent re-marks every inode a past DedupEvent participated in as
// dirty, without touching its tracked size: a test helper for exercising
// the windowed query again without a real filesystem, per the fake
// "updates from past events" hook the CLI exposes.
func (s *Store) ReplayEvent(ctx context.Context, eventID int64) error {
	_, err := s.Worker.ExecContext(ctx,
		`UPDATE Inode SET dirty_flag = 1
		 WHERE (vol_id, ino) IN (SELECT vol_id, ino FROM DedupEventInode WHERE event_id = ?)`, eventID)
	return err
}
