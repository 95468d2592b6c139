// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package store

// schemaRevision is the single monotonically-increasing schema version,
// tracked via PRAGMA user_version. Migrations are additive-only: a bump
// here must come with a case appended to migrate, never a rewrite of an
// earlier one.
const schemaRevision = 1

const schemaV1 = `
CREATE TABLE Filesystem (
	id   INTEGER PRIMARY KEY,
	uuid TEXT NOT NULL UNIQUE
);

CREATE TABLE Volume (
	id                       INTEGER PRIMARY KEY,
	fs_id                    INTEGER NOT NULL REFERENCES Filesystem(id),
	root_id                  INTEGER NOT NULL,
	last_tracked_generation  INTEGER NOT NULL DEFAULT 0,
	last_tracked_size_cutoff INTEGER NOT NULL DEFAULT 0,
	size_cutoff              INTEGER NOT NULL,
	UNIQUE(fs_id, root_id)
);

CREATE TABLE VolumePathHistory (
	id     INTEGER PRIMARY KEY,
	vol_id INTEGER NOT NULL REFERENCES Volume(id),
	path   TEXT NOT NULL
);
CREATE INDEX idx_volumepathhistory_vol ON VolumePathHistory(vol_id);

CREATE TABLE Inode (
	vol_id      INTEGER NOT NULL REFERENCES Volume(id),
	ino         INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	sample_hash INTEGER,
	extent_hash INTEGER,
	dirty_flag  INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (vol_id, ino)
);
CREATE INDEX idx_inode_size ON Inode(size DESC);

CREATE TABLE DedupEvent (
	id         INTEGER PRIMARY KEY,
	fs_id      INTEGER NOT NULL REFERENCES Filesystem(id),
	item_size  INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE DedupEventInode (
	id       INTEGER PRIMARY KEY,
	event_id INTEGER NOT NULL REFERENCES DedupEvent(id),
	vol_id   INTEGER NOT NULL,
	ino      INTEGER NOT NULL
);
CREATE INDEX idx_dedupeventinode_event ON DedupEventInode(event_id);
`

// migrate brings a freshly-opened database from its current user_version up
// to schemaRevision, applying each step in order. There is only one step
// today; future bumps append a case rather than editing schemaV1 in place.
func migrate(exec func(string) error, from int) error {
	if from < 1 {
		if err := exec(schemaV1); err != nil {
			return err
		}
	}
	return nil
}
