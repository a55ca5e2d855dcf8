package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/element-hq/matrix-cache/internal/sqlutil"
)

// currentFormat is the on-disk schema version this build writes. At open,
// runMigrations applies the schema and the migrations registered below, then
// compares this against the system table's stored value; a missing or
// different value is replaced by setCurrentFormat.
var currentFormat = semver.MustParse("1.0.0")

const globalSchema = `
CREATE TABLE IF NOT EXISTS ` + TableSystem + ` (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + TableRooms + ` (
	room_id TEXT PRIMARY KEY,
	membership TEXT NOT NULL,
	last_message_ts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ` + TableInvites + ` (
	room_id TEXT PRIMARY KEY,
	state BLOB NOT NULL,
	members BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + TableUserKeys + ` (
	user_id TEXT PRIMARY KEY,
	devices BLOB NOT NULL,
	cross_signing BLOB,
	sync_token TEXT,
	outdated INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS ` + TableVerification + ` (
	user_id TEXT PRIMARY KEY,
	trusted_master_key TEXT,
	device_trust BLOB
);

CREATE TABLE IF NOT EXISTS ` + TableOutboundMegolm + ` (
	room_id TEXT PRIMARY KEY,
	session BLOB NOT NULL,
	metadata BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + TableInboundMegolm + ` (
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	first_known_index INTEGER NOT NULL,
	session BLOB NOT NULL,
	metadata BLOB NOT NULL,
	PRIMARY KEY (room_id, sender_key, session_id)
);

CREATE TABLE IF NOT EXISTS ` + TableOlmSessions + ` (
	curve25519_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	last_used_ts INTEGER NOT NULL,
	session BLOB NOT NULL,
	PRIMARY KEY (curve25519_key, session_id)
);

CREATE TABLE IF NOT EXISTS ` + TableOlmAccount + ` (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	account BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + TableBackup + ` (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	version TEXT NOT NULL,
	public_key TEXT NOT NULL,
	local_key BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + TableSecretsInternal + ` (
	name TEXT PRIMARY KEY,
	value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + TablePresence + ` (
	user_id TEXT PRIMARY KEY,
	snapshot BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + TableNotificationsSent + ` (
	event_id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS ` + TableReadReceipts + ` (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	ts_ms INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS ` + TableSpaceParents + ` (
	room_id TEXT NOT NULL,
	parent_room_id TEXT NOT NULL,
	PRIMARY KEY (room_id, parent_room_id)
);

CREATE TABLE IF NOT EXISTS ` + TableSpaceChildren + ` (
	room_id TEXT NOT NULL,
	child_room_id TEXT NOT NULL,
	PRIMARY KEY (room_id, child_room_id)
);

CREATE TABLE IF NOT EXISTS ` + TableImagePacks + ` (
	room_id TEXT PRIMARY KEY,
	packs BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + TableEventExpiry + ` (
	room_id TEXT PRIMARY KEY,
	progress_event_id TEXT NOT NULL
);
`

// runMigrations creates the global schema if absent, applies any registered
// deltas, then records currentFormat in the system table. Per-room tables
// are created on demand by EnsureRoomTables, not here: a fresh environment
// has no rooms yet.
func (e *Environment) runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, globalSchema); err != nil {
		return errors.Wrap(err, "store: creating global schema")
	}

	m := sqlutil.NewMigrator(db)
	m.AddMigrations(
	// Deltas land here as the on-disk format evolves. None yet: this is
	// the first shipped format.
	)
	if err := m.Up(ctx); err != nil {
		return errors.Wrap(err, "store: running migrations")
	}

	stored, err := storedFormat(ctx, db)
	if err != nil {
		return err
	}
	if stored == nil || !stored.Equal(currentFormat) {
		if err := setCurrentFormat(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func storedFormat(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM `+TableSystem+` WHERE key = 'format_version'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("store: parsing stored format version %q: %w", raw, err)
	}
	return v, nil
}

// FormatVersion returns the on-disk format version recorded by the last
// successful Setup, for callers (the sweeper) that gate their behavior on
// it rather than assuming the build's currentFormat always matches what
// is actually on disk.
func (e *Environment) FormatVersion(ctx context.Context) (*semver.Version, error) {
	if !e.ready.Load() {
		return nil, ErrUninitialized
	}
	v, err := storedFormat(ctx, e.db)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return currentFormat, nil
	}
	return v, nil
}

func setCurrentFormat(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO `+TableSystem+` (key, value) VALUES ('format_version', $1)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		currentFormat.String(),
	)
	return err
}
