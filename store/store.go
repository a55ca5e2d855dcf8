// Package store implements the Storage Environment: a single on-disk sqlite
// database, opened once per process, partitioned into many named sub-stores
// (tables), with a single in-process writer goroutine serializing commits
// and read-only callers observing a consistent WAL snapshot.
package store

import (
	"context"
	"database/sql"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/internal/sqlutil"
)

// Environment is the cache's single storage handle. It is created once per
// logged-in session (see the client() singleton discussion in DESIGN.md) and
// is safe for concurrent use by any goroutine.
type Environment struct {
	cfg *config.Cache
	db  *sql.DB
	w   sqlutil.Writer

	ready atomic.Bool

	mu         sync.Mutex
	roomTables map[string]bool // tracks which per-room table sets already exist
}

// Open allocates an Environment without touching disk. Callers must call
// Setup before any other method succeeds.
func Open(cfg *config.Cache) *Environment {
	return &Environment{
		cfg:        cfg,
		roomTables: make(map[string]bool),
	}
}

// Setup opens or creates the on-disk environment, runs runMigrations, and
// sets databaseReady on success. Failure leaves the Environment in its
// uninitialized state, in which every other method fails fast with
// ErrUninitialized.
func (e *Environment) Setup(ctx context.Context) error {
	if err := os.MkdirAll(e.cfg.Directory, 0o750); err != nil {
		return err
	}
	db, err := sqlutil.Open(e.cfg.Driver, e.cfg.Directory)
	if err != nil {
		return err
	}
	if err := e.runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	e.db = db
	e.w = sqlutil.NewExclusiveWriter()
	e.ready.Store(true)
	logrus.WithField("directory", e.cfg.Directory).Info("store: environment ready")
	return nil
}

// IsDatabaseReady reports whether Setup has completed successfully.
func (e *Environment) IsDatabaseReady() bool {
	return e.ready.Load()
}

// DeleteData closes the environment, if open, and removes the on-disk
// directory. Safe to call before Setup.
func (e *Environment) DeleteData() error {
	e.ready.Store(false)
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			return err
		}
		e.db = nil
	}
	return os.RemoveAll(e.cfg.Directory)
}

// Close releases the sqlite connection without removing on-disk data.
func (e *Environment) Close() error {
	e.ready.Store(false)
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// DB returns the underlying connection for substores to prepare statements
// against. Substores must check IsDatabaseReady before calling this.
func (e *Environment) DB() *sql.DB {
	return e.db
}

// Write runs fn inside a write transaction serialized by the environment's
// single writer, labeling the duration metric with caller for attribution.
// txn is nil unless the caller is joining an already-open transaction (used
// by saveState to span multiple substores atomically).
func (e *Environment) Write(txn *sql.Tx, caller string, fn func(txn *sql.Tx) error) error {
	if !e.ready.Load() {
		return ErrUninitialized
	}
	return e.w.Do(e.db, txn, caller, fn)
}

// Begin starts a read-only snapshot transaction. The database has a single
// connection (see internal/sqlutil.Open), so Begin waits while a write is in
// progress, and the writer goroutine waits while the returned transaction is
// open.
func (e *Environment) Begin(ctx context.Context) (*sql.Tx, error) {
	if !e.ready.Load() {
		return nil, ErrUninitialized
	}
	return e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
}

// EnsureRoomTables creates the per-room table set for roomID if it has not
// already been created in this process, so callers can create-on-demand
// without repeating the thirteen-table DDL block at every call site. txn must
// be the caller's in-flight write transaction when called from within one
// (e.g. ApplyState during a saveState pass); passing nil issues the DDL
// directly against the connection, which is only safe outside any write
// transaction — with the environment's single sqlite connection, running it
// against e.db from inside an already-open transaction would deadlock
// waiting for a connection the pool cannot supply.
func (e *Environment) EnsureRoomTables(txn *sql.Tx, roomID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.roomTables[roomID] {
		return nil
	}
	var ex execer = e.db
	if txn != nil {
		ex = txn
	}
	if err := createRoomTables(ex, roomID); err != nil {
		return err
	}
	e.roomTables[roomID] = true
	return nil
}

// RoomTable exposes the deterministic per-room table name for role, for
// substores that build their own SQL against it.
func RoomTable(roomID, role string) string {
	return roomTable(roomID, role)
}

// DropRoomTables removes roomID's per-room table set, used when a room
// transitions to absent. txn follows the same in-flight-transaction
// convention as EnsureRoomTables.
func (e *Environment) DropRoomTables(txn *sql.Tx, roomID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ex execer = e.db
	if txn != nil {
		ex = txn
	}
	if err := dropRoomTables(ex, roomID); err != nil {
		return err
	}
	delete(e.roomTables, roomID)
	return nil
}
