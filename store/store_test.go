package store_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/store"
)

func newTestEnvironment(t *testing.T) *store.Environment {
	t.Helper()
	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = t.TempDir()
	cfg.Driver = config.SQLiteDriverPureGo

	env := store.Open(cfg)
	require.NoError(t, env.Setup(context.Background()))
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestSetupMakesDatabaseReady(t *testing.T) {
	env := newTestEnvironment(t)
	require.True(t, env.IsDatabaseReady())
}

func TestOperationsFailBeforeSetup(t *testing.T) {
	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = t.TempDir()

	env := store.Open(cfg)
	require.False(t, env.IsDatabaseReady())

	err := env.Write(nil, "test", func(txn *sql.Tx) error { return nil })
	require.ErrorIs(t, err, store.ErrUninitialized)

	_, err = env.Begin(context.Background())
	require.ErrorIs(t, err, store.ErrUninitialized)
}

func TestEnsureRoomTablesIsIdempotent(t *testing.T) {
	env := newTestEnvironment(t)
	require.NoError(t, env.EnsureRoomTables(nil, "!room:example.org"))
	require.NoError(t, env.EnsureRoomTables(nil, "!room:example.org"))

	table := store.RoomTable("!room:example.org", "events")
	var name string
	err := env.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = $1`, table).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, table, name)
}

func TestDropRoomTablesRemovesThem(t *testing.T) {
	env := newTestEnvironment(t)
	roomID := "!room:example.org"
	require.NoError(t, env.EnsureRoomTables(nil, roomID))
	require.NoError(t, env.DropRoomTables(nil, roomID))

	table := store.RoomTable(roomID, "events")
	var name string
	err := env.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = $1`, table).Scan(&name)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestDeleteDataRemovesDirectory(t *testing.T) {
	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = t.TempDir()
	env := store.Open(cfg)
	require.NoError(t, env.Setup(context.Background()))

	require.NoError(t, env.DeleteData())
	require.False(t, env.IsDatabaseReady())

	_, err := env.Begin(context.Background())
	require.ErrorIs(t, err, store.ErrUninitialized)
}

func TestWriteCommitsAcrossRestart(t *testing.T) {
	env := newTestEnvironment(t)
	err := env.Write(nil, "test", func(txn *sql.Tx) error {
		_, err := txn.Exec(`INSERT INTO ` + store.TableRooms + ` (room_id, membership) VALUES ('!a:x', 'join')`)
		return err
	})
	require.NoError(t, err)

	var membership string
	require.NoError(t, env.DB().QueryRow(`SELECT membership FROM `+store.TableRooms+` WHERE room_id = '!a:x'`).Scan(&membership))
	require.Equal(t, "join", membership)
}
