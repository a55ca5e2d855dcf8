package store

import (
	"database/sql"
	"fmt"
)

var roomRoles = []string{
	roleEvents, roleOrder, roleEventToOrder, roleMsgToOrder, roleOrderToMsg,
	rolePending, roleRelations, roleState, roleStateKey, roleMembers,
	roleInviteState, roleInviteMembers, roleAccountData,
}

// execer is satisfied by both *sql.DB and *sql.Tx, so the DDL below can run
// either directly against the database or joined into an in-flight write
// transaction without a second connection checkout — with the environment's
// single sqlite connection (SetMaxOpenConns(1)), issuing it against db from
// inside a transaction already holding that connection would deadlock.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// createRoomTables creates the thirteen-table set backing one room's timeline
// and state substores. Idempotent: every statement is IF NOT EXISTS.
func createRoomTables(db execer, roomID string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id TEXT PRIMARY KEY,
			body BLOB NOT NULL
		)`, roomTable(roomID, roleEvents)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_index INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL,
			is_message INTEGER NOT NULL
		)`, roomTable(roomID, roleOrder)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id TEXT PRIMARY KEY,
			event_index INTEGER NOT NULL
		)`, roomTable(roomID, roleEventToOrder)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id TEXT PRIMARY KEY,
			message_index INTEGER NOT NULL
		)`, roomTable(roomID, roleMsgToOrder)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_index INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL
		)`, roomTable(roomID, roleOrderToMsg)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			txn_id TEXT PRIMARY KEY,
			body BLOB NOT NULL,
			inserted_at INTEGER NOT NULL
		)`, roomTable(roomID, rolePending)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id TEXT NOT NULL,
			related_event_id TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			PRIMARY KEY (event_id, related_event_id, relation_type)
		)`, roomTable(roomID, roleRelations)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_type TEXT NOT NULL,
			state_key TEXT NOT NULL,
			body BLOB NOT NULL,
			PRIMARY KEY (event_type, state_key)
		)`, roomTable(roomID, roleState)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT NOT NULL,
			event_type TEXT NOT NULL,
			PRIMARY KEY (state_key, event_type)
		)`, roomTable(roomID, roleStateKey)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			display_name TEXT,
			avatar_url TEXT,
			membership TEXT NOT NULL
		)`, roomTable(roomID, roleMembers)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_type TEXT NOT NULL,
			state_key TEXT NOT NULL,
			body BLOB NOT NULL,
			PRIMARY KEY (event_type, state_key)
		)`, roomTable(roomID, roleInviteState)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			display_name TEXT,
			avatar_url TEXT,
			membership TEXT NOT NULL
		)`, roomTable(roomID, roleInviteMembers)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			scope TEXT NOT NULL,
			event_type TEXT NOT NULL,
			body BLOB NOT NULL,
			PRIMARY KEY (scope, event_type)
		)`, roomTable(roomID, roleAccountData)),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: creating room table for %s: %w", roomID, err)
		}
	}
	return nil
}

// dropRoomTables removes every per-room table for roomID, used when a room
// transitions to absent (left/forgotten) or by deleteData's full wipe path.
func dropRoomTables(db execer, roomID string) error {
	for _, role := range roomRoles {
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", roomTable(roomID, role))); err != nil {
			return fmt.Errorf("store: dropping room table for %s: %w", roomID, err)
		}
	}
	return nil
}
