// Package account stores account data, presence snapshots, read receipts,
// and the notification-sent set, per §4.4.
package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
)

// Store is the Account & Presence Store substore (C5).
type Store struct {
	env *store.Environment
}

func New(env *store.Environment) *Store {
	return &Store{env: env}
}

const globalScope = "global"

// GetAccountData returns the event content stored for (scope, eventType),
// where scope is either "global" or a room id, per the account data event
// keying in §3.
func (s *Store) GetAccountData(ctx context.Context, scope, eventType string) (json.RawMessage, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer txn.Rollback()

	if scope == globalScope {
		var raw string
		err := txn.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM %s WHERE key = $1", store.TableSystem), globalAccountDataKey(eventType)).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return json.RawMessage(raw), true, nil
	}

	var body []byte
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT body FROM %s WHERE scope = $1 AND event_type = $2", store.RoomTable(scope, "account_data"),
	), "room", eventType).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(body), true, nil
}

// SetAccountData upserts the event content for (scope, eventType), run
// either standalone or as part of a larger saveState write.
func (s *Store) SetAccountData(ctx context.Context, txn *sql.Tx, scope, eventType string, content json.RawMessage) error {
	do := func(txn *sql.Tx) error {
		if scope == globalScope {
			_, err := txn.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
					ON CONFLICT(key) DO UPDATE SET value = excluded.value`, store.TableSystem),
				globalAccountDataKey(eventType), string(content),
			)
			return err
		}
		if err := s.env.EnsureRoomTables(txn, scope); err != nil {
			return err
		}
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (scope, event_type, body) VALUES ($1, $2, $3)
				ON CONFLICT(scope, event_type) DO UPDATE SET body = excluded.body`, store.RoomTable(scope, "account_data")),
			"room", eventType, []byte(content),
		)
		return err
	}
	if txn != nil {
		return do(txn)
	}
	return s.env.Write(nil, "account.SetAccountData", do)
}

func globalAccountDataKey(eventType string) string {
	return "account_data:global:" + eventType
}
