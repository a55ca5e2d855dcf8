package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
)

// SavePresence records a batch of per-user presence snapshots from a sync
// response, replacing any prior snapshot for the same user.
func (s *Store) SavePresence(ctx context.Context, txn *sql.Tx, batch map[string]json.RawMessage) error {
	do := func(txn *sql.Tx) error {
		for userID, snapshot := range batch {
			if _, err := txn.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %s (user_id, snapshot) VALUES ($1, $2)
					ON CONFLICT(user_id) DO UPDATE SET snapshot = excluded.snapshot`, store.TablePresence),
				userID, []byte(snapshot),
			); err != nil {
				return fmt.Errorf("account: saving presence for %s: %w", userID, err)
			}
		}
		return nil
	}
	if txn != nil {
		return do(txn)
	}
	return s.env.Write(nil, "account.SavePresence", do)
}

// Presence is the point read for userID's last known presence snapshot.
func (s *Store) Presence(ctx context.Context, userID string) (json.RawMessage, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer txn.Rollback()

	var snapshot []byte
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT snapshot FROM %s WHERE user_id = $1", store.TablePresence), userID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(snapshot), true, nil
}
