package timeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/store"
)

// NewPendingTransactionID mints a transaction id for a locally originated
// send. Callers that already have a transaction id from elsewhere (e.g. one
// shared with the homeserver request) should use that instead; this exists
// for callers with no id of their own to key SavePendingMessage by.
func NewPendingTransactionID() string {
	return uuid.New().String()
}

// SavePendingMessage appends a locally originated, not-yet-confirmed
// message keyed by its transaction id.
func (s *Store) SavePendingMessage(ctx context.Context, roomID, txnID string, ev *codec.Event) error {
	blob, err := codec.Encode(ev)
	if err != nil {
		return err
	}
	return s.env.Write(nil, "timeline.SavePendingMessage", func(txn *sql.Tx) error {
		if err := s.env.EnsureRoomTables(txn, roomID); err != nil {
			return err
		}
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (txn_id, body, inserted_at) VALUES ($1, $2, strftime('%%s','now'))
				ON CONFLICT(txn_id) DO UPDATE SET body = excluded.body`, store.RoomTable(roomID, "pending")),
			txnID, blob,
		)
		return err
	})
}

// FirstPendingMessage peeks the oldest outstanding pending message, by
// insertion order.
func (s *Store) FirstPendingMessage(ctx context.Context, roomID string) (string, *codec.Event, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return "", nil, err
	}
	defer txn.Rollback()

	var txnID string
	var blob []byte
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT txn_id, body FROM %s ORDER BY inserted_at ASC LIMIT 1", store.RoomTable(roomID, "pending"),
	)).Scan(&txnID, &blob)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	ev, err := codec.Decode(blob)
	if err != nil {
		return "", nil, nil //nolint:nilerr // Corruption: drop, caller sees no pending message
	}
	return txnID, ev, nil
}

// RemovePendingStatus removes a pending message once the server echo for its
// transaction id arrives.
func (s *Store) RemovePendingStatus(ctx context.Context, roomID, txnID string) error {
	return s.env.Write(nil, "timeline.RemovePendingStatus", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE txn_id = $1", store.RoomTable(roomID, "pending")), txnID)
		return err
	})
}

// PendingEvents lists outstanding transaction ids for roomID, in insertion
// order.
func (s *Store) PendingEvents(ctx context.Context, roomID string) ([]string, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT txn_id FROM %s ORDER BY inserted_at ASC", store.RoomTable(roomID, "pending"),
	))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
