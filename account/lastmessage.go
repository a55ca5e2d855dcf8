package account

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
)

// UpdateLastMessageTimestamp records roomID's most recent message time so
// the room list can sort by recency without a timeline scan.
func (s *Store) UpdateLastMessageTimestamp(ctx context.Context, txn *sql.Tx, roomID string, ts int64) error {
	do := func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET last_message_ts = $1 WHERE room_id = $2 AND last_message_ts < $1`, store.TableRooms),
			ts, roomID,
		)
		return err
	}
	if txn != nil {
		return do(txn)
	}
	return s.env.Write(nil, "account.UpdateLastMessageTimestamp", do)
}
