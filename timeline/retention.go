package timeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
)

// DeleteMessagesOlderThan trims event_index entries whose event predates
// cutoffMs. resumeEventID, if non-empty, is the boundary event a prior pass
// left in place; the scan starts there instead of the room's first index,
// so a sweep never re-decodes history it already confirmed was worth
// keeping. It returns the number of events removed and the new boundary
// event id (empty if the scan reached the end of the timeline), which the
// caller persists (store.TableEventExpiry) to resume from next time.
func (s *Store) DeleteMessagesOlderThan(ctx context.Context, txn *sql.Tx, roomID string, cutoffMs int64, resumeEventID string) (deleted int, boundaryEventID string, err error) {
	rng, err := s.getTimelineRangeTx(ctx, txn, roomID)
	if err != nil || !rng.Valid {
		return 0, resumeEventID, err
	}

	from := rng.First
	if resumeEventID != "" {
		var index int64
		err := txn.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT event_index FROM %s WHERE event_id = $1", store.RoomTable(roomID, "event_to_order"),
		), resumeEventID).Scan(&index)
		if err != nil && err != sql.ErrNoRows {
			return 0, resumeEventID, err
		}
		if err == nil {
			from = index
		}
	}

	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT event_index, event_id FROM %s WHERE event_index >= $1 AND event_index <= $2 ORDER BY event_index ASC",
		store.RoomTable(roomID, "order"),
	), from, rng.Last)
	if err != nil {
		return 0, resumeEventID, err
	}
	defer rows.Close()

	var boundaryIndex int64 = -1
	var toDelete []int64
	for rows.Next() {
		var index int64
		var eventID string
		if err := rows.Scan(&index, &eventID); err != nil {
			return 0, resumeEventID, err
		}
		ev, err := s.getEventTx(ctx, txn, roomID, eventID)
		if err != nil && err != sql.ErrNoRows {
			return 0, resumeEventID, err
		}
		if ev == nil || int64(ev.OriginServerTS) >= cutoffMs {
			boundaryEventID = eventID
			boundaryIndex = index
			break
		}
		toDelete = append(toDelete, index)
	}
	if err := rows.Err(); err != nil {
		return 0, resumeEventID, err
	}
	if len(toDelete) == 0 {
		return 0, boundaryEventID, nil
	}
	if boundaryIndex < 0 {
		boundaryIndex = rng.Last + 1
	}

	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE event_index < $1", store.RoomTable(roomID, "order")), boundaryIndex,
	); err != nil {
		return 0, resumeEventID, err
	}
	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE event_index < $1", store.RoomTable(roomID, "event_to_order")), boundaryIndex,
	); err != nil {
		return 0, resumeEventID, err
	}
	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE event_id NOT IN (SELECT event_id FROM %s)`,
			store.RoomTable(roomID, "msg_to_order"), store.RoomTable(roomID, "event_to_order")),
	); err != nil {
		return 0, resumeEventID, err
	}
	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE event_id NOT IN (SELECT event_id FROM %s)`,
			store.RoomTable(roomID, "order_to_msg"), store.RoomTable(roomID, "event_to_order")),
	); err != nil {
		return 0, resumeEventID, err
	}
	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE event_id NOT IN (SELECT event_id FROM %s)`,
			store.RoomTable(roomID, "events"), store.RoomTable(roomID, "event_to_order")),
	); err != nil {
		return 0, resumeEventID, err
	}
	return len(toDelete), boundaryEventID, nil
}

// DeleteStalePending removes locally originated messages that have sat
// unconfirmed since before cutoffUnixSeconds, e.g. a send that never got a
// server echo because the process was killed mid-request.
func (s *Store) DeleteStalePending(ctx context.Context, txn *sql.Tx, roomID string, cutoffUnixSeconds int64) error {
	_, err := txn.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE inserted_at < $1", store.RoomTable(roomID, "pending")),
		cutoffUnixSeconds,
	)
	return err
}
