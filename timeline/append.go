package timeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/store"
)

// SaveTimelineMessages appends events in server order starting at
// current_max+1, per §4.3's sync path. A duplicate event id (already present
// in event_to_order) is dropped, not reinserted, so re-sending a sync
// response leaves exactly one order entry for it — the duplicate-event
// invariant in §8.
func (s *Store) SaveTimelineMessages(ctx context.Context, txn *sql.Tx, roomID string, events []*codec.Event) error {
	if len(events) == 0 {
		return nil
	}
	rng, err := s.getTimelineRangeTx(ctx, txn, roomID)
	if err != nil {
		return err
	}
	next := codec.TimelineMidpoint
	if rng.Valid {
		next = rng.Last + 1
	}

	for _, ev := range events {
		exists, err := s.eventIndexed(ctx, txn, roomID, ev.EventID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.insertAt(ctx, txn, roomID, ev, next, false); err != nil {
			return err
		}
		if err := s.recordRelations(ctx, txn, roomID, ev); err != nil {
			return err
		}
		next++
	}
	return nil
}

// SaveOldMessages prepends events at current_min-1 descending (back
// pagination), returning the number of events added. It never changes any
// existing event_index, per §8's invariant, and records prevBatch for the
// next pagination call to resume correctly.
func (s *Store) SaveOldMessages(ctx context.Context, txn *sql.Tx, roomID string, events []*codec.Event, prevBatch string) (int, error) {
	rng, err := s.getTimelineRangeTx(ctx, txn, roomID)
	if err != nil {
		return 0, err
	}
	next := codec.TimelineMidpoint
	if rng.Valid {
		next = rng.First - 1
	}

	added := 0
	for _, ev := range events {
		exists, err := s.eventIndexed(ctx, txn, roomID, ev.EventID)
		if err != nil {
			return added, err
		}
		if exists {
			continue
		}
		if err := s.insertAt(ctx, txn, roomID, ev, next, true); err != nil {
			return added, err
		}
		if err := s.recordRelations(ctx, txn, roomID, ev); err != nil {
			return added, err
		}
		next--
		added++
	}

	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, store.TableSystem),
		prevBatchKey(roomID), prevBatch,
	); err != nil {
		return added, err
	}
	return added, nil
}

// PreviousBatchToken returns the prev_batch token recorded by the last
// SaveOldMessages call for roomID.
func (s *Store) PreviousBatchToken(ctx context.Context, roomID string) (string, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer txn.Rollback()

	var token string
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM %s WHERE key = $1", store.TableSystem), prevBatchKey(roomID)).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return token, err
}

func prevBatchKey(roomID string) string {
	return "prev_batch:" + roomID
}

func (s *Store) eventIndexed(ctx context.Context, txn *sql.Tx, roomID, eventID string) (bool, error) {
	var index int64
	err := txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT event_index FROM %s WHERE event_id = $1", store.RoomTable(roomID, "event_to_order"),
	), eventID).Scan(&index)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// insertAt writes ev at event_index and, if it is message-like, allocates it
// the next message_index in the direction backward indicates: forward
// (live sync) allocates ascending from the current max, backward
// (pagination) allocates descending from the current min, mirroring how
// event_index itself grows in each direction.
func (s *Store) insertAt(ctx context.Context, txn *sql.Tx, roomID string, ev *codec.Event, index int64, backward bool) error {
	if err := s.StoreEvent(ctx, txn, roomID, ev); err != nil {
		return err
	}

	isMessage := isMessageLike(ev.Type)
	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (event_index, event_id, is_message) VALUES ($1, $2, $3)", store.RoomTable(roomID, "order")),
		index, ev.EventID, isMessage,
	); err != nil {
		return fmt.Errorf("timeline: inserting order entry for %s: %w", ev.EventID, err)
	}
	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (event_id, event_index) VALUES ($1, $2)", store.RoomTable(roomID, "event_to_order")),
		ev.EventID, index,
	); err != nil {
		return fmt.Errorf("timeline: inserting event_to_order entry for %s: %w", ev.EventID, err)
	}

	if !isMessage {
		return nil
	}

	messageIndex, err := s.nextMessageIndex(ctx, txn, roomID, backward)
	if err != nil {
		return err
	}

	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (event_id, message_index) VALUES ($1, $2)", store.RoomTable(roomID, "msg_to_order")),
		ev.EventID, messageIndex,
	); err != nil {
		return err
	}
	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (message_index, event_id) VALUES ($1, $2)", store.RoomTable(roomID, "order_to_msg")),
		messageIndex, ev.EventID,
	); err != nil {
		return err
	}
	return nil
}

func (s *Store) nextMessageIndex(ctx context.Context, txn *sql.Tx, roomID string, backward bool) (int64, error) {
	column := "MAX(message_index)"
	if backward {
		column = "MIN(message_index)"
	}
	var current sql.NullInt64
	if err := txn.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s", column, store.RoomTable(roomID, "order_to_msg"))).Scan(&current); err != nil {
		return 0, err
	}
	if !current.Valid {
		return codec.TimelineMidpoint, nil
	}
	if backward {
		return current.Int64 - 1, nil
	}
	return current.Int64 + 1, nil
}

func (s *Store) recordRelations(ctx context.Context, txn *sql.Tx, roomID string, ev *codec.Event) error {
	var content struct {
		RelatesTo *struct {
			EventID string `json:"event_id"`
			RelType string `json:"rel_type"`
		} `json:"m.relates_to"`
	}
	if err := jsonUnmarshalLenient(ev.Content, &content); err != nil || content.RelatesTo == nil {
		return nil
	}
	_, err := txn.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (event_id, related_event_id, relation_type) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, store.RoomTable(roomID, "relations")),
		content.RelatesTo.EventID, ev.EventID, content.RelatesTo.RelType,
	)
	return err
}

// ClearTimeline deletes all entries except the most recent batch (up to
// batchSize events preceding the current last) and clears prev_batch, used
// to recover from a sync gap.
func (s *Store) ClearTimeline(ctx context.Context, txn *sql.Tx, roomID string, batchSize int) error {
	rng, err := s.getTimelineRangeTx(ctx, txn, roomID)
	if err != nil || !rng.Valid {
		return err
	}
	keepFrom := rng.Last - int64(batchSize) + 1

	if _, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE event_index < $1", store.RoomTable(roomID, "order")), keepFrom); err != nil {
		return err
	}
	if _, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE event_index < $1", store.RoomTable(roomID, "event_to_order")), keepFrom); err != nil {
		return err
	}
	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE event_id NOT IN (SELECT event_id FROM %s)`,
			store.RoomTable(roomID, "msg_to_order"), store.RoomTable(roomID, "event_to_order")),
	); err != nil {
		return err
	}
	if _, err := txn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE event_id NOT IN (SELECT event_id FROM %s)`,
			store.RoomTable(roomID, "order_to_msg"), store.RoomTable(roomID, "event_to_order")),
	); err != nil {
		return err
	}
	_, err = txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = $1", store.TableSystem), prevBatchKey(roomID))
	return err
}
