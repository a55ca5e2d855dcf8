// Package timeline implements the per-room append-only event log: dual
// ordering over all timeline events and message-like events only, pending
// outbound messages, and event relations.
package timeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/store"
)

// Store is the Timeline Store substore (C4).
type Store struct {
	env *store.Environment
}

func New(env *store.Environment) *Store {
	return &Store{env: env}
}

// Range is the inclusive [First, Last] event_index bounds of a room's
// currently stored timeline.
type Range struct {
	First int64
	Last  int64
	Valid bool
}

func isMessageLike(eventType string) bool {
	switch eventType {
	case "m.room.message", "m.sticker":
		return true
	default:
		return false
	}
}

// StoreEvent writes ev's body into the events store without touching
// ordering, for callers that already know the event is indexed (state
// events recorded only for their content, not their timeline position).
func (s *Store) StoreEvent(ctx context.Context, txn *sql.Tx, roomID string, ev *codec.Event) error {
	blob, err := codec.Encode(ev)
	if err != nil {
		return err
	}
	_, err = txn.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (event_id, body) VALUES ($1, $2)
			ON CONFLICT(event_id) DO UPDATE SET body = excluded.body`, store.RoomTable(roomID, "events")),
		ev.EventID, blob,
	)
	return err
}

// ReplaceEvent overwrites ev's stored body (e.g. after a redaction) while
// preserving its existing position in every ordering index.
func (s *Store) ReplaceEvent(ctx context.Context, txn *sql.Tx, roomID string, ev *codec.Event) error {
	return s.StoreEvent(ctx, txn, roomID, ev)
}

// GetEvent is the read-side counterpart used by the UI.
func (s *Store) GetEvent(ctx context.Context, roomID, eventID string) (*codec.Event, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	var blob []byte
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT body FROM %s WHERE event_id = $1", store.RoomTable(roomID, "events"),
	), eventID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev, err := codec.Decode(blob)
	if err != nil {
		return nil, nil //nolint:nilerr // Corruption: dropped record reads as NotFound to the caller
	}
	return ev, nil
}

// GetTimelineRange returns the current [first, last] event_index bounds.
func (s *Store) GetTimelineRange(ctx context.Context, roomID string) (Range, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return Range{}, err
	}
	defer txn.Rollback()
	return s.getTimelineRangeTx(ctx, txn, roomID)
}

func (s *Store) getTimelineRangeTx(ctx context.Context, q queryer, roomID string) (Range, error) {
	var first, last sql.NullInt64
	err := q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MIN(event_index), MAX(event_index) FROM %s", store.RoomTable(roomID, "order"),
	)).Scan(&first, &last)
	if err != nil {
		return Range{}, err
	}
	if !first.Valid {
		return Range{}, nil
	}
	return Range{First: first.Int64, Last: last.Int64, Valid: true}, nil
}

// queryer is satisfied by both *sql.Tx and *sql.DB, letting range/index
// lookups run either inside an in-progress write transaction or as a
// standalone read.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// GetEventIndex resolves eventID to its event_index.
func (s *Store) GetEventIndex(ctx context.Context, roomID, eventID string) (int64, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer txn.Rollback()

	var index int64
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT event_index FROM %s WHERE event_id = $1", store.RoomTable(roomID, "event_to_order"),
	), eventID).Scan(&index)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return index, true, nil
}

// GetTimelineEventId resolves an event_index back to its event id.
func (s *Store) GetTimelineEventId(ctx context.Context, roomID string, index int64) (string, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer txn.Rollback()

	var eventID string
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT event_id FROM %s WHERE event_index = $1", store.RoomTable(roomID, "order"),
	), index).Scan(&eventID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return eventID, true, nil
}

// GetTimelineIndex resolves a message_index to its event_index, the join
// point between the message-only ordering and the full ordering.
func (s *Store) GetTimelineIndex(ctx context.Context, roomID string, messageIndex int64) (int64, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer txn.Rollback()

	var eventID string
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT event_id FROM %s WHERE message_index = $1", store.RoomTable(roomID, "order_to_msg"),
	), messageIndex).Scan(&eventID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	// GetEventIndex opens its own transaction on the single connection.
	_ = txn.Rollback()
	index, ok, err := s.GetEventIndex(ctx, roomID, eventID)
	if err != nil || !ok {
		return 0, false, err
	}
	return index, true, nil
}

// RelatedEvents returns event ids related to eventID (edits, reactions,
// replies), read-side counterpart to the writes recordRelations makes during
// SaveTimelineMessages and SaveOldMessages.
func (s *Store) RelatedEvents(ctx context.Context, roomID, eventID string) ([]string, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT related_event_id FROM %s WHERE event_id = $1", store.RoomTable(roomID, "relations"),
	), eventID)
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
