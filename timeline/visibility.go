package timeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/store"
)

// HiddenTypeSet reports whether an event type has been hidden via account
// data, decoupling the timeline's visibility scan from account.Store per the
// layering note in DESIGN.md (timeline must not import account).
type HiddenTypeSet func(eventType string) bool

// LastVisibleEvent scans backward from event_index(eventID) and returns the
// first message-like, non-hidden entry, per §4.3. Hidden-event
// classification is a best-effort pure function of currently committed
// state (§9's open question): callers that need stability should re-query
// after saveState completes.
func (s *Store) LastVisibleEvent(ctx context.Context, roomID, eventID string, hidden HiddenTypeSet) (string, bool, error) {
	index, ok, err := s.GetEventIndex(ctx, roomID, eventID)
	if err != nil || !ok {
		return "", false, err
	}
	return s.scanVisible(ctx, roomID, index, -1, hidden)
}

// LastInvisibleEventAfter is the symmetric scan forward from eventID's
// index, used by read-marker placement.
func (s *Store) LastInvisibleEventAfter(ctx context.Context, roomID, eventID string, hidden HiddenTypeSet) (string, bool, error) {
	index, ok, err := s.GetEventIndex(ctx, roomID, eventID)
	if err != nil || !ok {
		return "", false, err
	}
	return s.scanInvisible(ctx, roomID, index, 1, hidden)
}

func (s *Store) scanVisible(ctx context.Context, roomID string, from int64, step int64, hidden HiddenTypeSet) (string, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT event_id, is_message FROM %s WHERE event_index <= $1 ORDER BY event_index DESC", store.RoomTable(roomID, "order"),
	), from)
	if err != nil {
		return "", false, err
	}
	defer rows.Close()

	for rows.Next() {
		var eventID string
		var isMessage bool
		if err := rows.Scan(&eventID, &isMessage); err != nil {
			return "", false, err
		}
		if !isMessage {
			continue
		}
		ev, err := s.getEventTx(ctx, txn, roomID, eventID)
		if err != nil || ev == nil {
			continue
		}
		if hidden != nil && hidden(ev.Type) {
			continue
		}
		return eventID, true, nil
	}
	return "", false, rows.Err()
}

func (s *Store) scanInvisible(ctx context.Context, roomID string, from int64, step int64, hidden HiddenTypeSet) (string, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT event_id, is_message FROM %s WHERE event_index >= $1 ORDER BY event_index ASC", store.RoomTable(roomID, "order"),
	), from)
	if err != nil {
		return "", false, err
	}
	defer rows.Close()

	var last string
	found := false
	for rows.Next() {
		var eventID string
		var isMessage bool
		if err := rows.Scan(&eventID, &isMessage); err != nil {
			return "", false, err
		}
		if !isMessage {
			continue
		}
		ev, err := s.getEventTx(ctx, txn, roomID, eventID)
		if err != nil || ev == nil {
			continue
		}
		if hidden != nil && !hidden(ev.Type) {
			continue
		}
		last, found = eventID, true
	}
	return last, found, rows.Err()
}

func (s *Store) getEventTx(ctx context.Context, txn *sql.Tx, roomID, eventID string) (*codec.Event, error) {
	var blob []byte
	err := txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT body FROM %s WHERE event_id = $1", store.RoomTable(roomID, "events"),
	), eventID).Scan(&blob)
	if err != nil {
		return nil, err
	}
	return codec.Decode(blob)
}
