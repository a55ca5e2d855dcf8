package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
	"github.com/element-hq/matrix-cache/timeline"
)

// UpdateReadReceipt moves userID's receipt in roomID to eventID, enforcing
// the one-event-per-user invariant via the table's (room_id, user_id)
// primary key.
func (s *Store) UpdateReadReceipt(ctx context.Context, txn *sql.Tx, roomID, userID, eventID string, tsMs int64) error {
	do := func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (room_id, user_id, event_id, ts_ms) VALUES ($1, $2, $3, $4)
				ON CONFLICT(room_id, user_id) DO UPDATE SET event_id = excluded.event_id, ts_ms = excluded.ts_ms`, store.TableReadReceipts),
			roomID, userID, eventID, tsMs,
		)
		return err
	}
	if txn != nil {
		return do(txn)
	}
	return s.env.Write(nil, "account.UpdateReadReceipt", do)
}

// ReadReceipts returns the user_id -> timestamp_ms map of every receipt
// currently pointed at eventID in roomID.
func (s *Store) ReadReceipts(ctx context.Context, roomID, eventID string) (map[string]int64, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT user_id, ts_ms FROM %s WHERE room_id = $1 AND event_id = $2", store.TableReadReceipts,
	), roomID, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var userID string
		var tsMs int64
		if err := rows.Scan(&userID, &tsMs); err != nil {
			return nil, err
		}
		out[userID] = tsMs
	}
	return out, rows.Err()
}

// GetFullyReadEventId returns the event id of roomID's m.fully_read marker,
// the local user's own read position (distinct from other members' receipts
// tracked by ReadReceipts).
func (s *Store) GetFullyReadEventId(ctx context.Context, roomID string) (string, bool, error) {
	raw, ok, err := s.GetAccountData(ctx, roomID, "m.fully_read")
	if err != nil || !ok {
		return "", false, err
	}
	var marker struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(raw, &marker); err != nil || marker.EventID == "" {
		return "", false, nil //nolint:nilerr // malformed marker reads as absent
	}
	return marker.EventID, true, nil
}

// hiddenEventsAccountDataType is the global account data event listing
// event types the local user has asked to hide from timeline visibility
// computations, in the "im.vector.*" namespace this codebase's other
// client-specific account data already lives in.
const hiddenEventsAccountDataType = "im.vector.hidden_events"

// HiddenEventTypes builds the timeline.HiddenTypeSet predicate for the
// local user from hiddenEventsAccountDataType, per §4.3's "declared by
// hiddenEvents account data" rule. A user with no such account data hides
// nothing.
func (s *Store) HiddenEventTypes(ctx context.Context) (timeline.HiddenTypeSet, error) {
	raw, ok, err := s.GetAccountData(ctx, globalScope, hiddenEventsAccountDataType)
	if err != nil {
		return nil, err
	}
	if !ok {
		return func(string) bool { return false }, nil
	}
	var content struct {
		Types []string `json:"types"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return func(string) bool { return false }, nil //nolint:nilerr // malformed content hides nothing
	}
	hidden := make(map[string]bool, len(content.Types))
	for _, t := range content.Types {
		hidden[t] = true
	}
	return func(eventType string) bool { return hidden[eventType] }, nil
}

// CalculateRoomReadStatus reports whether roomID has any visible,
// non-hidden message-like event after the fully-read marker. It scans
// backward from the timeline's newest event via tl.LastVisibleEvent so
// that hidden events (reactions, edits, whatever the local user's
// hiddenEvents account data names) never make a room look unread on their
// own.
func (s *Store) CalculateRoomReadStatus(ctx context.Context, tl *timeline.Store, roomID string) (bool, error) {
	rng, err := tl.GetTimelineRange(ctx, roomID)
	if err != nil || !rng.Valid {
		return false, err
	}

	markerID, ok, err := s.GetFullyReadEventId(ctx, roomID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	markerIndex, ok, err := tl.GetEventIndex(ctx, roomID, markerID)
	if err != nil {
		return false, err
	}
	if !ok {
		// Marker points outside the retained timeline window; treat any
		// stored messages as unread rather than guessing.
		return true, nil
	}

	lastEventID, ok, err := tl.GetTimelineEventId(ctx, roomID, rng.Last)
	if err != nil {
		return false, err
	}
	if !ok {
		return markerIndex < rng.Last, nil
	}

	hidden, err := s.HiddenEventTypes(ctx)
	if err != nil {
		return false, err
	}
	visibleID, found, err := tl.LastVisibleEvent(ctx, roomID, lastEventID, hidden)
	if err != nil || !found {
		return false, err
	}
	visibleIndex, ok, err := tl.GetEventIndex(ctx, roomID, visibleID)
	if err != nil || !ok {
		return false, err
	}
	return markerIndex < visibleIndex, nil
}

// CalculateAllRoomReadStatus recomputes CalculateRoomReadStatus for every
// joined room, the bulk form that drives the roomReadStatus signal.
func (s *Store) CalculateAllRoomReadStatus(ctx context.Context, tl *timeline.Store) (map[string]bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := txn.QueryContext(ctx, fmt.Sprintf("SELECT room_id FROM %s WHERE membership = 'join'", store.TableRooms))
	if err != nil {
		txn.Rollback()
		return nil, err
	}
	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			rows.Close()
			txn.Rollback()
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	rows.Close()
	txn.Rollback()

	out := make(map[string]bool, len(roomIDs))
	for _, roomID := range roomIDs {
		unread, err := s.CalculateRoomReadStatus(ctx, tl, roomID)
		if err != nil {
			return nil, err
		}
		out[roomID] = unread
	}
	return out, nil
}
