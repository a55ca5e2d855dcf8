package roomstate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
)

// Member is a joined room member's cached profile.
type Member struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// RoomMembers lists every joined member of roomID. txn may be nil for a
// standalone read against already-committed state; pass the in-flight
// write transaction when called from within a saveState pass (e.g. by
// RecomputeSummary) so it observes the just-applied membership events.
func (s *Store) RoomMembers(ctx context.Context, txn *sql.Tx, roomID string) ([]Member, error) {
	if txn == nil {
		ro, err := s.env.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer ro.Rollback()
		txn = ro
	}

	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT user_id, display_name, avatar_url FROM %s", store.RoomTable(roomID, "members"),
	))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.DisplayName, &m.AvatarURL); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// IsRoomMember reports whether userID is a joined member of roomID.
func (s *Store) IsRoomMember(ctx context.Context, userID, roomID string) (bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer txn.Rollback()

	var found int
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT 1 FROM %s WHERE user_id = $1", store.RoomTable(roomID, "members"),
	), userID).Scan(&found)
	if err != nil {
		return false, nil //nolint:nilerr // sql.ErrNoRows and driver errors both read as "not a member"
	}
	return true, nil
}

// GetMembersWithKeys returns roomID's joined members, for encryption-readiness
// checks before sending to a room. When verifiedOnly is set and verified is
// non-nil, only members for which verified returns true are kept. The
// device-key cache is not consulted, so members whose key entry is missing
// or outdated are returned like any other.
func (s *Store) GetMembersWithKeys(ctx context.Context, roomID string, verifiedOnly bool, verified func(userID string) (bool, error)) ([]Member, error) {
	members, err := s.RoomMembers(ctx, nil, roomID)
	if err != nil {
		return nil, err
	}
	if !verifiedOnly || verified == nil {
		return members, nil
	}
	out := members[:0]
	for _, m := range members {
		ok, err := verified(m.UserID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetCommonRooms returns the room ids where both the local user (implicit,
// via the global rooms table) and userID are joined members.
func (s *Store) GetCommonRooms(ctx context.Context, userID string) ([]string, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, fmt.Sprintf("SELECT room_id FROM %s WHERE membership = 'join'", store.TableRooms))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// IsRoomMember opens its own transaction on the single connection.
	_ = txn.Rollback()

	var common []string
	for _, roomID := range roomIDs {
		isMember, err := s.IsRoomMember(ctx, userID, roomID)
		if err != nil {
			return nil, err
		}
		if isMember {
			common = append(common, roomID)
		}
	}
	return common, nil
}

// HasEnoughPowerLevel reports whether userID's power level in roomID meets
// the minimum required for every event type in eventTypes, reducing via the
// room's m.room.power_levels state event: a user not listed in users gets
// users_default (0 when absent), and an event type not listed in events
// requires state_default (50 when absent). Without a power_levels event the
// answer is false.
func (s *Store) HasEnoughPowerLevel(ctx context.Context, eventTypes []string, roomID, userID string) (bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer txn.Rollback()

	var blob []byte
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT body FROM %s WHERE event_type = 'm.room.power_levels' AND state_key = ''", store.RoomTable(roomID, "state"),
	)).Scan(&blob)
	if err != nil {
		return false, nil //nolint:nilerr // no power_levels event: the defaults (user 0, required 50) apply; absence isn't an error
	}

	var levels struct {
		Users        map[string]int `json:"users"`
		UsersDefault int            `json:"users_default"`
		Events       map[string]int `json:"events"`
		StateDefault int            `json:"state_default"`
	}
	levels.StateDefault = 50
	if err := decodeJSON(blob, &levels); err != nil {
		return false, nil //nolint:nilerr // Corruption classification: treat as "no power levels known"
	}

	userLevel, ok := levels.Users[userID]
	if !ok {
		userLevel = levels.UsersDefault
	}
	for _, eventType := range eventTypes {
		required, ok := levels.Events[eventType]
		if !ok {
			required = levels.StateDefault
		}
		if userLevel < required {
			return false, nil
		}
	}
	return true, nil
}
