package roomstate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/element-hq/matrix-cache/internal/util"
	"github.com/element-hq/matrix-cache/store"
)

// Summary is the derived, per-room materialized view the UI reads to render
// a room list entry without walking raw state events itself.
type Summary struct {
	RoomID        string
	Name          string
	Avatar        string
	Topic         string
	JoinRule      string
	GuestAccess   string
	Version       string
	IsSpace       bool
	IsTombstoned  bool
	IsEncrypted   bool
	CanonicalAlias string
}

// RecomputeSummary derives name/avatar/topic/join-rule/guest-access/version/
// is-space/is-tombstoned/encryption for roomID from its currently committed
// state, per §4.2 step 4. When called from inside a saveState pass, txn
// must be the same write transaction ApplyState ran in, so the summary
// reflects the just-applied events rather than the pre-transaction
// snapshot; txn may be nil for a standalone read against already-committed
// state, in which case a read-only snapshot is opened internally.
func (s *Store) RecomputeSummary(ctx context.Context, txn *sql.Tx, roomID string) (*Summary, error) {
	if txn == nil {
		ro, err := s.env.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer ro.Rollback()
		txn = ro
	}

	stateTable := store.RoomTable(roomID, "state")
	sum := &Summary{RoomID: roomID}

	stateContent := func(eventType string, out interface{}) bool {
		var blob []byte
		err := txn.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT body FROM %s WHERE event_type = $1 AND state_key = ''", stateTable,
		), eventType).Scan(&blob)
		if err != nil {
			return false
		}
		ev, err := decodeEventBlob(blob)
		if err != nil {
			return false
		}
		return decodeJSON(ev.Content, out) == nil
	}

	var nameContent struct {
		Name string `json:"name"`
	}
	if stateContent("m.room.name", &nameContent) && nameContent.Name != "" {
		sum.Name = nameContent.Name
	}

	var aliasContent struct {
		Alias string `json:"alias"`
	}
	if stateContent("m.room.canonical_alias", &aliasContent) && aliasContent.Alias != "" {
		sum.CanonicalAlias = util.NormalizeRoomAlias(aliasContent.Alias)
		if sum.Name == "" {
			sum.Name = sum.CanonicalAlias
		}
	}

	if sum.Name == "" {
		members, err := s.RoomMembers(ctx, txn, roomID)
		if err == nil && len(members) > 0 {
			sum.Name = namesFromMembers(members)
		}
	}

	var avatarContent struct {
		URL string `json:"url"`
	}
	if stateContent("m.room.avatar", &avatarContent) {
		sum.Avatar = avatarContent.URL
	}

	var topicContent struct {
		Topic string `json:"topic"`
	}
	if stateContent("m.room.topic", &topicContent) {
		sum.Topic = topicContent.Topic
	}

	var joinRules struct {
		JoinRule string `json:"join_rule"`
	}
	if stateContent("m.room.join_rules", &joinRules) {
		sum.JoinRule = joinRules.JoinRule
	}

	var guestAccess struct {
		GuestAccess string `json:"guest_access"`
	}
	if stateContent("m.room.guest_access", &guestAccess) {
		sum.GuestAccess = guestAccess.GuestAccess
	}

	var create struct {
		RoomVersion string `json:"room_version"`
		Type        string `json:"type"`
	}
	if stateContent("m.room.create", &create) {
		sum.Version = create.RoomVersion
		sum.IsSpace = create.Type == "m.space"
	}

	var tombstone struct {
		ReplacementRoom string `json:"replacement_room"`
	}
	sum.IsTombstoned = stateContent("m.room.tombstone", &tombstone)

	sum.IsEncrypted = stateContent("m.room.encryption", &struct{}{})

	return sum, nil
}

// namesFromMembers synthesizes a room name from the joined members' display
// names (user id where none is set), sorted, the direct-message heuristic
// used when no explicit name or canonical alias has been set. Every joined
// member is included; the local user is not left out.
func namesFromMembers(members []Member) string {
	names := make([]string, 0, len(members))
	for _, m := range members {
		if m.DisplayName != "" {
			names = append(names, m.DisplayName)
		} else {
			names = append(names, m.UserID)
		}
	}
	sort.Strings(names)
	switch len(names) {
	case 0:
		return "Empty room"
	case 1:
		return names[0]
	case 2:
		return strings.Join(names, " and ")
	default:
		return fmt.Sprintf("%s and %d others", names[0], len(names)-1)
	}
}

// RoomNamesAndAliases bulk-lists every joined room's derived name and
// canonical alias, for UI room pickers that would otherwise have to call
// RecomputeSummary once per room.
func (s *Store) RoomNamesAndAliases(ctx context.Context) (map[string]Summary, error) {
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

	out := make(map[string]Summary, len(roomIDs))
	for _, roomID := range roomIDs {
		sum, err := s.RecomputeSummary(ctx, nil, roomID)
		if err != nil {
			continue
		}
		out[roomID] = *sum
	}
	return out, nil
}
