package roomstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/store"
)

// InviteSnapshot is the stripped state the server sends for an invited room:
// whatever state events accompanied the invite, reduced to a member list for
// the UI's invite previews.
type InviteSnapshot struct {
	RoomID  string
	State   []*codec.Event
	Members []Member
}

// ApplyInvite replaces roomID's invite snapshot wholesale with events, per
// §4.7 step 2: an invite carries no delta semantics, only the server's full
// stripped-state view at invite time.
func (s *Store) ApplyInvite(ctx context.Context, txn *sql.Tx, roomID string, events []*codec.Event) error {
	if err := s.env.EnsureRoomTables(txn, roomID); err != nil {
		return err
	}

	inviteStateTable := store.RoomTable(roomID, "invite_state")
	inviteMembersTable := store.RoomTable(roomID, "invite_members")

	if _, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", inviteStateTable)); err != nil {
		return fmt.Errorf("roomstate: wiping invite_state for %s: %w", roomID, err)
	}
	if _, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", inviteMembersTable)); err != nil {
		return fmt.Errorf("roomstate: wiping invite_members for %s: %w", roomID, err)
	}

	for _, ev := range events {
		if !ev.IsState() {
			continue
		}
		blob, err := codec.Encode(ev)
		if err != nil {
			return err
		}
		if _, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (event_type, state_key, body) VALUES ($1, $2, $3)
				ON CONFLICT(event_type, state_key) DO UPDATE SET body = excluded.body`, inviteStateTable),
			ev.Type, *ev.StateKey, blob,
		); err != nil {
			return fmt.Errorf("roomstate: upserting invite state event %s: %w", ev.EventID, err)
		}

		if ev.Type != "m.room.member" {
			continue
		}
		var content struct {
			Membership  string `json:"membership"`
			DisplayName string `json:"displayname"`
			AvatarURL   string `json:"avatar_url"`
		}
		if err := decodeJSON(ev.Content, &content); err != nil {
			continue
		}
		if _, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (user_id, display_name, avatar_url, membership) VALUES ($1, $2, $3, $4)
				ON CONFLICT(user_id) DO UPDATE SET display_name = excluded.display_name, avatar_url = excluded.avatar_url, membership = excluded.membership`, inviteMembersTable),
			*ev.StateKey, content.DisplayName, content.AvatarURL, content.Membership,
		); err != nil {
			return fmt.Errorf("roomstate: upserting invite member %s: %w", ev.EventID, err)
		}
	}

	stateBlob, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = txn.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (room_id, state, members) VALUES ($1, $2, $3)
			ON CONFLICT(room_id) DO UPDATE SET state = excluded.state, members = excluded.members`, store.TableInvites),
		roomID, stateBlob, []byte("[]"),
	)
	return err
}

// RemoveInvite drops roomID's invite snapshot, called when an invite is
// accepted, rejected, or withdrawn.
func (s *Store) RemoveInvite(ctx context.Context, txn *sql.Tx, roomID string) error {
	do := func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE room_id = $1", store.TableInvites), roomID)
		return err
	}
	if txn != nil {
		return do(txn)
	}
	return s.env.Write(nil, "roomstate.RemoveInvite", do)
}

// Invites lists the room ids currently carrying an invite snapshot.
func (s *Store) Invites(ctx context.Context) ([]string, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, fmt.Sprintf("SELECT room_id FROM %s", store.TableInvites))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}

// Invite returns the full invite snapshot for roomID, reading the detailed
// per-event and per-member rows rather than the compact listing blob.
func (s *Store) Invite(ctx context.Context, roomID string) (*InviteSnapshot, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	var present int
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE room_id = $1", store.TableInvites), roomID).Scan(&present)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &InviteSnapshot{RoomID: roomID}

	rows, err := txn.QueryContext(ctx, fmt.Sprintf("SELECT body FROM %s", store.RoomTable(roomID, "invite_state")))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			rows.Close()
			return nil, err
		}
		ev, err := decodeEventBlob(blob)
		if err != nil {
			continue
		}
		snap.State = append(snap.State, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memberRows, err := txn.QueryContext(ctx, fmt.Sprintf("SELECT user_id, display_name, avatar_url FROM %s", store.RoomTable(roomID, "invite_members")))
	if err != nil {
		return nil, err
	}
	defer memberRows.Close()
	for memberRows.Next() {
		var m Member
		if err := memberRows.Scan(&m.UserID, &m.DisplayName, &m.AvatarURL); err != nil {
			return nil, err
		}
		snap.Members = append(snap.Members, m)
	}
	return snap, memberRows.Err()
}
