package sync

import (
	"context"
	"database/sql"

	"github.com/element-hq/matrix-cache/roomstate"
	"github.com/element-hq/matrix-cache/store"
)

// RoomInfo bundles a joined room's derived summary with the two fields a
// room list needs that Summary itself doesn't carry: recency and unread
// status.
type RoomInfo struct {
	roomstate.Summary
	LastMessageTS int64
	Unread        bool
}

// JoinedRooms lists every room id the local user currently has
// membership="join" in.
func (a *Applier) JoinedRooms(ctx context.Context) ([]string, error) {
	return a.roomIDsByMembership(ctx, "join")
}

func (a *Applier) roomIDsByMembership(ctx context.Context, membership string) ([]string, error) {
	txn, err := a.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, `SELECT room_id FROM `+store.TableRooms+` WHERE membership = $1`, membership)
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

// RoomInfo returns every joined room's derived summary, plus invited rooms'
// bare state when withInvites is set, for the room list view.
func (a *Applier) RoomInfo(ctx context.Context, withInvites bool) ([]RoomInfo, error) {
	roomIDs, err := a.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	out, err := a.GetRoomInfo(ctx, roomIDs)
	if err != nil {
		return nil, err
	}
	if !withInvites {
		return out, nil
	}
	invited, err := a.rooms.Invites(ctx)
	if err != nil {
		return out, err
	}
	for _, roomID := range invited {
		out = append(out, RoomInfo{Summary: roomstate.Summary{RoomID: roomID}})
	}
	return out, nil
}

// SingleRoomInfo returns one joined room's derived info, for callers
// re-rendering a single open room rather than the whole list.
func (a *Applier) SingleRoomInfo(ctx context.Context, roomID string) (*RoomInfo, error) {
	infos, err := a.GetRoomInfo(ctx, []string{roomID})
	if err != nil || len(infos) == 0 {
		return nil, err
	}
	return &infos[0], nil
}

// GetRoomInfo bulk-resolves RoomInfo for an explicit set of room ids,
// skipping any that no longer exist rather than erroring.
func (a *Applier) GetRoomInfo(ctx context.Context, roomIDs []string) ([]RoomInfo, error) {
	out := make([]RoomInfo, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		sum, err := a.rooms.RecomputeSummary(ctx, nil, roomID)
		if err != nil {
			continue
		}
		lastTS, err := a.roomLastMessageTS(ctx, roomID)
		if err != nil {
			return nil, err
		}
		unread, err := a.acct.CalculateRoomReadStatus(ctx, a.tl, roomID)
		if err != nil {
			return nil, err
		}
		out = append(out, RoomInfo{Summary: *sum, LastMessageTS: lastTS, Unread: unread})
	}
	return out, nil
}

func (a *Applier) roomLastMessageTS(ctx context.Context, roomID string) (int64, error) {
	txn, err := a.env.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	var ts int64
	err = txn.QueryRowContext(ctx, `SELECT last_message_ts FROM `+store.TableRooms+` WHERE room_id = $1`, roomID).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return ts, err
}

// Spaces lists joined rooms whose m.room.create content marks them as
// m.space, per §4.2's space handling.
func (a *Applier) Spaces(ctx context.Context) ([]string, error) {
	roomIDs, err := a.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, roomID := range roomIDs {
		sum, err := a.rooms.RecomputeSummary(ctx, nil, roomID)
		if err != nil {
			continue
		}
		if sum.IsSpace {
			out = append(out, roomID)
		}
	}
	return out, nil
}

// Invites and Invite pass straight through to the Room State View, the
// substore that owns the invite snapshot's storage.
func (a *Applier) Invites(ctx context.Context) ([]string, error) {
	return a.rooms.Invites(ctx)
}

func (a *Applier) Invite(ctx context.Context, roomID string) (*roomstate.InviteSnapshot, error) {
	return a.rooms.Invite(ctx, roomID)
}

// RemoveInvite withdraws a pending invite outside of a saveState pass, e.g.
// when the UI declines it locally before the next sync confirms the reject.
func (a *Applier) RemoveInvite(ctx context.Context, roomID string) error {
	return a.env.Write(nil, "sync.RemoveInvite", func(txn *sql.Tx) error {
		if _, err := txn.ExecContext(ctx, `DELETE FROM `+store.TableRooms+` WHERE room_id = $1 AND membership = 'invite'`, roomID); err != nil {
			return err
		}
		return a.rooms.RemoveInvite(ctx, txn, roomID)
	})
}

// RemoveRoom drops a room's sub-stores outside of a saveState pass, e.g.
// when the UI forgets a left room immediately rather than waiting for the
// next sync's left-room list to confirm it.
func (a *Applier) RemoveRoom(ctx context.Context, roomID string) error {
	return a.env.Write(nil, "sync.RemoveRoom", func(txn *sql.Tx) error {
		return a.removeRoom(ctx, txn, roomID)
	})
}

// DeleteData wipes the entire on-disk environment, used on logout.
func (a *Applier) DeleteData() error {
	return a.env.DeleteData()
}

// IsInitialized and IsDatabaseReady are synonyms exposed for the two names
// §4.7's query list and §7's error taxonomy each use for the same check.
func (a *Applier) IsInitialized() bool {
	return a.env.IsDatabaseReady()
}

func (a *Applier) IsDatabaseReady() bool {
	return a.env.IsDatabaseReady()
}

// NextBatchToken returns the sync token recorded by the most recent
// successful SaveState call.
func (a *Applier) NextBatchToken(ctx context.Context) (string, error) {
	txn, err := a.env.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer txn.Rollback()

	var token string
	err = txn.QueryRowContext(ctx, `SELECT value FROM `+store.TableSystem+` WHERE key = $1`, nextBatchKey).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return token, err
}
