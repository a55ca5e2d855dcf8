package sync

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/matrix-cache/account"
	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/internal/metrics"
	"github.com/element-hq/matrix-cache/internal/tracing"
	"github.com/element-hq/matrix-cache/roomstate"
	"github.com/element-hq/matrix-cache/store"
	"github.com/element-hq/matrix-cache/timeline"
)

// gapTimelineBatchSize bounds how much history ClearTimeline retains when a
// Limited sync response reports a gap, per §4.3's gap-recovery rule.
const gapTimelineBatchSize = 50

const nextBatchKey = "next_batch"

// Applier is the Sync Applier substore (C8): the single atomic saveState
// entry point, the top-level room-listing queries that sit alongside it, and
// the post-commit signal emission described in §4.7 and §5.
type Applier struct {
	env   *store.Environment
	rooms *roomstate.Store
	tl    *timeline.Store
	acct  *account.Store
	bus   *Bus
}

// New wires the Sync Applier against its substores and signal bus.
func New(env *store.Environment, rooms *roomstate.Store, tl *timeline.Store, acct *account.Store, bus *Bus) *Applier {
	return &Applier{env: env, rooms: rooms, tl: tl, acct: acct, bus: bus}
}

// signal defers one bus publish until after SaveState's transaction commits,
// since emission must never happen from inside the writing transaction.
type signal struct {
	subject string
	payload interface{}
}

// SaveState applies resp atomically, per §4.7's six-step sequence, then
// emits the signals queued by that pass. The next-batch token is written
// last so a crash between steps 1 and 6 replays the same response on the
// next sync without duplicating any data (§8's idempotence property).
func (a *Applier) SaveState(ctx context.Context, resp *Response) error {
	ctx, finish := tracing.StartSpan(ctx, "sync.SaveState")
	defer finish()
	start := time.Now()
	defer metrics.ObserveSince(metrics.SyncApplyDuration, start)

	var pending []signal
	touchedRooms := make([]string, 0, len(resp.Joined))

	err := a.env.Write(nil, "sync.SaveState", func(txn *sql.Tx) error {
		for _, room := range resp.Joined {
			tracing.Tag(ctx, "room_id", room.RoomID)
			if err := a.applyJoinedRoom(ctx, txn, room, &pending); err != nil {
				tracing.LogError(ctx, err)
				return err
			}
			touchedRooms = append(touchedRooms, room.RoomID)
		}

		for _, room := range resp.Invited {
			if err := a.rooms.ApplyInvite(ctx, txn, room.RoomID, room.State); err != nil {
				return err
			}
			if err := upsertRoomMembership(ctx, txn, room.RoomID, "invite"); err != nil {
				return err
			}
		}

		for _, roomID := range resp.Left {
			if err := a.removeRoom(ctx, txn, roomID); err != nil {
				return err
			}
			pending = append(pending, signal{SubjectRoomRemoved, RoomRemovedSignal{RoomID: roomID}})
		}

		if len(resp.Presence) > 0 {
			if err := a.acct.SavePresence(ctx, txn, resp.Presence); err != nil {
				return err
			}
		}

		if err := a.rooms.UpdateSpaces(ctx, txn, touchedRooms); err != nil {
			return err
		}

		for eventType, content := range resp.AccountData {
			if err := a.acct.SetAccountData(ctx, txn, "global", eventType, content); err != nil {
				return err
			}
		}

		if resp.NextBatch != "" {
			if _, err := txn.ExecContext(ctx,
				`INSERT INTO `+store.TableSystem+` (key, value) VALUES ($1, $2)
					ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				nextBatchKey, resp.NextBatch,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, sig := range pending {
		if pubErr := a.bus.publish(sig.subject, sig.payload); pubErr != nil {
			logrus.WithError(pubErr).WithField("subject", sig.subject).Warn("sync: signal publish failed")
		}
	}
	return nil
}

func (a *Applier) applyJoinedRoom(ctx context.Context, txn *sql.Tx, room JoinedRoom, pending *[]signal) error {
	wipe := room.Wipe || room.Limited
	if room.Limited {
		if err := a.tl.ClearTimeline(ctx, txn, room.RoomID, gapTimelineBatchSize); err != nil {
			return err
		}
	}

	// A server's timeline may itself carry state events (a name change sent
	// live, not just in the state-before-timeline section), so they are
	// folded into the same ApplyState call as room.State rather than only
	// being recorded as timeline bodies.
	stateEvents := room.State
	for _, ev := range room.Timeline {
		if ev.IsState() {
			stateEvents = append(stateEvents, ev)
		}
	}
	if err := a.rooms.ApplyState(ctx, txn, room.RoomID, stateEvents, wipe); err != nil {
		return err
	}
	if err := a.tl.SaveTimelineMessages(ctx, txn, room.RoomID, room.Timeline); err != nil {
		return err
	}
	if room.Limited {
		if _, err := a.tl.SaveOldMessages(ctx, txn, room.RoomID, nil, room.PrevBatch); err != nil {
			return err
		}
	}

	for eventType, content := range room.AccountData {
		if err := a.acct.SetAccountData(ctx, txn, room.RoomID, eventType, content); err != nil {
			return err
		}
	}

	if len(room.Receipts) > 0 {
		receiptsByUser := make(map[string]int64)
		for eventID, entries := range room.Receipts {
			for _, e := range entries {
				if err := a.acct.UpdateReadReceipt(ctx, txn, room.RoomID, e.UserID, eventID, e.TsMs); err != nil {
					return err
				}
				receiptsByUser[e.UserID] = e.TsMs
			}
		}
		*pending = append(*pending, signal{SubjectNewReadReceipts, NewReadReceiptsSignal{RoomID: room.RoomID, Receipts: receiptsByUser}})
	}

	if err := upsertRoomMembership(ctx, txn, room.RoomID, "join"); err != nil {
		return err
	}
	if ts := latestOriginServerTS(room.Timeline); ts > 0 {
		if err := a.acct.UpdateLastMessageTimestamp(ctx, txn, room.RoomID, ts); err != nil {
			return err
		}
	}

	if err := a.rooms.RemoveInvite(ctx, txn, room.RoomID); err != nil {
		return err
	}

	if _, err := a.rooms.RecomputeSummary(ctx, txn, room.RoomID); err != nil {
		return err
	}
	return nil
}

// removeRoom drops a left room's per-room sub-stores and its membership/
// invite index entries, per §4.7 step 3.
func (a *Applier) removeRoom(ctx context.Context, txn *sql.Tx, roomID string) error {
	if _, err := txn.ExecContext(ctx, `DELETE FROM `+store.TableRooms+` WHERE room_id = $1`, roomID); err != nil {
		return err
	}
	if err := a.rooms.RemoveInvite(ctx, txn, roomID); err != nil {
		return err
	}
	return a.env.DropRoomTables(txn, roomID)
}

func upsertRoomMembership(ctx context.Context, txn *sql.Tx, roomID, membership string) error {
	_, err := txn.ExecContext(ctx,
		`INSERT INTO `+store.TableRooms+` (room_id, membership) VALUES ($1, $2)
			ON CONFLICT(room_id) DO UPDATE SET membership = excluded.membership`,
		roomID, membership,
	)
	return err
}

// latestOriginServerTS finds the newest message-like event's timestamp,
// ignoring state events that may also appear in the same timeline batch.
func latestOriginServerTS(events []*codec.Event) int64 {
	var max int64
	for _, ev := range events {
		if ev.Type != "m.room.message" && ev.Type != "m.sticker" {
			continue
		}
		if ts := int64(ev.OriginServerTS); ts > max {
			max = ts
		}
	}
	return max
}
