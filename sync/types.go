package sync

import (
	"encoding/json"

	"github.com/element-hq/matrix-cache/codec"
)

// JoinedRoom is one room's slice of a sync response for a room the local
// user is currently joined to, per §4.7 step 1.
type JoinedRoom struct {
	RoomID string

	// State carries the state deltas to apply via roomstate.ApplyState.
	// Wipe is true when Limited indicates a gap the server filled with a
	// fresh state snapshot rather than incremental deltas.
	State []*codec.Event
	Wipe  bool

	// Timeline carries the new live events to append via
	// timeline.SaveTimelineMessages, in server order.
	Timeline []*codec.Event

	// Limited means the server omitted history between the last known
	// position and Timeline's first event; the applier trims the stored
	// timeline to its most recent gapTimelineBatchSize events, appends
	// Timeline after them, and records PrevBatch for later back-pagination.
	Limited   bool
	PrevBatch string

	// AccountData is this room's per-room account data events, keyed by
	// event type.
	AccountData map[string]json.RawMessage

	// Receipts maps event id to the set of users whose read receipt now
	// points there.
	Receipts map[string][]ReceiptEntry
}

// ReceiptEntry is one user's read receipt placement, carried per event id
// in JoinedRoom.Receipts.
type ReceiptEntry struct {
	UserID string
	TsMs   int64
}

// InvitedRoom is one room's slice of a sync response for a room the local
// user has been invited to but not joined, per §4.7 step 2.
type InvitedRoom struct {
	RoomID string
	State  []*codec.Event
}

// Response is the network layer's already-validated sync payload, reduced
// to exactly what saveState needs, per §6's "inputs from the network layer".
type Response struct {
	NextBatch string

	Joined  []JoinedRoom
	Invited []InvitedRoom
	Left    []string // room ids the local user has left since the last sync

	Presence map[string]json.RawMessage

	// AccountData is global (non-room-scoped) account data events, keyed
	// by event type.
	AccountData map[string]json.RawMessage
}
