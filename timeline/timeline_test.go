package timeline_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/store"
	"github.com/element-hq/matrix-cache/timeline"
)

const roomID = "!room:example.org"

func newTestStore(t *testing.T) (*store.Environment, *timeline.Store) {
	t.Helper()
	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = t.TempDir()
	env := store.Open(cfg)
	require.NoError(t, env.Setup(context.Background()))
	require.NoError(t, env.EnsureRoomTables(nil, roomID))
	t.Cleanup(func() { _ = env.Close() })
	return env, timeline.New(env)
}

func msgEvent(t *testing.T, eventID string) *codec.Event {
	t.Helper()
	raw := fmt.Sprintf(`{
		"type":"m.room.message","sender":"@a:x","room_id":"%s",
		"content":{"msgtype":"m.text","body":"hi"},
		"auth_events":[],"prev_events":[],"depth":1,"origin_server_ts":1,
		"event_id":"%s"
	}`, roomID, eventID)
	ev, err := codec.DecodeTrustedEvent([]byte(raw), gomatrixserverlib.RoomVersionV1)
	require.NoError(t, err)
	ev.EventID = eventID // NewEventFromTrustedJSON derives its own content-hash id; tests pin a readable one
	return ev
}

func saveLive(t *testing.T, env *store.Environment, s *timeline.Store, events ...*codec.Event) {
	t.Helper()
	require.NoError(t, env.Write(nil, "test", func(txn *sql.Tx) error {
		return s.SaveTimelineMessages(context.Background(), txn, roomID, events)
	}))
}

func TestEventToOrderMutualInverse(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()
	saveLive(t, env, s, msgEvent(t, "$e1"), msgEvent(t, "$e2"), msgEvent(t, "$e3"))

	rng, err := s.GetTimelineRange(ctx, roomID)
	require.NoError(t, err)
	require.True(t, rng.Valid)

	for index := rng.First; index <= rng.Last; index++ {
		eventID, ok, err := s.GetTimelineEventId(ctx, roomID, index)
		require.NoError(t, err)
		require.True(t, ok)

		gotIndex, ok, err := s.GetEventIndex(ctx, roomID, eventID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, index, gotIndex)
	}
}

func TestDuplicateEventIsDropped(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()
	saveLive(t, env, s, msgEvent(t, "$e1"), msgEvent(t, "$e2"))
	saveLive(t, env, s, msgEvent(t, "$e2"), msgEvent(t, "$e3"))

	rng, err := s.GetTimelineRange(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, int64(3), rng.Last-rng.First+1)
}

func TestSaveOldMessagesNeverChangesExistingIndex(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()
	saveLive(t, env, s, msgEvent(t, "$e1"), msgEvent(t, "$e2"))

	beforeIndex, _, err := s.GetEventIndex(ctx, roomID, "$e1")
	require.NoError(t, err)

	require.NoError(t, env.Write(nil, "test", func(txn *sql.Tx) error {
		_, err := s.SaveOldMessages(ctx, txn, roomID, []*codec.Event{msgEvent(t, "$e0")}, "p")
		return err
	}))

	afterIndex, _, err := s.GetEventIndex(ctx, roomID, "$e1")
	require.NoError(t, err)
	require.Equal(t, beforeIndex, afterIndex)

	token, err := s.PreviousBatchToken(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, "p", token)
}

func TestSaveOldMessagesExtendsRangeDownward(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()
	saveLive(t, env, s, msgEvent(t, "$e1"), msgEvent(t, "$e2"))

	rngBefore, err := s.GetTimelineRange(ctx, roomID)
	require.NoError(t, err)

	require.NoError(t, env.Write(nil, "test", func(txn *sql.Tx) error {
		added, err := s.SaveOldMessages(ctx, txn, roomID, []*codec.Event{msgEvent(t, "$e0")}, "p")
		require.Equal(t, 1, added)
		return err
	}))

	rngAfter, err := s.GetTimelineRange(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, rngBefore.First-1, rngAfter.First)
	require.Equal(t, rngBefore.Last, rngAfter.Last)
}

func TestPendingMessageLifecycle(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePendingMessage(ctx, roomID, "txn1", msgEvent(t, "$local1")))
	txnID, ev, err := s.FirstPendingMessage(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, "txn1", txnID)
	require.Equal(t, "$local1", ev.EventID)

	require.NoError(t, s.RemovePendingStatus(ctx, roomID, "txn1"))
	pending, err := s.PendingEvents(ctx, roomID)
	require.NoError(t, err)
	require.Empty(t, pending)
}
