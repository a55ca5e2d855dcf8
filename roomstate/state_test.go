package roomstate_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/roomstate"
	"github.com/element-hq/matrix-cache/store"
)

const roomID = "!room:example.org"

func newTestStore(t *testing.T) (*store.Environment, *roomstate.Store) {
	t.Helper()
	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = t.TempDir()
	env := store.Open(cfg)
	require.NoError(t, env.Setup(context.Background()))
	t.Cleanup(func() { _ = env.Close() })
	return env, roomstate.New(env)
}

func mustDecode(t *testing.T, raw string) *codec.Event {
	t.Helper()
	ev, err := codec.DecodeTrustedEvent([]byte(raw), gomatrixserverlib.RoomVersionV1)
	require.NoError(t, err)
	return ev
}

func memberEvent(userID, membership, displayName string) string {
	return `{
		"type":"m.room.member",
		"state_key":"` + userID + `",
		"sender":"` + userID + `",
		"room_id":"` + roomID + `",
		"content":{"membership":"` + membership + `","displayname":"` + displayName + `"},
		"auth_events":[],"prev_events":[],"depth":1,"origin_server_ts":1
	}`
}

func applyAndCommit(env *store.Environment, s *roomstate.Store, events []*codec.Event) error {
	return env.Write(nil, "test", func(txn *sql.Tx) error {
		return s.ApplyState(context.Background(), txn, roomID, events, false)
	})
}

func TestApplyStateUpsertsLatestEvent(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	nameV1 := mustDecode(t, `{"type":"m.room.name","state_key":"","sender":"@a:x","room_id":"`+roomID+`","content":{"name":"v1"},"auth_events":[],"prev_events":[],"depth":1,"origin_server_ts":1}`)
	nameV2 := mustDecode(t, `{"type":"m.room.name","state_key":"","sender":"@a:x","room_id":"`+roomID+`","content":{"name":"v2"},"auth_events":[],"prev_events":[],"depth":1,"origin_server_ts":2}`)

	require.NoError(t, applyAndCommit(env, s, []*codec.Event{nameV1}))
	require.NoError(t, applyAndCommit(env, s, []*codec.Event{nameV2}))

	sum, err := s.RecomputeSummary(ctx, nil, roomID)
	require.NoError(t, err)
	require.Equal(t, "v2", sum.Name)
}

func TestApplyStateMembershipFanOutAndDisambiguation(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	aliceJoin := mustDecode(t, memberEvent("@alice:example.org", "join", "Sam"))
	bobJoin := mustDecode(t, memberEvent("@bob:example.org", "join", "Sam"))

	require.NoError(t, applyAndCommit(env, s, []*codec.Event{aliceJoin, bobJoin}))

	members, err := s.RoomMembers(ctx, nil, roomID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	names := map[string]string{}
	for _, m := range members {
		names[m.UserID] = m.DisplayName
	}
	require.Equal(t, "Sam", names["@alice:example.org"])
	require.Equal(t, "Sam (@bob:example.org)", names["@bob:example.org"])
}

func TestApplyStateMembershipLeaveRemovesMember(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	join := mustDecode(t, memberEvent("@alice:example.org", "join", "Alice"))
	require.NoError(t, applyAndCommit(env, s, []*codec.Event{join}))

	leave := mustDecode(t, memberEvent("@alice:example.org", "leave", "Alice"))
	require.NoError(t, applyAndCommit(env, s, []*codec.Event{leave}))

	isMember, err := s.IsRoomMember(ctx, "@alice:example.org", roomID)
	require.NoError(t, err)
	require.False(t, isMember)
}

func TestApplyStateWipeClearsExistingState(t *testing.T) {
	env, s := newTestStore(t)
	ctx := context.Background()

	name := mustDecode(t, `{"type":"m.room.name","state_key":"","sender":"@a:x","room_id":"`+roomID+`","content":{"name":"before"},"auth_events":[],"prev_events":[],"depth":1,"origin_server_ts":1}`)
	require.NoError(t, applyAndCommit(env, s, []*codec.Event{name}))

	require.NoError(t, env.Write(nil, "test", func(txn *sql.Tx) error {
		return s.ApplyState(ctx, txn, roomID, nil, true)
	}))

	sum, err := s.RecomputeSummary(ctx, nil, roomID)
	require.NoError(t, err)
	require.Equal(t, "", sum.Name)
}
