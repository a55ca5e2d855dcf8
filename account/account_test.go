package account_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gotest.tools/v3/assert"

	"github.com/element-hq/matrix-cache/account"
	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/store"
	"github.com/element-hq/matrix-cache/timeline"
)

const testRoomID = "!room:example.org"

func newTestEnv(t *testing.T) *store.Environment {
	t.Helper()
	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = t.TempDir()
	env := store.Open(cfg)
	require.NoError(t, env.Setup(context.Background()))
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestAccountDataGlobalAndRoomScoped(t *testing.T) {
	env := newTestEnv(t)
	s := account.New(env)
	ctx := context.Background()

	require.NoError(t, s.SetAccountData(ctx, nil, "global", "m.direct", json.RawMessage(`{"a":["!x:y"]}`)))
	require.NoError(t, s.SetAccountData(ctx, nil, testRoomID, "m.fully_read", json.RawMessage(`{"event_id":"$e1"}`)))

	raw, ok, err := s.GetAccountData(ctx, "global", "m.direct")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"a":["!x:y"]}`, string(raw))

	raw, ok, err = s.GetAccountData(ctx, testRoomID, "m.fully_read")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"event_id":"$e1"}`, string(raw))

	_, ok, err = s.GetAccountData(ctx, testRoomID, "m.missing")
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}

func TestReadReceiptsOneEventPerUser(t *testing.T) {
	env := newTestEnv(t)
	s := account.New(env)
	ctx := context.Background()

	require.NoError(t, s.UpdateReadReceipt(ctx, nil, testRoomID, "@a:x", "$e1", 100))
	require.NoError(t, s.UpdateReadReceipt(ctx, nil, testRoomID, "@a:x", "$e2", 200))

	receipts, err := s.ReadReceipts(ctx, testRoomID, "$e1")
	require.NoError(t, err)
	require.Empty(t, receipts)

	receipts, err = s.ReadReceipts(ctx, testRoomID, "$e2")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"@a:x": 200}, receipts)
}

func TestCalculateRoomReadStatus(t *testing.T) {
	env := newTestEnv(t)
	s := account.New(env)
	tl := timeline.New(env)
	ctx := context.Background()
	require.NoError(t, env.EnsureRoomTables(nil, testRoomID))

	unread, err := s.CalculateRoomReadStatus(ctx, tl, testRoomID)
	require.NoError(t, err)
	require.False(t, unread, "empty timeline has nothing to read")

	raw := []byte(`{"type":"m.room.message","sender":"@a:x","room_id":"` + testRoomID + `","content":{"msgtype":"m.text","body":"hi"},"event_id":"$e1","origin_server_ts":1}`)
	ev, err := codec.Decode(raw)
	require.NoError(t, err)
	require.NoError(t, env.Write(nil, "test", func(txn *sql.Tx) error {
		return tl.SaveTimelineMessages(ctx, txn, testRoomID, []*codec.Event{ev})
	}))

	unread, err = s.CalculateRoomReadStatus(ctx, tl, testRoomID)
	require.NoError(t, err)
	require.True(t, unread, "no fully_read marker and a message present means unread")

	require.NoError(t, s.SetAccountData(ctx, nil, testRoomID, "m.fully_read", json.RawMessage(`{"event_id":"$e1"}`)))
	unread, err = s.CalculateRoomReadStatus(ctx, tl, testRoomID)
	require.NoError(t, err)
	require.False(t, unread, "marker at the last event means fully read")
}

func TestNotificationSentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s := account.New(env)
	ctx := context.Background()

	sent, err := s.IsNotificationSent(ctx, "$e1")
	require.NoError(t, err)
	require.False(t, sent)

	require.NoError(t, s.MarkSentNotification(ctx, "$e1"))
	sent, err = s.IsNotificationSent(ctx, "$e1")
	require.NoError(t, err)
	require.True(t, sent)

	require.NoError(t, s.RemoveReadNotification(ctx, "$e1"))
	sent, err = s.IsNotificationSent(ctx, "$e1")
	require.NoError(t, err)
	require.False(t, sent)
}

func TestPresenceRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	s := account.New(env)
	ctx := context.Background()

	_, ok, err := s.Presence(ctx, "@a:x")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SavePresence(ctx, nil, map[string]json.RawMessage{
		"@a:x": json.RawMessage(`{"presence":"online"}`),
	}))

	raw, ok, err := s.Presence(ctx, "@a:x")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"presence":"online"}`, string(raw))
}
