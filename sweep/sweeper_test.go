package sweep_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-cache/account"
	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/roomstate"
	"github.com/element-hq/matrix-cache/store"
	"github.com/element-hq/matrix-cache/sweep"
	"github.com/element-hq/matrix-cache/sync"
	"github.com/element-hq/matrix-cache/timeline"
)

const testRoomID = "!room:example.org"

func stateEvent(t *testing.T, eventID, eventType, stateKey, content string) *codec.Event {
	t.Helper()
	raw := fmt.Sprintf(`{
		"type":%q,"sender":"@a:x","room_id":"%s","state_key":%q,
		"content":%s,
		"auth_events":[],"prev_events":[],"depth":1,"origin_server_ts":1000,
		"event_id":"%s"
	}`, eventType, testRoomID, stateKey, content, eventID)
	ev, err := codec.DecodeTrustedEvent([]byte(raw), gomatrixserverlib.RoomVersionV1)
	require.NoError(t, err)
	ev.EventID = eventID
	return ev
}

func msgEvent(t *testing.T, eventID string, ts int64) *codec.Event {
	t.Helper()
	raw := fmt.Sprintf(`{
		"type":"m.room.message","sender":"@a:x","room_id":"%s",
		"content":{"msgtype":"m.text","body":"hi"},
		"auth_events":[],"prev_events":[],"depth":1,"origin_server_ts":%d,
		"event_id":"%s"
	}`, testRoomID, ts, eventID)
	ev, err := codec.DecodeTrustedEvent([]byte(raw), gomatrixserverlib.RoomVersionV1)
	require.NoError(t, err)
	ev.EventID = eventID
	return ev
}

func newTestSweeper(t *testing.T, cfg config.SweepConfig) (*sync.Applier, *timeline.Store, *sweep.Sweeper) {
	t.Helper()
	ccfg := &config.Cache{}
	ccfg.Defaults()
	ccfg.Directory = t.TempDir()
	ccfg.Sweep = cfg

	env := store.Open(ccfg)
	require.NoError(t, env.Setup(context.Background()))
	t.Cleanup(func() { _ = env.Close() })

	bus, err := sync.NewBus(ccfg.Bus)
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	tl := timeline.New(env)
	app := sync.New(env, roomstate.New(env), tl, account.New(env), bus)
	return app, tl, sweep.New(env, tl, app, cfg)
}

func TestSweepOnceTrimsMessagesOlderThanHorizon(t *testing.T) {
	now := time.Now()
	app, tl, sweeper := newTestSweeper(t, config.SweepConfig{Interval: time.Hour, Horizon: 24 * time.Hour})
	ctx := context.Background()

	require.NoError(t, app.SaveState(ctx, &sync.Response{
		NextBatch: "batch1",
		Joined: []sync.JoinedRoom{{
			RoomID: testRoomID,
			State: []*codec.Event{
				stateEvent(t, "$create", "m.room.create", "", `{"creator":"@a:x","room_version":"1"}`),
				stateEvent(t, "$member", "m.room.member", "@a:x", `{"membership":"join"}`),
			},
			Timeline: []*codec.Event{
				msgEvent(t, "$old", now.Add(-48*time.Hour).UnixMilli()),
				msgEvent(t, "$new", now.Add(-1*time.Hour).UnixMilli()),
			},
		}},
	}))

	require.NoError(t, sweeper.SweepOnce(ctx))

	_, ok, err := tl.GetEventIndex(ctx, testRoomID, "$old")
	require.NoError(t, err)
	require.False(t, ok, "message older than horizon should have been trimmed")

	_, ok, err = tl.GetEventIndex(ctx, testRoomID, "$new")
	require.NoError(t, err)
	require.True(t, ok, "message within horizon must survive a sweep")
}

func TestSweepOnceIsNoopWhenIntervalDisabled(t *testing.T) {
	app, _, sweeper := newTestSweeper(t, config.SweepConfig{Interval: 0, Horizon: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sweeper.Run(ctx) // returns immediately since Interval is zero; must not panic or hang

	require.NoError(t, app.SaveState(context.Background(), &sync.Response{NextBatch: "b", Joined: []sync.JoinedRoom{{
		RoomID: testRoomID,
		State: []*codec.Event{
			stateEvent(t, "$create", "m.room.create", "", `{"creator":"@a:x","room_version":"1"}`),
		},
	}}}))
	require.NoError(t, sweeper.SweepOnce(context.Background()))
}

func TestSweepOnceResumesFromPersistedCursor(t *testing.T) {
	now := time.Now()
	app, tl, sweeper := newTestSweeper(t, config.SweepConfig{Interval: time.Hour, Horizon: time.Hour})
	ctx := context.Background()

	require.NoError(t, app.SaveState(ctx, &sync.Response{
		NextBatch: "batch1",
		Joined: []sync.JoinedRoom{{
			RoomID: testRoomID,
			State: []*codec.Event{
				stateEvent(t, "$create", "m.room.create", "", `{"creator":"@a:x","room_version":"1"}`),
			},
			Timeline: []*codec.Event{
				msgEvent(t, "$old1", now.Add(-2*time.Hour).UnixMilli()),
				msgEvent(t, "$old2", now.Add(-2*time.Hour).UnixMilli()),
				msgEvent(t, "$keep", now.Add(-30*time.Minute).UnixMilli()),
			},
		}},
	}))

	require.NoError(t, sweeper.SweepOnce(ctx))
	require.NoError(t, sweeper.SweepOnce(ctx))

	_, ok, err := tl.GetEventIndex(ctx, testRoomID, "$old1")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = tl.GetEventIndex(ctx, testRoomID, "$keep")
	require.NoError(t, err)
	require.True(t, ok)
}
