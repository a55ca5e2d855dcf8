package codec_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-cache/codec"
)

const testMessageJSON = `{
	"type":"m.room.message",
	"sender":"@alice:example.org",
	"room_id":"!room:example.org",
	"content":{"msgtype":"m.text","body":"hello"},
	"auth_events":[],
	"prev_events":[],
	"depth":1,
	"origin_server_ts":1000000
}`

const testStateJSON = `{
	"type":"m.room.name",
	"state_key":"",
	"sender":"@alice:example.org",
	"room_id":"!room:example.org",
	"content":{"name":"Project Chat"},
	"auth_events":[],
	"prev_events":[],
	"depth":1,
	"origin_server_ts":1000001
}`

func TestDecodeTrustedEventMessage(t *testing.T) {
	e, err := codec.DecodeTrustedEvent([]byte(testMessageJSON), gomatrixserverlib.RoomVersionV1)
	require.NoError(t, err)
	require.Equal(t, "m.room.message", e.Type)
	require.False(t, e.IsState())
	require.Equal(t, "@alice:example.org", e.Sender)
}

func TestDecodeTrustedEventState(t *testing.T) {
	e, err := codec.DecodeTrustedEvent([]byte(testStateJSON), gomatrixserverlib.RoomVersionV1)
	require.NoError(t, err)
	require.True(t, e.IsState())
	require.Equal(t, "", *e.StateKey)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e, err := codec.DecodeTrustedEvent([]byte(testMessageJSON), gomatrixserverlib.RoomVersionV1)
	require.NoError(t, err)

	blob, err := codec.Encode(e)
	require.NoError(t, err)

	got, err := codec.Decode(blob)
	require.NoError(t, err)
	require.Equal(t, e.Type, got.Type)
	require.Equal(t, e.Sender, got.Sender)
	if diff := cmp.Diff(e.Content, got.Content); diff != "" {
		t.Errorf("content mismatch after round trip (-want +got):\n%s", diff)
	}
}

func TestDecodeCorruptBlobWrapsErrDecode(t *testing.T) {
	_, err := codec.Decode([]byte("not json"))
	require.ErrorIs(t, err, codec.ErrDecode)
}
