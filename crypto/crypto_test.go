package crypto_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-cache/crypto"
	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/store"
)

func newTestStore(t *testing.T) *crypto.Store {
	t.Helper()
	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = t.TempDir()
	env := store.Open(cfg)
	require.NoError(t, env.Setup(context.Background()))
	t.Cleanup(func() { _ = env.Close() })
	return crypto.New(env)
}

const testRoomID = "!room:example.org"

func TestInboundMegolmKeepsLowerFirstKnownIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutInboundMegolmSession(ctx, crypto.InboundMegolmSession{
		RoomID: testRoomID, SenderKey: "sk", SessionID: "sid",
		FirstKnownIndex: 50, Session: []byte("session-at-50"), Metadata: []byte("m50"),
	}))

	// A forwarded session claiming more history (lower index) should win.
	require.NoError(t, s.PutInboundMegolmSession(ctx, crypto.InboundMegolmSession{
		RoomID: testRoomID, SenderKey: "sk", SessionID: "sid",
		FirstKnownIndex: 10, Session: []byte("session-at-10"), Metadata: []byte("m10"),
	}))

	got, err := s.GetInboundMegolmSession(ctx, testRoomID, "sk", "sid")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(10), got.FirstKnownIndex)
	require.Equal(t, []byte("session-at-10"), got.Session)

	// A later session claiming less history must not overwrite it.
	require.NoError(t, s.PutInboundMegolmSession(ctx, crypto.InboundMegolmSession{
		RoomID: testRoomID, SenderKey: "sk", SessionID: "sid",
		FirstKnownIndex: 30, Session: []byte("session-at-30"), Metadata: []byte("m30"),
	}))

	got, err = s.GetInboundMegolmSession(ctx, testRoomID, "sk", "sid")
	require.NoError(t, err)
	require.Equal(t, int64(10), got.FirstKnownIndex)
}

func TestImportSessionKeysMergesUnderLowerIndexWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutInboundMegolmSession(ctx, crypto.InboundMegolmSession{
		RoomID: testRoomID, SenderKey: "sk", SessionID: "sid", FirstKnownIndex: 20, Session: []byte("a"),
	}))

	require.NoError(t, s.ImportSessionKeys(ctx, []crypto.InboundMegolmSession{
		{RoomID: testRoomID, SenderKey: "sk", SessionID: "sid", FirstKnownIndex: 5, Session: []byte("b")},
		{RoomID: testRoomID, SenderKey: "sk", SessionID: "other", FirstKnownIndex: 0, Session: []byte("c")},
	}))

	got, err := s.GetInboundMegolmSession(ctx, testRoomID, "sk", "sid")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.FirstKnownIndex)

	exported, err := s.ExportSessionKeys(ctx)
	require.NoError(t, err)
	require.Len(t, exported, 2)
}

func TestOutboundMegolmLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.OutboundMegolmSessionExists(ctx, testRoomID)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.SaveOutboundMegolmSession(ctx, testRoomID, []byte("session"), []byte(`{"count":0}`)))
	exists, err = s.OutboundMegolmSessionExists(ctx, testRoomID)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.UpdateOutboundMegolmSession(ctx, testRoomID, []byte(`{"count":1}`)))
	session, metadata, ok, err := s.GetOutboundMegolmSession(ctx, testRoomID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("session"), session)
	require.JSONEq(t, `{"count":1}`, string(metadata))

	require.NoError(t, s.DropOutboundMegolmSession(ctx, testRoomID))
	exists, err = s.OutboundMegolmSessionExists(ctx, testRoomID)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestOlmSessionsOrderedByLastUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveOlmSessions(ctx, []crypto.OlmSession{
		{Curve25519Key: "peer", SessionID: "s1", LastUsedTS: 100, Session: []byte("a")},
		{Curve25519Key: "peer", SessionID: "s2", LastUsedTS: 200, Session: []byte("b")},
	}))

	latest, err := s.GetLatestOlmSession(ctx, "peer")
	require.NoError(t, err)
	require.Equal(t, "s2", latest.SessionID)

	all, err := s.GetOlmSessions(ctx, "peer")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestOlmAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.RestoreOlmAccount(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveOlmAccount(ctx, []byte("pickled-account")))
	pickled, ok, err := s.RestoreOlmAccount(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("pickled-account"), pickled)
}

func TestQueryKeysDefersUntilUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkUserKeysOutOfDate(ctx, nil, "@a:x"))

	resultCh := make(chan *crypto.UserKeys, 1)
	require.NoError(t, s.QueryKeys(ctx, "@a:x", func(uk *crypto.UserKeys) { resultCh <- uk }))

	select {
	case <-resultCh:
		t.Fatal("callback fired before UpdateUserKeys")
	default:
	}

	require.NoError(t, s.UpdateUserKeys(ctx, "@a:x", "tok", json.RawMessage(`{"dev1":{}}`), nil))

	select {
	case uk := <-resultCh:
		require.False(t, uk.Outdated)
		require.Equal(t, "@a:x", uk.UserID)
	default:
		t.Fatal("callback did not fire after UpdateUserKeys")
	}
}

func TestVerificationStatusReduction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	level, err := s.VerificationStatus(ctx, "@a:x")
	require.NoError(t, err)
	require.Equal(t, crypto.TOFU, level)

	require.NoError(t, s.MarkDeviceVerified(ctx, "@a:x", "dev1"))
	level, err = s.VerificationStatus(ctx, "@a:x")
	require.NoError(t, err)
	require.Equal(t, crypto.Verified, level)

	require.NoError(t, s.MarkDeviceUnverified(ctx, "@a:x", "dev2"))
	level, err = s.VerificationStatus(ctx, "@a:x")
	require.NoError(t, err)
	require.Equal(t, crypto.Unverified, level)

	roomLevel, err := s.RoomVerificationStatus(ctx, []string{"@a:x", "@b:x"})
	require.NoError(t, err)
	require.Equal(t, crypto.Unverified, roomLevel)
}

func TestBackupVersionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.BackupVersion(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveBackupVersion(ctx, crypto.BackupVersion{Version: "1", PublicKey: "pub", LocalKey: []byte("local")}))
	b, ok, err := s.BackupVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", b.Version)

	require.NoError(t, s.DeleteBackupVersion(ctx))
	_, ok, err = s.BackupVersion(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
