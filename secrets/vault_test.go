package secrets_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/secrets"
	"github.com/element-hq/matrix-cache/store"
)

func newTestVault(t *testing.T) *secrets.Store {
	t.Helper()
	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = t.TempDir()
	env := store.Open(cfg)
	require.NoError(t, env.Setup(context.Background()))
	t.Cleanup(func() { _ = env.Close() })

	s, err := secrets.New(env, secrets.NewMemoryKeychain(), cfg.SecretMirrorMaxCost)
	require.NoError(t, err)
	return s
}

func TestStoreSecretRoundTripInternal(t *testing.T) {
	s := newTestVault(t)
	ctx := context.Background()

	var changed []string
	s.OnSecretChanged(func(name string) { changed = append(changed, name) })

	require.NoError(t, s.StoreSecret(ctx, "pickle_secret", true, []byte("super-secret-key")))
	require.Equal(t, []string{"pickle_secret"}, changed)

	value, ok := s.Secret("pickle_secret", true)
	require.True(t, ok)
	require.Equal(t, []byte("super-secret-key"), value)

	pickle, ok := s.PickleSecret()
	require.True(t, ok)
	require.Equal(t, []byte("super-secret-key"), pickle)
}

func TestStoreSecretRoundTripExternal(t *testing.T) {
	s := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "device_id", false, []byte("DEVICE123")))
	value, ok := s.Secret("device_id", false)
	require.True(t, ok)
	require.Equal(t, []byte("DEVICE123"), value)

	require.NoError(t, s.DeleteSecret(ctx, "device_id", false))
	_, ok = s.Secret("device_id", false)
	require.False(t, ok)
}

func TestLoadSecretsFromStoreEmitsDatabaseReady(t *testing.T) {
	s := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, s.StoreSecret(ctx, "pickle_secret", true, []byte("key-material")))

	readyCalled := false
	s.OnDatabaseReady(func() { readyCalled = true })

	var loaded []string
	require.NoError(t, s.LoadSecretsFromStore(ctx, []string{"pickle_secret"}, map[string]bool{"pickle_secret": true},
		func(name string, internal bool, value []byte) { loaded = append(loaded, name) }, true))

	require.Equal(t, []string{"pickle_secret"}, loaded)
	require.True(t, readyCalled)
	require.True(t, s.IsDatabaseReady())
}

func TestInternalSecretSurvivesRestartEncryptedAtRest(t *testing.T) {
	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = t.TempDir()

	env1 := store.Open(cfg)
	require.NoError(t, env1.Setup(context.Background()))
	keychain := secrets.NewMemoryKeychain()
	s1, err := secrets.New(env1, keychain, cfg.SecretMirrorMaxCost)
	require.NoError(t, err)
	require.NoError(t, s1.StoreSecret(context.Background(), "pickle_secret", true, []byte("persisted-key")))
	require.NoError(t, env1.Close())

	env2 := store.Open(cfg)
	require.NoError(t, env2.Setup(context.Background()))
	defer env2.Close()
	s2, err := secrets.New(env2, keychain, cfg.SecretMirrorMaxCost)
	require.NoError(t, err)

	var loaded [][]byte
	require.NoError(t, s2.LoadSecretsFromStore(context.Background(), []string{"pickle_secret"}, map[string]bool{"pickle_secret": true},
		func(name string, internal bool, value []byte) { loaded = append(loaded, value) }, false))
	require.Equal(t, [][]byte{[]byte("persisted-key")}, loaded)
}
