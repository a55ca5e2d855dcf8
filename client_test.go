package matrixcache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	matrixcache "github.com/element-hq/matrix-cache"
	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/internal/logging"
	"github.com/element-hq/matrix-cache/secrets"
)

func testConfig(t *testing.T) *config.Cache {
	t.Helper()
	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = t.TempDir()
	return cfg
}

func TestOpenRejectsSecondClientUntilClosed(t *testing.T) {
	ctx := context.Background()
	c, err := matrixcache.Open(ctx, testConfig(t), secrets.NewMemoryKeychain(), logging.Options{})
	require.NoError(t, err)

	_, err = matrixcache.Open(ctx, testConfig(t), secrets.NewMemoryKeychain(), logging.Options{})
	require.ErrorIs(t, err, matrixcache.ErrAlreadyOpen)

	require.NoError(t, c.Close())

	c2, err := matrixcache.Open(ctx, testConfig(t), secrets.NewMemoryKeychain(), logging.Options{})
	require.NoError(t, err)
	require.NoError(t, c2.Close())
}

func TestClientSubstoresShareOneEnvironment(t *testing.T) {
	ctx := context.Background()
	c, err := matrixcache.Open(ctx, testConfig(t), secrets.NewMemoryKeychain(), logging.Options{})
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.Env.IsDatabaseReady())

	joined, err := c.Sync.JoinedRooms(ctx)
	require.NoError(t, err)
	require.Empty(t, joined)
}

func TestDeleteDataRemovesDirectoryAndAllowsReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	c, err := matrixcache.Open(ctx, cfg, secrets.NewMemoryKeychain(), logging.Options{})
	require.NoError(t, err)
	require.NoError(t, c.DeleteData())

	c2, err := matrixcache.Open(ctx, cfg, secrets.NewMemoryKeychain(), logging.Options{})
	require.NoError(t, err)
	require.NoError(t, c2.Close())
}
