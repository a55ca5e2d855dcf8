package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSetGet(t *testing.T) {
	c, err := New(1<<20, 0, "test")
	require.NoError(t, err)
	defer c.Close()

	c.Set("room1", "summary-blob", 64)
	c.Wait()

	v, ok := c.Get("room1")
	require.True(t, ok)
	assert.Equal(t, "summary-blob", v)
}

func TestCacheMiss(t *testing.T) {
	c, err := New(1<<20, 0, "test")
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestCacheDel(t *testing.T) {
	c, err := New(1<<20, 0, "test")
	require.NoError(t, err)
	defer c.Close()

	c.Set("room1", "summary-blob", 64)
	c.Wait()
	c.Del("room1")

	_, ok := c.Get("room1")
	assert.False(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c, err := New(1<<20, 10*time.Millisecond, "test")
	require.NoError(t, err)
	defer c.Close()

	c.Set("outdated-flag", true, 8)
	c.Wait()

	_, ok := c.Get("outdated-flag")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	_, ok = c.Get("outdated-flag")
	assert.False(t, ok, "entry should have expired")
}
