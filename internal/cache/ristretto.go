// Package cache provides the in-memory ristretto layer sitting in front of
// sqlite reads that are expensive or hot enough to matter. Its one user in
// this module is the secret vault's decrypted-secret mirror.
// Everything here is a pure speed optimization; every entry is reconstructible
// from the storage environment, so a miss or eviction is never an error.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/element-hq/matrix-cache/internal/metrics"
)

// Cache wraps a ristretto.Cache with a fixed TTL and an optional metrics
// label. Each New call builds its own ristretto instance with its own cost
// budget; there is no partitioning inside one Cache.
type Cache struct {
	impl       *ristretto.Cache
	defaultTTL time.Duration
	substore   string
}

// New creates a Cache with room for roughly maxCost bytes of entries, each
// expiring after ttl (zero means entries never expire on their own and rely
// purely on cost-based eviction). substore labels DecodeFailures metrics
// emitted when a caller reports a decode failure via RecordDecodeFailure.
func New(maxCost int64, ttl time.Duration, substore string) (*Cache, error) {
	impl, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 100 * 10, // ~10 counters per expected 100-byte entry
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{impl: impl, defaultTTL: ttl, substore: substore}, nil
}

// Set stores value under key with the cache's default TTL and the given cost
// estimate in bytes. The set is asynchronous, as with all ristretto writes;
// a read immediately following Set may still miss.
func (c *Cache) Set(key string, value interface{}, cost int64) {
	if c.defaultTTL > 0 {
		c.impl.SetWithTTL(key, value, cost, c.defaultTTL)
		return
	}
	c.impl.Set(key, value, cost)
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	return c.impl.Get(key)
}

// Del evicts key, for example after the backing row in sqlite changes.
func (c *Cache) Del(key string) {
	c.impl.Del(key)
}

// RecordDecodeFailure increments the decode failure counter for this cache's
// substore, used when a cached blob fails to decode and is treated as a
// Corruption error by the caller rather than trusted.
func (c *Cache) RecordDecodeFailure() {
	metrics.DecodeFailures.WithLabelValues(c.substore).Inc()
}

// Wait blocks until all pending Set calls have propagated, for tests that
// need read-after-write visibility.
func (c *Cache) Wait() {
	c.impl.Wait()
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	c.impl.Close()
}
