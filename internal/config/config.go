package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v2"
)

// ConfigErrors collects human readable configuration problems found during
// Verify. A non-empty ConfigErrors is returned as an error by the caller.
type ConfigErrors []string

func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

func (e ConfigErrors) Error() string {
	if len(e) == 1 {
		return e[0]
	}
	return fmt.Sprintf("%d configuration errors: %s", len(e), e[0])
}

func checkNotEmpty(errs *ConfigErrors, key, value string) {
	if value == "" {
		errs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(errs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		errs.Add(fmt.Sprintf("config key %q must be positive, got %d", key, value))
	}
}

// SQLiteDriver selects which database/sql driver backs the storage
// environment. PureGo avoids cgo so the cache can be cross-compiled for
// mobile/embedded client targets; CGO opts into the accelerated driver for
// desktop builds that already require cgo for their UI toolkit.
type SQLiteDriver string

const (
	SQLiteDriverPureGo SQLiteDriver = "purego"
	SQLiteDriverCGO    SQLiteDriver = "cgo"
)

// Cache configures the client-side persistent cache.
type Cache struct {
	// Directory holding the sqlite database file and any sidecar WAL files.
	Directory string `yaml:"directory"`

	// Driver selects the sqlite driver used to open Directory.
	Driver SQLiteDriver `yaml:"driver"`

	// KeyCacheOutdatedTTL is loaded and defaulted but not read by any code in
	// this module: crypto.Store.QueryKeys defers only for entries explicitly
	// marked outdated, however old a cached entry is.
	KeyCacheOutdatedTTL time.Duration `yaml:"key_cache_outdated_ttl"`

	// SecretMirrorMaxCost bounds the size of the in-memory ristretto mirror
	// backing the secret vault, in approximate bytes.
	SecretMirrorMaxCost int64 `yaml:"secret_mirror_max_cost"`

	// Sweep configures the old-data sweeper (§11.4).
	Sweep SweepConfig `yaml:"sweep"`

	// Bus configures the in-process notification bus (§11.5).
	Bus BusConfig `yaml:"bus"`
}

type SweepConfig struct {
	// Interval between sweep passes. Zero disables the sweeper.
	Interval time.Duration `yaml:"interval"`
	// Horizon is how much timeline history to retain per room when sweeping.
	Horizon time.Duration `yaml:"horizon"`
}

type BusConfig struct {
	// SubscriberBufferSize bounds how many undelivered signals a slow
	// subscriber may accumulate; once the buffer is full, newly published
	// signals are dropped and the buffered ones are kept.
	SubscriberBufferSize int `yaml:"subscriber_buffer_size"`
}

func (c *Cache) Defaults() {
	c.Driver = SQLiteDriverPureGo
	c.KeyCacheOutdatedTTL = 24 * time.Hour
	c.SecretMirrorMaxCost = 1 << 20 // 1MiB
	c.Sweep.Interval = 6 * time.Hour
	c.Sweep.Horizon = 30 * 24 * time.Hour
	c.Bus.SubscriberBufferSize = 64
}

func (c *Cache) Verify(errs *ConfigErrors) {
	checkNotEmpty(errs, "cache.directory", c.Directory)
	if c.Driver != SQLiteDriverPureGo && c.Driver != SQLiteDriverCGO {
		errs.Add(fmt.Sprintf("cache.driver must be %q or %q, got %q", SQLiteDriverPureGo, SQLiteDriverCGO, c.Driver))
	}
	checkPositive(errs, "cache.secret_mirror_max_cost", c.SecretMirrorMaxCost)
	if c.Sweep.Interval < 0 {
		errs.Add("cache.sweep.interval must not be negative")
	}
	if c.Bus.SubscriberBufferSize <= 0 {
		errs.Add("cache.bus.subscriber_buffer_size must be positive")
	}
}

// Load parses yaml configuration bytes into a Cache, applying defaults first
// so unset fields keep sane values, then verifying the result.
func Load(data []byte) (*Cache, error) {
	c := &Cache{}
	c.Defaults()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	var errs ConfigErrors
	c.Verify(&errs)
	if len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}
