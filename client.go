// Package matrixcache is the client-side persistent cache for a Matrix
// chat client: a single on-disk environment holding room state, timeline
// history, account data, crypto sessions, and secrets, fed by an atomic
// sync applier and swept of old history in the background.
//
// The package exposes exactly one process-wide handle, Client, opened once
// per logged-in session and closed on logout, matching the "client()
// singleton" lifecycle this codebase's own setup packages document for
// their top-level state.
package matrixcache

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/element-hq/matrix-cache/account"
	"github.com/element-hq/matrix-cache/crypto"
	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/internal/logging"
	"github.com/element-hq/matrix-cache/internal/tracing"
	"github.com/element-hq/matrix-cache/roomstate"
	"github.com/element-hq/matrix-cache/secrets"
	"github.com/element-hq/matrix-cache/store"
	"github.com/element-hq/matrix-cache/sweep"
	syncapplier "github.com/element-hq/matrix-cache/sync"
	"github.com/element-hq/matrix-cache/timeline"
)

// ErrAlreadyOpen is returned by Open when a Client is already active in
// this process. Opening a second cache directory concurrently is not
// supported; call Close on the existing Client first.
var ErrAlreadyOpen = errors.New("matrixcache: a client is already open in this process")

var (
	mu      sync.Mutex
	current *Client
)

// Client bundles every substore (C1-C8) behind the single handle the rest
// of a host application depends on.
type Client struct {
	Env      *store.Environment
	Rooms    *roomstate.Store
	Timeline *timeline.Store
	Account  *account.Store
	Crypto   *crypto.Store
	Secrets  *secrets.Store
	Sync     *syncapplier.Applier

	bus         *syncapplier.Bus
	sweeper     *sweep.Sweeper
	cancelSweep context.CancelFunc
	tracerClose io.Closer
}

// Open creates the on-disk environment at cfg.Directory (if absent),
// wires every substore against it, starts the notification bus and the
// background sweeper, and installs process-wide logging per logOpts.
// keychain backs the Secret Vault's external-secret storage; pass
// secrets.NewMemoryKeychain() where no OS keychain integration is wired in
// yet (see DESIGN.md).
func Open(ctx context.Context, cfg *config.Cache, keychain secrets.Keychain, logOpts logging.Options) (*Client, error) {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return nil, ErrAlreadyOpen
	}
	if err := logging.Setup(logOpts); err != nil {
		return nil, err
	}
	tracerClose, err := tracing.Setup("matrix-cache")
	if err != nil {
		return nil, err
	}

	env := store.Open(cfg)
	if err := env.Setup(ctx); err != nil {
		return nil, err
	}

	rooms := roomstate.New(env)
	tl := timeline.New(env)
	acct := account.New(env)
	cryptoStore := crypto.New(env)
	secretsStore, err := secrets.New(env, keychain, cfg.SecretMirrorMaxCost)
	if err != nil {
		_ = env.Close()
		return nil, err
	}

	bus, err := syncapplier.NewBus(cfg.Bus)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	applier := syncapplier.New(env, rooms, tl, acct, bus)

	sweepCtx, cancel := context.WithCancel(context.Background())
	sweeper := sweep.New(env, tl, applier, cfg.Sweep)
	go sweeper.Run(sweepCtx)

	c := &Client{
		Env:         env,
		Rooms:       rooms,
		Timeline:    tl,
		Account:     acct,
		Crypto:      cryptoStore,
		Secrets:     secretsStore,
		Sync:        applier,
		bus:         bus,
		sweeper:     sweeper,
		cancelSweep: cancel,
		tracerClose: tracerClose,
	}
	current = c
	return c, nil
}

// Close stops the sweeper and notification bus and releases the sqlite
// connection, leaving the on-disk data in place for the next Open.
func (c *Client) Close() error {
	mu.Lock()
	defer mu.Unlock()
	if current != c {
		return nil
	}
	c.cancelSweep()
	c.bus.Close()
	if c.tracerClose != nil {
		_ = c.tracerClose.Close()
	}
	err := c.Env.Close()
	current = nil
	return err
}

// DeleteData closes the client and removes its on-disk directory, for
// logout. The Client must not be used again after this call; a fresh Open
// is required to log back in.
func (c *Client) DeleteData() error {
	if err := c.Close(); err != nil {
		return err
	}
	return c.Env.DeleteData()
}
