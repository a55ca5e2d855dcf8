// Package crypto is the Crypto Session Store: opaque pickled Olm and
// Megolm session blobs, device/cross-signing key caches, verification
// records, and the online key backup descriptor, per §4.5.
//
// Session, account and backup writes in this package go through fsync
// before returning success: losing an inbound Megolm session makes the
// history it decrypts unrecoverable, so the usual WAL-buffered commit the
// rest of the cache relies on is not enough there. The device-key cache
// writes (UpdateUserKeys, MarkUserKeysOutOfDate) and the device-trust
// writes in keys.go use a plain Environment.Write and do not set the
// pragma themselves.
package crypto

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/matrix-cache/internal/metrics"
	"github.com/element-hq/matrix-cache/store"
)

// Store is the Crypto Session Store substore (C6).
type Store struct {
	env *store.Environment
}

func New(env *store.Environment) *Store {
	return &Store{env: env}
}

// fsync runs fn inside a write transaction and blocks until sqlite has
// durably committed it, recording the wait in CryptoFsyncDuration. It runs
// PRAGMA synchronous = FULL inside the transaction before fn, overriding the
// NORMAL mode internal/sqlutil.Open requests, so the commit fsyncs the WAL.
// The pragma is not reset afterwards, so it stays in effect on the
// environment's single connection for later writes too.
func (s *Store) fsync(ctx context.Context, caller string, fn func(txn *sql.Tx) error) error {
	start := time.Now()
	err := s.env.Write(nil, caller, func(txn *sql.Tx) error {
		if _, err := txn.ExecContext(ctx, "PRAGMA synchronous = FULL"); err != nil {
			return err
		}
		return fn(txn)
	})
	metrics.ObserveSince(metrics.CryptoFsyncDuration, start, caller)
	if err != nil {
		logrus.WithField("caller", caller).WithError(err).Warn("crypto: durable write failed")
	}
	return err
}
