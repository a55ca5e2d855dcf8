package crypto

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
)

// OlmSession is one pairwise ratchet session bucketed by peer curve25519
// key.
type OlmSession struct {
	Curve25519Key string
	SessionID     string
	LastUsedTS    int64
	Session       []byte
}

// SaveOlmSession inserts or replaces session, keyed by (curve25519_key,
// session_id).
func (s *Store) SaveOlmSession(ctx context.Context, session OlmSession) error {
	return s.fsync(ctx, "crypto.SaveOlmSession", func(txn *sql.Tx) error {
		return putOlmSession(ctx, txn, session)
	})
}

// SaveOlmSessions inserts or replaces a batch atomically, under a single
// fsync.
func (s *Store) SaveOlmSessions(ctx context.Context, sessions []OlmSession) error {
	return s.fsync(ctx, "crypto.SaveOlmSessions", func(txn *sql.Tx) error {
		for _, session := range sessions {
			if err := putOlmSession(ctx, txn, session); err != nil {
				return err
			}
		}
		return nil
	})
}

func putOlmSession(ctx context.Context, txn *sql.Tx, session OlmSession) error {
	_, err := txn.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (curve25519_key, session_id, last_used_ts, session) VALUES ($1, $2, $3, $4)
			ON CONFLICT(curve25519_key, session_id) DO UPDATE SET last_used_ts = excluded.last_used_ts, session = excluded.session`, store.TableOlmSessions),
		session.Curve25519Key, session.SessionID, session.LastUsedTS, session.Session,
	)
	return err
}

// GetOlmSessions lists every session id known for a peer curve25519 key.
func (s *Store) GetOlmSessions(ctx context.Context, curve25519Key string) ([]OlmSession, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT session_id, last_used_ts, session FROM %s WHERE curve25519_key = $1 ORDER BY session_id", store.TableOlmSessions,
	), curve25519Key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OlmSession
	for rows.Next() {
		session := OlmSession{Curve25519Key: curve25519Key}
		if err := rows.Scan(&session.SessionID, &session.LastUsedTS, &session.Session); err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// GetLatestOlmSession returns the entry with the highest last_used_ts for
// the peer, the session olm's decrypt-with-ratchet-advance logic should try
// first.
func (s *Store) GetLatestOlmSession(ctx context.Context, curve25519Key string) (*OlmSession, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	session := OlmSession{Curve25519Key: curve25519Key}
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT session_id, last_used_ts, session FROM %s WHERE curve25519_key = $1 ORDER BY last_used_ts DESC LIMIT 1", store.TableOlmSessions,
	), curve25519Key).Scan(&session.SessionID, &session.LastUsedTS, &session.Session)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SaveOlmAccount persists the single pickled account blob for the local
// device.
func (s *Store) SaveOlmAccount(ctx context.Context, pickled []byte) error {
	return s.fsync(ctx, "crypto.SaveOlmAccount", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, account) VALUES (0, $1)
				ON CONFLICT(id) DO UPDATE SET account = excluded.account`, store.TableOlmAccount),
			pickled,
		)
		return err
	})
}

// RestoreOlmAccount returns the persisted pickled account blob, if any.
func (s *Store) RestoreOlmAccount(ctx context.Context) ([]byte, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer txn.Rollback()

	var pickled []byte
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT account FROM %s WHERE id = 0", store.TableOlmAccount)).Scan(&pickled)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return pickled, true, nil
}
