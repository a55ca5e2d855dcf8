package crypto

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
)

// SaveOutboundMegolmSession writes a fresh outbound session for roomID,
// replacing any prior one (the caller has already decided rotation is
// needed; this store only records facts).
func (s *Store) SaveOutboundMegolmSession(ctx context.Context, roomID string, session, metadata []byte) error {
	return s.fsync(ctx, "crypto.SaveOutboundMegolmSession", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (room_id, session, metadata) VALUES ($1, $2, $3)
				ON CONFLICT(room_id) DO UPDATE SET session = excluded.session, metadata = excluded.metadata`, store.TableOutboundMegolm),
			roomID, session, metadata,
		)
		return err
	})
}

// UpdateOutboundMegolmSession replaces only the metadata (e.g. the message
// counter) of roomID's outbound session, without rotating the session
// itself.
func (s *Store) UpdateOutboundMegolmSession(ctx context.Context, roomID string, metadata []byte) error {
	return s.fsync(ctx, "crypto.UpdateOutboundMegolmSession", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET metadata = $1 WHERE room_id = $2", store.TableOutboundMegolm), metadata, roomID)
		return err
	})
}

// DropOutboundMegolmSession deletes roomID's outbound session, forcing the
// next encrypt to create a new one.
func (s *Store) DropOutboundMegolmSession(ctx context.Context, roomID string) error {
	return s.fsync(ctx, "crypto.DropOutboundMegolmSession", func(txn *sql.Tx) error {
		_, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE room_id = $1", store.TableOutboundMegolm), roomID)
		return err
	})
}

// OutboundMegolmSessionExists is a cheap existence probe for the rotation
// policy, which lives outside this store.
func (s *Store) OutboundMegolmSessionExists(ctx context.Context, roomID string) (bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer txn.Rollback()

	var id string
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT room_id FROM %s WHERE room_id = $1", store.TableOutboundMegolm), roomID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// GetOutboundMegolmSession returns roomID's current outbound session and
// metadata blobs.
func (s *Store) GetOutboundMegolmSession(ctx context.Context, roomID string) (session, metadata []byte, ok bool, err error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	defer txn.Rollback()

	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT session, metadata FROM %s WHERE room_id = $1", store.TableOutboundMegolm), roomID).Scan(&session, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return session, metadata, true, nil
}

// InboundMegolmSession is one (room_id, sender_key, session_id) record
// together with its retained ratchet position.
type InboundMegolmSession struct {
	RoomID          string
	SenderKey       string
	SessionID       string
	FirstKnownIndex int64
	Session         []byte
	Metadata        []byte
}

// PutInboundMegolmSession inserts an inbound session, or on a key collision
// keeps whichever of the existing and new session has the lower
// first-known-index (strictly more history), carrying that session's
// metadata forward with it.
func (s *Store) PutInboundMegolmSession(ctx context.Context, in InboundMegolmSession) error {
	return s.fsync(ctx, "crypto.PutInboundMegolmSession", func(txn *sql.Tx) error {
		return upsertInboundMegolm(ctx, txn, in)
	})
}

func upsertInboundMegolm(ctx context.Context, txn *sql.Tx, in InboundMegolmSession) error {
	var existingIndex int64
	err := txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT first_known_index FROM %s WHERE room_id = $1 AND sender_key = $2 AND session_id = $3", store.TableInboundMegolm,
	), in.RoomID, in.SenderKey, in.SessionID).Scan(&existingIndex)

	switch {
	case err == sql.ErrNoRows:
		_, err = txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (room_id, sender_key, session_id, first_known_index, session, metadata) VALUES ($1, $2, $3, $4, $5, $6)`, store.TableInboundMegolm),
			in.RoomID, in.SenderKey, in.SessionID, in.FirstKnownIndex, in.Session, in.Metadata,
		)
		return err
	case err != nil:
		return err
	case in.FirstKnownIndex < existingIndex:
		_, err = txn.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET first_known_index = $1, session = $2, metadata = $3
				WHERE room_id = $4 AND sender_key = $5 AND session_id = $6`, store.TableInboundMegolm),
			in.FirstKnownIndex, in.Session, in.Metadata, in.RoomID, in.SenderKey, in.SessionID,
		)
		return err
	default:
		// Existing session has equal or lower first-known-index: keep it.
		return nil
	}
}

// GetInboundMegolmSession returns the retained session for the key, if any.
func (s *Store) GetInboundMegolmSession(ctx context.Context, roomID, senderKey, sessionID string) (*InboundMegolmSession, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	in := InboundMegolmSession{RoomID: roomID, SenderKey: senderKey, SessionID: sessionID}
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT first_known_index, session, metadata FROM %s WHERE room_id = $1 AND sender_key = $2 AND session_id = $3", store.TableInboundMegolm,
	), roomID, senderKey, sessionID).Scan(&in.FirstKnownIndex, &in.Session, &in.Metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// InboundMegolmSessionExists is the read-side existence probe used before
// attempting a request-keys round trip.
func (s *Store) InboundMegolmSessionExists(ctx context.Context, roomID, senderKey, sessionID string) (bool, error) {
	in, err := s.GetInboundMegolmSession(ctx, roomID, senderKey, sessionID)
	return in != nil, err
}

// GetMegolmSessionData returns a session's metadata without its pickled
// payload, for UI "session info" panels that don't need to touch the key
// material.
func (s *Store) GetMegolmSessionData(ctx context.Context, roomID, senderKey, sessionID string) ([]byte, bool, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer txn.Rollback()

	var metadata []byte
	err = txn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT metadata FROM %s WHERE room_id = $1 AND sender_key = $2 AND session_id = $3", store.TableInboundMegolm,
	), roomID, senderKey, sessionID).Scan(&metadata)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return metadata, true, nil
}

// ExportSessionKeys produces a pickled-blob list of every retained inbound
// session, for user-initiated key backup/export.
func (s *Store) ExportSessionKeys(ctx context.Context) ([]InboundMegolmSession, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT room_id, sender_key, session_id, first_known_index, session, metadata FROM %s", store.TableInboundMegolm,
	))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InboundMegolmSession
	for rows.Next() {
		var in InboundMegolmSession
		if err := rows.Scan(&in.RoomID, &in.SenderKey, &in.SessionID, &in.FirstKnownIndex, &in.Session, &in.Metadata); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ImportSessionKeys merges an exported session list into the store under
// the same lower-index-wins rule PutInboundMegolmSession uses.
func (s *Store) ImportSessionKeys(ctx context.Context, sessions []InboundMegolmSession) error {
	return s.fsync(ctx, "crypto.ImportSessionKeys", func(txn *sql.Tx) error {
		for _, in := range sessions {
			if err := upsertInboundMegolm(ctx, txn, in); err != nil {
				return err
			}
		}
		return nil
	})
}
