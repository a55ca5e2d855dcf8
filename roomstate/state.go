// Package roomstate maintains the materialized current state for joined
// rooms and the snapshot state for invited rooms: state events, joined and
// invited membership, derived room summaries, and the space parent/child
// indices.
package roomstate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/matrix-cache/codec"
	"github.com/element-hq/matrix-cache/store"
)

// Store is the Room State View substore (C3).
type Store struct {
	env *store.Environment
}

func New(env *store.Environment) *Store {
	return &Store{env: env}
}

// ApplyState writes the state events for one room inside an existing write
// transaction, per §4.2: state upsert, state_key index, membership fan-out,
// and an optional wipe for gap recovery. It does not recompute the derived
// summary; callers call RecomputeSummary once per room after every state
// application in a saveState pass, since a summary can depend on multiple
// state events applied in the same batch.
func (s *Store) ApplyState(ctx context.Context, txn *sql.Tx, roomID string, events []*codec.Event, wipe bool) error {
	if err := s.env.EnsureRoomTables(txn, roomID); err != nil {
		return err
	}

	stateTable := store.RoomTable(roomID, "state")
	stateKeyTable := store.RoomTable(roomID, "state_key")
	membersTable := store.RoomTable(roomID, "members")

	if wipe {
		if _, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", stateTable)); err != nil {
			return fmt.Errorf("roomstate: wiping state for %s: %w", roomID, err)
		}
		if _, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", stateKeyTable)); err != nil {
			return fmt.Errorf("roomstate: wiping state_key index for %s: %w", roomID, err)
		}
	}

	for _, ev := range events {
		if !ev.IsState() {
			continue
		}
		blob, err := codec.Encode(ev)
		if err != nil {
			return err
		}
		if _, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (event_type, state_key, body) VALUES ($1, $2, $3)
				ON CONFLICT(event_type, state_key) DO UPDATE SET body = excluded.body`, stateTable),
			ev.Type, *ev.StateKey, blob,
		); err != nil {
			return fmt.Errorf("roomstate: upserting state event %s: %w", ev.EventID, err)
		}
		if _, err := txn.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (state_key, event_type) VALUES ($1, $2)
				ON CONFLICT(state_key, event_type) DO NOTHING`, stateKeyTable),
			*ev.StateKey, ev.Type,
		); err != nil {
			return fmt.Errorf("roomstate: indexing state key for %s: %w", ev.EventID, err)
		}

		if ev.Type == "m.room.member" {
			if err := s.applyMembership(ctx, txn, roomID, membersTable, ev); err != nil {
				return err
			}
		}
	}

	logrus.WithField("room_id", roomID).WithField("events", len(events)).Debug("roomstate: applied state")
	return nil
}

func (s *Store) applyMembership(ctx context.Context, txn *sql.Tx, roomID, membersTable string, ev *codec.Event) error {
	var content struct {
		Membership  string `json:"membership"`
		DisplayName string `json:"displayname"`
		AvatarURL   string `json:"avatar_url"`
	}
	if err := decodeJSON(ev.Content, &content); err != nil {
		return fmt.Errorf("roomstate: decoding membership content for %s: %w", ev.EventID, err)
	}
	userID := *ev.StateKey

	if content.Membership != "join" {
		_, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", membersTable), userID)
		return err
	}

	displayName, err := disambiguateDisplayName(ctx, txn, membersTable, userID, content.DisplayName)
	if err != nil {
		return err
	}

	_, err = txn.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, display_name, avatar_url, membership) VALUES ($1, $2, $3, 'join')
			ON CONFLICT(user_id) DO UPDATE SET display_name = excluded.display_name, avatar_url = excluded.avatar_url, membership = 'join'`, membersTable),
		userID, displayName, content.AvatarURL,
	)
	return err
}

// disambiguateDisplayName appends " (user_id)" when another joined member
// already holds the same display name, per §4.2's collision rule.
func disambiguateDisplayName(ctx context.Context, txn *sql.Tx, membersTable, userID, displayName string) (string, error) {
	if displayName == "" {
		return displayName, nil
	}
	var existingUser string
	err := txn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT user_id FROM %s WHERE display_name = $1 AND user_id != $2 LIMIT 1", membersTable),
		displayName, userID,
	).Scan(&existingUser)
	if err == sql.ErrNoRows {
		return displayName, nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%s)", displayName, userID), nil
}
