package roomstate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/matrix-cache/store"
)

// UpdateSpaces recomputes the parent/child directed edges for the given set
// of rooms, reading each room's current m.space.child state events; both
// indices are derived from those, and m.space.parent events are not read.
// Called transactively by the Sync Applier for every room touched by
// a sync, per §4.2's space relations rule.
func (s *Store) UpdateSpaces(ctx context.Context, txn *sql.Tx, roomIDs []string) error {
	for _, roomID := range roomIDs {
		if err := s.updateSpaceEdgesForRoom(ctx, txn, roomID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) updateSpaceEdgesForRoom(ctx context.Context, txn *sql.Tx, roomID string) error {
	stateTable := store.RoomTable(roomID, "state")

	if _, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE room_id = $1", store.TableSpaceChildren), roomID); err != nil {
		return err
	}
	if _, err := txn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE parent_room_id = $1", store.TableSpaceParents), roomID); err != nil {
		return err
	}

	rows, err := txn.QueryContext(ctx, fmt.Sprintf(
		"SELECT state_key, body FROM %s WHERE event_type = 'm.space.child'", stateTable,
	))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	defer rows.Close()

	type edge struct {
		childRoomID string
		hasVia      bool
	}
	var edges []edge
	for rows.Next() {
		var childRoomID string
		var blob []byte
		if err := rows.Scan(&childRoomID, &blob); err != nil {
			return err
		}
		ev, err := decodeEventBlob(blob)
		if err != nil {
			continue
		}
		var content struct {
			Via []string `json:"via"`
		}
		_ = decodeJSON(ev.Content, &content)
		edges = append(edges, edge{childRoomID: childRoomID, hasVia: len(content.Via) > 0})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range edges {
		if !e.hasVia {
			continue // an m.space.child with no "via" means the child was removed
		}
		if _, err := txn.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (room_id, child_room_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", store.TableSpaceChildren),
			roomID, e.childRoomID,
		); err != nil {
			return err
		}
		if _, err := txn.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (room_id, parent_room_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", store.TableSpaceParents),
			e.childRoomID, roomID,
		); err != nil {
			return err
		}
	}
	return nil
}

// Parents returns the space ids that list roomID as a child.
func (s *Store) Parents(ctx context.Context, roomID string) ([]string, error) {
	return s.adjacent(ctx, store.TableSpaceParents, "room_id", "parent_room_id", roomID)
}

// Children returns the room ids roomID (a space) lists as children.
func (s *Store) Children(ctx context.Context, roomID string) ([]string, error) {
	return s.adjacent(ctx, store.TableSpaceChildren, "room_id", "child_room_id", roomID)
}

func (s *Store) adjacent(ctx context.Context, table, keyCol, valCol, key string) ([]string, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", valCol, table, keyCol), key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetImagePacks returns roomID's im.ponies.room_emotes-style image packs
// stored in the image_packs table, optionally restricted to sticker packs.
// No code in this module writes that table, so on a cache filled only by
// SaveState the result is empty.
func (s *Store) GetImagePacks(ctx context.Context, roomID string, stickersOnly bool) ([]ImagePack, error) {
	txn, err := s.env.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	var blob []byte
	err = txn.QueryRowContext(ctx, fmt.Sprintf("SELECT packs FROM %s WHERE room_id = $1", store.TableImagePacks), roomID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var packs []ImagePack
	if err := decodeJSON(blob, &packs); err != nil {
		return nil, nil //nolint:nilerr // Corruption: drop the derived cache entry, caller sees an empty result
	}
	if !stickersOnly {
		return packs, nil
	}
	out := packs[:0]
	for _, p := range packs {
		if p.IsStickerPack {
			out = append(out, p)
		}
	}
	return out, nil
}

// ImagePack is one im.ponies.room_emotes-style image pack as stored in the
// image_packs table.
type ImagePack struct {
	Name          string            `json:"name"`
	Images        map[string]string `json:"images"`
	IsStickerPack bool              `json:"is_sticker_pack"`
}
