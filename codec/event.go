package codec

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Event is the cache's stored representation of one timeline or state event:
// the original event JSON plus the fields callers need without re-parsing
// it through gomatrixserverlib on every read.
type Event struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         string          `json:"sender"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

// IsState reports whether the event carries a state key, including the
// empty string (the most common state key value).
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// DecodeTrustedEvent parses raw room-version-tagged event JSON already
// validated by the network layer (hence "trusted": no signature checking is
// performed here) into an Event using the federation-grade event library's
// per-room-version dispatch, falling back to a bare JSON decode for content
// the room version parser rejects so an unknown/future event shape is still
// stored rather than dropped.
func DecodeTrustedEvent(raw []byte, roomVersion gomatrixserverlib.RoomVersion) (*Event, error) {
	verImpl, err := gomatrixserverlib.GetRoomVersion(roomVersion)
	if err == nil {
		pdu, err := verImpl.NewEventFromTrustedJSON(raw, false)
		if err == nil {
			return &Event{
				EventID:        pdu.EventID(),
				RoomID:         string(pdu.RoomID().String()),
				Type:           pdu.Type(),
				StateKey:       pdu.StateKey(),
				Sender:         string(pdu.SenderID()),
				OriginServerTS: pdu.OriginServerTS(),
				Content:        json.RawMessage(pdu.Content()),
				Unsigned:       json.RawMessage(pdu.Unsigned()),
				Raw:            raw,
			}, nil
		}
	}
	return decodeOpaqueEvent(raw)
}

// decodeOpaqueEvent is the generic path for event shapes the room-version
// parser can't or shouldn't validate (e.g. a future/unknown event type in an
// old room version). It trusts only the handful of fields every Matrix event
// envelope carries and keeps the content payload as an opaque blob.
func decodeOpaqueEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("codec: decoding event: %w", err)
	}
	e.Raw = raw
	return &e, nil
}

// Encode renders an Event for storage: the original raw JSON when present
// (the common case, parsed straight from a sync response), or a re-marshal
// of the typed fields for events constructed programmatically (pending
// local echoes before the server assigns them an event id).
func Encode(e *Event) ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(e)
}

// Decode is the storage-side inverse of Encode, used by the timeline and
// room state substores to turn a stored blob back into an Event without
// re-running room-version dispatch (the event was already validated once,
// at ingest time).
func Decode(blob []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(blob, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	e.Raw = blob
	return &e, nil
}
