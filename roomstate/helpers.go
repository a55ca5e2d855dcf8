package roomstate

import (
	"encoding/json"

	"github.com/element-hq/matrix-cache/codec"
)

func decodeJSON(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func decodeEventBlob(blob []byte) (*codec.Event, error) {
	return codec.Decode(blob)
}
