// Package codec encodes and decodes the structured values the storage
// environment persists as opaque blobs: timeline events and state event
// bodies.
package codec

// TimelineMidpoint is the event_index/message_index value a room's timeline
// starts at before any events are applied, chosen so back-pagination has
// room to extend downward without the first live-synced event starting at
// zero and immediately colliding with a negative index. The order and
// order-to-message tables key directly on this signed integer as a plain
// SQLite INTEGER PRIMARY KEY; numeric comparison already gives the right
// ordering, so no separate byte encoding of the index is needed.
const TimelineMidpoint int64 = 1 << 32
