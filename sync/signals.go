package sync

// Subjects, one per §5 signal. Emitted strictly after the committing
// transaction returns, never from inside it.
const (
	SubjectNewReadReceipts            = "signals.newReadReceipts"
	SubjectRoomReadStatus             = "signals.roomReadStatus"
	SubjectUserKeysUpdate             = "signals.userKeysUpdate"
	SubjectUserKeysUpdateFinalize     = "signals.userKeysUpdateFinalize"
	SubjectVerificationStatusChanged  = "signals.verificationStatusChanged"
	SubjectSelfVerificationChanged    = "signals.selfVerificationStatusChanged"
	SubjectSecretChanged              = "signals.secretChanged"
	SubjectDatabaseReady              = "signals.databaseReady"
	SubjectRoomRemoved                = "signals.roomRemoved"
)

// NewReadReceiptsSignal carries the receipts recorded for one room during a
// saveState pass.
type NewReadReceiptsSignal struct {
	RoomID   string           `json:"room_id"`
	Receipts map[string]int64 `json:"receipts"` // user_id -> ts_ms
}

// RoomReadStatusSignal is the bulk calculateRoomReadStatus result.
type RoomReadStatusSignal struct {
	Unread map[string]bool `json:"unread"` // room_id -> has unread messages
}

// UserKeysUpdateSignal names a user whose device/cross-signing key cache
// entry changed.
type UserKeysUpdateSignal struct {
	UserID string `json:"user_id"`
}

// UserKeysUpdateFinalizeSignal names a user whose outdated key query has
// completed, the trigger for any deferred crypto.Store.QueryKeys callback.
type UserKeysUpdateFinalizeSignal struct {
	UserID string `json:"user_id"`
}

// VerificationStatusChangedSignal names a user whose derived trust level
// may have changed.
type VerificationStatusChangedSignal struct {
	UserID string `json:"user_id"`
}

// SelfVerificationChangedSignal fires when the local device's own
// cross-signing trust changes, distinct from other users' trust.
type SelfVerificationChangedSignal struct{}

// SecretChangedSignal names a secret written or deleted via the vault.
type SecretChangedSignal struct {
	Name string `json:"name"`
}

// DatabaseReadySignal fires once, after the storage environment has opened
// and the bootstrapped secrets have loaded.
type DatabaseReadySignal struct{}

// RoomRemovedSignal names a room whose per-room sub-stores were just
// dropped because the room left the joined set.
type RoomRemovedSignal struct {
	RoomID string `json:"room_id"`
}
