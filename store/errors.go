package store

import "errors"

// Sentinel errors matching the cache's error taxonomy. NotFound is
// deliberately absent from this list: a missing room/event/user is conveyed
// by an absent return value, never as an error.
var (
	// ErrUninitialized is returned by every operation attempted before
	// Setup's migrations have completed successfully.
	ErrUninitialized = errors.New("store: database not initialized")

	// ErrCorruption indicates a stored blob failed to decode. The offending
	// record is dropped and surfaced to its caller as NotFound; this error
	// is only returned where the corruption is structural enough to abort
	// the enclosing transaction instead.
	ErrCorruption = errors.New("store: stored record is corrupt")

	// ErrTransactionConflict indicates a write lost a race against another
	// committed writer. No code path in this module returns it, and no write
	// is retried: writes run one at a time on the single writer goroutine.
	ErrTransactionConflict = errors.New("store: write transaction conflict")

	// ErrKeychainUnavailable indicates a secret read/write against the
	// external keychain backend failed. Internal secrets are unaffected.
	ErrKeychainUnavailable = errors.New("store: keychain unavailable")
)
