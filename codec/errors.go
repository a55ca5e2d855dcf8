package codec

import "errors"

// ErrDecode wraps any failure to decode a stored blob back into its typed
// form. Callers treat this the same as the storage environment's Corruption
// classification: drop the record, log it, report NotFound upward.
var ErrDecode = errors.New("codec: failed to decode stored value")
