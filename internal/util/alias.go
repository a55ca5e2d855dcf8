package util

import "strings"

// NormalizeRoomAlias trims surrounding whitespace and lowercases the alias so it can be
// compared and stored consistently. Room aliases are case-insensitive per the Matrix spec.
func NormalizeRoomAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}
