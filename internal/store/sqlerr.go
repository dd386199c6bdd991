package store

import "strings"

// isUniqueViolation reports whether err is a UNIQUE/PRIMARY KEY constraint
// failure, the sqlite driver's spelling of what spec §7 calls an `integrity`
// error. Matched by message rather than driver-specific error type so the
// check is resilient to the exact wrapping modernc.org/sqlite applies.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}
