// Package helpers holds small dependency-free utilities shared by the
// transport engine and its protocol adapters.
package helpers

import "time"

// SecondsOrDefault converts a config field expressed in whole seconds into
// a time.Duration, substituting def when the field is unset (zero).
func SecondsOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds == 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

// MillisOrDefault is the millisecond equivalent of SecondsOrDefault, used
// for the engine's own *Ms config fields.
func MillisOrDefault(ms uint64, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
