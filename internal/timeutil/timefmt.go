// Package timeutil provides timestamp formatting and clamping shared
// across the cache layer and the wire protocol.
package timeutil

import "time"

// ISO8601 is the wire format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats t as UTC in the standard wire representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// ClampSkew rejects a client-reported timestamp that is implausibly far
// from now (clock skew, replay, or a buggy client) and substitutes now
// instead. Liveness bookkeeping must never trust a client's clock.
func ClampSkew(reported, now time.Time, maxSkew time.Duration) time.Time {
	diff := reported.Sub(now)
	if diff > maxSkew || diff < -maxSkew {
		return now
	}
	return reported
}
