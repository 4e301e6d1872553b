// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package spec

import "time"

// Timestamp is a Matrix timestamp: milliseconds since the Unix epoch, the
// unit origin_server_ts and every retry/backoff deadline in this tree is
// expressed in.
type Timestamp uint64

// AsTimestamp converts a time.Time into a Timestamp, truncating to
// millisecond precision.
func AsTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UnixNano() / int64(time.Millisecond))
}

// Time converts a Timestamp back into a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// Add returns the Timestamp offset by d, matching time.Time.Add's sign
// convention (a negative d moves the timestamp into the past).
func (t Timestamp) Add(d time.Duration) Timestamp {
	return AsTimestamp(t.Time().Add(d))
}

// Before reports whether t is strictly earlier than other.
func (t Timestamp) Before(other Timestamp) bool {
	return t < other
}

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool {
	return t > other
}
