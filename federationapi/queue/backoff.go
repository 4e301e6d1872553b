// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import "time"

// backoffBase is the first retry delay a destination queue waits after its
// first transaction failure.
const backoffBase = 2 * time.Second

// backoffCap is spec.md §4.9's 24h backoff ceiling: past this many
// consecutive failures a destination is retried no more often than once a
// day until it recovers.
const backoffCap = 24 * time.Hour

// backoffDuration returns how long a destination with failureCount
// consecutive failed transactions should wait before the next attempt,
// doubling from backoffBase and saturating at backoffCap rather than
// overflowing time.Duration for a destination that's been down a long
// time.
func backoffDuration(failureCount uint32) time.Duration {
	if failureCount == 0 {
		return 0
	}
	d := backoffBase
	for i := uint32(1); i < failureCount; i++ {
		if d >= backoffCap {
			return backoffCap
		}
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
