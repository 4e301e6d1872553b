// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the small value types the outbound federation queue
// (C9) and its storage persist, kept separate from roomserver/types since
// none of them are part of the event graph itself.
package types

import "github.com/matrixgate/coreserver/pkg/spec"

// RetryState is a destination's outbound-delivery backoff bookkeeping: how
// many consecutive transactions have failed to reach it, and the
// Timestamp before which the queue won't attempt another one.
type RetryState struct {
	FailureCount uint32
	RetryUntil   spec.Timestamp
}

// PDU is the minimal shape the queue needs from an event to place it on a
// destination's outbound transaction: its ID (for building a transaction's
// pdu_ids), its room and the raw wire JSON to send.
type PDU struct {
	EventID string
	RoomID  string
	JSON    []byte
}
