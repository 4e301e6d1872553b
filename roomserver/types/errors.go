// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import "errors"

// RejectedError is returned by the event admission pipeline (C7) when an
// event fails authorization against its declared auth_events. Per
// spec.md, a rejected event is still persisted (so later events citing it
// as a prev_event can be processed) but never contributes to room state.
type RejectedError string

func (e RejectedError) Error() string {
	return "roomserver: event rejected: " + string(e)
}

// MissingStateError is returned when the state needed to process an event
// could not be loaded from the local store and must be fetched from the
// remote origin server before processing can continue.
type MissingStateError string

func (e MissingStateError) Error() string {
	return "roomserver: missing state: " + string(e)
}

// ErrorInvalidRoomInfo is returned when a RoomInfo looked up for an
// operation is nil or has a zero RoomNID, indicating the room is unknown
// to this server.
var ErrorInvalidRoomInfo = errors.New("roomserver: invalid room info")
