// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api holds the cross-component surface the roomserver exposes to
// the rest of the tree: the OutputEvent notifications the event admission
// pipeline (C7) emits for syncapi and federationapi to fan out, and the
// Queryer a caller uses to ask the roomserver about a room's current
// membership without reaching into its storage directly.
package api

import (
	"context"

	"github.com/matrixgate/coreserver/roomserver/types"
)

// OutputType discriminates the payload carried by an OutputEvent.
type OutputType string

const (
	OutputTypeNewRoomEvent      OutputType = "new_room_event"
	OutputTypeNewInviteEvent    OutputType = "new_invite_event"
	OutputTypeRetireInviteEvent OutputType = "retire_invite_event"
	OutputTypeNewPeek           OutputType = "new_peek"
)

// OutputEvent is the notification the roomserver emits for every event it
// admits or membership change it processes. Exactly one of the payload
// fields is set, matching OutputType.
type OutputEvent struct {
	Type                OutputType
	NewRoomEvent        *OutputNewRoomEvent
	NewInviteEvent      *OutputNewInviteEvent
	RetireInviteEvent   *OutputRetireInviteEvent
}

// OutputNewRoomEvent is emitted once per admitted PDU (C7 step 9): the
// event itself, whether admitting it changed current room state, and the
// state delta if so. syncapi uses AddsStateEventIDs/RemovesStateEventIDs
// to build the state section of a /sync response without recomputing the
// diff itself.
type OutputNewRoomEvent struct {
	Event                types.Event
	RewritesState        bool
	AddsStateEventIDs     []string
	RemovesStateEventIDs  []string
	TransitionsToOutlier  bool
}

// OutputNewInviteEvent is emitted when a user is invited to a room this
// server doesn't otherwise participate in (so the room's timeline alone
// wouldn't reach their sync stream).
type OutputNewInviteEvent struct {
	Event        types.Event
	TargetUserID string
}

// OutputRetireInviteEvent is emitted when a pending invite resolves
// (accepted, rejected, or retracted) and should stop appearing in the
// target's invite list.
type OutputRetireInviteEvent struct {
	EventID      string
	TargetUserID string
	Membership   string
}

// Queryer is the read surface of the roomserver other components consume
// instead of importing its storage package directly. federationapi's
// outbound queue (C9) uses QueryJoinedHostsInRoom to find every
// destination a locally-originated event must be federated to; anything
// checking a single server's membership (e.g. deciding whether to accept
// an incoming transaction) uses QueryServerJoinedToRoom.
type Queryer interface {
	QueryServerJoinedToRoom(ctx context.Context, roomID, serverName string) (bool, error)
	QueryJoinedHostsInRoom(ctx context.Context, roomID string) ([]string, error)
}
