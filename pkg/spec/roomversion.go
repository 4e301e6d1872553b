// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package spec

import "fmt"

// EventFormat selects how an event's wire representation is structured.
type EventFormat int

const (
	// EventFormatV1 carries event_id and prev_events/auth_events as
	// [id, hashes] tuples (room versions 1-2).
	EventFormatV1 EventFormat = iota
	// EventFormatV2 drops the wire event_id (it is the reference hash) and
	// flattens prev_events/auth_events to bare ID lists (room version 3+).
	EventFormatV2
)

// RoomVersionRules is the feature-flag struct the authorization engine (C5)
// and state resolution (C6) consult instead of switching on the version
// string directly. One struct is built once per room version and reused
// for every event check in that room.
type RoomVersionRules struct {
	Version RoomVersion

	// EventFormat controls ID derivation and prev/auth event encoding.
	EventFormat EventFormat

	// StateResolution records the room version's state-resolution
	// algorithm: 1 for room version 1, 2 for the rest. roomserver/state
	// applies v2 to every room and does not read this field.
	StateResolution int

	// EnforceSignatureUpgrade makes signature checks respect a signing
	// key's valid_until_ts; false for room versions 1-4, whose events are
	// verified with valid_until_ts ignored.
	EnforceSignatureUpgrade bool

	// Knocking allows join_rule "knock" and m.room.member knock/knock_cancel
	// transitions (MSC2403, stabilized room version 7).
	Knocking bool

	// RestrictedJoinRule allows join_rule "restricted" with an
	// allow-list of spaces/rooms (MSC3083, room version 8).
	RestrictedJoinRule bool

	// KnockRestrictedJoinRule allows join_rule "knock_restricted",
	// combining the previous two (MSC3787, room version 10).
	KnockRestrictedJoinRule bool

	// UseRoomCreateSender authorizes m.room.create's implicit auth
	// (create events have no auth_events to check) using the sender
	// recorded in the content's `creator` field pre-v11, and the event's
	// own sender from v11 onward, per MSC2175.
	UseRoomCreateSender bool

	// SpecialCaseAliases keeps the legacy exemption that let
	// m.room.aliases events bypass power-level checks; removed from room
	// version 6 onward (MSC2432).
	SpecialCaseAliases bool

	// SpecialCaseRoomCreateToken allows m.room.create to skip the "has
	// prev_events" depth/auth checks every other event is subject to.
	SpecialCaseRoomCreateToken bool

	// StrictCanonicalJSON rejects events with unsafe integers, duplicate
	// keys or invalid UTF-8 in their canonical form (room version 6+,
	// MSC2801).
	StrictCanonicalJSON bool

	// PowerLevelsIncludeNotifications adds a `notifications` sub-map to
	// the default power_levels auth check (room version 6+).
	PowerLevelsIncludeNotifications bool
}

var roomVersionRules = map[RoomVersion]RoomVersionRules{
	RoomVersionV1: {Version: RoomVersionV1, EventFormat: EventFormatV1, StateResolution: 1, UseRoomCreateSender: false, SpecialCaseAliases: true, SpecialCaseRoomCreateToken: true},
	RoomVersionV2: {Version: RoomVersionV2, EventFormat: EventFormatV1, StateResolution: 2, SpecialCaseAliases: true, SpecialCaseRoomCreateToken: true},
	RoomVersionV3: {Version: RoomVersionV3, EventFormat: EventFormatV2, StateResolution: 2, SpecialCaseAliases: true, SpecialCaseRoomCreateToken: true},
	RoomVersionV4: {Version: RoomVersionV4, EventFormat: EventFormatV2, StateResolution: 2, SpecialCaseAliases: true, SpecialCaseRoomCreateToken: true},
	RoomVersionV5: {Version: RoomVersionV5, EventFormat: EventFormatV2, StateResolution: 2, EnforceSignatureUpgrade: true, SpecialCaseAliases: true, SpecialCaseRoomCreateToken: true},
	RoomVersionV6: {Version: RoomVersionV6, EventFormat: EventFormatV2, StateResolution: 2, EnforceSignatureUpgrade: true, StrictCanonicalJSON: true, PowerLevelsIncludeNotifications: true, SpecialCaseRoomCreateToken: true},
	RoomVersionV7: {Version: RoomVersionV7, EventFormat: EventFormatV2, StateResolution: 2, EnforceSignatureUpgrade: true, StrictCanonicalJSON: true, PowerLevelsIncludeNotifications: true, Knocking: true, SpecialCaseRoomCreateToken: true},
	RoomVersionV8: {Version: RoomVersionV8, EventFormat: EventFormatV2, StateResolution: 2, EnforceSignatureUpgrade: true, StrictCanonicalJSON: true, PowerLevelsIncludeNotifications: true, Knocking: true, RestrictedJoinRule: true, SpecialCaseRoomCreateToken: true},
	RoomVersionV9: {Version: RoomVersionV9, EventFormat: EventFormatV2, StateResolution: 2, EnforceSignatureUpgrade: true, StrictCanonicalJSON: true, PowerLevelsIncludeNotifications: true, Knocking: true, RestrictedJoinRule: true, SpecialCaseRoomCreateToken: true},
	RoomVersionV10: {Version: RoomVersionV10, EventFormat: EventFormatV2, StateResolution: 2, EnforceSignatureUpgrade: true, StrictCanonicalJSON: true, PowerLevelsIncludeNotifications: true, Knocking: true, RestrictedJoinRule: true, KnockRestrictedJoinRule: true, SpecialCaseRoomCreateToken: true},
	RoomVersionV11: {Version: RoomVersionV11, EventFormat: EventFormatV2, StateResolution: 2, EnforceSignatureUpgrade: true, StrictCanonicalJSON: true, PowerLevelsIncludeNotifications: true, Knocking: true, RestrictedJoinRule: true, KnockRestrictedJoinRule: true, UseRoomCreateSender: true},
}

// ErrUnknownRoomVersion is returned when RulesForRoomVersion is asked for a
// version this engine doesn't have a rule set for.
type ErrUnknownRoomVersion struct {
	Version RoomVersion
}

func (e ErrUnknownRoomVersion) Error() string {
	return fmt.Sprintf("spec: unknown room version %q", e.Version)
}

// RulesForRoomVersion looks up the feature-flag struct for a room version.
func RulesForRoomVersion(v RoomVersion) (RoomVersionRules, error) {
	rules, ok := roomVersionRules[v]
	if !ok {
		return RoomVersionRules{}, ErrUnknownRoomVersion{Version: v}
	}
	return rules, nil
}
