// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the dense-integer ID types the roomserver's state
// store (C3) and state resolution (C6) use internally instead of
// reference-counted graph nodes: every event, event type, state key and
// state snapshot a room has ever seen is assigned a small monotonically
// increasing NID the first time it's interned, and from then on the rest
// of the engine works with arrays and binary search over those NIDs
// rather than maps keyed by string IDs.
package types

import "github.com/matrixgate/coreserver/pkg/spec"

// EventNID identifies an event.
type EventNID int64

// EventTypeNID identifies an interned event type, e.g. "m.room.member".
type EventTypeNID int64

// EventStateKeyNID identifies an interned state_key string.
type EventStateKeyNID int64

// StateSnapshotNID identifies a complete room state as of a particular
// event: a "frame" in the C3 state-compression store.
type StateSnapshotNID int64

// StateBlockNID identifies one delta layer in the frame's diff chain.
type StateBlockNID int64

// RoomNID identifies a room.
type RoomNID int64

// Well-known interned NIDs every room has regardless of its event
// history, fixed so the authorization/state-resolution code can refer to
// "the power levels event type" without a map lookup.
const (
	MRoomCreateNID EventTypeNID = 1 + iota
	MRoomPowerLevelsNID
	MRoomJoinRulesNID
	MRoomMemberNID
	MRoomThirdPartyInviteNID
	MRoomHistoryVisibilityNID
	MRoomCanonicalAliasNID
	MRoomRedactionNID
)

// EmptyStateKeyNID is the interned NID for the empty state key (`""`),
// used by every room-scoped singleton state event (create, power_levels,
// join_rules, ...).
const EmptyStateKeyNID EventStateKeyNID = 1

// StateKeyTuple identifies one piece of room state: an (event type,
// state key) pair. It is the compressed-storage analogue of the
// `(event_type, state_key)` pair on a state event.
type StateKeyTuple struct {
	EventTypeNID     EventTypeNID
	EventStateKeyNID EventStateKeyNID
}

// LessThan orders StateKeyTuples first by event type, then by state key,
// matching the sort order the compressed state store persists blocks in.
func (a StateKeyTuple) LessThan(b StateKeyTuple) bool {
	if a.EventTypeNID != b.EventTypeNID {
		return a.EventTypeNID < b.EventTypeNID
	}
	return a.EventStateKeyNID < b.EventStateKeyNID
}

// StateEntry is a single piece of state: which event holds the current
// value for a given StateKeyTuple.
type StateEntry struct {
	StateKeyTuple
	EventNID EventNID
}

// StateEntryList holds all the StateEntries a single StateBlockNID
// contributes to a frame's diff chain.
type StateEntryList struct {
	StateBlockNID StateBlockNID
	StateEntries  []StateEntry
}

// StateBlockNIDList holds the ordered list of StateBlockNIDs that make up
// one StateSnapshotNID's diff chain, parent-first.
type StateBlockNIDList struct {
	StateSnapshotNID StateSnapshotNID
	StateBlockNIDs   []StateBlockNID
}

// StateAtEvent captures the state immediately before an event was
// admitted, plus the event's own position in the DAG.
type StateAtEvent struct {
	StateEntry
	BeforeStateSnapshotNID StateSnapshotNID
	IsRejected             bool
}

// Event pairs an interned EventNID with the parsed event it identifies.
// Storage and state-resolution code pass this around instead of a bare
// PDU so a NID never has to be looked up twice.
type Event struct {
	EventNID EventNID
	PDU
}

// PDU is the room-version-agnostic parsed shape of a persistent data
// unit. Room-version-specific quirks (event ID derivation, redaction,
// auth rules) are handled by pkg/keyring and roomserver/auth, which take
// a RoomVersion alongside a PDU rather than branching on it internally.
type PDU struct {
	EventID          string
	RoomID           string
	Type             string
	StateKey         *string
	Sender           string
	Content          []byte
	PrevEvents       []string
	AuthEvents       []string
	Depth            int64
	OriginServerTS   int64
	Hashes           map[string]string
	Signatures       map[string]map[string]string
	Unsigned         []byte
	RoomVersion      spec.RoomVersion
}

// IsStateEvent reports whether the PDU carries a state_key, and is
// therefore subject to the state-compression store rather than only the
// timeline.
func (p PDU) IsStateEvent() bool { return p.StateKey != nil }

// RoomInfo is the per-room metadata the roomserver keeps once a room has
// been seen: its RoomNID, room version, and whether it is still in
// "partial state" (joined via a restricted/faster-join and still
// resyncing full state in the background).
type RoomInfo struct {
	RoomNID            RoomNID
	RoomVersion        spec.RoomVersion
	IsPartialState     bool
	StateSnapshotNID   StateSnapshotNID
}

// StateNeeded is the set of state events required to authorize a
// candidate event, broken down by the auth-rule categories spec.md §4.5
// names: the room's create/power_levels/join_rules singletons, plus one
// membership lookup per relevant user and one third-party-invite lookup
// per token referenced by the event's content. It replaces
// gomatrixserverlib.StateNeeded with the same field shape so the
// conversion in stateKeyTuplesNeeded is a straight port.
type StateNeeded struct {
	Create           bool
	PowerLevels      bool
	JoinRules        bool
	Member           []string
	ThirdPartyInvite []string
}

// DeduplicateStateEntries removes StateEntries whose StateKeyTuple has
// already been seen, keeping the first occurrence (the spec's tie-break
// for "last write wins" is applied by callers by handing entries in the
// order later writes should shadow earlier ones).
func DeduplicateStateEntries(entries []StateEntry) []StateEntry {
	seen := make(map[StateKeyTuple]struct{}, len(entries))
	out := make([]StateEntry, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.StateKeyTuple]; ok {
			continue
		}
		seen[e.StateKeyTuple] = struct{}{}
		out = append(out, e)
	}
	return out
}
