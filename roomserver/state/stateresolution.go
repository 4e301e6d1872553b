// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/matrixgate/coreserver/roomserver/api"
	"github.com/matrixgate/coreserver/roomserver/types"
)

// Storage is the subset of the roomserver storage interface (C4) that
// state resolution and frame loading need. It is deliberately narrow so
// this package can be tested against a fake without dragging in the full
// storage.Database surface.
type Storage interface {
	StateBlockNIDs(ctx context.Context, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error)
	StateEntries(ctx context.Context, stateBlockNIDs []types.StateBlockNID) ([]types.StateEntryList, error)
	Events(ctx context.Context, eventNIDs []types.EventNID) ([]types.Event, error)
	EventTypeNID(ctx context.Context, eventType string) (types.EventTypeNID, error)
	EventStateKeyNID(ctx context.Context, stateKey string) (types.EventStateKeyNID, error)
}

// StateResolution loads state frames and, when a room's forward
// extremities disagree, resolves the conflict with state resolution v2
// (ResolveConflictsV2) whatever the room version; the rule set's
// StateResolution field is not consulted and there is no v1 algorithm.
type StateResolution struct {
	db          Storage
	roomVersion spec.RoomVersionRules
	queryer     api.Queryer
}

// NewStateResolution builds a StateResolution bound to a storage backend
// and the room it operates on. The room version's rule set is derived
// from roomInfo rather than passed separately, since every caller that
// has reached this point already holds a RoomInfo; an unrecognised room
// version falls back to the default rule set rather than failing a
// constructor that cannot itself return an error. queryer is retained
// for the parts of a partial-state resync that need to ask the rest of
// the roomserver about a room rather than its storage directly (e.g.
// which servers to treat as already joined); it is not consulted by the
// algorithm itself.
func NewStateResolution(db Storage, roomInfo *types.RoomInfo, queryer api.Queryer) *StateResolution {
	rules, err := spec.RulesForRoomVersion(roomInfo.RoomVersion)
	if err != nil {
		rules, _ = spec.RulesForRoomVersion(spec.RoomVersion("10"))
	}
	return &StateResolution{db: db, roomVersion: rules, queryer: queryer}
}

// stateKeyTuplesNeeded converts a StateNeeded requirement (the set of
// auth-relevant state an event's auth check depends on) into the
// StateKeyTuples identifying those pieces of state in the compressed
// store. Member and ThirdPartyInvite entries whose state key string has
// no interned NID yet are skipped: if nobody has ever interned that
// member's state key in this room, there is no event to find for it and
// the auth check treats it as absent.
func (v *StateResolution) stateKeyTuplesNeeded(stateKeyNIDMap map[string]types.EventStateKeyNID, stateNeeded types.StateNeeded) []types.StateKeyTuple {
	var tuples []types.StateKeyTuple

	if stateNeeded.Create {
		tuples = append(tuples, types.StateKeyTuple{EventTypeNID: types.MRoomCreateNID, EventStateKeyNID: types.EmptyStateKeyNID})
	}
	if stateNeeded.PowerLevels {
		tuples = append(tuples, types.StateKeyTuple{EventTypeNID: types.MRoomPowerLevelsNID, EventStateKeyNID: types.EmptyStateKeyNID})
	}
	if stateNeeded.JoinRules {
		tuples = append(tuples, types.StateKeyTuple{EventTypeNID: types.MRoomJoinRulesNID, EventStateKeyNID: types.EmptyStateKeyNID})
	}
	for _, member := range stateNeeded.Member {
		if nid, ok := stateKeyNIDMap[member]; ok {
			tuples = append(tuples, types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: nid})
		}
	}
	for _, token := range stateNeeded.ThirdPartyInvite {
		if nid, ok := stateKeyNIDMap[token]; ok {
			tuples = append(tuples, types.StateKeyTuple{EventTypeNID: types.MRoomThirdPartyInviteNID, EventStateKeyNID: nid})
		}
	}

	return tuples
}

// LoadStateAtSnapshot loads the full, deduplicated set of StateEntries a
// frame represents by walking its diff chain parent-first and overlaying
// each block's entries on top of the ones before it (a later block's
// entry for a given StateKeyTuple always wins).
func (v *StateResolution) LoadStateAtSnapshot(ctx context.Context, stateSnapshotNID types.StateSnapshotNID) ([]types.StateEntry, error) {
	blockLists, err := v.db.StateBlockNIDs(ctx, []types.StateSnapshotNID{stateSnapshotNID})
	if err != nil {
		return nil, fmt.Errorf("state: load snapshot %d: %w", stateSnapshotNID, err)
	}
	if len(blockLists) != 1 {
		return nil, fmt.Errorf("state: load snapshot %d: storage returned %d block lists", stateSnapshotNID, len(blockLists))
	}

	entryLists, err := v.db.StateEntries(ctx, uniqueStateBlockNIDs(blockLists[0].StateBlockNIDs))
	if err != nil {
		return nil, fmt.Errorf("state: load snapshot %d: %w", stateSnapshotNID, err)
	}
	entryListMap := stateEntryListMap(entryLists)

	var all []types.StateEntry
	for _, blockNID := range blockLists[0].StateBlockNIDs {
		entries, ok := entryListMap.lookup(blockNID)
		if !ok {
			continue
		}
		all = append(all, entries...)
	}

	// Later blocks in the chain shadow earlier ones for the same
	// StateKeyTuple; sort stably by StateKeyTuple so the last block's
	// entry for a tuple survives DeduplicateStateEntries' "keep first"
	// rule by being reversed into first position.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	sort.Stable(stateEntryByStateKeySorter(all))
	return types.DeduplicateStateEntries(all), nil
}

// LoadStateAtEvent loads the state immediately before the given event was
// admitted: the StateSnapshotNID recorded against the event at ingest
// time (C7 step 6), resolved to its full StateEntry set.
func (v *StateResolution) LoadStateAtEvent(ctx context.Context, beforeStateSnapshotNID types.StateSnapshotNID) ([]types.StateEntry, error) {
	return v.LoadStateAtSnapshot(ctx, beforeStateSnapshotNID)
}

// ResolveConflicts runs ResolveConflictsV2 against this room's storage,
// resolving each auth-difference event's StateKeyTuple through the
// type/state-key interning tables (EventTypeNID/EventStateKeyNID) before
// handing the combined conflicted-plus-auth-difference set to the
// algorithm. This is the only caller that should need to know about that
// interning step; ResolveConflictsV2 itself stays storage-agnostic.
func (v *StateResolution) ResolveConflicts(
	ctx context.Context,
	conflictedStateSets [][]types.StateEntry,
	fullAuthChains [][]types.EventNID,
	eventsByNID map[types.EventNID]types.Event,
	authChecker AuthChecker,
) ([]types.StateEntry, error) {
	authEventStateKeys := make(map[types.EventNID]types.StateKeyTuple, len(eventsByNID))
	for nid, ev := range eventsByNID {
		if ev.StateKey == nil {
			continue
		}
		typeNID, err := v.db.EventTypeNID(ctx, ev.Type)
		if err != nil {
			continue
		}
		stateKeyNID, err := v.db.EventStateKeyNID(ctx, *ev.StateKey)
		if err != nil {
			continue
		}
		authEventStateKeys[nid] = types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: stateKeyNID}
	}
	return ResolveConflictsV2(ctx, conflictedStateSets, fullAuthChains, eventsByNID, authEventStateKeys, authChecker)
}

// DifferenceBetweeenStateSnapshots returns the state delta between two
// frames as removed (StateKeyTuples a holds that b no longer does, or
// holds under a different event) and added (the reverse), preserving
// dendrite's historical misspelling of "Between" so the name matches
// what callers in the wider tree expect.
func (v *StateResolution) DifferenceBetweeenStateSnapshots(ctx context.Context, a, b types.StateSnapshotNID) (removed, added []types.StateEntry, err error) {
	if a == b {
		return nil, nil, nil
	}
	aEntries, err := v.LoadStateAtSnapshot(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	bEntries, err := v.LoadStateAtSnapshot(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	aMap := stateEntryMap(aEntries)
	bMap := stateEntryMap(bEntries)

	for _, e := range aEntries {
		if nid, ok := bMap.lookup(e.StateKeyTuple); !ok || nid != e.EventNID {
			removed = append(removed, e)
		}
	}
	for _, e := range bEntries {
		if nid, ok := aMap.lookup(e.StateKeyTuple); !ok || nid != e.EventNID {
			added = append(added, e)
		}
	}
	return removed, added, nil
}
