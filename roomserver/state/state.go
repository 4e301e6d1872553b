// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
// Copyright 2018 New Vector Ltd
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state implements the room state-compression store (C3) and
// state resolution v2 (C6): frames (StateSnapshotNIDs) are diff-chained
// over a parent frame via a list of StateBlockNIDs, each block holding
// only the StateEntries that changed since the parent. Loading the state
// at an event means walking that chain and overlaying blocks
// parent-first; storing a new frame means diffing against the previous
// one and writing only the delta.
package state

import (
	"sort"

	"github.com/matrixgate/coreserver/roomserver/types"
)

// findDuplicateStateKeys scans a state-key-tuple-sorted list of
// StateEntries and returns every entry that shares its StateKeyTuple with
// a neighbour — i.e. every event competing to hold the same piece of
// state. Used to find the conflicted set before state resolution runs.
func findDuplicateStateKeys(a []types.StateEntry) []types.StateEntry {
	var result []types.StateEntry
	for i := 1; i < len(a); i++ {
		if a[i-1].StateKeyTuple != a[i].StateKeyTuple {
			continue
		}
		if len(result) == 0 || result[len(result)-1] != a[i-1] {
			result = append(result, a[i-1])
		}
		result = append(result, a[i])
	}
	return result
}

// UniqueStateSnapshotNIDs returns a's elements in ascending order with
// duplicates removed.
func UniqueStateSnapshotNIDs(a []types.StateSnapshotNID) []types.StateSnapshotNID {
	if len(a) == 0 {
		return []types.StateSnapshotNID{}
	}
	sorted := append([]types.StateSnapshotNID(nil), a...)
	sort.Sort(stateNIDSorter(sorted))
	return uniqueNIDs(sorted)
}

func uniqueNIDs(sorted []types.StateSnapshotNID) []types.StateSnapshotNID {
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if out[len(out)-1] != v {
			out = append(out, v)
		}
	}
	return out
}

// uniqueStateBlockNIDs returns a's elements in ascending order with
// duplicates removed.
func uniqueStateBlockNIDs(a []types.StateBlockNID) []types.StateBlockNID {
	if len(a) == 0 {
		return []types.StateBlockNID{}
	}
	sorted := append([]types.StateBlockNID(nil), a...)
	sort.Sort(stateBlockNIDSorter(sorted))
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if out[len(out)-1] != v {
			out = append(out, v)
		}
	}
	return out
}

// stateEntryMap is a StateKeyTuple-sorted []StateEntry supporting binary
// search lookup of the EventNID holding a given piece of state.
type stateEntryMap []types.StateEntry

func (m stateEntryMap) lookup(key types.StateKeyTuple) (eventNID types.EventNID, ok bool) {
	i := sort.Search(len(m), func(i int) bool { return !m[i].StateKeyTuple.LessThan(key) })
	if i < len(m) && m[i].StateKeyTuple == key {
		return m[i].EventNID, true
	}
	return 0, false
}

// eventMap is an EventNID-sorted []Event supporting binary search lookup.
type eventMap []types.Event

func (m eventMap) lookup(eventNID types.EventNID) (event types.Event, ok bool) {
	i := sort.Search(len(m), func(i int) bool { return m[i].EventNID >= eventNID })
	if i < len(m) && m[i].EventNID == eventNID {
		return m[i], true
	}
	return types.Event{}, false
}

// stateBlockNIDListMap is a StateSnapshotNID-sorted []StateBlockNIDList
// supporting binary search lookup of a frame's diff chain.
type stateBlockNIDListMap []types.StateBlockNIDList

func (m stateBlockNIDListMap) lookup(stateSnapshotNID types.StateSnapshotNID) (stateBlockNIDs []types.StateBlockNID, ok bool) {
	i := sort.Search(len(m), func(i int) bool { return m[i].StateSnapshotNID >= stateSnapshotNID })
	if i < len(m) && m[i].StateSnapshotNID == stateSnapshotNID {
		return m[i].StateBlockNIDs, true
	}
	return nil, false
}

// stateEntryListMap is a StateBlockNID-sorted []StateEntryList
// supporting binary search lookup of one block's contribution to a
// frame's diff chain.
type stateEntryListMap []types.StateEntryList

func (m stateEntryListMap) lookup(stateBlockNID types.StateBlockNID) (stateEntries []types.StateEntry, ok bool) {
	i := sort.Search(len(m), func(i int) bool { return m[i].StateBlockNID >= stateBlockNID })
	if i < len(m) && m[i].StateBlockNID == stateBlockNID {
		return m[i].StateEntries, true
	}
	return nil, false
}

// stateEntrySorter sorts StateEntries by StateKeyTuple, then by EventNID,
// the order the compressed store persists a block's entries in.
type stateEntrySorter []types.StateEntry

func (s stateEntrySorter) Len() int      { return len(s) }
func (s stateEntrySorter) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s stateEntrySorter) Less(i, j int) bool {
	if s[i].StateKeyTuple != s[j].StateKeyTuple {
		return s[i].StateKeyTuple.LessThan(s[j].StateKeyTuple)
	}
	return s[i].EventNID < s[j].EventNID
}

// stateEntryByStateKeySorter sorts StateEntries by StateKeyTuple only.
// LoadStateAtSnapshot sorts with it stably, so entries sharing a tuple
// keep the order the diff chain gave them.
type stateEntryByStateKeySorter []types.StateEntry

func (s stateEntryByStateKeySorter) Len() int      { return len(s) }
func (s stateEntryByStateKeySorter) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s stateEntryByStateKeySorter) Less(i, j int) bool {
	return s[i].StateKeyTuple.LessThan(s[j].StateKeyTuple)
}

type stateNIDSorter []types.StateSnapshotNID

func (s stateNIDSorter) Len() int           { return len(s) }
func (s stateNIDSorter) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s stateNIDSorter) Less(i, j int) bool { return s[i] < s[j] }

type stateBlockNIDSorter []types.StateBlockNID

func (s stateBlockNIDSorter) Len() int           { return len(s) }
func (s stateBlockNIDSorter) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s stateBlockNIDSorter) Less(i, j int) bool { return s[i] < s[j] }
