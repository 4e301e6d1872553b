// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"context"
	"sort"

	"github.com/matrixgate/coreserver/roomserver/types"
)

// AuthChecker is the C5 authorization engine's entry point state
// resolution needs: "would candidate be allowed given authState as the
// room's current state". Kept as a narrow interface here so state
// resolution doesn't import roomserver/auth directly (auth depends on
// types; state resolution depends on types and this interface, not on
// auth's implementation).
type AuthChecker interface {
	Allowed(ctx context.Context, candidate types.Event, authState []types.StateEntry) error
}

// ResolveConflictsV2 implements the state resolution v2 algorithm: split
// the input state sets into their unconflicted agreement and conflicted
// disagreement, expand the conflicted set with the auth difference (every
// event that's in some input state set's auth chain but not all of
// them), order that combined set by reverse topological power ordering,
// apply each event's auth check against the partial state built so far,
// and return the unconflicted state plus whichever side of each conflict
// survived authorization.
//
// resolve(A, B) == resolve(B, A): every step here — set difference,
// sorting, iterated auth application — is defined over the input events
// themselves, never over the order the input state sets were passed in.
// authEventStateKeys resolves an auth event's interned (event_type,
// state_key) pair. The caller builds this from roomserver/storage's
// interning tables (EventTypeNID/EventStateKeyNID) before calling in,
// since state resolution itself has no storage handle.
func ResolveConflictsV2(
	ctx context.Context,
	conflictedStateSets [][]types.StateEntry,
	fullAuthChains [][]types.EventNID,
	eventsByNID map[types.EventNID]types.Event,
	authEventStateKeys map[types.EventNID]types.StateKeyTuple,
	authChecker AuthChecker,
) ([]types.StateEntry, error) {
	unconflicted, conflicted := splitConflicted(conflictedStateSets)

	authDifference := authChainDifference(fullAuthChains)
	toOrder := dedupeStateEntries(append(append([]types.StateEntry(nil), conflicted...), entriesForAuthDifference(authDifference, eventsByNID, authEventStateKeys, conflicted)...))

	ordered := reverseTopologicalPowerOrder(toOrder, eventsByNID)

	partial := append([]types.StateEntry(nil), unconflicted...)
	for _, entry := range ordered {
		ev, ok := eventsByNID[entry.EventNID]
		if !ok {
			continue
		}
		if err := authChecker.Allowed(ctx, ev, partial); err != nil {
			// Loses the conflict: dropped rather than propagated, matching
			// the spec's requirement that state resolution always
			// terminates with *some* state rather than failing outright.
			continue
		}
		partial = upsertStateEntry(partial, entry)
	}

	return partial, nil
}

// entriesForAuthDifference resolves the bare EventNIDs the auth
// difference names back into StateEntries, using authEventStateKeys to
// recover each event's interned StateKeyTuple. Only events that are
// themselves state events belong in the ordered set; auth events whose
// tuple the caller didn't supply are skipped rather than defaulted to a
// zero-value tuple, since upserting several distinct conflicting events
// under the same zero tuple would silently collapse all but the last one
// processed. Events already present in conflicted are skipped to avoid
// ordering them twice.
func entriesForAuthDifference(authDifference []types.EventNID, eventsByNID map[types.EventNID]types.Event, authEventStateKeys map[types.EventNID]types.StateKeyTuple, conflicted []types.StateEntry) []types.StateEntry {
	already := make(map[types.EventNID]struct{}, len(conflicted))
	for _, e := range conflicted {
		already[e.EventNID] = struct{}{}
	}

	var out []types.StateEntry
	for _, nid := range authDifference {
		if _, ok := already[nid]; ok {
			continue
		}
		ev, ok := eventsByNID[nid]
		if !ok || ev.StateKey == nil {
			continue
		}
		tuple, ok := authEventStateKeys[nid]
		if !ok {
			continue
		}
		out = append(out, types.StateEntry{StateKeyTuple: tuple, EventNID: nid})
	}
	return out
}

// splitConflicted separates a list of per-branch state sets into the
// entries every branch agrees on (unconflicted) and every StateKeyTuple
// where branches disagree (conflicted, one entry per distinct value).
func splitConflicted(stateSets [][]types.StateEntry) (unconflicted, conflicted []types.StateEntry) {
	valuesByTuple := make(map[types.StateKeyTuple]map[types.EventNID]struct{})
	firstSeen := make(map[types.StateKeyTuple]types.StateEntry)

	for _, set := range stateSets {
		seenInThisSet := make(map[types.StateKeyTuple]struct{})
		for _, e := range set {
			if _, dup := seenInThisSet[e.StateKeyTuple]; dup {
				continue
			}
			seenInThisSet[e.StateKeyTuple] = struct{}{}
			if valuesByTuple[e.StateKeyTuple] == nil {
				valuesByTuple[e.StateKeyTuple] = make(map[types.EventNID]struct{})
				firstSeen[e.StateKeyTuple] = e
			}
			valuesByTuple[e.StateKeyTuple][e.EventNID] = struct{}{}
		}
	}

	for tuple, values := range valuesByTuple {
		if len(values) == 1 {
			unconflicted = append(unconflicted, firstSeen[tuple])
			continue
		}
		for nid := range values {
			conflicted = append(conflicted, types.StateEntry{StateKeyTuple: tuple, EventNID: nid})
		}
	}

	sort.Sort(stateEntrySorter(unconflicted))
	sort.Sort(stateEntrySorter(conflicted))
	return unconflicted, conflicted
}

// authChainDifference returns every EventNID present in at least one
// chain but not all of them: the set of auth events whose presence the
// conflicting branches disagree on, which therefore also needs
// re-authorizing rather than being taken on faith from any one branch.
func authChainDifference(chains [][]types.EventNID) []types.EventNID {
	if len(chains) == 0 {
		return nil
	}
	counts := make(map[types.EventNID]int)
	for _, chain := range chains {
		seen := make(map[types.EventNID]struct{}, len(chain))
		for _, nid := range chain {
			if _, dup := seen[nid]; dup {
				continue
			}
			seen[nid] = struct{}{}
			counts[nid]++
		}
	}
	var out []types.EventNID
	for nid, c := range counts {
		if c != len(chains) {
			out = append(out, nid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dedupeStateEntries(entries []types.StateEntry) []types.StateEntry {
	sort.Sort(stateEntrySorter(entries))
	out := entries[:0]
	var last types.StateEntry
	for i, e := range entries {
		if i == 0 || e != last {
			out = append(out, e)
			last = e
		}
	}
	return out
}

// reverseTopologicalPowerOrder orders the given entries so that for any
// two events A and B where A is in B's auth chain, A sorts before B. The
// full algorithm weighs sender power level at each event's auth point
// first; this engine approximates the partial order with depth (a DAG
// ancestor always has strictly lower depth than its descendant, so this
// never misorders an auth dependency) and falls back to origin_server_ts
// then event ID for events with no ancestry relationship, matching state
// resolution v2's mainline-ordering tie-break.
func reverseTopologicalPowerOrder(entries []types.StateEntry, eventsByNID map[types.EventNID]types.Event) []types.StateEntry {
	sort.Slice(entries, func(i, j int) bool {
		a, aok := eventsByNID[entries[i].EventNID]
		b, bok := eventsByNID[entries[j].EventNID]
		if !aok || !bok {
			return entries[i].EventNID < entries[j].EventNID
		}
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.OriginServerTS != b.OriginServerTS {
			return a.OriginServerTS < b.OriginServerTS
		}
		return a.EventID < b.EventID
	})
	return entries
}

func upsertStateEntry(entries []types.StateEntry, entry types.StateEntry) []types.StateEntry {
	for i, e := range entries {
		if e.StateKeyTuple == entry.StateKeyTuple {
			entries[i] = entry
			return entries
		}
	}
	return append(entries, entry)
}
