// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/matrixgate/coreserver/roomserver/api"
	"github.com/matrixgate/coreserver/roomserver/types"
)

// stateChange pairs the entries a single StateKeyTuple held on either
// side of a state delta: the event that used to hold it (zero if the
// tuple is new) and the event that holds it now (zero if the tuple was
// removed outright).
type stateChange struct {
	types.StateKeyTuple
	removedEventNID types.EventNID
	addedEventNID   types.EventNID
}

// pairUpChanges merges a state delta's removed and added StateEntries
// into one stateChange per distinct StateKeyTuple that appears in either
// side, so updateMemberships only has to reason about "this tuple changed
// from X to Y" rather than two independent lists.
func pairUpChanges(removed, added []types.StateEntry) []stateChange {
	byTuple := make(map[types.StateKeyTuple]*stateChange)
	order := make([]types.StateKeyTuple, 0, len(removed)+len(added))

	get := func(tuple types.StateKeyTuple) *stateChange {
		if sc, ok := byTuple[tuple]; ok {
			return sc
		}
		sc := &stateChange{StateKeyTuple: tuple}
		byTuple[tuple] = sc
		order = append(order, tuple)
		return sc
	}

	for _, e := range removed {
		get(e.StateKeyTuple).removedEventNID = e.EventNID
	}
	for _, e := range added {
		get(e.StateKeyTuple).addedEventNID = e.EventNID
	}

	changes := make([]stateChange, len(order))
	for i, tuple := range order {
		changes[i] = *byTuple[tuple]
	}
	return changes
}

// membershipChanges narrows pairUpChanges' output to m.room.member
// entries; everything else in a state delta (power levels, join rules,
// ...) doesn't touch the membership table.
func membershipChanges(removed, added []types.StateEntry) []stateChange {
	all := pairUpChanges(removed, added)
	changes := make([]stateChange, 0, len(all))
	for _, c := range all {
		if c.EventTypeNID == types.MRoomMemberNID {
			changes = append(changes, c)
		}
	}
	return changes
}

// membershipUpdater is the subset of *storage.RoomUpdater updateMemberships
// needs, narrowed so this file can be tested without a full RoomUpdater.
type membershipUpdater interface {
	Events(ctx context.Context, eventNIDs []types.EventNID) ([]types.Event, error)
	UpsertMembership(ctx context.Context, stateKeyNID types.EventStateKeyNID, eventNID types.EventNID, membership string, isLocal bool) error
}

// updateMemberships applies a state delta's membership changes to the
// membership table and returns the OutputRetireInviteEvents any pending
// invite resolved by the delta should produce. It is invoked both from
// UpdateStateAfterResync (C7's MSC3706 partial-state resync) and from the
// ordinary admission path each time the current room state changes.
func (r *Inputer) updateMemberships(ctx context.Context, updater membershipUpdater, removed, added []types.StateEntry) ([]api.OutputEvent, error) {
	changes := membershipChanges(removed, added)
	if len(changes) == 0 {
		return nil, nil
	}

	nids := make([]types.EventNID, 0, len(changes)*2)
	for _, c := range changes {
		if c.removedEventNID != 0 {
			nids = append(nids, c.removedEventNID)
		}
		if c.addedEventNID != 0 {
			nids = append(nids, c.addedEventNID)
		}
	}
	events, err := updater.Events(ctx, nids)
	if err != nil {
		return nil, fmt.Errorf("updateMemberships: %w", err)
	}
	byNID := make(map[types.EventNID]types.Event, len(events))
	for _, ev := range events {
		byNID[ev.EventNID] = ev
	}

	var outputEvents []api.OutputEvent
	for _, c := range changes {
		var oldMembership, newMembership, targetUser string
		if ev, ok := byNID[c.removedEventNID]; ok && ev.StateKey != nil {
			oldMembership = gjson.GetBytes(ev.Content, "membership").String()
			targetUser = *ev.StateKey
		}
		if ev, ok := byNID[c.addedEventNID]; ok && ev.StateKey != nil {
			newMembership = gjson.GetBytes(ev.Content, "membership").String()
			targetUser = *ev.StateKey
		}
		if targetUser == "" {
			continue
		}

		if c.addedEventNID != 0 {
			isLocal := r.isLocalUser(targetUser)
			if err := updater.UpsertMembership(ctx, c.EventStateKeyNID, c.addedEventNID, newMembership, isLocal); err != nil {
				return nil, fmt.Errorf("updateMemberships: upsert membership for %s: %w", targetUser, err)
			}
		}

		if oldMembership == "invite" && newMembership != "invite" {
			retireEventID := ""
			if ev, ok := byNID[c.removedEventNID]; ok {
				retireEventID = ev.EventID
			}
			outputEvents = append(outputEvents, api.OutputEvent{
				Type: api.OutputTypeRetireInviteEvent,
				RetireInviteEvent: &api.OutputRetireInviteEvent{
					EventID:      retireEventID,
					TargetUserID: targetUser,
					Membership:   newMembership,
				},
			})
		}
	}

	return outputEvents, nil
}

// isLocalUser reports whether userID's domain matches this server's own
// name, the same test the membership table uses to decide whether a join
// should make this server a participant in federating the room (C9) or
// only receive it.
func (r *Inputer) isLocalUser(userID string) bool {
	id, err := spec.NewUserID(userID, true)
	if err != nil {
		return false
	}
	return id.Domain() == r.ServerName
}
