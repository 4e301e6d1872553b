// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/matrixgate/coreserver/roomserver/types"
)

// maxMissingEventDepth bounds how many rounds of "fetch this event, then
// fetch whatever its own prev/auth events are still missing" resolveMissingEvents
// will run before giving up on the direct per-event fetch and falling
// back to a backfill request.
const maxMissingEventDepth = 10

// maxMissingEventsPerBackfill bounds a single /get_missing_events request.
const maxMissingEventsPerBackfill = 50

// FederationFetcher is the federation client surface C7 step 4 needs to
// resolve a gap in an incoming event's DAG references. The three methods
// mirror the three-tier fallback the retrieved federation send handler
// uses to close a gap: a direct per-event fetch first (cheapest, works
// when only a handful of ancestors are missing), then a bounded backfill
// of the room's recent history, and finally asking the origin server to
// just hand over its view of the room's state outright.
type FederationFetcher interface {
	// GetEvent fetches a single event by ID from origin.
	GetEvent(ctx context.Context, origin spec.ServerName, eventID string) (types.PDU, error)
	// GetMissingEvents backfills events between earliestEventIDs
	// (exclusive) and latestEventIDs (inclusive), matching
	// /get_missing_events.
	GetMissingEvents(ctx context.Context, origin spec.ServerName, roomID string, earliestEventIDs, latestEventIDs []string, limit int) ([]types.PDU, error)
	// LookupState fetches origin's view of the room's full state (and
	// its auth chain) as of eventID, matching /state.
	LookupState(ctx context.Context, origin spec.ServerName, roomID, eventID string) (state, authChain []types.PDU, err error)
}

// resolveMissingEvents is C7 step 4: whatever of event's prev_events and
// auth_events this server hasn't already admitted is fetched from
// origin, recursively, so the auth check in step 5 never has to treat a
// legitimately-resolvable reference as absent. It runs outside the
// per-room lock InputRoomEvent takes for steps 5-8.
func (r *Inputer) resolveMissingEvents(ctx context.Context, origin spec.ServerName, event types.PDU) error {
	if r.Federation == nil {
		return nil
	}

	missing, err := r.missingAncestors(ctx, event.PrevEvents, event.AuthEvents)
	if err != nil {
		return fmt.Errorf("roomserver/input: check known ancestors: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}

	if err := r.fetchByID(ctx, origin, event.RoomID, missing, maxMissingEventDepth); err == nil {
		return nil
	}

	batch, err := r.Federation.GetMissingEvents(ctx, origin, event.RoomID, nil, event.PrevEvents, maxMissingEventsPerBackfill)
	if err == nil && len(batch) > 0 {
		r.admitOutliers(ctx, origin, batch)
		missing, err = r.missingAncestors(ctx, event.PrevEvents, event.AuthEvents)
		if err == nil && len(missing) == 0 {
			return nil
		}
	}

	if len(event.PrevEvents) == 0 {
		return fmt.Errorf("roomserver/input: no prev_events to resolve state fallback from")
	}
	state, authChain, err := r.Federation.LookupState(ctx, origin, event.RoomID, event.PrevEvents[0])
	if err != nil {
		return fmt.Errorf("roomserver/input: state fallback: %w", err)
	}
	r.admitOutliers(ctx, origin, authChain)
	r.admitOutliers(ctx, origin, state)
	return nil
}

// missingAncestors returns whichever of the given event IDs this server
// has not yet admitted in any form (including as an outlier).
func (r *Inputer) missingAncestors(ctx context.Context, prevEvents, authEvents []string) ([]string, error) {
	candidates := make([]string, 0, len(prevEvents)+len(authEvents))
	candidates = append(candidates, prevEvents...)
	candidates = append(candidates, authEvents...)
	if len(candidates) == 0 {
		return nil, nil
	}
	known, err := r.DB.EventNIDs(ctx, candidates)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range candidates {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// fetchByID fetches each of ids from origin and admits it as an outlier,
// then recurses on whichever of their own prev/auth events are still
// missing, up to depth rounds.
func (r *Inputer) fetchByID(ctx context.Context, origin spec.ServerName, roomID string, ids []string, depth int) error {
	if depth <= 0 {
		return fmt.Errorf("roomserver/input: missing-event fetch exceeded max depth")
	}

	var next []string
	for _, id := range ids {
		pdu, err := r.Federation.GetEvent(ctx, origin, id)
		if err != nil {
			return fmt.Errorf("roomserver/input: fetch %s: %w", id, err)
		}
		if _, err := r.InputRoomEvent(ctx, InputRoomEvent{Kind: KindOutlier, Event: pdu, Origin: origin}); err != nil {
			return fmt.Errorf("roomserver/input: admit fetched event %s: %w", id, err)
		}
		more, err := r.missingAncestors(ctx, pdu.PrevEvents, pdu.AuthEvents)
		if err != nil {
			return err
		}
		next = append(next, more...)
	}
	if len(next) == 0 {
		return nil
	}
	return r.fetchByID(ctx, origin, roomID, next, depth-1)
}

// admitOutliers feeds a batch of fetched PDUs (from a backfill or a
// /state response) through InputRoomEvent as outliers, logging but not
// failing on an individual event that itself can't be admitted — one bad
// event in a backfill batch shouldn't sink the whole gap resolution.
func (r *Inputer) admitOutliers(ctx context.Context, origin spec.ServerName, pdus []types.PDU) {
	for _, pdu := range pdus {
		if _, err := r.InputRoomEvent(ctx, InputRoomEvent{Kind: KindOutlier, Event: pdu, Origin: origin}); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id":  pdu.RoomID,
				"event_id": pdu.EventID,
			}).Warn("roomserver/input: failed to admit fetched event as outlier")
		}
	}
}
