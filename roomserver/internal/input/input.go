// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input implements the event admission pipeline (C7): per
// incoming PDU, from a federation /send transaction or a freshly built
// local event, it parses and ID-checks it, verifies its signatures and
// content hash, resolves any gap in its prev_events/auth_events against
// the origin server, authorizes it against its declared auth events and
// then against the room's current state, and persists it, updating the
// room's current state and forward extremities and fanning the result
// out to federation, sync and push.
package input

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrixgate/coreserver/internal/sqlutil"
	"github.com/matrixgate/coreserver/pkg/canonicaljson"
	"github.com/matrixgate/coreserver/pkg/keyring"
	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/matrixgate/coreserver/roomserver/api"
	"github.com/matrixgate/coreserver/roomserver/auth"
	"github.com/matrixgate/coreserver/roomserver/state"
	"github.com/matrixgate/coreserver/roomserver/storage"
	"github.com/matrixgate/coreserver/roomserver/types"
)

// Kind distinguishes a PDU admitted as part of the room's live timeline
// from one fetched only to resolve a gap in another event's DAG
// reference (an outlier: persisted so later lookups resolve it, but
// never touching the room's current state or forward extremities).
type Kind int

const (
	KindNew Kind = iota
	KindOutlier
)

// OutputRoomEventProducer is the fan-out sink InputRoomEvent notifies
// once an event is durably admitted (C7 step 9): federationapi's queue
// (C9), syncapi's notifier (C8) and the push/appservice consumers all
// subscribe to the same stream of OutputEvents rather than each polling
// storage directly.
type OutputRoomEventProducer interface {
	ProduceRoomEvents(roomID string, updates []api.OutputEvent) error
}

// Inputer is the roomserver's event admission pipeline. It is the single
// place that ever advances a room's current state: every admitted event,
// whether built locally or received over federation, passes through
// InputRoomEvent (or, for a partial-state room catching up, through
// UpdateStateAfterResync).
type Inputer struct {
	DB             *storage.Database
	Queryer        api.Queryer
	OutputProducer OutputRoomEventProducer
	ServerName     spec.ServerName
	KeyRing        *keyring.KeyRing
	Federation     FederationFetcher

	roomMu sync.Map // roomID string -> *sync.Mutex
}

// lockRoom serializes steps 5-8 (auth-check through persist) for a given
// room, per spec.md §4.7's concurrency note: concurrent inbound PDUs for
// the same room must linearize their state updates, while step 4's
// network fetches (resolveMissingEvents) run outside it.
func (r *Inputer) lockRoom(roomID string) func() {
	v, _ := r.roomMu.LoadOrStore(roomID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Result reports how InputRoomEvent disposed of a PDU: admitted into the
// timeline, rejected outright (auth failure against its declared auth
// events), or soft-failed (authorization against the room's current
// state failed, so it is stored but neither visible to clients nor
// counted among the room's forward extremities).
type Result struct {
	EventNID     types.EventNID
	Rejected     bool
	RejectReason string
	SoftFailed   bool
}

// InputRoomEvent is the pipeline's single entry point, used both for a
// freshly built local event (Kind: KindNew, Origin: this server's own
// name) and for a PDU arriving over a federation transaction (Origin:
// the sending server). event.EventID may be empty for room versions
// whose event IDs are hash-derived (EventFormatV2); InputRoomEvent fills
// it in after recomputing the reference hash.
func (r *Inputer) InputRoomEvent(ctx context.Context, input InputRoomEvent) (*Result, error) {
	rules, err := spec.RulesForRoomVersion(input.Event.RoomVersion)
	if err != nil {
		return nil, fmt.Errorf("roomserver/input: unknown room version %q: %w", input.Event.RoomVersion, err)
	}

	wireJSON, err := pduToWireJSON(input.Event)
	if err != nil {
		return nil, fmt.Errorf("roomserver/input: marshal event: %w", err)
	}

	// Step 1: parse & ID-check. Parsing itself happened upstream of this
	// package (the HTTP/client boundary hands InputRoomEvent an already
	// decoded PDU); what's left here is recomputing a hash-derived ID.
	if rules.EventFormat == spec.EventFormatV2 {
		// The V2 wire format carries no event_id (the ID is the reference
		// hash), so any supplied ID is left out of every hash and signature.
		wireJSON, err = canonicaljson.WithoutFields(wireJSON, "event_id")
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: strip event_id: %w", err)
		}
		redacted, err := keyring.Redact(input.Event.RoomVersion, wireJSON)
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: redact for id check: %w", err)
		}
		refHash, err := keyring.ReferenceHash(redacted)
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: reference hash: %w", err)
		}
		wantID := "$" + refHash
		if input.Event.EventID != "" && input.Event.EventID != wantID {
			return nil, fmt.Errorf("roomserver/input: event ID mismatch: got %s want %s", input.Event.EventID, wantID)
		}
		input.Event.EventID = wantID
	} else if input.Event.EventID == "" {
		return nil, fmt.Errorf("roomserver/input: room version %s requires an explicit event_id", input.Event.RoomVersion)
	}

	// Step 2: signature check. A locally-built event (Origin == our own
	// server name) is trusted without a round trip to our own keyserver;
	// every other origin's claimed signatures are verified, against the
	// redacted form of the event that HashAndSignEvent signs.
	if r.KeyRing != nil && input.Origin != r.ServerName {
		redacted, err := keyring.Redact(input.Event.RoomVersion, wireJSON)
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: redact for signature check: %w", err)
		}
		if reqs := signatureRequests(input.Event, redacted); len(reqs) > 0 {
			for i, err := range r.KeyRing.VerifyJSONs(ctx, reqs) {
				if err != nil {
					return nil, fmt.Errorf("roomserver/input: signature check failed for %s: %w", reqs[i].ServerName, err)
				}
			}
		}
	}

	// Step 3: content-hash check. A mismatch doesn't reject the event —
	// it is stored in its redacted form, exactly as if it had always
	// been redacted, since the signature was computed over that form.
	if wantHash, err := keyring.ContentHash(wireJSON); err == nil {
		if gotHash := gjson.GetBytes(wireJSON, "hashes.sha256").String(); gotHash != "" && gotHash != wantHash {
			redacted, rerr := keyring.Redact(input.Event.RoomVersion, wireJSON)
			if rerr == nil {
				input.Event.Content = []byte(gjson.GetBytes(redacted, "content").Raw)
			}
		}
	}

	// Step 4: resolve missing auth_events/prev_events against the origin
	// before taking the room lock, so a slow network fetch never blocks
	// other events admitting into this room.
	if input.Origin != "" && input.Origin != r.ServerName {
		if err := r.resolveMissingEvents(ctx, input.Origin, input.Event); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id":  input.Event.RoomID,
				"event_id": input.Event.EventID,
			}).Warn("roomserver/input: could not resolve all missing ancestors, event parks as an outlier")
		}
	}

	unlock := r.lockRoom(input.Event.RoomID)
	defer unlock()

	roomInfo, err := r.DB.RoomInfo(ctx, input.Event.RoomID)
	if err != nil {
		return nil, fmt.Errorf("roomserver/input: room info: %w", err)
	}
	if roomInfo == nil {
		roomNID, err := r.DB.RoomNID(ctx, input.Event.RoomID, string(input.Event.RoomVersion))
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: intern room: %w", err)
		}
		roomInfo = &types.RoomInfo{RoomNID: roomNID, RoomVersion: input.Event.RoomVersion}
	}

	// Step 5: auth against the event's own declared auth_events.
	authState, err := r.DB.StateEntriesForEventIDs(ctx, input.Event.AuthEvents, true)
	if err != nil {
		return nil, fmt.Errorf("roomserver/input: load auth state: %w", err)
	}
	checker := auth.NewChecker(r.DB, rules)
	candidate := types.Event{PDU: input.Event}
	if err := checker.Allowed(ctx, candidate, authState); err != nil {
		eventNID, perr := r.DB.PersistEvent(ctx, roomInfo.RoomNID, input.Event, input.Event.Depth, true)
		if perr != nil {
			return nil, fmt.Errorf("roomserver/input: persist rejected event: %w", perr)
		}
		return &Result{EventNID: eventNID, Rejected: true, RejectReason: err.Error()}, nil
	}

	if input.Kind == KindOutlier {
		eventNID, err := r.DB.PersistEvent(ctx, roomInfo.RoomNID, input.Event, input.Event.Depth, false)
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: persist outlier: %w", err)
		}
		return &Result{EventNID: eventNID}, nil
	}

	var succeeded bool
	updater, err := r.DB.GetRoomUpdater(ctx, roomInfo)
	if err != nil {
		return nil, fmt.Errorf("roomserver/input: room updater: %w", err)
	}
	defer sqlutil.EndTransactionWithCheck(updater, &succeeded, &err)

	roomState := state.NewStateResolution(updater, roomInfo, r.Queryer)
	beforeStateNID := updater.CurrentStateSnapshotNID()
	// Every forward extremity in this storage model shares one current
	// state snapshot (RoomUpdater.SetLatestEvents takes a single
	// StateSnapshotNID for the whole room, not one per branch), so "state
	// at E" is simply the room's current state rather than a per-branch
	// lookup; reconciling genuinely divergent branches is C6's job and is
	// invoked separately by UpdateStateAfterResync.
	stateAtE, err := roomState.LoadStateAtSnapshot(ctx, beforeStateNID)
	if err != nil {
		return nil, fmt.Errorf("roomserver/input: load state at event: %w", err)
	}

	// Step 7: auth against state-at-E.
	softFailed := checker.Allowed(ctx, candidate, stateAtE) != nil

	// Step 8: persist & recompute current state.
	eventNID, err := r.DB.PersistEvent(ctx, roomInfo.RoomNID, input.Event, input.Event.Depth, false)
	if err != nil {
		return nil, fmt.Errorf("roomserver/input: persist event: %w", err)
	}

	newStateNID := beforeStateNID
	var outputEvents []api.OutputEvent
	var addsStateIDs, removesStateIDs []string

	if !softFailed && input.Event.IsStateEvent() {
		typeNID, err := updater.EventTypeNID(ctx, input.Event.Type)
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: intern event type: %w", err)
		}
		stateKeyNID, err := updater.EventStateKeyNID(ctx, *input.Event.StateKey)
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: intern state key: %w", err)
		}
		tuple := types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: stateKeyNID}
		newEntries := append([]types.StateEntry{{StateKeyTuple: tuple, EventNID: eventNID}}, stateAtE...)
		newEntries = types.DeduplicateStateEntries(newEntries)

		newStateNID, err = updater.AddState(ctx, roomInfo.RoomNID, nil, newEntries)
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: add state: %w", err)
		}

		removed, added, err := roomState.DifferenceBetweeenStateSnapshots(ctx, beforeStateNID, newStateNID)
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: state difference: %w", err)
		}
		memberOutputs, err := r.updateMemberships(ctx, updater, removed, added)
		if err != nil {
			return nil, fmt.Errorf("roomserver/input: update memberships: %w", err)
		}
		outputEvents = append(outputEvents, memberOutputs...)
		addsStateIDs, removesStateIDs = stateEntryEventIDs(ctx, updater, added, removed)
	}

	prevNIDs, err := updater.EventNIDs(ctx, input.Event.PrevEvents)
	if err != nil {
		return nil, fmt.Errorf("roomserver/input: resolve prev_events: %w", err)
	}
	latestEvents := recomputeLatestEvents(updater.LatestEvents(), prevNIDs, eventNID, newStateNID, softFailed)
	if !softFailed {
		if err := updater.SetLatestEvents(roomInfo.RoomNID, latestEvents, eventNID, newStateNID); err != nil {
			return nil, fmt.Errorf("roomserver/input: set latest events: %w", err)
		}
	}

	// Step 9: fan out. Soft-failed events are stored but never reach
	// fan-out: they are not delivered to clients and never become a
	// forward extremity.
	if !softFailed {
		outputEvents = append(outputEvents, api.OutputEvent{
			Type: api.OutputTypeNewRoomEvent,
			NewRoomEvent: &api.OutputNewRoomEvent{
				Event:                types.Event{EventNID: eventNID, PDU: input.Event},
				RewritesState:        input.Event.IsStateEvent(),
				AddsStateEventIDs:    addsStateIDs,
				RemovesStateEventIDs: removesStateIDs,
			},
		})
	}

	succeeded = true

	if len(outputEvents) > 0 {
		if err := r.OutputProducer.ProduceRoomEvents(input.Event.RoomID, outputEvents); err != nil {
			return nil, fmt.Errorf("roomserver/input: produce room events: %w", err)
		}
	}

	return &Result{EventNID: eventNID, SoftFailed: softFailed}, nil
}

// InputRoomEvent bundles a PDU with the context InputRoomEvent needs to
// admit it: where it came from (so local events skip signature
// verification against ourselves) and whether it is a live timeline
// event or a gap-filling outlier.
type InputRoomEvent struct {
	Kind   Kind
	Event  types.PDU
	Origin spec.ServerName
}

// recomputeLatestEvents drops any current forward extremity E names as a
// prev_event (E has superseded it) and, unless E itself soft-failed, adds
// E; every surviving entry is rewritten to point at the room's new
// current state snapshot, matching the single-snapshot-per-room model
// RoomUpdater.SetLatestEvents expects.
func recomputeLatestEvents(current []types.StateAtEvent, prevEventNIDs map[string]types.EventNID, eventNID types.EventNID, newStateNID types.StateSnapshotNID, softFailed bool) []types.StateAtEvent {
	superseded := make(map[types.EventNID]bool, len(prevEventNIDs))
	for _, nid := range prevEventNIDs {
		superseded[nid] = true
	}

	next := make([]types.StateAtEvent, 0, len(current)+1)
	for _, e := range current {
		if superseded[e.EventNID] {
			continue
		}
		e.BeforeStateSnapshotNID = newStateNID
		next = append(next, e)
	}
	if !softFailed {
		next = append(next, types.StateAtEvent{
			StateEntry:             types.StateEntry{EventNID: eventNID},
			BeforeStateSnapshotNID: newStateNID,
		})
	}
	return next
}

// stateEntryEventIDs resolves two StateEntry slices to the event IDs
// OutputNewRoomEvent reports, best-effort: a lookup failure drops that
// entry rather than failing the whole admission, since AddsStateEventIDs/
// RemovesStateEventIDs is an optimization for syncapi, not a correctness
// requirement.
func stateEntryEventIDs(ctx context.Context, updater *storage.RoomUpdater, added, removed []types.StateEntry) (addedIDs, removedIDs []string) {
	nids := make([]types.EventNID, 0, len(added)+len(removed))
	for _, e := range added {
		nids = append(nids, e.EventNID)
	}
	for _, e := range removed {
		nids = append(nids, e.EventNID)
	}
	events, err := updater.Events(ctx, nids)
	if err != nil {
		return nil, nil
	}
	byNID := make(map[types.EventNID]string, len(events))
	for _, ev := range events {
		byNID[ev.EventNID] = ev.EventID
	}
	for _, e := range added {
		if id, ok := byNID[e.EventNID]; ok {
			addedIDs = append(addedIDs, id)
		}
	}
	for _, e := range removed {
		if id, ok := byNID[e.EventNID]; ok {
			removedIDs = append(removedIDs, id)
		}
	}
	return addedIDs, removedIDs
}

// signatureRequests builds one VerifyRequest per server this event's
// signatures claim to be from (ordinarily just the sender's domain, plus
// the room's origin server for room versions that require it); message
// (the redacted event JSON) is what every request is checked against.
// For room versions whose rules leave EnforceSignatureUpgrade unset (1-4)
// the signing key's valid_until_ts is ignored.
func signatureRequests(event types.PDU, message []byte) []keyring.VerifyRequest {
	rules, err := spec.RulesForRoomVersion(event.RoomVersion)
	ignoreValidUntil := err == nil && !rules.EnforceSignatureUpgrade
	var reqs []keyring.VerifyRequest
	for serverName, keys := range event.Signatures {
		for keyID := range keys {
			reqs = append(reqs, keyring.VerifyRequest{
				ServerName:       spec.ServerName(serverName),
				KeyID:            keyring.KeyID(keyID),
				Message:          message,
				AtTS:             event.OriginServerTS,
				IgnoreValidUntil: ignoreValidUntil,
			})
		}
	}
	return reqs
}

// pduToWireJSON renders a PDU into the snake_case event JSON shape the
// signing/hashing algorithms (pkg/keyring) operate on; types.PDU's Go
// field names are PascalCase for storage's plain encoding/json
// round-trip, a distinct concern from this wire representation.
func pduToWireJSON(p types.PDU) ([]byte, error) {
	out := []byte("{}")
	var err error
	set := func(path string, v interface{}) {
		if err != nil {
			return
		}
		out, err = sjson.SetBytes(out, path, v)
	}
	setRaw := func(path string, raw []byte) {
		if err != nil || len(raw) == 0 {
			return
		}
		out, err = sjson.SetRawBytes(out, path, raw)
	}

	if p.EventID != "" {
		set("event_id", p.EventID)
	}
	set("room_id", p.RoomID)
	set("type", p.Type)
	set("sender", p.Sender)
	set("depth", p.Depth)
	set("origin_server_ts", p.OriginServerTS)
	set("prev_events", p.PrevEvents)
	set("auth_events", p.AuthEvents)
	if p.StateKey != nil {
		set("state_key", *p.StateKey)
	}
	setRaw("content", p.Content)
	setRaw("unsigned", p.Unsigned)
	if len(p.Hashes) > 0 {
		set("hashes", p.Hashes)
	}
	if len(p.Signatures) > 0 {
		set("signatures", p.Signatures)
	}
	return out, err
}
