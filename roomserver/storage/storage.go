// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage assembles the per-table statement sets a dialect
// package (postgres, sqlite3) prepares into the single Database the rest
// of the roomserver depends on: the event graph's dense-integer interning
// tables (C3), the admission pipeline's persistence surface (C7), and the
// MSC3706 partial-state bookkeeping a faster join leaves behind. Either
// dialect package's Open function returns a *Database built the same
// way, so roomserver/internal/input and roomserver/state don't need to
// know which SQL driver is underneath.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matrixgate/coreserver/internal/sqlutil"
	"github.com/matrixgate/coreserver/roomserver/storage/tables"
	"github.com/matrixgate/coreserver/roomserver/types"
)

// Database is the roomserver's storage surface. It satisfies
// roomserver/state.Storage and roomserver/auth.Storage directly, so
// either package can be handed a *Database without an adapter.
type Database struct {
	db             *sql.DB
	eventTypes     tables.EventTypes
	eventStateKeys tables.EventStateKeys
	events         tables.Events
	eventJSON      tables.EventJSON
	rooms          tables.Rooms
	stateBlock     tables.StateBlockEntries
	stateSnapshot  tables.StateSnapshots
	membership     tables.Membership
	partialState   tables.PartialState
}

// New assembles a Database from a dialect's prepared table statements.
func New(
	db *sql.DB,
	eventTypes tables.EventTypes,
	eventStateKeys tables.EventStateKeys,
	events tables.Events,
	eventJSON tables.EventJSON,
	rooms tables.Rooms,
	stateBlock tables.StateBlockEntries,
	stateSnapshot tables.StateSnapshots,
	membership tables.Membership,
	partialState tables.PartialState,
) *Database {
	return &Database{
		db:             db,
		eventTypes:     eventTypes,
		eventStateKeys: eventStateKeys,
		events:         events,
		eventJSON:      eventJSON,
		rooms:          rooms,
		stateBlock:     stateBlock,
		stateSnapshot:  stateSnapshot,
		membership:     membership,
		partialState:   partialState,
	}
}

// EventTypeNID interns eventType if it hasn't been seen in this database
// before, otherwise returns its existing NID; the well-known room-state
// types are pre-seeded with fixed NIDs (types.MRoomCreateNID and
// neighbours) by CreateEventTypesTable so callers never race to assign
// them.
func (d *Database) EventTypeNID(ctx context.Context, eventType string) (types.EventTypeNID, error) {
	nid, err := d.eventTypes.SelectEventTypeNID(ctx, nil, eventType)
	if err == sql.ErrNoRows {
		return d.eventTypes.InsertEventTypeNID(ctx, nil, eventType)
	}
	return nid, err
}

// EventStateKeyNID interns stateKey if it hasn't been seen before,
// otherwise returns its existing NID. The empty state key used by every
// room-scoped singleton is pre-seeded as types.EmptyStateKeyNID.
func (d *Database) EventStateKeyNID(ctx context.Context, stateKey string) (types.EventStateKeyNID, error) {
	nid, err := d.eventStateKeys.SelectEventStateKeyNID(ctx, nil, stateKey)
	if err == sql.ErrNoRows {
		return d.eventStateKeys.InsertEventStateKeyNID(ctx, nil, stateKey)
	}
	return nid, err
}

// StateBlockNIDs returns each frame's diff chain, in the order C3's state
// loader expects: parent-first.
func (d *Database) StateBlockNIDs(ctx context.Context, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error) {
	return d.stateSnapshot.SelectStateBlockNIDsForSnapshots(ctx, nil, stateSnapshotNIDs)
}

// StateEntries returns the StateEntries each StateBlockNID contributes.
func (d *Database) StateEntries(ctx context.Context, stateBlockNIDs []types.StateBlockNID) ([]types.StateEntryList, error) {
	return d.stateBlock.SelectStateBlockEntriesForBlockNIDs(ctx, nil, stateBlockNIDs)
}

// Events resolves a batch of EventNIDs to their full parsed PDUs by
// reading back the canonical JSON each was admitted with (C7 step 8
// writes it; nothing downstream re-derives a PDU's fields by hand).
func (d *Database) Events(ctx context.Context, eventNIDs []types.EventNID) ([]types.Event, error) {
	raw, err := d.eventJSON.SelectEventJSON(ctx, nil, eventNIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: select event json: %w", err)
	}
	events := make([]types.Event, 0, len(raw))
	for nid, blob := range raw {
		var pdu types.PDU
		if err := json.Unmarshal(blob, &pdu); err != nil {
			return nil, fmt.Errorf("storage: unmarshal event %d: %w", nid, err)
		}
		events = append(events, types.Event{EventNID: nid, PDU: pdu})
	}
	return events, nil
}

// RoomInfo returns the room's metadata, or nil if the room is unknown.
func (d *Database) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	return d.rooms.SelectRoomInfo(ctx, nil, roomID)
}

// RoomNID returns the interned NID for a room, creating one if this is
// the first time the room has been seen.
func (d *Database) RoomNID(ctx context.Context, roomID string, roomVersion string) (types.RoomNID, error) {
	nid, err := d.rooms.SelectRoomNID(ctx, nil, roomID)
	if err == sql.ErrNoRows {
		return d.rooms.InsertRoomNID(ctx, nil, roomID, roomVersion)
	}
	return nid, err
}

// StateEntriesForEventIDs resolves a batch of event IDs (as returned by a
// /state or /state_ids federation response during a partial-state resync)
// to the StateEntries they represent, skipping any the event table has
// marked rejected when excludeRejected is set.
func (d *Database) StateEntriesForEventIDs(ctx context.Context, eventIDs []string, excludeRejected bool) ([]types.StateEntry, error) {
	nidByID, err := d.events.SelectEventNIDs(ctx, nil, eventIDs)
	if err != nil {
		return nil, err
	}
	nids := make([]types.EventNID, 0, len(nidByID))
	for _, nid := range nidByID {
		nids = append(nids, nid)
	}
	infos, err := d.events.SelectEventInfos(ctx, nil, nids)
	if err != nil {
		return nil, err
	}
	entries := make([]types.StateEntry, 0, len(infos))
	for nid, info := range infos {
		if excludeRejected && info.IsRejected {
			continue
		}
		if info.EventStateKeyNID == nil {
			continue
		}
		entries = append(entries, types.StateEntry{
			StateKeyTuple: types.StateKeyTuple{EventTypeNID: info.EventTypeNID, EventStateKeyNID: *info.EventStateKeyNID},
			EventNID:      nid,
		})
	}
	return entries, nil
}

// EventNIDs resolves event IDs to the EventNIDs storage assigned them at
// admission, for callers (the input pipeline's forward-extremity
// bookkeeping) that need to look an event up by ID regardless of whether
// it is a state event.
func (d *Database) EventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventNID, error) {
	return d.events.SelectEventNIDs(ctx, nil, eventIDs)
}

// GetStateEvent returns the current event holding a piece of room state,
// or nil if the room has no current value for it.
func (d *Database) GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*types.Event, error) {
	roomNID, err := d.rooms.SelectRoomNID(ctx, nil, roomID)
	if err != nil {
		return nil, err
	}
	typeNID, err := d.EventTypeNID(ctx, eventType)
	if err != nil {
		return nil, err
	}
	stateKeyNID, err := d.EventStateKeyNID(ctx, stateKey)
	if err != nil {
		return nil, err
	}
	eventNID, err := d.events.SelectStateEventNID(ctx, nil, roomNID, typeNID, stateKeyNID)
	if err != nil {
		return nil, err
	}
	events, err := d.Events(ctx, []types.EventNID{eventNID})
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

// GetMembershipEventNIDsForRoom returns the EventNIDs of every membership
// row known for a room, optionally restricted to currently-joined users.
func (d *Database) GetMembershipEventNIDsForRoom(ctx context.Context, roomNID types.RoomNID, joinedOnly, localOnly bool) ([]types.EventNID, error) {
	return d.membership.SelectMembershipEventNIDsForRoom(ctx, nil, roomNID, joinedOnly, localOnly)
}

// PersistEvent interns the event's type and state key (if any), writes
// its canonical JSON and metadata row, and returns the EventNID it was
// assigned. It is the storage half of C7 step 8 ("persist"); the caller
// is responsible for computing and writing the resulting state frame
// separately via a RoomUpdater.
func (d *Database) PersistEvent(ctx context.Context, roomNID types.RoomNID, event types.PDU, depth int64, isRejected bool) (types.EventNID, error) {
	typeNID, err := d.EventTypeNID(ctx, event.Type)
	if err != nil {
		return 0, fmt.Errorf("storage: intern event type: %w", err)
	}
	var stateKeyNID *types.EventStateKeyNID
	if event.StateKey != nil {
		nid, err := d.EventStateKeyNID(ctx, *event.StateKey)
		if err != nil {
			return 0, fmt.Errorf("storage: intern state key: %w", err)
		}
		stateKeyNID = &nid
	}
	eventNID, err := d.events.InsertEvent(ctx, nil, roomNID, typeNID, stateKeyNID, event.EventID, depth, isRejected)
	if err != nil {
		return 0, fmt.Errorf("storage: insert event: %w", err)
	}
	blob, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal event: %w", err)
	}
	if err := d.eventJSON.InsertEventJSON(ctx, nil, eventNID, blob); err != nil {
		return 0, fmt.Errorf("storage: insert event json: %w", err)
	}
	return eventNID, nil
}

// GetRoomUpdater opens a transaction scoped to roomInfo's room and
// returns a RoomUpdater bound to it; the caller must Commit or Rollback
// (typically via sqlutil.EndTransactionWithCheck) once done.
func (d *Database) GetRoomUpdater(ctx context.Context, roomInfo *types.RoomInfo) (*RoomUpdater, error) {
	txn, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	latest, stateNID, err := d.rooms.SelectLatestEventNIDs(ctx, txn, roomInfo.RoomNID)
	if err != nil {
		_ = txn.Rollback()
		return nil, err
	}
	latestEvents := make([]types.StateAtEvent, len(latest))
	for i, nid := range latest {
		latestEvents[i] = types.StateAtEvent{StateEntry: types.StateEntry{EventNID: nid}, BeforeStateSnapshotNID: stateNID}
	}
	return &RoomUpdater{
		d:                       d,
		txn:                     txn,
		roomNID:                 roomInfo.RoomNID,
		latestEvents:            latestEvents,
		currentStateSnapshotNID: stateNID,
	}, nil
}

// RoomUpdater is a transaction-scoped view of one room's mutable state:
// its forward extremities and current state snapshot. Every write goes
// through it so a failure partway through a resync or event admission
// rolls the whole update back rather than leaving the room half-updated.
type RoomUpdater struct {
	d                       *Database
	txn                     *sql.Tx
	roomNID                 types.RoomNID
	latestEvents            []types.StateAtEvent
	currentStateSnapshotNID types.StateSnapshotNID
}

// Commit and Rollback satisfy sqlutil.Transaction.
func (u *RoomUpdater) Commit() error   { return u.txn.Commit() }
func (u *RoomUpdater) Rollback() error { return u.txn.Rollback() }

// CurrentStateSnapshotNID returns the frame the room's forward
// extremities point at as of when GetRoomUpdater opened this transaction.
func (u *RoomUpdater) CurrentStateSnapshotNID() types.StateSnapshotNID {
	return u.currentStateSnapshotNID
}

// LatestEvents returns the room's forward extremities as of when this
// updater was opened.
func (u *RoomUpdater) LatestEvents() []types.StateAtEvent { return u.latestEvents }

// AddState writes entries as a new diff block appended after
// baseStateBlockNIDs (nil for a from-scratch frame, as a partial-state
// resync builds one) and returns the resulting frame's StateSnapshotNID.
func (u *RoomUpdater) AddState(ctx context.Context, roomNID types.RoomNID, baseStateBlockNIDs []types.StateBlockNID, entries []types.StateEntry) (types.StateSnapshotNID, error) {
	blockNID, err := u.d.stateBlock.BulkInsertStateBlockEntries(ctx, u.txn, entries)
	if err != nil {
		return 0, fmt.Errorf("roomupdater: write state block: %w", err)
	}
	blockNIDs := append(append([]types.StateBlockNID(nil), baseStateBlockNIDs...), blockNID)
	return u.d.stateSnapshot.InsertState(ctx, u.txn, roomNID, blockNIDs)
}

// SetLatestEvents replaces the room's forward extremities, records the
// last event sent to the rest of the tree, and advances the current
// state snapshot pointer in one update.
func (u *RoomUpdater) SetLatestEvents(roomNID types.RoomNID, latestEvents []types.StateAtEvent, lastEventNIDSent types.EventNID, currentStateSnapshotNID types.StateSnapshotNID) error {
	eventNIDs := make([]types.EventNID, len(latestEvents))
	for i, e := range latestEvents {
		eventNIDs[i] = e.EventNID
	}
	if err := u.d.rooms.UpdateLatestEventNIDs(context.Background(), u.txn, roomNID, eventNIDs, lastEventNIDSent, currentStateSnapshotNID); err != nil {
		return err
	}
	u.latestEvents = latestEvents
	u.currentStateSnapshotNID = currentStateSnapshotNID
	return nil
}

// UpdateResyncStateNID records the state snapshot a partial-state resync
// completed with in the room's resync_state_snapshot_nid column. Nothing
// in the roomserver reads that column back; event admission does not
// consult it.
func (u *RoomUpdater) UpdateResyncStateNID(roomNID types.RoomNID, stateSnapshotNID types.StateSnapshotNID) error {
	return u.d.rooms.UpdateResyncStateNID(context.Background(), u.txn, roomNID, stateSnapshotNID)
}

// StateBlockNIDs, StateEntries, Events, EventTypeNID and EventStateKeyNID
// on RoomUpdater re-expose the Database's read methods so it satisfies
// state.Storage itself: state.NewStateResolution(updater, ...) in
// UpdateStateAfterResync reads through the same transaction the updater
// is about to write new frames into, rather than a snapshot taken before
// the transaction began.
func (u *RoomUpdater) StateBlockNIDs(ctx context.Context, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error) {
	return u.d.stateSnapshot.SelectStateBlockNIDsForSnapshots(ctx, u.txn, stateSnapshotNIDs)
}

func (u *RoomUpdater) StateEntries(ctx context.Context, stateBlockNIDs []types.StateBlockNID) ([]types.StateEntryList, error) {
	return u.d.stateBlock.SelectStateBlockEntriesForBlockNIDs(ctx, u.txn, stateBlockNIDs)
}

func (u *RoomUpdater) Events(ctx context.Context, eventNIDs []types.EventNID) ([]types.Event, error) {
	raw, err := u.d.eventJSON.SelectEventJSON(ctx, u.txn, eventNIDs)
	if err != nil {
		return nil, err
	}
	events := make([]types.Event, 0, len(raw))
	for nid, blob := range raw {
		var pdu types.PDU
		if err := json.Unmarshal(blob, &pdu); err != nil {
			return nil, err
		}
		events = append(events, types.Event{EventNID: nid, PDU: pdu})
	}
	return events, nil
}

// EventNIDs is the transaction-scoped counterpart to Database.EventNIDs,
// for pipeline code (the input admission path's forward-extremity
// bookkeeping) that must resolve event IDs without leaving the open
// RoomUpdater transaction.
func (u *RoomUpdater) EventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventNID, error) {
	return u.d.events.SelectEventNIDs(ctx, u.txn, eventIDs)
}

func (u *RoomUpdater) EventTypeNID(ctx context.Context, eventType string) (types.EventTypeNID, error) {
	nid, err := u.d.eventTypes.SelectEventTypeNID(ctx, u.txn, eventType)
	if err == sql.ErrNoRows {
		return u.d.eventTypes.InsertEventTypeNID(ctx, u.txn, eventType)
	}
	return nid, err
}

func (u *RoomUpdater) EventStateKeyNID(ctx context.Context, stateKey string) (types.EventStateKeyNID, error) {
	nid, err := u.d.eventStateKeys.SelectEventStateKeyNID(ctx, u.txn, stateKey)
	if err == sql.ErrNoRows {
		return u.d.eventStateKeys.InsertEventStateKeyNID(ctx, u.txn, stateKey)
	}
	return nid, err
}

// UpsertMembership records the latest membership event for a user in this
// room, so GetMembershipEventNIDsForRoom doesn't need to walk the state
// frame's diff chain to answer "who is joined".
func (u *RoomUpdater) UpsertMembership(ctx context.Context, stateKeyNID types.EventStateKeyNID, eventNID types.EventNID, membership string, isLocal bool) error {
	return u.d.membership.UpsertMembership(ctx, u.txn, u.roomNID, stateKeyNID, eventNID, membership, isLocal)
}

// ensure sqlutil.Transaction stays satisfied by RoomUpdater; referenced
// here so the dependency is visible to anyone grepping for callers.
var _ sqlutil.Transaction = (*RoomUpdater)(nil)
