// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables declares the per-table statement interfaces the
// postgres and sqlite3 backends each implement. storage.Database holds
// one of these per table rather than a *sql.DB directly, so the two
// dialects can diverge in schema/SQL while sharing every method above
// table level (state loading, auth lookups, the admission pipeline).
package tables

import (
	"context"
	"database/sql"

	"github.com/matrixgate/coreserver/roomserver/types"
)

// EventTypes interns event type strings ("m.room.member", ...) to a
// dense EventTypeNID, the first half of a StateKeyTuple.
type EventTypes interface {
	InsertEventTypeNID(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error)
	SelectEventTypeNID(ctx context.Context, txn *sql.Tx, eventType string) (types.EventTypeNID, error)
}

// EventStateKeys interns state_key strings to a dense EventStateKeyNID,
// the second half of a StateKeyTuple.
type EventStateKeys interface {
	InsertEventStateKeyNID(ctx context.Context, txn *sql.Tx, stateKey string) (types.EventStateKeyNID, error)
	SelectEventStateKeyNID(ctx context.Context, txn *sql.Tx, stateKey string) (types.EventStateKeyNID, error)
}

// Rooms tracks one row per room: its interned RoomNID, room version, the
// current state snapshot, and the MSC3706 partial-state/resync bookkeeping
// fields the faster-join flow needs.
type Rooms interface {
	InsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion string) (types.RoomNID, error)
	SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error)
	SelectRoomNID(ctx context.Context, txn *sql.Tx, roomID string) (types.RoomNID, error)
	UpdateLatestEventNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventNIDs []types.EventNID, lastEventSentNID types.EventNID, stateSnapshotNID types.StateSnapshotNID) error
	SelectLatestEventNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]types.EventNID, types.StateSnapshotNID, error)
	UpdateResyncStateNID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateSnapshotNID types.StateSnapshotNID) error
}

// EventJSON stores the canonical JSON a PDU was admitted with, keyed by
// EventNID, so the rest of the schema can refer to events by integer
// without duplicating their content.
type EventJSON interface {
	InsertEventJSON(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, eventJSON []byte) error
	SelectEventJSON(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID][]byte, error)
}

// EventInfo is the metadata SelectEventInfos returns for an EventNID: the
// interned fields the rest of the schema needs without re-parsing the PDU
// JSON EventJSON holds.
type EventInfo struct {
	RoomNID          types.RoomNID
	EventTypeNID     types.EventTypeNID
	EventStateKeyNID *types.EventStateKeyNID
	Depth            int64
	IsRejected       bool
}

// Events holds one row of metadata per admitted event: its interned
// identity, its place in the DAG, and whether it was rejected by the auth
// check against its own auth_events at admission time (C7 step 5).
// Soft-failed events are stored as not rejected. The event's own content
// lives in EventJSON.
type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventTypeNID types.EventTypeNID, eventStateKeyNID *types.EventStateKeyNID, eventID string, depth int64, isRejected bool) (types.EventNID, error)
	SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, bool, error)
	SelectEventNIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventNID, error)
	SelectEventInfos(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID]EventInfo, error)
	SelectMaxEventDepth(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (int64, error)
	SelectStateEventNID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventTypeNID types.EventTypeNID, eventStateKeyNID types.EventStateKeyNID) (types.EventNID, error)
}

// StateBlockEntries stores one row per StateBlockNID/StateKeyTuple pair:
// the contents of a single diff layer in a frame's chain.
type StateBlockEntries interface {
	BulkInsertStateBlockEntries(ctx context.Context, txn *sql.Tx, entries []types.StateEntry) (types.StateBlockNID, error)
	SelectStateBlockEntriesForBlockNIDs(ctx context.Context, txn *sql.Tx, stateBlockNIDs []types.StateBlockNID) ([]types.StateEntryList, error)
}

// StateSnapshots stores one row per StateSnapshotNID: the ordered list of
// StateBlockNIDs that make up that frame's diff chain.
type StateSnapshots interface {
	InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateBlockNIDs []types.StateBlockNID) (types.StateSnapshotNID, error)
	SelectStateBlockNIDsForSnapshots(ctx context.Context, txn *sql.Tx, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error)
}

// Membership tracks the latest known membership per (room, user), kept
// separately from the general state store so "who is joined to this
// room" doesn't require walking a frame's diff chain.
type Membership interface {
	UpsertMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateKeyNID types.EventStateKeyNID, eventNID types.EventNID, membership string, isLocal bool) error
	SelectMembershipEventNIDsForRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, joinedOnly bool, localOnly bool) ([]types.EventNID, error)
	SelectMembershipForUser(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateKeyNID types.EventStateKeyNID) (string, types.EventNID, error)
}

// PartialState is the MSC3706 faster-join bookkeeping table: which rooms
// are still resyncing full state, and which servers were known to be in
// the room at the time of the partial-state join.
type PartialState interface {
	InsertPartialStateRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, joinEventNID types.EventNID, joinedVia string, serversInRoom []string, deviceListStreamID int64) error
	SelectPartialStateRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (bool, error)
	SelectPartialStateServers(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]string, error)
	SelectAllPartialStateRooms(ctx context.Context, txn *sql.Tx) ([]types.RoomNID, error)
	SelectDeviceListStreamID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (int64, error)
	DeletePartialStateRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (int64, error)
}
