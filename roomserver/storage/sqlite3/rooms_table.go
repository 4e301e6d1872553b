// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrixgate/coreserver/internal/sqlutil"
	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/matrixgate/coreserver/roomserver/storage/tables"
	"github.com/matrixgate/coreserver/roomserver/types"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
    room_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL UNIQUE,
    room_version TEXT NOT NULL,
    latest_event_nids TEXT NOT NULL DEFAULT '[]',
    last_event_sent_nid INTEGER NOT NULL DEFAULT 0,
    state_snapshot_nid INTEGER NOT NULL DEFAULT 0,
    is_partial_state BOOLEAN NOT NULL DEFAULT FALSE,
    resync_state_snapshot_nid INTEGER NOT NULL DEFAULT 0
);
`

const insertRoomNIDSQL = "" +
	"INSERT OR IGNORE INTO roomserver_rooms (room_id, room_version) VALUES ($1, $2)"

const selectRoomNIDSQL = "" +
	"SELECT room_nid FROM roomserver_rooms WHERE room_id = $1"

const selectRoomInfoSQL = "" +
	"SELECT room_nid, room_version, is_partial_state, state_snapshot_nid FROM roomserver_rooms WHERE room_id = $1"

const updateLatestEventNIDsSQL = "" +
	"UPDATE roomserver_rooms SET latest_event_nids = $1, last_event_sent_nid = $2, state_snapshot_nid = $3 WHERE room_nid = $4"

const selectLatestEventNIDsSQL = "" +
	"SELECT latest_event_nids, state_snapshot_nid FROM roomserver_rooms WHERE room_nid = $1"

const updateResyncStateNIDSQL = "" +
	"UPDATE roomserver_rooms SET resync_state_snapshot_nid = $1 WHERE room_nid = $2"

type roomStatements struct {
	db                        *sql.DB
	insertRoomNIDStmt         *sql.Stmt
	selectRoomNIDStmt         *sql.Stmt
	selectRoomInfoStmt        *sql.Stmt
	updateLatestEventNIDsStmt *sql.Stmt
	selectLatestEventNIDsStmt *sql.Stmt
	updateResyncStateNIDStmt  *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertRoomNIDStmt, insertRoomNIDSQL},
		{&s.selectRoomNIDStmt, selectRoomNIDSQL},
		{&s.selectRoomInfoStmt, selectRoomInfoSQL},
		{&s.updateLatestEventNIDsStmt, updateLatestEventNIDsSQL},
		{&s.selectLatestEventNIDsStmt, selectLatestEventNIDsSQL},
		{&s.updateResyncStateNIDStmt, updateResyncStateNIDSQL},
	}.Prepare(db)
}

func (s *roomStatements) InsertRoomNID(ctx context.Context, txn *sql.Tx, roomID string, roomVersion string) (types.RoomNID, error) {
	insertStmt := sqlutil.TxStmt(txn, s.insertRoomNIDStmt)
	if _, err := insertStmt.ExecContext(ctx, roomID, roomVersion); err != nil {
		return 0, err
	}
	return s.SelectRoomNID(ctx, txn, roomID)
}

func (s *roomStatements) SelectRoomNID(ctx context.Context, txn *sql.Tx, roomID string) (types.RoomNID, error) {
	var nid int64
	stmt := sqlutil.TxStmt(txn, s.selectRoomNIDStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(&nid)
	return types.RoomNID(nid), err
}

func (s *roomStatements) SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error) {
	var nid int64
	var version string
	var partialState bool
	var snapshotNID int64
	stmt := sqlutil.TxStmt(txn, s.selectRoomInfoStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(&nid, &version, &partialState, &snapshotNID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &types.RoomInfo{
		RoomNID:          types.RoomNID(nid),
		RoomVersion:      spec.RoomVersion(version),
		IsPartialState:   partialState,
		StateSnapshotNID: types.StateSnapshotNID(snapshotNID),
	}, nil
}

func (s *roomStatements) UpdateLatestEventNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventNIDs []types.EventNID, lastEventSentNID types.EventNID, stateSnapshotNID types.StateSnapshotNID) error {
	b, err := json.Marshal(eventNIDs)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.updateLatestEventNIDsStmt)
	_, err = stmt.ExecContext(ctx, string(b), lastEventSentNID, stateSnapshotNID, roomNID)
	return err
}

func (s *roomStatements) SelectLatestEventNIDs(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]types.EventNID, types.StateSnapshotNID, error) {
	var raw string
	var snapshotNID int64
	stmt := sqlutil.TxStmt(txn, s.selectLatestEventNIDsStmt)
	err := stmt.QueryRowContext(ctx, roomNID).Scan(&raw, &snapshotNID)
	if err != nil {
		return nil, 0, err
	}
	var eventNIDs []types.EventNID
	if err := json.Unmarshal([]byte(raw), &eventNIDs); err != nil {
		return nil, 0, err
	}
	return eventNIDs, types.StateSnapshotNID(snapshotNID), nil
}

func (s *roomStatements) UpdateResyncStateNID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateSnapshotNID types.StateSnapshotNID) error {
	stmt := sqlutil.TxStmt(txn, s.updateResyncStateNIDStmt)
	_, err := stmt.ExecContext(ctx, stateSnapshotNID, roomNID)
	return err
}
