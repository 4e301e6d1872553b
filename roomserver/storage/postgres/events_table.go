// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/matrixgate/coreserver/internal"
	"github.com/matrixgate/coreserver/internal/sqlutil"
	"github.com/matrixgate/coreserver/roomserver/storage/tables"
	"github.com/matrixgate/coreserver/roomserver/types"
)

const eventsSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_event_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_events (
    event_nid BIGINT PRIMARY KEY DEFAULT nextval('roomserver_event_nid_seq'),
    room_nid BIGINT NOT NULL,
    event_type_nid BIGINT NOT NULL,
    event_state_key_nid BIGINT,
    event_id TEXT NOT NULL UNIQUE,
    depth BIGINT NOT NULL DEFAULT 0,
    is_rejected BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_roomserver_events_room_nid ON roomserver_events(room_nid);
CREATE INDEX IF NOT EXISTS idx_roomserver_events_state_key
    ON roomserver_events(room_nid, event_type_nid, event_state_key_nid);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (room_nid, event_type_nid, event_state_key_nid, event_id, depth, is_rejected)" +
	" VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (event_id) DO NOTHING"

const selectEventSQL = "" +
	"SELECT event_nid, is_rejected FROM roomserver_events WHERE event_id = $1"

const selectMaxEventDepthSQL = "" +
	"SELECT COALESCE(MAX(depth), -1) FROM roomserver_events WHERE event_nid = ANY($1)"

const selectStateEventNIDSQL = "" +
	"SELECT event_nid FROM roomserver_events" +
	" WHERE room_nid = $1 AND event_type_nid = $2 AND event_state_key_nid = $3" +
	" ORDER BY event_nid DESC LIMIT 1"

const selectEventNIDsBatchSQL = "" +
	"SELECT event_id, event_nid FROM roomserver_events WHERE event_id = ANY($1)"

const selectEventInfosSQL = "" +
	"SELECT event_nid, room_nid, event_type_nid, event_state_key_nid, depth, is_rejected" +
	" FROM roomserver_events WHERE event_nid = ANY($1)"

type eventStatements struct {
	insertEventStmt         *sql.Stmt
	selectEventStmt         *sql.Stmt
	selectMaxEventDepthStmt *sql.Stmt
	selectStateEventNIDStmt *sql.Stmt
	selectEventNIDsStmt     *sql.Stmt
	selectEventInfosStmt    *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventStmt, selectEventSQL},
		{&s.selectMaxEventDepthStmt, selectMaxEventDepthSQL},
		{&s.selectStateEventNIDStmt, selectStateEventNIDSQL},
		{&s.selectEventNIDsStmt, selectEventNIDsBatchSQL},
		{&s.selectEventInfosStmt, selectEventInfosSQL},
	}.Prepare(db)
}

func (s *eventStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx,
	roomNID types.RoomNID, eventTypeNID types.EventTypeNID, eventStateKeyNID *types.EventStateKeyNID,
	eventID string, depth int64, isRejected bool,
) (types.EventNID, error) {
	var stateKeyNID *int64
	if eventStateKeyNID != nil {
		v := int64(*eventStateKeyNID)
		stateKeyNID = &v
	}
	insertStmt := sqlutil.TxStmt(txn, s.insertEventStmt)
	if _, err := insertStmt.ExecContext(ctx, roomNID, eventTypeNID, stateKeyNID, eventID, depth, isRejected); err != nil {
		return 0, err
	}
	nid, _, err := s.SelectEvent(ctx, txn, eventID)
	return nid, err
}

func (s *eventStatements) SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, bool, error) {
	var nid int64
	var rejected bool
	stmt := sqlutil.TxStmt(txn, s.selectEventStmt)
	err := stmt.QueryRowContext(ctx, eventID).Scan(&nid, &rejected)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return types.EventNID(nid), true, nil
}

func (s *eventStatements) SelectEventNIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]types.EventNID, error) {
	result := make(map[string]types.EventNID, len(eventIDs))
	if len(eventIDs) == 0 {
		return result, nil
	}
	stmt := sqlutil.TxStmt(txn, s.selectEventNIDsStmt)
	rows, err := stmt.QueryContext(ctx, pq.Array(eventIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventNIDs: rows.close() failed")

	for rows.Next() {
		var eventID string
		var nid int64
		if err := rows.Scan(&eventID, &nid); err != nil {
			return nil, err
		}
		result[eventID] = types.EventNID(nid)
	}
	return result, rows.Err()
}

func (s *eventStatements) SelectEventInfos(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (map[types.EventNID]tables.EventInfo, error) {
	result := make(map[types.EventNID]tables.EventInfo, len(eventNIDs))
	if len(eventNIDs) == 0 {
		return result, nil
	}
	ids := make([]int64, len(eventNIDs))
	for i, nid := range eventNIDs {
		ids[i] = int64(nid)
	}
	stmt := sqlutil.TxStmt(txn, s.selectEventInfosStmt)
	rows, err := stmt.QueryContext(ctx, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventInfos: rows.close() failed")

	for rows.Next() {
		var nid, roomNID, typeNID int64
		var stateKeyNID sql.NullInt64
		var depth int64
		var rejected bool
		if err := rows.Scan(&nid, &roomNID, &typeNID, &stateKeyNID, &depth, &rejected); err != nil {
			return nil, err
		}
		info := tables.EventInfo{
			RoomNID:      types.RoomNID(roomNID),
			EventTypeNID: types.EventTypeNID(typeNID),
			Depth:        depth,
			IsRejected:   rejected,
		}
		if stateKeyNID.Valid {
			nidVal := types.EventStateKeyNID(stateKeyNID.Int64)
			info.EventStateKeyNID = &nidVal
		}
		result[types.EventNID(nid)] = info
	}
	return result, rows.Err()
}

func (s *eventStatements) SelectMaxEventDepth(ctx context.Context, txn *sql.Tx, eventNIDs []types.EventNID) (int64, error) {
	if len(eventNIDs) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(eventNIDs))
	for i, nid := range eventNIDs {
		ids[i] = int64(nid)
	}
	var depth int64
	stmt := sqlutil.TxStmt(txn, s.selectMaxEventDepthStmt)
	err := stmt.QueryRowContext(ctx, pq.Array(ids)).Scan(&depth)
	return depth, err
}

func (s *eventStatements) SelectStateEventNID(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventTypeNID types.EventTypeNID, eventStateKeyNID types.EventStateKeyNID) (types.EventNID, error) {
	var nid int64
	stmt := sqlutil.TxStmt(txn, s.selectStateEventNIDStmt)
	err := stmt.QueryRowContext(ctx, roomNID, eventTypeNID, eventStateKeyNID).Scan(&nid)
	return types.EventNID(nid), err
}
