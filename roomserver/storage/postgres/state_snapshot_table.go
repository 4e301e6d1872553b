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

// One row per frame (StateSnapshotNID): the room it belongs to and the
// ordered, parent-first list of StateBlockNIDs making up its diff chain.
const stateSnapshotSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_state_snapshot_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_state_snapshot (
    state_snapshot_nid BIGINT PRIMARY KEY DEFAULT nextval('roomserver_state_snapshot_nid_seq'),
    room_nid BIGINT NOT NULL,
    state_block_nids BIGINT[] NOT NULL
);
`

const insertStateSQL = "" +
	"INSERT INTO roomserver_state_snapshot (room_nid, state_block_nids) VALUES ($1, $2)" +
	" RETURNING state_snapshot_nid"

const selectStateBlockNIDsSQL = "" +
	"SELECT state_snapshot_nid, state_block_nids FROM roomserver_state_snapshot WHERE state_snapshot_nid = ANY($1)"

type stateSnapshotStatements struct {
	insertStateStmt             *sql.Stmt
	selectStateBlockNIDsStmt    *sql.Stmt
}

func CreateStateSnapshotTable(db *sql.DB) error {
	_, err := db.Exec(stateSnapshotSchema)
	return err
}

func PrepareStateSnapshotTable(db *sql.DB) (tables.StateSnapshots, error) {
	s := &stateSnapshotStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStateStmt, insertStateSQL},
		{&s.selectStateBlockNIDsStmt, selectStateBlockNIDsSQL},
	}.Prepare(db)
}

func (s *stateSnapshotStatements) InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateBlockNIDs []types.StateBlockNID) (types.StateSnapshotNID, error) {
	ids := make([]int64, len(stateBlockNIDs))
	for i, nid := range stateBlockNIDs {
		ids[i] = int64(nid)
	}
	insertStmt := sqlutil.TxStmt(txn, s.insertStateStmt)
	var id int64
	err := insertStmt.QueryRowContext(ctx, roomNID, pq.Array(ids)).Scan(&id)
	return types.StateSnapshotNID(id), err
}

func (s *stateSnapshotStatements) SelectStateBlockNIDsForSnapshots(ctx context.Context, txn *sql.Tx, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error) {
	if len(stateSnapshotNIDs) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(stateSnapshotNIDs))
	for i, nid := range stateSnapshotNIDs {
		ids[i] = int64(nid)
	}
	stmt := sqlutil.TxStmt(txn, s.selectStateBlockNIDsStmt)
	rows, err := stmt.QueryContext(ctx, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStateBlockNIDsForSnapshots: rows.close() failed")

	var lists []types.StateBlockNIDList
	for rows.Next() {
		var snapshotNID int64
		var rawBlockNIDs pq.Int64Array
		if err := rows.Scan(&snapshotNID, &rawBlockNIDs); err != nil {
			return nil, err
		}
		blockNIDs := make([]types.StateBlockNID, len(rawBlockNIDs))
		for i, id := range rawBlockNIDs {
			blockNIDs[i] = types.StateBlockNID(id)
		}
		lists = append(lists, types.StateBlockNIDList{
			StateSnapshotNID: types.StateSnapshotNID(snapshotNID),
			StateBlockNIDs:   blockNIDs,
		})
	}
	return lists, rows.Err()
}
