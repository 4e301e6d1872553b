// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrixgate/coreserver/internal"
	"github.com/matrixgate/coreserver/internal/sqlutil"
	"github.com/matrixgate/coreserver/roomserver/storage/tables"
	"github.com/matrixgate/coreserver/roomserver/types"
)

// One row per frame (StateSnapshotNID): the room it belongs to and the
// ordered, parent-first list of StateBlockNIDs making up its diff chain.
// The list is stored as a JSON array rather than a join table since it is
// always read and written whole.
const stateSnapshotSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_snapshot (
    state_snapshot_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    room_nid INTEGER NOT NULL,
    state_block_nids TEXT NOT NULL
);
`

const insertStateSQL = "" +
	"INSERT INTO roomserver_state_snapshot (room_nid, state_block_nids) VALUES ($1, $2)"

const selectStateBlockNIDsSQL = "" +
	"SELECT state_snapshot_nid, state_block_nids FROM roomserver_state_snapshot WHERE state_snapshot_nid IN ($1)"

type stateSnapshotStatements struct {
	db              *sql.DB
	insertStateStmt *sql.Stmt
}

func CreateStateSnapshotTable(db *sql.DB) error {
	_, err := db.Exec(stateSnapshotSchema)
	return err
}

func PrepareStateSnapshotTable(db *sql.DB) (tables.StateSnapshots, error) {
	s := &stateSnapshotStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertStateStmt, insertStateSQL},
	}.Prepare(db)
}

func (s *stateSnapshotStatements) InsertState(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateBlockNIDs []types.StateBlockNID) (types.StateSnapshotNID, error) {
	b, err := json.Marshal(stateBlockNIDs)
	if err != nil {
		return 0, err
	}
	insertStmt := sqlutil.TxStmt(txn, s.insertStateStmt)
	result, err := insertStmt.ExecContext(ctx, roomNID, string(b))
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	return types.StateSnapshotNID(id), err
}

func (s *stateSnapshotStatements) SelectStateBlockNIDsForSnapshots(ctx context.Context, txn *sql.Tx, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error) {
	if len(stateSnapshotNIDs) == 0 {
		return nil, nil
	}
	query, args := expandINQuery(selectStateBlockNIDsSQL, stateSnapshotNIDs)
	rows, err := querySQL(ctx, txn, s.db, query, args)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStateBlockNIDsForSnapshots: rows.close() failed")

	var lists []types.StateBlockNIDList
	for rows.Next() {
		var snapshotNID int64
		var raw string
		if err := rows.Scan(&snapshotNID, &raw); err != nil {
			return nil, err
		}
		var blockNIDs []types.StateBlockNID
		if err := json.Unmarshal([]byte(raw), &blockNIDs); err != nil {
			return nil, err
		}
		lists = append(lists, types.StateBlockNIDList{
			StateSnapshotNID: types.StateSnapshotNID(snapshotNID),
			StateBlockNIDs:   blockNIDs,
		})
	}
	return lists, rows.Err()
}
