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

const stateBlockSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_state_block_nid_seq;
CREATE TABLE IF NOT EXISTS roomserver_state_block (
    state_block_nid BIGINT NOT NULL,
    event_type_nid BIGINT NOT NULL,
    event_state_key_nid BIGINT NOT NULL,
    event_nid BIGINT NOT NULL,
    PRIMARY KEY (state_block_nid, event_type_nid, event_state_key_nid)
);
`

const insertStateBlockNIDSequenceSQL = "" +
	"SELECT nextval('roomserver_state_block_nid_seq')"

const insertStateBlockEntrySQL = "" +
	"INSERT INTO roomserver_state_block (state_block_nid, event_type_nid, event_state_key_nid, event_nid)" +
	" VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING"

const selectStateBlockEntriesSQL = "" +
	"SELECT state_block_nid, event_type_nid, event_state_key_nid, event_nid FROM roomserver_state_block" +
	" WHERE state_block_nid = ANY($1)"

type stateBlockStatements struct {
	insertStateBlockNIDSeqStmt *sql.Stmt
	insertStateBlockEntryStmt  *sql.Stmt
	selectStateBlockEntriesStmt *sql.Stmt
}

func CreateStateBlockTable(db *sql.DB) error {
	_, err := db.Exec(stateBlockSchema)
	return err
}

func PrepareStateBlockTable(db *sql.DB) (tables.StateBlockEntries, error) {
	s := &stateBlockStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStateBlockNIDSeqStmt, insertStateBlockNIDSequenceSQL},
		{&s.insertStateBlockEntryStmt, insertStateBlockEntrySQL},
		{&s.selectStateBlockEntriesStmt, selectStateBlockEntriesSQL},
	}.Prepare(db)
}

func (s *stateBlockStatements) BulkInsertStateBlockEntries(ctx context.Context, txn *sql.Tx, entries []types.StateEntry) (types.StateBlockNID, error) {
	seqStmt := sqlutil.TxStmt(txn, s.insertStateBlockNIDSeqStmt)
	var id int64
	if err := seqStmt.QueryRowContext(ctx).Scan(&id); err != nil {
		return 0, err
	}
	blockNID := types.StateBlockNID(id)

	insertStmt := sqlutil.TxStmt(txn, s.insertStateBlockEntryStmt)
	for _, e := range entries {
		if _, err := insertStmt.ExecContext(ctx, blockNID, e.EventTypeNID, e.EventStateKeyNID, e.EventNID); err != nil {
			return 0, err
		}
	}
	return blockNID, nil
}

func (s *stateBlockStatements) SelectStateBlockEntriesForBlockNIDs(ctx context.Context, txn *sql.Tx, stateBlockNIDs []types.StateBlockNID) ([]types.StateEntryList, error) {
	if len(stateBlockNIDs) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(stateBlockNIDs))
	for i, nid := range stateBlockNIDs {
		ids[i] = int64(nid)
	}
	stmt := sqlutil.TxStmt(txn, s.selectStateBlockEntriesStmt)
	rows, err := stmt.QueryContext(ctx, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStateBlockEntriesForBlockNIDs: rows.close() failed")

	byBlock := make(map[types.StateBlockNID][]types.StateEntry)
	for rows.Next() {
		var blockNID, typeNID, stateKeyNID, eventNID int64
		if err := rows.Scan(&blockNID, &typeNID, &stateKeyNID, &eventNID); err != nil {
			return nil, err
		}
		entry := types.StateEntry{
			StateKeyTuple: types.StateKeyTuple{
				EventTypeNID:     types.EventTypeNID(typeNID),
				EventStateKeyNID: types.EventStateKeyNID(stateKeyNID),
			},
			EventNID: types.EventNID(eventNID),
		}
		byBlock[types.StateBlockNID(blockNID)] = append(byBlock[types.StateBlockNID(blockNID)], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lists := make([]types.StateEntryList, 0, len(byBlock))
	for blockNID, entries := range byBlock {
		lists = append(lists, types.StateEntryList{StateBlockNID: blockNID, StateEntries: entries})
	}
	return lists, nil
}
