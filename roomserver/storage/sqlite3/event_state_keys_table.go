// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrixgate/coreserver/internal/sqlutil"
	"github.com/matrixgate/coreserver/roomserver/storage/tables"
	"github.com/matrixgate/coreserver/roomserver/types"
)

const eventStateKeysSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_state_keys (
    event_state_key_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    event_state_key TEXT NOT NULL UNIQUE
);

INSERT OR IGNORE INTO roomserver_event_state_keys (event_state_key_nid, event_state_key) VALUES (1, '');
`

const insertEventStateKeyNIDSQL = "" +
	"INSERT OR IGNORE INTO roomserver_event_state_keys (event_state_key) VALUES ($1)"

const selectEventStateKeyNIDSQL = "" +
	"SELECT event_state_key_nid FROM roomserver_event_state_keys WHERE event_state_key = $1"

type eventStateKeyStatements struct {
	db                         *sql.DB
	insertEventStateKeyNIDStmt *sql.Stmt
	selectEventStateKeyNIDStmt *sql.Stmt
}

func CreateEventStateKeysTable(db *sql.DB) error {
	_, err := db.Exec(eventStateKeysSchema)
	return err
}

func PrepareEventStateKeysTable(db *sql.DB) (tables.EventStateKeys, error) {
	s := &eventStateKeyStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEventStateKeyNIDStmt, insertEventStateKeyNIDSQL},
		{&s.selectEventStateKeyNIDStmt, selectEventStateKeyNIDSQL},
	}.Prepare(db)
}

func (s *eventStateKeyStatements) SelectEventStateKeyNID(ctx context.Context, txn *sql.Tx, stateKey string) (types.EventStateKeyNID, error) {
	var nid int64
	stmt := sqlutil.TxStmt(txn, s.selectEventStateKeyNIDStmt)
	err := stmt.QueryRowContext(ctx, stateKey).Scan(&nid)
	return types.EventStateKeyNID(nid), err
}

func (s *eventStateKeyStatements) InsertEventStateKeyNID(ctx context.Context, txn *sql.Tx, stateKey string) (types.EventStateKeyNID, error) {
	insertStmt := sqlutil.TxStmt(txn, s.insertEventStateKeyNIDStmt)
	if _, err := insertStmt.ExecContext(ctx, stateKey); err != nil {
		return 0, err
	}
	return s.SelectEventStateKeyNID(ctx, txn, stateKey)
}
