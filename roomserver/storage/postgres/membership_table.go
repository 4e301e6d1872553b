// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrixgate/coreserver/internal"
	"github.com/matrixgate/coreserver/internal/sqlutil"
	"github.com/matrixgate/coreserver/roomserver/storage/tables"
	"github.com/matrixgate/coreserver/roomserver/types"
)

// roomserver_membership tracks the latest known membership per (room,
// user) directly, so "who is joined to this room" doesn't require walking
// a frame's diff chain every time the federation queue (C9) or sync
// fan-out (C8) needs a room's member list.
const membershipSchema = `
CREATE TABLE IF NOT EXISTS roomserver_membership (
    room_nid BIGINT NOT NULL,
    event_state_key_nid BIGINT NOT NULL,
    event_nid BIGINT NOT NULL,
    membership TEXT NOT NULL,
    is_local BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (room_nid, event_state_key_nid)
);
`

const upsertMembershipSQL = "" +
	"INSERT INTO roomserver_membership (room_nid, event_state_key_nid, event_nid, membership, is_local)" +
	" VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (room_nid, event_state_key_nid) DO UPDATE SET" +
	" event_nid = $3, membership = $4, is_local = $5"

const selectMembershipForUserSQL = "" +
	"SELECT membership, event_nid FROM roomserver_membership WHERE room_nid = $1 AND event_state_key_nid = $2"

const selectMembershipEventNIDsSQL = "" +
	"SELECT event_nid FROM roomserver_membership WHERE room_nid = $1"

const selectJoinedMembershipEventNIDsSQL = "" +
	"SELECT event_nid FROM roomserver_membership WHERE room_nid = $1 AND membership = 'join'"

type membershipStatements struct {
	upsertMembershipStmt        *sql.Stmt
	selectMembershipForUserStmt *sql.Stmt
	selectMembershipEventNIDsStmt       *sql.Stmt
	selectJoinedMembershipEventNIDsStmt *sql.Stmt
}

func CreateMembershipTable(db *sql.DB) error {
	_, err := db.Exec(membershipSchema)
	return err
}

func PrepareMembershipTable(db *sql.DB) (tables.Membership, error) {
	s := &membershipStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertMembershipStmt, upsertMembershipSQL},
		{&s.selectMembershipForUserStmt, selectMembershipForUserSQL},
		{&s.selectMembershipEventNIDsStmt, selectMembershipEventNIDsSQL},
		{&s.selectJoinedMembershipEventNIDsStmt, selectJoinedMembershipEventNIDsSQL},
	}.Prepare(db)
}

func (s *membershipStatements) UpsertMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateKeyNID types.EventStateKeyNID, eventNID types.EventNID, membership string, isLocal bool) error {
	stmt := sqlutil.TxStmt(txn, s.upsertMembershipStmt)
	_, err := stmt.ExecContext(ctx, roomNID, stateKeyNID, eventNID, membership, isLocal)
	return err
}

func (s *membershipStatements) SelectMembershipForUser(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, stateKeyNID types.EventStateKeyNID) (string, types.EventNID, error) {
	var membership string
	var eventNID int64
	stmt := sqlutil.TxStmt(txn, s.selectMembershipForUserStmt)
	err := stmt.QueryRowContext(ctx, roomNID, stateKeyNID).Scan(&membership, &eventNID)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	return membership, types.EventNID(eventNID), err
}

// SelectMembershipEventNIDsForRoom switches between two prepared
// statements depending on joinedOnly; localOnly is left for a future
// local-user filter (no caller needs it yet, every membership row this
// schema holds is for a room this server already participates in).
func (s *membershipStatements) SelectMembershipEventNIDsForRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, joinedOnly bool, localOnly bool) ([]types.EventNID, error) {
	stmt := s.selectMembershipEventNIDsStmt
	if joinedOnly {
		stmt = s.selectJoinedMembershipEventNIDsStmt
	}
	rows, err := sqlutil.TxStmt(txn, stmt).QueryContext(ctx, roomNID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMembershipEventNIDsForRoom: rows.close() failed")

	var nids []types.EventNID
	for rows.Next() {
		var nid int64
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		nids = append(nids, types.EventNID(nid))
	}
	return nids, rows.Err()
}
