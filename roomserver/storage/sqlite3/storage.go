// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"database/sql"
	"fmt"

	// registers the "sqlite" driver used by sql.Open below.
	_ "modernc.org/sqlite"

	"github.com/matrixgate/coreserver/roomserver/storage"
)

// Open creates (or reuses) a SQLite-backed roomserver database at
// dataSourceName, creates every table that doesn't already exist, and
// returns the assembled *storage.Database.
func Open(dataSourceName string) (*storage.Database, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: open: %w", err)
	}
	// SQLite only tolerates a single writer at a time; a shared *sql.DB
	// with more than one open connection deadlocks against itself under
	// concurrent admission, exactly the hazard roomserver_events'
	// INSERT OR IGNORE + re-select pattern would otherwise hit.
	db.SetMaxOpenConns(1)

	creators := []func(*sql.DB) error{
		CreateEventTypesTable,
		CreateEventStateKeysTable,
		CreateRoomsTable,
		CreateEventJSONTable,
		CreateEventsTable,
		CreateStateBlockTable,
		CreateStateSnapshotTable,
		CreateMembershipTable,
		CreatePartialStateTable,
	}
	for _, create := range creators {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("sqlite3: create table: %w", err)
		}
	}

	eventTypes, err := PrepareEventTypesTable(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: prepare event types: %w", err)
	}
	eventStateKeys, err := PrepareEventStateKeysTable(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: prepare event state keys: %w", err)
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: prepare events: %w", err)
	}
	eventJSON, err := PrepareEventJSONTable(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: prepare event json: %w", err)
	}
	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: prepare rooms: %w", err)
	}
	stateBlock, err := PrepareStateBlockTable(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: prepare state block: %w", err)
	}
	stateSnapshot, err := PrepareStateSnapshotTable(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: prepare state snapshot: %w", err)
	}
	membership, err := PrepareMembershipTable(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: prepare membership: %w", err)
	}
	partialState, err := PreparePartialStateTable(db)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: prepare partial state: %w", err)
	}

	return storage.New(
		db,
		eventTypes,
		eventStateKeys,
		events,
		eventJSON,
		rooms,
		stateBlock,
		stateSnapshot,
		membership,
		partialState,
	), nil
}
