// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"database/sql"
	"fmt"

	// registers the "postgres" driver used by sql.Open below.
	_ "github.com/lib/pq"

	"github.com/matrixgate/coreserver/roomserver/storage"
)

// Open creates (or reuses) a postgres-backed roomserver database at
// dataSourceName, creates every table that doesn't already exist, and
// returns the assembled *storage.Database.
func Open(dataSourceName string) (*storage.Database, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

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
			return nil, fmt.Errorf("postgres: create table: %w", err)
		}
	}

	eventTypes, err := PrepareEventTypesTable(db)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare event types: %w", err)
	}
	eventStateKeys, err := PrepareEventStateKeysTable(db)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare event state keys: %w", err)
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare events: %w", err)
	}
	eventJSON, err := PrepareEventJSONTable(db)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare event json: %w", err)
	}
	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare rooms: %w", err)
	}
	stateBlock, err := PrepareStateBlockTable(db)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare state block: %w", err)
	}
	stateSnapshot, err := PrepareStateSnapshotTable(db)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare state snapshot: %w", err)
	}
	membership, err := PrepareMembershipTable(db)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare membership: %w", err)
	}
	partialState, err := PreparePartialStateTable(db)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare partial state: %w", err)
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
