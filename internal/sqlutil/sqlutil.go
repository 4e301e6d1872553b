// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sqlutil collects the small helpers every storage backend in
// this tree (roomserver, federationapi, syncapi, userapi) reuses
// instead of hand-rolling: a migration runner that only applies a
// migration once per database, a declarative list-of-statements preparer,
// a transaction-aware statement wrapper, and a commit/rollback helper for
// functions that open their own transaction and need to decide which at
// the end based on whether they returned an error.
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one forward-only schema change beyond a table's initial
// CreateXTable schema string. Version must be stable and unique within a
// single table's migration history; it is the key recorded in
// coreserver_migrations (one bookkeeping table shared by every Migrator)
// to avoid re-applying a migration that already ran.
type Migration struct {
	Version string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

// Migrator runs a table's registered Migrations against db, tracking
// which have already applied in a small bookkeeping table so CreateXTable
// functions can unconditionally call Up on every startup.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator builds a Migrator bound to db.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// AddMigrations registers migrations to run, in the order given, the next
// time Up is called.
func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

const migrationsTableSchema = `
CREATE TABLE IF NOT EXISTS coreserver_migrations (
    version TEXT PRIMARY KEY
);
`

// Up applies every registered migration whose Version isn't already
// recorded as applied, each inside its own transaction so a failure partway
// through doesn't leave the bookkeeping table out of sync with the schema.
func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, migrationsTableSchema); err != nil {
		return fmt.Errorf("sqlutil: create migrations table: %w", err)
	}
	for _, migration := range m.migrations {
		applied, err := m.applied(ctx, migration.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := m.apply(ctx, migration); err != nil {
			return fmt.Errorf("sqlutil: migration %q: %w", migration.Version, err)
		}
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context, version string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM coreserver_migrations WHERE version = $1", version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlutil: check migration %q applied: %w", version, err)
	}
	return count > 0, nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var succeeded bool
	defer EndTransactionWithCheck(tx, &succeeded, &err)

	if err = migration.Up(ctx, tx); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "INSERT INTO coreserver_migrations (version) VALUES ($1)", migration.Version); err != nil {
		return err
	}
	succeeded = true
	return nil
}

// StatementRef pairs a *sql.Stmt field on a statements struct with the SQL
// it should be prepared from, the `{&s.fooStmt, fooSQL}` pattern every
// PrepareXTable function builds a StatementList out of.
type StatementRef struct {
	Statement **sql.Stmt
	SQL       string
}

// StatementList is a declarative list of statements to prepare against a
// database, used instead of repeating `db.Prepare` and its error check for
// every single statement a table's Prepare function needs.
type StatementList []StatementRef

// Prepare prepares every statement in the list against db, stopping and
// returning the first error encountered (naming which statement failed,
// since a malformed query string is otherwise indistinguishable from any
// other prepare failure).
func (s StatementList) Prepare(db *sql.DB) error {
	for i, ref := range s {
		stmt, err := db.Prepare(ref.SQL)
		if err != nil {
			return fmt.Errorf("sqlutil: prepare statement %d: %w", i, err)
		}
		*ref.Statement = stmt
	}
	return nil
}

// TxStmt returns stmt bound to txn if txn is non-nil, or stmt itself
// otherwise, the standard way every storage method in this tree runs a
// prepared statement either standalone or as part of a caller-managed
// transaction.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn == nil {
		return stmt
	}
	return txn.Stmt(stmt)
}

// Transaction is the minimal commit/rollback surface EndTransactionWithCheck
// needs; *sql.Tx satisfies it, as does any RoomUpdater-like type that wraps
// one.
type Transaction interface {
	Commit() error
	Rollback() error
}

// EndTransactionWithCheck commits txn if *succeeded is true by the time the
// deferred call runs, or rolls it back otherwise; a rollback error never
// masks the original failure recorded in *err, but a commit error does
// become the returned error since nothing else will have reported it.
func EndTransactionWithCheck(txn Transaction, succeeded *bool, err *error) {
	if *succeeded {
		if commitErr := txn.Commit(); commitErr != nil && *err == nil {
			*err = fmt.Errorf("sqlutil: commit: %w", commitErr)
		}
		return
	}
	if rollbackErr := txn.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
		if *err == nil {
			*err = fmt.Errorf("sqlutil: rollback: %w", rollbackErr)
		}
	}
}

// WithTransaction runs fn inside a transaction on db, committing if fn
// returns nil and rolling back otherwise.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	var succeeded bool
	defer EndTransactionWithCheck(tx, &succeeded, &err)
	if err = fn(tx); err != nil {
		return err
	}
	succeeded = true
	return nil
}
