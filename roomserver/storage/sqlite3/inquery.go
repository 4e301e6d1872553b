// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// expandINQuery rewrites a query whose final placeholder is a single "$1"
// standing in for a batch of NIDs into one with a $1, $2, ... placeholder
// per element, returning the matching argument list. SQLite (like
// postgres) has no native array binding, so every batch lookup in this
// package builds its IN clause this way rather than looping one row at a
// time.
func expandINQuery[T ~int64](query string, ids []T) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = int64(id)
	}
	return strings.Replace(query, "$1", strings.Join(placeholders, ", "), 1), args
}

// expandINQueryStrings is expandINQuery's string-keyed counterpart, used
// for batch lookups by event ID rather than by NID.
func expandINQueryStrings(query string, ids []string) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	return strings.Replace(query, "$1", strings.Join(placeholders, ", "), 1), args
}

func querySQL(ctx context.Context, txn *sql.Tx, db *sql.DB, query string, args []interface{}) (*sql.Rows, error) {
	if txn != nil {
		return txn.QueryContext(ctx, query, args...)
	}
	return db.QueryContext(ctx, query, args...)
}

func queryRowSQL(ctx context.Context, txn *sql.Tx, db *sql.DB, query string, args []interface{}) *sql.Row {
	if txn != nil {
		return txn.QueryRowContext(ctx, query, args...)
	}
	return db.QueryRowContext(ctx, query, args...)
}
