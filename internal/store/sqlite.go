// Copyright 2025 James Ross
package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the Store backend for a single-host embedded
// deployment: one orchestrator process owns the database file and
// there is no contention to arbitrate, but ClaimAttempt still goes
// through the same conditional UPDATE so EmbeddedQueue's claim
// semantics match BrokerQueue's.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (creating if absent) the sqlite3 database file
// at path. A busy timeout is set so concurrent worker goroutines
// sharing one process don't hit SQLITE_BUSY under light contention.
// Referential integrity is left to the write paths, as SQLite defaults;
// diagnostic tooling registers placeholder rows the strict FK graph
// would reject.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{sqlStore: &sqlStore{db: db, q: db, autoincrement: "AUTOINCREMENT", numberedArgs: false}}, nil
}
