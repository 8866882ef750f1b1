// Copyright 2025 James Ross
package store

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// PostgresStore is the Store backend for a shared, multi-host
// deployment: every worker and the scheduler connect to the same
// database, so ClaimAttempt's conditional UPDATE is what arbitrates
// between them.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore opens a connection pool against dsn. Init must be
// called once (normally via the store-init CLI operation) before the
// schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// BY DEFAULT rather than ALWAYS: Restore replays dumped rows with
	// their original ids.
	return &PostgresStore{sqlStore: &sqlStore{db: db, q: db, autoincrement: "GENERATED BY DEFAULT AS IDENTITY", numberedArgs: true}}, nil
}
