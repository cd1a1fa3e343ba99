package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         TEXT    NOT NULL,
	kind       TEXT    NOT NULL CHECK(kind IN ('zone_command', 'failsafe')),
	zone       INTEGER NOT NULL,
	speed      INTEGER,
	engaged    BOOLEAN,
	drivers    TEXT,
	reason     TEXT
);
CREATE INDEX IF NOT EXISTS events_ts ON events(ts);
`

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*sql.DB, error) {
	dbConn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	dbConn.SetMaxOpenConns(1)

	if _, err := dbConn.Exec(schema); err != nil {
		dbConn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return dbConn, nil
}
