package store

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLite opens a sqlite database through modernc.org/sqlite.
func NewSQLite(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:fleetops.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, "sqlite"), nil
}
