package database

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const Dialect = "sqlite3"

var ErrNotFound = errors.New("not found")

// NewSQLiteDB opens (or creates) the sqlite file at dbPath. A single
// connection is kept so concurrent writers queue inside database/sql instead
// of hitting SQLITE_BUSY.
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(Dialect, dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set sqlite pragmas: %w", err)
	}
	return db, nil
}

func ReturnErrNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
