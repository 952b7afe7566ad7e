package state

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens path with the named driver: "sqlite" for the pure-Go
// driver, "sqlite3" for the cgo one.
func NewSQLiteStore(path, driver string) (*SQLStore, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if !hasSQLDriver(driver) {
		return nil, fmt.Errorf("sqlite driver %q is not linked", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	store, err := newSQLStore(context.Background(), db, "sqlite")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
