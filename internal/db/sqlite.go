package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens the sqlite database at path, creating parent
// directories as needed.
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	sdb.SetMaxOpenConns(1)
	sdb.SetMaxIdleConns(1)

	// Basic pragmas.
	_, _ = sdb.Exec("PRAGMA busy_timeout = 5000")
	_, _ = sdb.Exec("PRAGMA journal_mode = WAL")
	_, _ = sdb.Exec("PRAGMA synchronous = NORMAL")

	return sdb, nil
}
