package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the state and blob tables if they don't exist.
// WAL mode lets the minter read while the coordinator is still writing.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		expected_size INTEGER,
		created_at INTEGER
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
