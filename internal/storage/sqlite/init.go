package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const DefaultDBFile = "ebidownload.db"

// timeFormat has fixed width so finished_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// InitDB opens the SQLite ledger at path and creates the outcomes table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultDBFile
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// Workers record outcomes concurrently; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY,
		run_uuid TEXT NOT NULL,
		descriptor_id TEXT NOT NULL,
		run_accession TEXT,
		sample TEXT,
		dest TEXT,
		md5 TEXT,
		kind TEXT NOT NULL,
		reason TEXT,
		fallback TEXT,
		bytes INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		finished_at TEXT,
		UNIQUE(run_uuid, descriptor_id)
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS outcomes_descriptor ON outcomes (descriptor_id, finished_at)`); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
