package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB represents the sync state database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection, creating the parent directory if needed
func New(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS watermarks (
		stream TEXT PRIMARY KEY,
		last_checked_at TIMESTAMP NOT NULL,
		feed_token TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS object_tokens (
		kind TEXT NOT NULL,
		number INTEGER NOT NULL,
		etag TEXT NOT NULL,
		PRIMARY KEY (kind, number)
	);

	CREATE TABLE IF NOT EXISTS run_log (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		mode TEXT NOT NULL,
		objects_written INTEGER NOT NULL DEFAULT 0,
		threads_written INTEGER NOT NULL DEFAULT 0,
		not_modified INTEGER NOT NULL DEFAULT 0,
		gone INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
