package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection with thread-safe access.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// New creates and initializes a new SQLite database connection.
func New(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// migrate creates the necessary tables if they don't exist.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		camera TEXT NOT NULL,
		start_sequence INTEGER NOT NULL,
		confirmed_sequence INTEGER NOT NULL,
		confirmed_at DATETIME NOT NULL,
		peak_confidence REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS accident_frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		accident_id INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		captured_at DATETIME NOT NULL,
		positive INTEGER NOT NULL DEFAULT 0,
		detections TEXT NOT NULL DEFAULT '[]',
		UNIQUE (accident_id, sequence),
		FOREIGN KEY (accident_id) REFERENCES accidents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_accidents_session ON accidents(session_id);
	CREATE INDEX IF NOT EXISTS idx_accidents_camera ON accidents(camera);
	CREATE INDEX IF NOT EXISTS idx_accidents_confirmed_at ON accidents(confirmed_at);
	CREATE INDEX IF NOT EXISTS idx_accident_frames_accident_id ON accident_frames(accident_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection for use by repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Lock acquires a write lock.
func (db *DB) Lock() {
	db.mu.Lock()
}

// Unlock releases the write lock.
func (db *DB) Unlock() {
	db.mu.Unlock()
}

// RLock acquires a read lock.
func (db *DB) RLock() {
	db.mu.RLock()
}

// RUnlock releases the read lock.
func (db *DB) RUnlock() {
	db.mu.RUnlock()
}
