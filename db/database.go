package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrClosed is returned by Database methods after Close.
var ErrClosed = errors.New("database is closed")

// Database owns the migrated SQLite connection.
type Database struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Open creates the parent directory, applies migrations and returns the
// connection.
func Open(path string) (*Database, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	if err := MigrateUp(path); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	conn, err := OpenSQLite(DefaultConnectionConfig(path))
	if err != nil {
		return nil, err
	}
	return &Database{db: conn, path: path}, nil
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

func (d *Database) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrClosed
	}
	return d.db, nil
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	conn, err := d.conn()
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}

// Prune deletes generations recorded before cutoff and returns how many
// rows went.
func (d *Database) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	conn, err := d.conn()
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, `DELETE FROM generations WHERE created_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune generations: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the connection. Later calls are no-ops.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
