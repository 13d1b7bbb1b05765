// Package sqlite is the SQLite RecordStore backend.
//
// modernc.org/sqlite is a pure Go translation of SQLite, so the server builds
// without cgo. The schema is shared with the postgres backend through sqldoc;
// this package only owns the connection setup and the SQLite DDL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"

	"github.com/sakif/borgwarehouse/internal/repository/sqldoc"
)

var dialect = sqldoc.Dialect{
	Name: "sqlite",
	Migrations: []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name       TEXT PRIMARY KEY,
			doc        TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS repository_history (
			seq      INTEGER PRIMARY KEY AUTOINCREMENT,
			id       TEXT NOT NULL UNIQUE,
			taken_at TEXT NOT NULL,
			doc      TEXT NOT NULL
		)`,
	},
}

// DB is a sqldoc backend over a SQLite file.
type DB struct {
	*sqldoc.Backend
}

// New opens (or creates) the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/borgwarehouse.db" → file-based database
//   - ":memory:"              → in-memory database (tests)
func New(ctx context.Context, dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// One connection: writes are already serialized by the Store, and an
	// in-memory database only exists on the connection that created it.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	backend, err := sqldoc.New(ctx, conn, dialect)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return &DB{Backend: backend}, nil
}
