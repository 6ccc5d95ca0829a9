package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const DefaultSQLiteFile = "chatrelay.db"

var sqliteDialect = dialect{
	name: DriverSQLite,
	schema: `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ended_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		sent_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sent_at);
	`,
}

// OpenSQLite opens (or creates) a SQLite database file. ":memory:" keeps
// everything in memory on a single connection.
func OpenSQLite(ctx context.Context, file string) (*SQLStore, error) {
	if file == "" {
		file = DefaultSQLiteFile
	}

	db, err := sql.Open("sqlite3", file+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newSQLStore(ctx, db, sqliteDialect)
}
