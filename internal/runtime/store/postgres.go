package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var postgresDialect = dialect{
	name:     DriverPostgres,
	numbered: true,
	schema: `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id UUID PRIMARY KEY,
		client_id TEXT NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		ended_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		sender VARCHAR(10) NOT NULL,
		content TEXT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sent_at);
	`,
}

// OpenPostgres connects with lib/pq and creates the schema when missing.
func OpenPostgres(ctx context.Context, databaseURL string) (*SQLStore, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return newSQLStore(ctx, db, postgresDialect)
}
