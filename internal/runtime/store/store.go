// Package store persists chat messages. Persistence is a side effect of the
// relay: callers log failures and carry on.
package store

import (
	"context"
	"fmt"
	"strings"
)

const (
	DriverNone     = "none"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// MessageStore saves one chat message for a client.
type MessageStore interface {
	SaveMessage(ctx context.Context, clientID, sender, content string) error
	Close() error
}

// Options selects a store implementation.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLiteFile  string
}

// Open returns the store named by opts.Driver. An empty driver means none.
func Open(ctx context.Context, opts Options) (MessageStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverNone:
		return Nop{}, nil
	case DriverPostgres, "postgresql":
		return OpenPostgres(ctx, opts.DatabaseURL)
	case DriverSQLite, "sqlite3":
		return OpenSQLite(ctx, opts.SQLiteFile)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// Nop discards every message.
type Nop struct{}

func (Nop) SaveMessage(context.Context, string, string, string) error { return nil }

func (Nop) Close() error { return nil }
