package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	relayerrors "github.com/drblury/chatrelay/internal/runtime/errors"
	"github.com/drblury/chatrelay/internal/runtime/ids"
)

// SessionStatusActive is the status of every session the relay creates.
const SessionStatusActive = "ACTIVE"

type dialect struct {
	name   string
	schema string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

// Message is one persisted row.
type Message struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Sender    string
	Content   string
	SentAt    time.Time
}

// SQLStore keeps sessions and messages in a database/sql database.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize %s schema: %w", d.name, err)
	}
	return s, nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveMessage makes sure the client's session row exists and appends the
// message to it in one transaction.
func (s *SQLStore) SaveMessage(ctx context.Context, clientID, sender, content string) error {
	if strings.TrimSpace(clientID) == "" {
		return relayerrors.ErrClientIDRequired
	}
	sessionID := ids.SessionUUID(clientID)
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO chat_sessions (id, client_id, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		sessionID.String(), clientID, SessionStatusActive, now,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, session_id, sender, content, sent_at)
		VALUES (?, ?, ?, ?, ?)`),
		uuid.NewString(), sessionID.String(), sender, content, now,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// Messages returns the stored messages of a client, oldest first.
func (s *SQLStore) Messages(ctx context.Context, clientID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, session_id, sender, content, sent_at
		FROM messages
		WHERE session_id = ?
		ORDER BY sent_at, id`),
		ids.SessionUUID(clientID).String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var (
			m             Message
			id, sessionID string
		)
		if err := rows.Scan(&id, &sessionID, &m.Sender, &m.Content, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse message id: %w", err)
		}
		if m.SessionID, err = uuid.Parse(sessionID); err != nil {
			return nil, fmt.Errorf("parse session id: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SessionCount returns the number of chat sessions.
func (s *SQLStore) SessionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
