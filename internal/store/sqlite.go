package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/campusline/chatsync"

	_ "modernc.org/sqlite"
)

// SQLStore persists to SQLite.
type SQLStore struct {
	db     *sql.DB
	mu     sync.Mutex // serializes appends so ids and createdAt advance together
	lastAt time.Time
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at dataSourceName and
// ensures the schema exists.
func OpenSQLite(dataSourceName string) (*SQLStore, error) {
	if !strings.HasPrefix(dataSourceName, ":memory:") && !strings.HasPrefix(dataSourceName, "file:") {
		if dir := filepath.Dir(dataSourceName); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrap(err, "create database directory")
			}
		}
	}

	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// A single connection keeps :memory: databases shared and writes ordered.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect to database")
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, now: time.Now}
	var last sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(created_at) FROM messages`).Scan(&last); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "read last message time")
	}
	if last.Valid {
		s.lastAt = time.Unix(0, last.Int64).UTC()
	}

	jww.INFO.Printf("[Store] database initialized: %s", dataSourceName)
	return s, nil
}

func createTables(db *sql.DB) error {
	stmts := []struct{ name, sql string }{
		{"principals", `
		CREATE TABLE IF NOT EXISTS principals (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT ''
		);`},
		{"messages", `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_key TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			content TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`},
		{"messages conversation index", `
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_key, id);`},
		{"messages client index", `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client ON messages(sender_id, client_id) WHERE client_id <> '';`},
	}
	for _, st := range stmts {
		if _, err := db.Exec(st.sql); err != nil {
			return errors.Wrapf(err, "create %s", st.name)
		}
	}
	return nil
}

const messageColumns = `id, sender_id, receiver_id, content, client_id, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (chatsync.Message, error) {
	var m chatsync.Message
	var createdAt int64
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.ClientID, &createdAt); err != nil {
		return m, err
	}
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	m.Status = chatsync.StatusConfirmed
	return m, nil
}

func (s *SQLStore) Append(ctx context.Context, msg chatsync.Message) (chatsync.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return msg, false, errors.Wrap(err, "begin append")
	}
	defer tx.Rollback()

	if msg.ClientID != "" {
		row := tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE sender_id = ? AND client_id = ?`,
			msg.SenderID, msg.ClientID)
		existing, err := scanMessage(row)
		switch {
		case err == nil:
			return existing, true, nil
		case !errors.Is(err, sql.ErrNoRows):
			return msg, false, errors.Wrap(err, "lookup client id")
		}
	}

	createdAt := nextCreatedAt(s.now(), s.lastAt)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages(conversation_key, sender_id, receiver_id, content, client_id, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		msg.Key(), msg.SenderID, msg.ReceiverID, msg.Content, msg.ClientID, createdAt.UnixNano())
	if err != nil {
		return msg, false, errors.Wrap(err, "insert message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return msg, false, errors.Wrap(err, "last insert id")
	}
	if err := tx.Commit(); err != nil {
		return msg, false, errors.Wrap(err, "commit append")
	}

	s.lastAt = createdAt
	msg.ID = id
	msg.LocalID = ""
	msg.CreatedAt = createdAt
	msg.Status = chatsync.StatusConfirmed
	jww.TRACE.Printf("[Store] appended message %d %s -> %s", id, msg.SenderID, msg.ReceiverID)
	return msg, false, nil
}

func (s *SQLStore) Thread(ctx context.Context, a, b string, limit int) ([]chatsync.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_key = ? ORDER BY id DESC LIMIT ?`,
		chatsync.ConversationKey(a, b), normalizeLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query thread")
	}
	defer rows.Close()

	var out []chatsync.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate thread")
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLStore) RecentConversations(ctx context.Context, principalID string, limit int) ([]chatsync.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.sender_id, m.receiver_id, m.content, m.client_id, m.created_at
		FROM messages m
		JOIN (
			SELECT conversation_key, MAX(id) AS last_id
			FROM messages
			WHERE sender_id = ? OR receiver_id = ?
			GROUP BY conversation_key
		) last ON m.id = last.last_id
		ORDER BY m.id DESC
		LIMIT ?`,
		principalID, principalID, normalizeLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query recent conversations")
	}

	var lasts []chatsync.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan message")
		}
		lasts = append(lasts, m)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.Wrap(err, "iterate recent conversations")
	}

	out := make([]chatsync.Conversation, 0, len(lasts))
	for _, m := range lasts {
		other := m.Counterpart(principalID)
		counterpart, err := s.Principal(ctx, other)
		if errors.Is(err, ErrNotFound) {
			counterpart = chatsync.Principal{ID: other}
		} else if err != nil {
			return nil, err
		}
		out = append(out, conversationFor(m, counterpart))
	}
	return out, nil
}

func (s *SQLStore) Principal(ctx context.Context, id string) (chatsync.Principal, error) {
	var p chatsync.Principal
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, avatar FROM principals WHERE id = ?`, id).
		Scan(&p.ID, &p.DisplayName, &p.Email, &p.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, errors.Wrap(err, "query principal")
	}
	return p, nil
}

func (s *SQLStore) PutPrincipal(ctx context.Context, p chatsync.Principal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals(id, display_name, email, avatar) VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, email = excluded.email, avatar = excluded.avatar`,
		p.ID, p.DisplayName, p.Email, p.Avatar)
	if err != nil {
		return errors.Wrap(err, "upsert principal")
	}
	return nil
}

func (s *SQLStore) SearchPrincipals(ctx context.Context, query string, limit int) ([]chatsync.Principal, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, avatar FROM principals
		WHERE lower(id) LIKE ? OR lower(display_name) LIKE ?
		ORDER BY id LIMIT ?`,
		pattern, pattern, normalizeLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "search principals")
	}
	defer rows.Close()

	var out []chatsync.Principal
	for rows.Next() {
		var p chatsync.Principal
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Email, &p.Avatar); err != nil {
			return nil, errors.Wrap(err, "scan principal")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate principals")
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
