package convstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	acp_session_id  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	text            TEXT NOT NULL,
	PRIMARY KEY (conversation_id, seq)
);
`

// SQLiteStore is a durable Store backed by a single-writer WAL-mode SQLite
// database.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed Store at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("preparing database path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func (s *SQLiteStore) GetAcpSessionID(ctx context.Context, conversationID string) (string, bool, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `SELECT acp_session_id FROM conversations WHERE conversation_id = ?`, conversationID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up acp session id: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) SetAcpSessionID(ctx context.Context, conversationID, acpSessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, acp_session_id) VALUES (?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET acp_session_id = excluded.acp_session_id
	`, conversationID, acpSessionID)
	if err != nil {
		return fmt.Errorf("recording acp session id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, role, text)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?)
	`, conversationID, conversationID, msg.Role, msg.Text)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPriorMessages(ctx context.Context, conversationID string) ([]Message, error) {
	type row struct {
		Role string `db:"role"`
		Text string `db:"text"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT role, text FROM messages WHERE conversation_id = ? ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading prior messages: %w", err)
	}

	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = Message{Role: r.Role, Text: r.Text}
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
