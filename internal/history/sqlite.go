package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type migration struct {
	Version int
	UpSQL   string
}

var migrations = []migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL CHECK(kind IN ('sms','call')),
	received_at TEXT NOT NULL,
	ts INTEGER NOT NULL,
	sender TEXT NOT NULL,
	sender_phone TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	source_app TEXT NOT NULL DEFAULT '',
	conversation_key TEXT NOT NULL DEFAULT '',
	reply_key TEXT NOT NULL DEFAULT '',
	verification_code TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS messages_received_at ON messages(received_at DESC);
`,
	},
}

// SQLite is a Store persisted with modernc sqlite, trimmed to limit rows.
type SQLite struct {
	db    *sql.DB
	limit int
}

func OpenSQLite(ctx context.Context, path string, limit int) (*SQLite, error) {
	if limit <= 0 {
		limit = DefaultSQLiteLimit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("history: create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("history: chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &SQLite{db: db, limit: limit}, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("history: create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("history: check migration %d: %w", m.Version, err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("history: begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("history: apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("history: record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("history: commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *SQLite) Append(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin append: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO messages(id, kind, received_at, ts, sender, sender_phone, name, body, source_app, conversation_key, reply_key, verification_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	kind=excluded.kind,
	received_at=excluded.received_at,
	ts=excluded.ts,
	sender=excluded.sender,
	sender_phone=excluded.sender_phone,
	name=excluded.name,
	body=excluded.body,
	source_app=excluded.source_app,
	conversation_key=excluded.conversation_key,
	reply_key=excluded.reply_key,
	verification_code=excluded.verification_code
`, e.ID, e.Kind, ts(e.ReceivedAt), e.Timestamp, e.From, e.FromPhone, e.Name, e.Body, e.SourceApp, e.ConversationKey, e.ReplyKey, e.VerificationCode)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("history: insert message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
DELETE FROM messages WHERE id NOT IN (
	SELECT id FROM messages ORDER BY received_at DESC, rowid DESC LIMIT ?
)`, s.limit)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("history: trim messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit append: %w", err)
	}
	return nil
}

const selectColumns = `id, kind, received_at, ts, sender, sender_phone, name, body, source_app, conversation_key, reply_key, verification_code`

func (s *SQLite) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM messages ORDER BY received_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("history: list messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate messages: %w", err)
	}
	return out, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM messages WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("history: delete message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("history: clear messages: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e          Entry
		receivedAt string
	)
	err := sc.Scan(&e.ID, &e.Kind, &receivedAt, &e.Timestamp, &e.From, &e.FromPhone, &e.Name, &e.Body, &e.SourceApp, &e.ConversationKey, &e.ReplyKey, &e.VerificationCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("history: scan message: %w", err)
	}
	if e.ReceivedAt, err = parseTS(receivedAt); err != nil {
		return Entry{}, fmt.Errorf("history: parse received_at: %w", err)
	}
	return e, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
