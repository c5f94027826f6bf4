package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite keeps the key index as the autoincrement seq column, so eviction
// order is insertion order even when dates repeat.
type SQLite struct {
	db   *sql.DB
	opts Options
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	s := &SQLite{db: db, opts: opts}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            username TEXT NOT NULL,
            message_id TEXT NOT NULL,
            subject TEXT NOT NULL,
            date INTEGER NOT NULL,
            recipient TEXT NOT NULL,
            raw BLOB NOT NULL,
            UNIQUE(username, message_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_seq ON messages(username, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Insert(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE username = ? AND message_id = ?;`,
		msg.User, msg.MessageID); err != nil {
		return unavailable("replace message", err)
	}

	raw := msg.Raw
	if raw == nil {
		raw = []byte{}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO messages
        (username, message_id, subject, date, recipient, raw)
        VALUES (?, ?, ?, ?, ?, ?);`,
		msg.User,
		msg.MessageID,
		msg.Subject,
		msg.Date.UnixNano(),
		msg.Recipient,
		raw,
	)
	if err != nil {
		return unavailable("insert message", err)
	}

	if s.opts.MaxItems > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE seq NOT IN
            (SELECT seq FROM messages ORDER BY seq DESC LIMIT ?);`, s.opts.MaxItems)
		if err != nil {
			return unavailable("evict messages", err)
		}
	}

	if s.opts.TTL > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE date < ?;`, s.cutoff()); err != nil {
			return unavailable("expire messages", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit message", err)
	}
	return nil
}

// cutoff is the oldest live date in unix nanoseconds.
func (s *SQLite) cutoff() int64 {
	if s.opts.TTL <= 0 {
		return math.MinInt64
	}
	return s.opts.now().Add(-s.opts.TTL).UnixNano()
}

func (s *SQLite) ListForUser(ctx context.Context, user string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, subject, date, recipient, username
        FROM messages WHERE username = ? AND date >= ? ORDER BY seq ASC;`, user, s.cutoff())
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var summary Summary
		var date int64
		if err := rows.Scan(
			&summary.MessageID,
			&summary.Subject,
			&date,
			&summary.Recipient,
			&summary.User,
		); err != nil {
			return nil, unavailable("scan message", err)
		}
		summary.Date = time.Unix(0, date)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list messages", err)
	}
	return summaries, nil
}

func (s *SQLite) Get(ctx context.Context, user, messageID string) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT raw FROM messages
        WHERE username = ? AND message_id = ? AND date >= ?;`, user, messageID, s.cutoff()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get message", err)
	}
	return raw, nil
}

func (s *SQLite) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM messages WHERE date >= ?
        GROUP BY username ORDER BY MIN(seq) ASC;`, s.cutoff())
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, unavailable("scan user", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list users", err)
	}
	return users, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
