package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // Pure Go SQLite driver
)

const createSessionsTable = `CREATE TABLE IF NOT EXISTS channel_sessions (
	store           TEXT NOT NULL,
	session_key     TEXT NOT NULL,
	updated_at_ms   BIGINT NOT NULL,
	channel         TEXT NOT NULL DEFAULT '',
	chat_type       TEXT NOT NULL DEFAULT '',
	last_from       TEXT NOT NULL DEFAULT '',
	last_to         TEXT NOT NULL DEFAULT '',
	last_message_id TEXT NOT NULL DEFAULT '',
	display_name    TEXT NOT NULL DEFAULT '',
	account_id      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (store, session_key)
)`

const upsertSession = `INSERT INTO channel_sessions
	(store, session_key, updated_at_ms, channel, chat_type, last_from, last_to, last_message_id, display_name, account_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (store, session_key) DO UPDATE SET
		updated_at_ms = excluded.updated_at_ms,
		channel = excluded.channel,
		chat_type = excluded.chat_type,
		last_from = excluded.last_from,
		last_to = excluded.last_to,
		last_message_id = excluded.last_message_id,
		display_name = excluded.display_name,
		account_id = excluded.account_id`

const selectUpdatedAt = `SELECT updated_at_ms FROM channel_sessions WHERE store = ? AND session_key = ?`

// SQLStore implements Store on database/sql. The same schema serves
// SQLite and Postgres; only placeholders differ.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLite opens (and migrates) a SQLite session database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite session store: empty path")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY storms.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, "sqlite")
}

// OpenPostgres opens (and migrates) a Postgres session database.
func OpenPostgres(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres session store: empty dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newSQLStore(db, "pgx")
}

func newSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// DB exposes the handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) ReadUpdatedAt(ctx context.Context, storePath, sessionKey string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, s.rebind(selectUpdatedAt), storePath, sessionKey).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read session %s: %w", sessionKey, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *SQLStore) RecordInbound(ctx context.Context, storePath string, rec InboundRecord) error {
	if rec.SessionKey == "" {
		return errors.New("record inbound: empty session key")
	}
	e := rec.entry()
	_, err := s.db.ExecContext(ctx, s.rebind(upsertSession),
		storePath, e.SessionKey, e.UpdatedAt.UnixMilli(),
		e.Channel, e.ChatType, e.LastFrom, e.LastTo, e.LastMessageID, e.DisplayName, e.AccountID,
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", e.SessionKey, err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "pgx" {
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
