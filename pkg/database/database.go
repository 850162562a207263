package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aeolun/linechat/pkg/auth"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ChatMessage is a persisted broadcast or private chat line.
type ChatMessage struct {
	ID        int64
	Username  string
	Body      string
	CreatedAt int64 // Unix timestamp in milliseconds, assigned at flush time
}

// OfflineMessage is a private message waiting for its recipient to log in.
type OfflineMessage struct {
	ID     int64
	ToUser string
	Body   string
}

// PendingMessage is a chat line accepted by the pipeline but not yet flushed.
type PendingMessage struct {
	Username string
	Body     string
}

// Store wraps the SQLite database
type Store struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and runs pending migrations
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers are fine in WAL mode; writes go through writeConn
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Dedicated write connection: the batch writer and the synchronous
	// offline path are serialized through this single connection
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return newStore(conn, writeConn), nil
}

func newStore(conn, writeConn *sql.DB) *Store {
	return &Store{conn: conn, writeConn: writeConn}
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(log.Default())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close closes both connections
func (s *Store) Close() error {
	werr := s.writeConn.Close()
	rerr := s.conn.Close()
	return errors.Join(werr, rerr)
}

// InsertChatBatch writes all messages in one transaction with the given
// timestamp. A row that fails to insert is logged and dropped; the rest of
// the batch is still committed. The returned error is only set when the
// transaction itself could not be started or committed.
func (s *Store) InsertChatBatch(ctx context.Context, batch []PendingMessage, createdAt int64) (int, error) {
	tx, err := s.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO chat_messages (username, message, created_at) VALUES (?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, msg := range batch {
		if _, err := stmt.ExecContext(ctx, msg.Username, msg.Body, createdAt); err != nil {
			log.Printf("Store: dropped chat message from %s: %v", msg.Username, err)
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// ChatHistory returns every persisted chat message in insertion order.
func (s *Store) ChatHistory(ctx context.Context) ([]ChatMessage, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT id, username, message, created_at FROM chat_messages ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.Username, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat history: %w", err)
	}
	return out, nil
}

// InsertOffline stores a private message for a recipient that is not online.
func (s *Store) InsertOffline(ctx context.Context, toUser, body string) error {
	if _, err := s.writeConn.ExecContext(ctx, "INSERT INTO offline_messages (to_user, message) VALUES (?, ?)", toUser, body); err != nil {
		return fmt.Errorf("failed to store offline message: %w", err)
	}
	return nil
}

// OfflineMessages returns the queued messages for a user without removing them.
func (s *Store) OfflineMessages(ctx context.Context, username string) ([]OfflineMessage, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT id, to_user, message FROM offline_messages WHERE to_user = ? ORDER BY id ASC", username)
	if err != nil {
		return nil, fmt.Errorf("failed to query offline messages: %w", err)
	}
	defer rows.Close()
	return scanOffline(rows)
}

// TakeOffline reads and deletes a user's queued messages in one transaction.
// Only rows that were read are deleted, so a message inserted concurrently
// stays queued for the next login.
func (s *Store) TakeOffline(ctx context.Context, username string) ([]OfflineMessage, error) {
	tx, err := s.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id, to_user, message FROM offline_messages WHERE to_user = ? ORDER BY id ASC", username)
	if err != nil {
		return nil, fmt.Errorf("failed to query offline messages: %w", err)
	}
	msgs, err := scanOffline(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, tx.Commit()
	}

	maxID := msgs[len(msgs)-1].ID
	if _, err := tx.ExecContext(ctx, "DELETE FROM offline_messages WHERE to_user = ? AND id <= ?", username, maxID); err != nil {
		return nil, fmt.Errorf("failed to clear offline messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return msgs, nil
}

func scanOffline(rows *sql.Rows) ([]OfflineMessage, error) {
	var out []OfflineMessage
	for rows.Next() {
		var m OfflineMessage
		if err := rows.Scan(&m.ID, &m.ToUser, &m.Body); err != nil {
			return nil, fmt.Errorf("failed to scan offline message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offline messages: %w", err)
	}
	return out, nil
}

// LoadCredentials implements auth.Repository.
func (s *Store) LoadCredentials(ctx context.Context) ([]auth.Credential, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT username, salt, password_hash, role FROM credentials")
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var out []auth.Credential
	for rows.Next() {
		var c auth.Credential
		var role int64
		if err := rows.Scan(&c.Username, &c.Salt, &c.PasswordHash, &role); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		c.Role = auth.Role(role)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return out, nil
}

// SaveCredential implements auth.Repository (insert or update by username).
func (s *Store) SaveCredential(ctx context.Context, c auth.Credential) error {
	_, err := s.writeConn.ExecContext(ctx, `
		INSERT INTO credentials (username, salt, password_hash, role) VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			salt = excluded.salt,
			password_hash = excluded.password_hash,
			role = excluded.role`,
		c.Username, c.Salt, c.PasswordHash, int64(c.Role))
	if err != nil {
		return fmt.Errorf("failed to save credential %s: %w", c.Username, err)
	}
	return nil
}
