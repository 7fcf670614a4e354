package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/support-engine/internal/model"
)

// sqliteTimeFormat is fixed width so that text ordering is chronological.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteBackend implements Backend on an embedded SQLite database.
//
// The pool is limited to one connection so that read-modify-write
// transactions serialize inside the process instead of failing with
// SQLITE_BUSY on lock upgrade.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path and creates the
// schema if it doesn't exist.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteBackend{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteBackend) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS support_conversations (
			id                          TEXT PRIMARY KEY,
			owner_id                    TEXT NOT NULL,
			owner_display_name          TEXT NOT NULL,
			owner_email                 TEXT NOT NULL DEFAULT '',
			owner_role                  TEXT NOT NULL,
			subject                     TEXT NOT NULL,
			status                      TEXT NOT NULL,
			priority                    TEXT NOT NULL DEFAULT 'normal',
			assigned_staff_id           TEXT NOT NULL DEFAULT '',
			assigned_staff_display_name TEXT NOT NULL DEFAULT '',
			last_message_at             TEXT NOT NULL,
			created_at                  TEXT NOT NULL,
			updated_at                  TEXT NOT NULL,
			resolved_at                 TEXT,

			CHECK (status IN ('open', 'assigned', 'in_progress', 'resolved', 'closed')),
			CHECK (priority IN ('low', 'normal', 'high', 'urgent'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_support_conversations_one_active
			ON support_conversations(owner_id)
			WHERE status IN ('open', 'assigned', 'in_progress');

		CREATE INDEX IF NOT EXISTS idx_support_conversations_owner
			ON support_conversations(owner_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_support_conversations_status
			ON support_conversations(status, last_message_at);

		CREATE TABLE IF NOT EXISTS support_messages (
			conversation_id TEXT NOT NULL REFERENCES support_conversations(id),
			seq             INTEGER NOT NULL,
			id              TEXT NOT NULL UNIQUE,
			sender_id       TEXT NOT NULL,
			sender_name     TEXT NOT NULL,
			sender_role     TEXT NOT NULL,
			body            TEXT NOT NULL,
			client_key      TEXT NOT NULL DEFAULT '',
			read_by         TEXT NOT NULL DEFAULT '[]',
			created_at      TEXT NOT NULL,

			PRIMARY KEY (conversation_id, seq)
		);
	`)
	if err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return nil
}

// Insert stores a new conversation and its initial messages.
func (s *SQLiteBackend) Insert(ctx context.Context, c *model.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO support_conversations (
			id, owner_id, owner_display_name, owner_email, owner_role, subject, status, priority,
			assigned_staff_id, assigned_staff_display_name, last_message_at, created_at, updated_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.OwnerID, c.OwnerDisplayName, c.OwnerEmail, string(c.OwnerRole), c.Subject, string(c.Status),
		string(c.Priority), c.AssignedStaffID, c.AssignedStaffDisplayName, formatTime(c.LastMessageAt),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), formatTimePtr(c.ResolvedAt))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrOwnerConflict
		}
		return fmt.Errorf("sqlite store: insert: %w", err)
	}

	for i := range c.Messages {
		if err := insertSQLiteMessage(ctx, tx, c.ID, i, &c.Messages[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// Get retrieves a conversation by ID, including its messages.
func (s *SQLiteBackend) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return loadSQLite(ctx, s.db, id)
}

// Update runs fn inside a transaction and writes back the result.
func (s *SQLiteBackend) Update(ctx context.Context, id string, fn MutateFunc) (*model.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	before, err := loadSQLite(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	after := before.Clone()
	if err := fn(after); err != nil {
		return nil, err
	}
	if err := checkAppendOnly(before, after); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE support_conversations SET
			subject = ?, status = ?, priority = ?, assigned_staff_id = ?, assigned_staff_display_name = ?,
			last_message_at = ?, updated_at = ?, resolved_at = ?
		WHERE id = ?
	`, after.Subject, string(after.Status), string(after.Priority), after.AssignedStaffID,
		after.AssignedStaffDisplayName, formatTime(after.LastMessageAt), formatTime(after.UpdatedAt),
		formatTimePtr(after.ResolvedAt), id)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, ErrOwnerConflict
		}
		return nil, fmt.Errorf("sqlite store: update: %w", err)
	}

	for i := range before.Messages {
		if len(after.Messages[i].ReadBy) == len(before.Messages[i].ReadBy) {
			continue
		}
		readBy, _ := json.Marshal(after.Messages[i].ReadBy)
		if _, err := tx.ExecContext(ctx,
			`UPDATE support_messages SET read_by = ? WHERE conversation_id = ? AND seq = ?`,
			string(readBy), id, i); err != nil {
			return nil, fmt.Errorf("sqlite store: mark read: %w", err)
		}
	}
	for i := len(before.Messages); i < len(after.Messages); i++ {
		if err := insertSQLiteMessage(ctx, tx, id, i, &after.Messages[i]); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite store: commit: %w", err)
	}
	return after, nil
}

// LatestForOwner returns the owner's top-ranked conversation in statuses.
func (s *SQLiteBackend) LatestForOwner(ctx context.Context, ownerID string, order Order, statuses ...model.Status) (*model.Conversation, error) {
	query := "SELECT id FROM support_conversations WHERE owner_id = ?"
	args := []any{ownerID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	if order == ByCreation {
		query += " ORDER BY created_at DESC, id DESC LIMIT 1"
	} else {
		query += " ORDER BY last_message_at DESC, id DESC LIMIT 1"
	}

	var id string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite store: latest for owner: %w", err)
	}
	return loadSQLite(ctx, s.db, id)
}

// List returns matching conversations, most recent activity first.
func (s *SQLiteBackend) List(ctx context.Context, q Query) ([]*model.Conversation, int, error) {
	where := " WHERE 1=1"
	var args []any
	if q.OwnerID != "" {
		where += " AND owner_id = ?"
		args = append(args, q.OwnerID)
	}
	if q.Status != "" {
		where += " AND status = ?"
		args = append(args, string(q.Status))
	}
	if q.AssignedTo != "" {
		where += " AND assigned_staff_id = ?"
		args = append(args, q.AssignedTo)
	}
	if q.Priority != "" {
		where += " AND priority = ?"
		args = append(args, string(q.Priority))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM support_conversations"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite store: count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM support_conversations"+where+" ORDER BY last_message_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, normalizeLimit(q.Limit), max(q.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite store: list: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("sqlite store: list: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite store: list: %w", err)
	}

	out := make([]*model.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := loadSQLite(ctx, s.db, id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, nil
}

// Ping checks the database connection.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSQLite(ctx context.Context, q sqlQuerier, id string) (*model.Conversation, error) {
	var (
		c                                   model.Conversation
		ownerRole, status, priority         string
		lastMessageAt, createdAt, updatedAt string
		resolvedAt                          sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, owner_id, owner_display_name, owner_email, owner_role, subject, status, priority,
			assigned_staff_id, assigned_staff_display_name, last_message_at, created_at, updated_at, resolved_at
		FROM support_conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.OwnerID, &c.OwnerDisplayName, &c.OwnerEmail, &ownerRole, &c.Subject, &status,
		&priority, &c.AssignedStaffID, &c.AssignedStaffDisplayName, &lastMessageAt, &createdAt, &updatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite store: get: %w", err)
	}
	c.OwnerRole = model.Role(ownerRole)
	c.Status = model.Status(status)
	c.Priority = model.Priority(priority)
	c.LastMessageAt = parseTime(lastMessageAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		c.ResolvedAt = &t
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, sender_id, sender_name, sender_role, body, client_key, read_by, created_at
		FROM support_messages WHERE conversation_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load messages: %w", err)
	}
	defer rows.Close()

	c.Messages = []model.Message{}
	for rows.Next() {
		var (
			m                          model.Message
			role, readBy, msgCreatedAt string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &role, &m.Body, &m.ClientKey, &readBy, &msgCreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite store: scan message: %w", err)
		}
		m.SenderRole = model.Role(role)
		m.CreatedAt = parseTime(msgCreatedAt)
		if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
			return nil, fmt.Errorf("sqlite store: decode read_by: %w", err)
		}
		m.Read = len(m.ReadBy) > 0
		c.Messages = append(c.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: load messages: %w", err)
	}
	return &c, nil
}

func insertSQLiteMessage(ctx context.Context, tx *sql.Tx, conversationID string, seq int, m *model.Message) error {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	encoded, _ := json.Marshal(readBy)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO support_messages (conversation_id, seq, id, sender_id, sender_name, sender_role, body, client_key, read_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conversationID, seq, m.ID, m.SenderID, m.SenderName, string(m.SenderRole), m.Body, m.ClientKey,
		string(encoded), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite store: insert message: %w", err)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(sqliteTimeFormat, s)
	return t
}
