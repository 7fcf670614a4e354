package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/support-engine/internal/model"
)

// PostgresBackend implements Backend on PostgreSQL. Each Update locks the
// conversation row with SELECT ... FOR UPDATE; a partial unique index keeps
// one active conversation per owner across server instances.
type PostgresBackend struct {
	db *pgxpool.Pool
}

// OpenPostgres connects to the database at url and creates the schema.
func OpenPostgres(ctx context.Context, url string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	p := NewPostgresBackend(pool)
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresBackend wraps an existing pool.
func NewPostgresBackend(db *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Migrate creates the tables and indexes if they don't exist.
func (p *PostgresBackend) Migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS support_conversations (
			id                          TEXT PRIMARY KEY,
			owner_id                    TEXT NOT NULL,
			owner_display_name          TEXT NOT NULL,
			owner_email                 TEXT NOT NULL DEFAULT '',
			owner_role                  TEXT NOT NULL,
			subject                     TEXT NOT NULL,
			status                      TEXT NOT NULL CHECK (status IN ('open', 'assigned', 'in_progress', 'resolved', 'closed')),
			priority                    TEXT NOT NULL DEFAULT 'normal' CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
			assigned_staff_id           TEXT NOT NULL DEFAULT '',
			assigned_staff_display_name TEXT NOT NULL DEFAULT '',
			last_message_at             TIMESTAMPTZ NOT NULL,
			created_at                  TIMESTAMPTZ NOT NULL,
			updated_at                  TIMESTAMPTZ NOT NULL,
			resolved_at                 TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_support_conversations_one_active
			ON support_conversations(owner_id)
			WHERE status IN ('open', 'assigned', 'in_progress');

		CREATE INDEX IF NOT EXISTS idx_support_conversations_status
			ON support_conversations(status, last_message_at DESC);

		CREATE TABLE IF NOT EXISTS support_messages (
			conversation_id TEXT NOT NULL REFERENCES support_conversations(id),
			seq             INTEGER NOT NULL,
			id              TEXT NOT NULL UNIQUE,
			sender_id       TEXT NOT NULL,
			sender_name     TEXT NOT NULL,
			sender_role     TEXT NOT NULL,
			body            TEXT NOT NULL,
			client_key      TEXT NOT NULL DEFAULT '',
			read_by         TEXT[] NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		);
	`)
	if err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// Insert stores a new conversation and its initial messages.
func (p *PostgresBackend) Insert(ctx context.Context, c *model.Conversation) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO support_conversations (
				id, owner_id, owner_display_name, owner_email, owner_role, subject, status, priority,
				assigned_staff_id, assigned_staff_display_name, last_message_at, created_at, updated_at, resolved_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, c.ID, c.OwnerID, c.OwnerDisplayName, c.OwnerEmail, string(c.OwnerRole), c.Subject, string(c.Status),
			string(c.Priority), c.AssignedStaffID, c.AssignedStaffDisplayName, c.LastMessageAt, c.CreatedAt,
			c.UpdatedAt, c.ResolvedAt)
		if err != nil {
			if isPgUniqueViolation(err) {
				return ErrOwnerConflict
			}
			return fmt.Errorf("postgres store: insert: %w", err)
		}
		for i := range c.Messages {
			if err := insertPgMessage(ctx, tx, c.ID, i, &c.Messages[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get retrieves a conversation by ID, including its messages.
func (p *PostgresBackend) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return loadPg(ctx, p.db, id, false)
}

// Update locks the row, runs fn and writes back the result.
func (p *PostgresBackend) Update(ctx context.Context, id string, fn MutateFunc) (*model.Conversation, error) {
	var after *model.Conversation
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		before, err := loadPg(ctx, tx, id, true)
		if err != nil {
			return err
		}
		after = before.Clone()
		if err := fn(after); err != nil {
			return err
		}
		if err := checkAppendOnly(before, after); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE support_conversations SET
				subject = $1, status = $2, priority = $3, assigned_staff_id = $4, assigned_staff_display_name = $5,
				last_message_at = $6, updated_at = $7, resolved_at = $8
			WHERE id = $9
		`, after.Subject, string(after.Status), string(after.Priority), after.AssignedStaffID,
			after.AssignedStaffDisplayName, after.LastMessageAt, after.UpdatedAt, after.ResolvedAt, id)
		if err != nil {
			if isPgUniqueViolation(err) {
				return ErrOwnerConflict
			}
			return fmt.Errorf("postgres store: update: %w", err)
		}

		for i := range before.Messages {
			if len(after.Messages[i].ReadBy) == len(before.Messages[i].ReadBy) {
				continue
			}
			if _, err := tx.Exec(ctx,
				`UPDATE support_messages SET read_by = $1 WHERE conversation_id = $2 AND seq = $3`,
				after.Messages[i].ReadBy, id, i); err != nil {
				return fmt.Errorf("postgres store: mark read: %w", err)
			}
		}
		for i := len(before.Messages); i < len(after.Messages); i++ {
			if err := insertPgMessage(ctx, tx, id, i, &after.Messages[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// LatestForOwner returns the owner's top-ranked conversation in statuses.
func (p *PostgresBackend) LatestForOwner(ctx context.Context, ownerID string, order Order, statuses ...model.Status) (*model.Conversation, error) {
	sql := `SELECT id FROM support_conversations WHERE owner_id = $1`
	args := []any{ownerID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		args = append(args, names)
		sql += ` AND status = ANY($2)`
	}
	if order == ByCreation {
		sql += ` ORDER BY created_at DESC, id DESC LIMIT 1`
	} else {
		sql += ` ORDER BY last_message_at DESC, id DESC LIMIT 1`
	}

	var id string
	if err := p.db.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres store: latest for owner: %w", err)
	}
	return loadPg(ctx, p.db, id, false)
}

// List returns matching conversations, most recent activity first.
func (p *PostgresBackend) List(ctx context.Context, q Query) ([]*model.Conversation, int, error) {
	whereSQL, args := buildConversationWhere(q)

	var total int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM support_conversations `+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres store: count: %w", err)
	}

	sql := fmt.Sprintf(`SELECT id FROM support_conversations %s ORDER BY last_message_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		whereSQL, len(args)+1, len(args)+2)
	rows, err := p.db.Query(ctx, sql, append(args, normalizeLimit(q.Limit), max(q.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres store: list: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, 0, fmt.Errorf("postgres store: list: %w", err)
	}

	out := make([]*model.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := loadPg(ctx, p.db, id, false)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, nil
}

// Ping checks the pool can reach the server.
func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close closes the pool.
func (p *PostgresBackend) Close() error {
	p.db.Close()
	return nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadPg(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*model.Conversation, error) {
	sql := `
		SELECT id, owner_id, owner_display_name, owner_email, owner_role, subject, status, priority,
			assigned_staff_id, assigned_staff_display_name, last_message_at, created_at, updated_at, resolved_at
		FROM support_conversations WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var (
		c                           model.Conversation
		ownerRole, status, priority string
		resolvedAt                  *time.Time
	)
	err := q.QueryRow(ctx, sql, id).Scan(&c.ID, &c.OwnerID, &c.OwnerDisplayName, &c.OwnerEmail, &ownerRole,
		&c.Subject, &status, &priority, &c.AssignedStaffID, &c.AssignedStaffDisplayName, &c.LastMessageAt,
		&c.CreatedAt, &c.UpdatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("postgres store: get: %w", err)
	}
	c.OwnerRole = model.Role(ownerRole)
	c.Status = model.Status(status)
	c.Priority = model.Priority(priority)
	c.ResolvedAt = resolvedAt

	rows, err := q.Query(ctx, `
		SELECT id, sender_id, sender_name, sender_role, body, client_key, read_by, created_at
		FROM support_messages WHERE conversation_id = $1 ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load messages: %w", err)
	}
	defer rows.Close()

	c.Messages = []model.Message{}
	for rows.Next() {
		var (
			m    model.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &role, &m.Body, &m.ClientKey, &m.ReadBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan message: %w", err)
		}
		m.SenderRole = model.Role(role)
		if len(m.ReadBy) == 0 {
			m.ReadBy = nil
		}
		m.Read = len(m.ReadBy) > 0
		c.Messages = append(c.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: load messages: %w", err)
	}
	return &c, nil
}

func insertPgMessage(ctx context.Context, tx pgx.Tx, conversationID string, seq int, m *model.Message) error {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO support_messages (conversation_id, seq, id, sender_id, sender_name, sender_role, body, client_key, read_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, conversationID, seq, m.ID, m.SenderID, m.SenderName, string(m.SenderRole), m.Body, m.ClientKey, readBy, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: insert message: %w", err)
	}
	return nil
}

// buildConversationWhere composes the WHERE clause and args for a listing.
func buildConversationWhere(q Query) (string, []any) {
	clauses := []string{"1=1"}
	args := []any{}

	if q.OwnerID != "" {
		args = append(args, q.OwnerID)
		clauses = append(clauses, "owner_id = $"+strconv.Itoa(len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	if a := strings.TrimSpace(q.AssignedTo); a != "" {
		args = append(args, a)
		clauses = append(clauses, "assigned_staff_id = $"+strconv.Itoa(len(args)))
	}
	if q.Priority != "" {
		args = append(args, string(q.Priority))
		clauses = append(clauses, "priority = $"+strconv.Itoa(len(args)))
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
