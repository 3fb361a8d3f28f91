package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// CreateConversation inserts a conversation, assigning an id and timestamps if unset.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = c.CreatedAt
	}

	query := `
		INSERT INTO conversations (id, workspace_id, user_id, title, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.WorkspaceID, c.UserID, c.Title,
		c.CreatedAt.UnixNano(), c.LastActivityAt.UnixNano(),
	)
	return classify("insert conversation", err)
}

// GetConversation retrieves a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, workspace_id, user_id, title, created_at, last_activity_at
		FROM conversations WHERE id = ?
	`
	var (
		c                 Conversation
		created, activity int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.WorkspaceID, &c.UserID, &c.Title, &created, &activity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("query conversation", err)
	}
	c.CreatedAt = time.Unix(0, created)
	c.LastActivityAt = time.Unix(0, activity)
	return &c, nil
}

// TouchConversation records activity on a conversation.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = ? WHERE id = ?`,
		at.UnixNano(), id,
	)
	if err != nil {
		return classify("touch conversation", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MESSAGES
// ═══════════════════════════════════════════════════════════════════════════════

const messageColumns = `id, conversation_id, role, content, attachments, status, model,
	token_count, tps, meta, created_at, updated_at`

// CreateMessage inserts a message, assigning an id, status and timestamps if unset.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = StatusCompleted
	}
	if !m.Status.Valid() {
		return fmt.Errorf("invalid message status %q", m.Status)
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt

	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return err
	}
	meta, err := encodeMeta(m.Meta)
	if err != nil {
		return err
	}

	query := `INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.ConversationID, m.Role, m.Content, attachments, string(m.Status), m.Model,
		m.TokenCount, m.TPS, meta, m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(),
	)
	return classify("insert message", err)
}

// FindMessage retrieves a message by id. Missing rows return ErrNotFound.
func (s *Store) FindMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("query message", err)
	}
	return m, nil
}

// SaveMessage writes the streaming fields of m: content, token count,
// throughput, model and meta. Status is deliberately left alone; use
// SetMessageStatus so a late progress write can never revert a final status.
// Returns ErrLocked under write contention and ErrNotFound if the row is gone.
func (s *Store) SaveMessage(ctx context.Context, m *Message) error {
	meta, err := encodeMeta(m.Meta)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now()

	query := `
		UPDATE messages
		SET content = ?, token_count = ?, tps = ?, model = ?, meta = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		m.Content, m.TokenCount, m.TPS, m.Model, meta, m.UpdatedAt.UnixNano(), m.ID,
	)
	if err != nil {
		return classify("update message", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

// SetMessageStatus updates only the status column.
func (s *Store) SetMessageStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid message status %q", status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), id,
	)
	if err != nil {
		return classify("update message status", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return classify("delete message", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListMessages returns a conversation's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`,
		conversationID,
	)
	if err != nil {
		return nil, classify("query messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate messages", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                Message
		attachments      string
		status           string
		meta             []byte
		created, updated int64
	)
	if err := row.Scan(
		&m.ID, &m.ConversationID, &m.Role, &m.Content, &attachments, &status, &m.Model,
		&m.TokenCount, &m.TPS, &meta, &created, &updated,
	); err != nil {
		return nil, err
	}

	m.Status = Status(status)
	m.CreatedAt = time.Unix(0, created)
	m.UpdatedAt = time.Unix(0, updated)

	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	decoded, err := decodeMeta(meta)
	if err != nil {
		return nil, err
	}
	m.Meta = decoded
	return &m, nil
}

func encodeAttachments(list []string) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(b), nil
}
