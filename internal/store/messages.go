// ABOUTME: Message persistence: create, edit, soft delete, and paginated listing
// ABOUTME: Enforces sender-only mutation, participant checks, blocks and content bounds

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	Content        string         `db:"content"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      sql.NullString `db:"updated_at"`
	DeletedAt      sql.NullString `db:"deleted_at"`
}

const messageColumns = `id, conversation_id, sender_id, content, created_at, updated_at, deleted_at`

func (r messageRow) toMessage() (*Message, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseNullTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	deletedAt, err := parseNullTime(r.DeletedAt)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		State:          Active{Content: r.Content},
	}
	if deletedAt != nil {
		msg.State = Deleted{Content: r.Content, At: *deletedAt}
	}
	return msg, nil
}

// validateContent rejects blank content and content longer than the configured bound.
func (s *SQLiteStore) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return invalidInput("content is required")
	}
	if n := utf8.RuneCountInString(content); n > s.limits.MaxContentLength {
		return invalidInput("content is %d characters, maximum is %d", n, s.limits.MaxContentLength)
	}
	return nil
}

// CreateMessage persists a message from senderID. The sender gets no read receipt
// for their own message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, senderID, conversationID, content string) (*Message, error) {
	senderID, err := normalizeID("sender_id", senderID)
	if err != nil {
		return nil, err
	}
	conversationID, err = normalizeID("conversation_id", conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.validateContent(content); err != nil {
		return nil, err
	}

	var msg *Message
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := conversationExists(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrConversationNotFound
		}

		members, err := participantIDs(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !contains(members, senderID) {
			return ErrNotAParticipant
		}

		blocked, err := blockedWithAny(ctx, tx, senderID, members)
		if err != nil {
			return err
		}
		if blocked {
			return ErrBlockedParticipants
		}

		now := s.clock.Now()
		msg = &Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			SenderID:       senderID,
			CreatedAt:      now,
			State:          Active{Content: content},
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, msg.SenderID, content, formatTime(now))
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessage retrieves a message by ID regardless of its state.
// Returns ErrMessageNotFound if it doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	id, err := normalizeID("message_id", id)
	if err != nil {
		return nil, err
	}
	return loadMessage(ctx, s.db, id)
}

// UpdateMessage replaces the content of an active message. Only the sender may edit.
// Concurrent edits are last-writer-wins.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, messageID, userID, content string) (*Message, error) {
	if err := s.validateContent(content); err != nil {
		return nil, err
	}
	return s.mutateOwnMessage(ctx, messageID, userID, func(tx *sqlx.Tx, msg *Message) error {
		now := s.clock.Now()
		_, err := tx.ExecContext(ctx, `UPDATE messages SET content = ?, updated_at = ? WHERE id = ?`,
			content, formatTime(now), msg.ID)
		if err != nil {
			return fmt.Errorf("updating message: %w", err)
		}
		msg.State = Active{Content: content}
		msg.UpdatedAt = &now
		return nil
	})
}

// DeleteMessage soft-deletes a message. Content is retained for audit.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID, userID string) (*Message, error) {
	return s.mutateOwnMessage(ctx, messageID, userID, func(tx *sqlx.Tx, msg *Message) error {
		now := s.clock.Now()
		_, err := tx.ExecContext(ctx, `UPDATE messages SET deleted_at = ? WHERE id = ?`, formatTime(now), msg.ID)
		if err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}
		msg.State = Deleted{Content: msg.AuditContent(), At: now}
		return nil
	})
}

// mutateOwnMessage loads the message and checks not found, sender and deleted, in that order.
func (s *SQLiteStore) mutateOwnMessage(ctx context.Context, messageID, userID string, apply func(*sqlx.Tx, *Message) error) (*Message, error) {
	messageID, err := normalizeID("message_id", messageID)
	if err != nil {
		return nil, err
	}
	userID, err = normalizeID("user_id", userID)
	if err != nil {
		return nil, err
	}

	var msg *Message
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		msg, err = loadMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if msg.SenderID != userID {
			return ErrNotSender
		}
		if msg.IsDeleted() {
			return ErrAlreadyDeleted
		}
		return apply(tx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a conversation's messages newest first with their read receipts.
// Deleted messages are only included when includeDeleted is set.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID, userID string, page Page, includeDeleted bool) ([]*Message, int, error) {
	conversationID, err := normalizeID("conversation_id", conversationID)
	if err != nil {
		return nil, 0, err
	}
	userID, err = normalizeID("user_id", userID)
	if err != nil {
		return nil, 0, err
	}
	page, err = s.clampPage(page)
	if err != nil {
		return nil, 0, err
	}

	exists, err := conversationExists(ctx, s.db, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		return nil, 0, ErrConversationNotFound
	}
	member, err := isParticipant(ctx, s.db, conversationID, userID)
	if err != nil {
		return nil, 0, err
	}
	if !member {
		return nil, 0, ErrNotAParticipant
	}

	filter := ` WHERE conversation_id = ?`
	if !includeDeleted {
		filter += ` AND deleted_at IS NULL`
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM messages`+filter, conversationID); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	var rows []messageRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM messages`+filter+`
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`, conversationID, page.Limit, page.Skip)
	if err != nil {
		return nil, 0, fmt.Errorf("listing messages: %w", err)
	}

	messages := make([]*Message, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
	}

	receipts, err := loadReceipts(ctx, s.db, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, msg := range messages {
		msg.ReadBy = receipts[msg.ID]
	}

	return messages, total, nil
}

func loadMessage(ctx context.Context, q sqlx.QueryerContext, id string) (*Message, error) {
	var row messageRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return row.toMessage()
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
