// ABOUTME: Read-state persistence: per-message and per-conversation read marks, unread counts
// ABOUTME: Senders never get read rows for their own messages; marks are idempotent

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type receiptRow struct {
	MessageID string `db:"message_id"`
	UserID    string `db:"user_id"`
	ReadAt    string `db:"read_at"`
}

func (r receiptRow) toReceipt() (ReadReceipt, error) {
	readAt, err := parseTime(r.ReadAt)
	if err != nil {
		return ReadReceipt{}, err
	}
	return ReadReceipt{MessageID: r.MessageID, UserID: r.UserID, ReadAt: readAt}, nil
}

// MarkMessageRead records that userID read the message. It returns false when the
// message doesn't exist or userID is not a participant. Repeat calls keep the first
// read time. The sender's own messages count as read without a row being stored.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, messageID, userID string) (bool, error) {
	messageID, err := normalizeID("message_id", messageID)
	if err != nil {
		return false, err
	}
	userID, err = normalizeID("user_id", userID)
	if err != nil {
		return false, err
	}

	ok := false
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		msg, err := loadMessage(ctx, tx, messageID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		member, err := isParticipant(ctx, tx, msg.ConversationID, userID)
		if err != nil || !member {
			return err
		}

		ok = true
		if msg.SenderID == userID {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
			VALUES (?, ?, ?)
		`, messageID, userID, formatTime(s.clock.Now()))
		if err != nil {
			return fmt.Errorf("inserting read receipt: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// MarkConversationRead marks every unread, non-deleted message from other senders as
// read by userID and returns how many were marked. Non-participants get 0.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, userID, conversationID string) (int, error) {
	userID, err := normalizeID("user_id", userID)
	if err != nil {
		return 0, err
	}
	conversationID, err = normalizeID("conversation_id", conversationID)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		member, err := isParticipant(ctx, tx, conversationID, userID)
		if err != nil || !member {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO message_reads (message_id, user_id, read_at)
			SELECT m.id, ?, ?
			FROM messages m
			WHERE m.conversation_id = ?
				AND m.sender_id <> ?
				AND m.deleted_at IS NULL
				AND NOT EXISTS (
					SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?
				)
		`, userID, formatTime(s.clock.Now()), conversationID, userID, userID)
		if err != nil {
			return fmt.Errorf("marking conversation read: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("counting marked messages: %w", err)
		}
		count = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UnreadCount counts unread, non-deleted messages from other senders. An empty
// conversationID counts across every conversation the user participates in.
func (s *SQLiteStore) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	userID, err := normalizeID("user_id", userID)
	if err != nil {
		return 0, err
	}

	query := `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversation_participants p ON p.conversation_id = m.conversation_id AND p.user_id = ?
		WHERE m.deleted_at IS NULL
			AND m.sender_id <> ?
			AND NOT EXISTS (
				SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?
			)
	`
	args := []any{userID, userID, userID}

	if conversationID != "" {
		conversationID, err = normalizeID("conversation_id", conversationID)
		if err != nil {
			return 0, err
		}
		query += ` AND m.conversation_id = ?`
		args = append(args, conversationID)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// ReadReceipts lists who read a message, oldest first. Only participants may look.
func (s *SQLiteStore) ReadReceipts(ctx context.Context, messageID, userID string) ([]ReadReceipt, error) {
	messageID, err := normalizeID("message_id", messageID)
	if err != nil {
		return nil, err
	}
	userID, err = normalizeID("user_id", userID)
	if err != nil {
		return nil, err
	}

	msg, err := loadMessage(ctx, s.db, messageID)
	if err != nil {
		return nil, err
	}
	member, err := isParticipant(ctx, s.db, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotAParticipant
	}

	receipts, err := loadReceipts(ctx, s.db, []string{messageID})
	if err != nil {
		return nil, err
	}
	return receipts[messageID], nil
}

// loadReceipts returns receipts keyed by message id.
func loadReceipts(ctx context.Context, q sqlx.QueryerContext, messageIDs []string) (map[string][]ReadReceipt, error) {
	result := make(map[string][]ReadReceipt, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`
		SELECT message_id, user_id, read_at
		FROM message_reads
		WHERE message_id IN (?)
		ORDER BY read_at, user_id
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("binding receipts query: %w", err)
	}

	var rows []receiptRow
	if err := sqlx.SelectContext(ctx, q, &rows, sqlx.Rebind(sqlx.QUESTION, query), args...); err != nil {
		return nil, fmt.Errorf("listing read receipts: %w", err)
	}

	for _, row := range rows {
		receipt, err := row.toReceipt()
		if err != nil {
			return nil, err
		}
		result[row.MessageID] = append(result[row.MessageID], receipt)
	}
	return result, nil
}
