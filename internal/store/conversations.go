// ABOUTME: Conversation persistence: creation with block checks, lookup, and per-user listing
// ABOUTME: Listing computes last message and unread counts and hides blocked direct conversations

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const maxConversationName = 255

type conversationRow struct {
	ID        string         `db:"id"`
	Name      sql.NullString `db:"name"`
	IsGroup   bool           `db:"is_group"`
	CreatedAt string         `db:"created_at"`
}

type participantRow struct {
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	JoinedAt       string `db:"joined_at"`
}

type summaryRow struct {
	conversationRow
	LastMessage   sql.NullString `db:"last_message"`
	LastMessageAt  sql.NullString `db:"last_message_at"`
	LastMessageSeq sql.NullInt64  `db:"last_message_seq"`
	UnreadCount    int            `db:"unread_count"`
}

func (r conversationRow) toConversation() (*Conversation, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &Conversation{
		ID:        r.ID,
		Name:      r.Name.String,
		IsGroup:   r.IsGroup,
		CreatedAt: createdAt,
	}, nil
}

// directKey identifies the unique direct conversation between two users.
func directKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// CreateConversation creates a conversation whose participants are participantIDs plus
// the creator. Direct conversations need exactly two participants; creating one for a
// pair that already has one returns the existing conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, creatorID string, participantIDs []string, isGroup bool, name string) (*Conversation, error) {
	creator, err := normalizeID("creator_id", creatorID)
	if err != nil {
		return nil, err
	}

	members := []string{creator}
	seen := map[string]bool{creator: true}
	for _, raw := range participantIDs {
		id, err := normalizeID("participant_ids", raw)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}

	if isGroup && len(members) < 2 {
		return nil, fmt.Errorf("%w: group conversations need at least 2 participants, got %d", ErrInvalidParticipantCount, len(members))
	}
	if !isGroup && len(members) != 2 {
		return nil, fmt.Errorf("%w: direct conversations need exactly 2 participants, got %d", ErrInvalidParticipantCount, len(members))
	}

	name = strings.TrimSpace(name)
	if !isGroup {
		name = ""
	}
	if utf8.RuneCountInString(name) > maxConversationName {
		return nil, invalidInput("name exceeds %d characters", maxConversationName)
	}

	var conv *Conversation
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		blocked, err := anyBlocked(ctx, tx, members)
		if err != nil {
			return err
		}
		if blocked {
			return ErrBlockedParticipants
		}

		var key sql.NullString
		if !isGroup {
			key = sql.NullString{String: directKey(members[0], members[1]), Valid: true}

			var existingID string
			err := tx.GetContext(ctx, &existingID, `SELECT id FROM conversations WHERE direct_key = ?`, key.String)
			switch {
			case err == nil:
				conv, err = loadConversation(ctx, tx, existingID)
				if err == nil {
					conv.Reused = true
				}
				return err
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("looking up direct conversation: %w", err)
			}
		}

		now := s.clock.Now()
		conv = &Conversation{
			ID:        uuid.New().String(),
			Name:      name,
			IsGroup:   isGroup,
			CreatedAt: now,
		}

		var nameArg sql.NullString
		if name != "" {
			nameArg = sql.NullString{String: name, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (id, name, is_group, direct_key, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, conv.ID, nameArg, isGroup, key, formatTime(now))
		if err != nil {
			return fmt.Errorf("inserting conversation: %w", err)
		}

		for _, userID := range members {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
				VALUES (?, ?, ?)
			`, conv.ID, userID, formatTime(now))
			if err != nil {
				return fmt.Errorf("inserting participant: %w", err)
			}
			conv.Participants = append(conv.Participants, Participant{UserID: userID, JoinedAt: now})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "is_group", conv.IsGroup, "participants", len(conv.Participants))
	return conv, nil
}

// GetConversation retrieves a conversation with its participants.
// Returns ErrConversationNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	id, err := normalizeID("conversation_id", id)
	if err != nil {
		return nil, err
	}
	return loadConversation(ctx, s.db, id)
}

// IsParticipant reports whether userID is a member of the conversation.
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conversationID, err := normalizeID("conversation_id", conversationID)
	if err != nil {
		return false, err
	}
	userID, err = normalizeID("user_id", userID)
	if err != nil {
		return false, err
	}
	return isParticipant(ctx, s.db, conversationID, userID)
}

// ListConversations returns the user's conversations, most recent activity first.
// Direct conversations with a blocked counterpart are excluded.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, page Page) ([]ConversationSummary, int, error) {
	userID, err := normalizeID("user_id", userID)
	if err != nil {
		return nil, 0, err
	}
	page, err = s.clampPage(page)
	if err != nil {
		return nil, 0, err
	}

	const visible = `
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = :user
		WHERE NOT (c.is_group = 0 AND EXISTS (
			SELECT 1 FROM conversation_participants o
			JOIN user_blocks b
				ON (b.blocker_id = :user AND b.blocked_id = o.user_id)
				OR (b.blocker_id = o.user_id AND b.blocked_id = :user)
			WHERE o.conversation_id = c.id AND o.user_id <> :user
		))
	`

	args := map[string]any{"user": userID, "limit": page.Limit, "skip": page.Skip}

	var total int
	countQuery, countArgs, err := sqlx.Named(`SELECT COUNT(*) `+visible, args)
	if err != nil {
		return nil, 0, fmt.Errorf("binding count query: %w", err)
	}
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(countQuery), countArgs...); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	listQuery, listArgs, err := sqlx.Named(`
		SELECT c.id, c.name, c.is_group, c.created_at,
			(SELECT m.content FROM messages m
				WHERE m.conversation_id = c.id AND m.deleted_at IS NULL
				ORDER BY m.created_at DESC, m.seq DESC LIMIT 1) AS last_message,
			(SELECT m.created_at FROM messages m
				WHERE m.conversation_id = c.id AND m.deleted_at IS NULL
				ORDER BY m.created_at DESC, m.seq DESC LIMIT 1) AS last_message_at,
			(SELECT m.seq FROM messages m
				WHERE m.conversation_id = c.id AND m.deleted_at IS NULL
				ORDER BY m.created_at DESC, m.seq DESC LIMIT 1) AS last_message_seq,
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id AND m.deleted_at IS NULL AND m.sender_id <> :user
				AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = :user)
			) AS unread_count
		`+visible+`
		ORDER BY COALESCE(last_message_at, '') DESC, COALESCE(last_message_seq, 0) DESC, c.seq DESC
		LIMIT :limit OFFSET :skip
	`, args)
	if err != nil {
		return nil, 0, fmt.Errorf("binding list query: %w", err)
	}

	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(listQuery), listArgs...); err != nil {
		return nil, 0, fmt.Errorf("listing conversations: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		conv, err := row.toConversation()
		if err != nil {
			return nil, 0, err
		}
		summary := ConversationSummary{Conversation: *conv, UnreadCount: row.UnreadCount}
		if row.LastMessage.Valid {
			content := row.LastMessage.String
			summary.LastMessage = &content
		}
		if summary.LastMessageAt, err = parseNullTime(row.LastMessageAt); err != nil {
			return nil, 0, err
		}
		summaries = append(summaries, summary)
		ids = append(ids, conv.ID)
	}

	participants, err := loadParticipants(ctx, s.db, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range summaries {
		summaries[i].Participants = participants[summaries[i].ID]
	}

	return summaries, total, nil
}

// loadConversation reads one conversation and its participants.
func loadConversation(ctx context.Context, q sqlx.QueryerContext, id string) (*Conversation, error) {
	var row conversationRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT id, name, is_group, created_at FROM conversations WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}

	conv, err := row.toConversation()
	if err != nil {
		return nil, err
	}

	participants, err := loadParticipants(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	conv.Participants = participants[id]
	return conv, nil
}

// loadParticipants returns participants keyed by conversation id, in join order.
func loadParticipants(ctx context.Context, q sqlx.QueryerContext, conversationIDs []string) (map[string][]Participant, error) {
	result := make(map[string][]Participant, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`
		SELECT conversation_id, user_id, joined_at
		FROM conversation_participants
		WHERE conversation_id IN (?)
		ORDER BY joined_at, rowid
	`, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("binding participants query: %w", err)
	}

	var rows []participantRow
	if err := sqlx.SelectContext(ctx, q, &rows, sqlx.Rebind(sqlx.QUESTION, query), args...); err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}

	for _, row := range rows {
		joinedAt, err := parseTime(row.JoinedAt)
		if err != nil {
			return nil, err
		}
		result[row.ConversationID] = append(result[row.ConversationID], Participant{UserID: row.UserID, JoinedAt: joinedAt})
	}
	return result, nil
}

// participantIDs lists member ids of a conversation.
func participantIDs(ctx context.Context, q sqlx.QueryerContext, conversationID string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, q, &ids, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing participant ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func conversationExists(ctx context.Context, q sqlx.QueryerContext, id string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM conversations WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("checking conversation: %w", err)
	}
	return n > 0, nil
}

func isParticipant(ctx context.Context, q sqlx.QueryerContext, conversationID, userID string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, `
		SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("checking participant: %w", err)
	}
	return n > 0, nil
}
