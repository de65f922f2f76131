// ABOUTME: User block persistence: block, unblock, bidirectional checks and listing
// ABOUTME: A block in either direction forbids new conversations and messages between the pair

package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Block records that blockerID blocks blockedID. Blocking twice is a no-op.
func (s *SQLiteStore) Block(ctx context.Context, blockerID, blockedID string) error {
	blockerID, err := normalizeID("blocker_id", blockerID)
	if err != nil {
		return err
	}
	blockedID, err = normalizeID("blocked_id", blockedID)
	if err != nil {
		return err
	}
	if blockerID == blockedID {
		return invalidInput("users cannot block themselves")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_blocks (blocker_id, blocked_id, created_at)
		VALUES (?, ?, ?)
	`, blockerID, blockedID, formatTime(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("inserting block: %w", err)
	}

	s.logger.Debug("user blocked", "blocker_id", blockerID, "blocked_id", blockedID)
	return nil
}

// Unblock removes a block and reports whether one existed.
func (s *SQLiteStore) Unblock(ctx context.Context, blockerID, blockedID string) (bool, error) {
	blockerID, err := normalizeID("blocker_id", blockerID)
	if err != nil {
		return false, err
	}
	blockedID, err = normalizeID("blocked_id", blockedID)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_blocks WHERE blocker_id = ? AND blocked_id = ?
	`, blockerID, blockedID)
	if err != nil {
		return false, fmt.Errorf("deleting block: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// IsBlocked reports whether either user blocks the other.
func (s *SQLiteStore) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	a, err := normalizeID("user_id", a)
	if err != nil {
		return false, err
	}
	b, err = normalizeID("other_user_id", b)
	if err != nil {
		return false, err
	}
	return blockedWithAny(ctx, s.db, a, []string{b})
}

// ListBlocked returns the ids userID has blocked, oldest block first.
func (s *SQLiteStore) ListBlocked(ctx context.Context, userID string) ([]string, error) {
	userID, err := normalizeID("user_id", userID)
	if err != nil {
		return nil, err
	}

	ids := []string{}
	err = s.db.SelectContext(ctx, &ids, `
		SELECT blocked_id FROM user_blocks WHERE blocker_id = ? ORDER BY created_at, rowid
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}
	return ids, nil
}

// anyBlocked reports whether any pair within users has a block in either direction.
func anyBlocked(ctx context.Context, q sqlx.QueryerContext, users []string) (bool, error) {
	query, args, err := sqlx.In(`
		SELECT COUNT(*) FROM user_blocks WHERE blocker_id IN (?) AND blocked_id IN (?)
	`, users, users)
	if err != nil {
		return false, fmt.Errorf("binding block query: %w", err)
	}

	var n int
	if err := sqlx.GetContext(ctx, q, &n, sqlx.Rebind(sqlx.QUESTION, query), args...); err != nil {
		return false, fmt.Errorf("checking blocks: %w", err)
	}
	return n > 0, nil
}

// blockedWithAny reports whether user has a block in either direction with any of others.
func blockedWithAny(ctx context.Context, q sqlx.QueryerContext, user string, others []string) (bool, error) {
	query, args, err := sqlx.In(`
		SELECT COUNT(*) FROM user_blocks
		WHERE (blocker_id = ? AND blocked_id IN (?))
			OR (blocked_id = ? AND blocker_id IN (?))
	`, user, others, user, others)
	if err != nil {
		return false, fmt.Errorf("binding block query: %w", err)
	}

	var n int
	if err := sqlx.GetContext(ctx, q, &n, sqlx.Rebind(sqlx.QUESTION, query), args...); err != nil {
		return false, fmt.Errorf("checking blocks: %w", err)
	}
	return n > 0, nil
}
