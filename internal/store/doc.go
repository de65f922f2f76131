// Package store persists conversations, messages, read receipts and user blocks
// in SQLite, and is the only place conversation invariants are enforced.
//
// # Model
//
//   - Conversation: direct (exactly two participants) or group. Membership is
//     fixed at creation.
//   - Message: Active or Deleted. Deleted messages keep their content for audit
//     but are hidden from default listings.
//   - ReadReceipt: one per (message, reader). Senders never get one for their
//     own messages.
//   - Block: ordered (blocker, blocked) pair. A block in either direction forbids
//     new conversations and messages between the two users.
//
// # Errors
//
// Every error wraps one of ErrNotFound, ErrForbidden, ErrInvalidInput,
// ErrBlocked or ErrAlreadyDeleted. ErrorCode maps them to wire codes.
//
// # SQLite
//
// The store opens modernc.org/sqlite through sqlx with WAL journaling, foreign
// keys and a busy timeout, and a single pooled connection. Timestamps are
// fixed-width RFC 3339 text; ties are broken by an insertion sequence so
// pagination is stable.
//
// Use NewSQLiteStore(":memory:") or a file under t.TempDir() in tests.
package store
