// ABOUTME: Store interface and data types for coven-messenger persistence
// ABOUTME: Defines conversations, messages, read receipts, blocks and the error taxonomy

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Every error returned by the store wraps exactly one of these.
var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrBlocked        = errors.New("blocked relationship")
	ErrAlreadyDeleted = errors.New("message already deleted")
)

// Specific failures, classified by the taxonomy above.
var (
	ErrConversationNotFound    = fmt.Errorf("conversation %w", ErrNotFound)
	ErrMessageNotFound         = fmt.Errorf("message %w", ErrNotFound)
	ErrNotAParticipant         = fmt.Errorf("%w: not a participant of the conversation", ErrForbidden)
	ErrNotSender               = fmt.Errorf("%w: only the sender may modify a message", ErrForbidden)
	ErrBlockedParticipants     = fmt.Errorf("%w between participants", ErrBlocked)
	ErrInvalidParticipantCount = fmt.Errorf("%w: invalid participant count", ErrInvalidInput)
)

// Wire codes for classified errors.
const (
	CodeNotFound       = "not_found"
	CodeForbidden      = "forbidden"
	CodeInvalidInput   = "invalid_input"
	CodeBlocked        = "blocked"
	CodeAlreadyDeleted = "already_deleted"
	CodeInternal       = "internal"
)

// ErrorCode maps an error onto its stable wire code. Unclassified errors are internal.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrBlocked):
		return CodeBlocked
	case errors.Is(err, ErrAlreadyDeleted):
		return CodeAlreadyDeleted
	default:
		return CodeInternal
	}
}

// invalidInput builds an ErrInvalidInput with a field-specific message.
func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Conversation is a direct (exactly two participants) or group conversation.
// Membership is fixed at creation.
type Conversation struct {
	ID           string
	Name         string // empty for direct conversations
	IsGroup      bool
	CreatedAt    time.Time
	Participants []Participant

	// Reused is set when CreateConversation returned an existing direct conversation.
	Reused bool
}

// ParticipantIDs returns the user ids of every participant.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Participant is a user's membership in a conversation
type Participant struct {
	UserID   string
	JoinedAt time.Time
}

// ConversationSummary is one row of a user's conversation list
type ConversationSummary struct {
	Conversation
	LastMessage   *string
	LastMessageAt *time.Time
	UnreadCount   int
}

// MessageState is the lifecycle state of a message: Active or Deleted.
type MessageState interface {
	messageState()
}

// Active is a live message.
type Active struct {
	Content string
}

// Deleted is a soft-deleted message. Content is retained for audit only.
type Deleted struct {
	Content string
	At      time.Time
}

func (Active) messageState()  {}
func (Deleted) messageState() {}

// Message is a single chat message
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	CreatedAt      time.Time
	UpdatedAt      *time.Time
	State          MessageState
	ReadBy         []ReadReceipt
}

// Content returns the visible content, empty once the message is deleted.
func (m *Message) Content() string {
	if s, ok := m.State.(Active); ok {
		return s.Content
	}
	return ""
}

// AuditContent returns the stored content regardless of state.
func (m *Message) AuditContent() string {
	switch s := m.State.(type) {
	case Active:
		return s.Content
	case Deleted:
		return s.Content
	default:
		return ""
	}
}

// IsDeleted reports whether the message has been soft-deleted.
func (m *Message) IsDeleted() bool {
	_, ok := m.State.(Deleted)
	return ok
}

// DeletedAt returns the deletion time for deleted messages.
func (m *Message) DeletedAt() (time.Time, bool) {
	if s, ok := m.State.(Deleted); ok {
		return s.At, true
	}
	return time.Time{}, false
}

// ReadReceipt records that a user read a message
type ReadReceipt struct {
	MessageID string
	UserID    string
	ReadAt    time.Time
}

// Page selects a window of a listing. Zero Limit means the default page size.
type Page struct {
	Skip  int
	Limit int
}

// Limits bounds message content and page sizes.
type Limits struct {
	MaxContentLength int
	DefaultPageSize  int
	MaxPageSize      int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxContentLength: 4000,
		DefaultPageSize:  50,
		MaxPageSize:      200,
	}
}

// Store is the persistence contract for conversation state.
// All mutations pass through it so invariants are enforced in one place.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, creatorID string, participantIDs []string, isGroup bool, name string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, page Page) ([]ConversationSummary, int, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)

	// Messages
	CreateMessage(ctx context.Context, senderID, conversationID, content string) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, messageID, userID, content string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID, userID string) (*Message, error)
	ListMessages(ctx context.Context, conversationID, userID string, page Page, includeDeleted bool) ([]*Message, int, error)

	// Read state
	MarkMessageRead(ctx context.Context, messageID, userID string) (bool, error)
	MarkConversationRead(ctx context.Context, userID, conversationID string) (int, error)
	UnreadCount(ctx context.Context, userID, conversationID string) (int, error)
	ReadReceipts(ctx context.Context, messageID, userID string) ([]ReadReceipt, error)

	// Blocks
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) (bool, error)
	IsBlocked(ctx context.Context, a, b string) (bool, error)
	ListBlocked(ctx context.Context, userID string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
