// ABOUTME: Wire frames for the live protocol: a closed set of inbound variants and outbound payloads
// ABOUTME: Decodes by type discriminator, rejects unknown types, and validates required fields

package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-messenger/internal/store"
)

// Inbound frame types.
const (
	TypeSendMessage       = "send_message"
	TypeEditMessage       = "edit_message"
	TypeDeleteMessage     = "delete_message"
	TypeOpenConversation  = "open_conversation"
	TypeCloseConversation = "close_conversation"
	TypeTyping            = "typing"
	TypeReadReceipt       = "read_receipt"
	TypeBlockUser         = "block_user"
	TypeUnblockUser       = "unblock_user"
	TypePing              = "ping"
	TypePong              = "pong"
)

// Outbound frame types not shared with inbound ones.
const (
	TypeNewMessage          = "new_message"
	TypeMessageSent         = "message_sent"
	TypeMessageUpdated      = "message_updated"
	TypeMessageEdited       = "message_edited"
	TypeMessageDeleted      = "message_deleted"
	TypeMessageRemoved      = "message_removed"
	TypeMessageRead         = "message_read"
	TypeConversationCreated = "conversation_created"
	TypeConversationOpened  = "conversation_opened"
	TypeConversationClosed  = "conversation_closed"
	TypeConversationRead    = "conversation_read"
	TypeTypingSent          = "typing_sent"
	TypeUserBlocked         = "user_blocked"
	TypeUserUnblocked       = "user_unblocked"
	TypeError               = "error"
)

// Error codes used only by the live protocol. Domain errors use the store codes.
const (
	CodeUnknownType = "unknown_type"
	CodeRateLimited = "rate_limited"
	CodeInFlight    = "duplicate_in_flight"
	CodeMalformed   = "malformed_frame"
)

// Delivery status of a message_sent acknowledgement: delivered when at least one
// recipient was online, sent otherwise.
const (
	DeliveryDelivered = "delivered"
	DeliverySent      = "sent"
)

// ErrMalformedFrame is returned for frames that are not a JSON object with a type.
var ErrMalformedFrame = errors.New("malformed frame")

// UnknownTypeError reports a frame whose type is not part of the protocol.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}

// Frame is one inbound protocol frame. The set of implementations is closed.
type Frame interface {
	Type() string
	validate() error
}

// SendMessageFrame sends content to a conversation. Without a conversation id,
// the conversation is created first from ParticipantIDs.
type SendMessageFrame struct {
	ConversationID  string   `json:"conversation_id"`
	Content         string   `json:"content"`
	ClientMessageID string   `json:"client_message_id"`
	ParticipantIDs  []string `json:"participant_ids"`
	IsGroup         bool     `json:"is_group"`
	Name            string   `json:"name"`
}

type EditMessageFrame struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessageFrame struct {
	MessageID string `json:"message_id"`
}

type OpenConversationFrame struct {
	ConversationID string `json:"conversation_id"`
}

type CloseConversationFrame struct {
	ConversationID string `json:"conversation_id"`
}

// TypingFrame signals typing activity. IsTyping defaults to true.
type TypingFrame struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       *bool  `json:"is_typing"`
}

// ReadReceiptFrame marks one message, or a whole conversation, as read.
type ReadReceiptFrame struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type BlockUserFrame struct {
	UserID string `json:"user_id"`
}

type UnblockUserFrame struct {
	UserID string `json:"user_id"`
}

type PingFrame struct{}

type PongFrame struct{}

func (*SendMessageFrame) Type() string       { return TypeSendMessage }
func (*EditMessageFrame) Type() string       { return TypeEditMessage }
func (*DeleteMessageFrame) Type() string     { return TypeDeleteMessage }
func (*OpenConversationFrame) Type() string  { return TypeOpenConversation }
func (*CloseConversationFrame) Type() string { return TypeCloseConversation }
func (*TypingFrame) Type() string            { return TypeTyping }
func (*ReadReceiptFrame) Type() string       { return TypeReadReceipt }
func (*BlockUserFrame) Type() string         { return TypeBlockUser }
func (*UnblockUserFrame) Type() string       { return TypeUnblockUser }
func (*PingFrame) Type() string              { return TypePing }
func (*PongFrame) Type() string              { return TypePong }

func (f *SendMessageFrame) validate() error {
	if strings.TrimSpace(f.Content) == "" {
		return errors.New("content is required")
	}
	if f.ConversationID == "" {
		if len(f.ParticipantIDs) == 0 {
			return errors.New("conversation_id or participant_ids is required")
		}
		for i, id := range f.ParticipantIDs {
			canonical, err := canonicalID("participant_ids", id)
			if err != nil {
				return err
			}
			f.ParticipantIDs[i] = canonical
		}
		return nil
	}
	var err error
	f.ConversationID, err = canonicalID("conversation_id", f.ConversationID)
	return err
}

func (f *EditMessageFrame) validate() error {
	var err error
	if f.MessageID, err = canonicalID("message_id", f.MessageID); err != nil {
		return err
	}
	if strings.TrimSpace(f.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

func (f *DeleteMessageFrame) validate() error {
	var err error
	f.MessageID, err = canonicalID("message_id", f.MessageID)
	return err
}

func (f *OpenConversationFrame) validate() error {
	var err error
	f.ConversationID, err = canonicalID("conversation_id", f.ConversationID)
	return err
}

func (f *CloseConversationFrame) validate() error {
	var err error
	f.ConversationID, err = canonicalID("conversation_id", f.ConversationID)
	return err
}

func (f *TypingFrame) validate() error {
	var err error
	f.ConversationID, err = canonicalID("conversation_id", f.ConversationID)
	if f.IsTyping == nil {
		typing := true
		f.IsTyping = &typing
	}
	return err
}

func (f *ReadReceiptFrame) validate() error {
	var err error
	switch {
	case f.MessageID != "" && f.ConversationID != "":
		return errors.New("set only one of message_id and conversation_id")
	case f.MessageID != "":
		f.MessageID, err = canonicalID("message_id", f.MessageID)
	case f.ConversationID != "":
		f.ConversationID, err = canonicalID("conversation_id", f.ConversationID)
	default:
		return errors.New("message_id or conversation_id is required")
	}
	return err
}

func (f *BlockUserFrame) validate() error {
	var err error
	f.UserID, err = canonicalID("user_id", f.UserID)
	return err
}

func (f *UnblockUserFrame) validate() error {
	var err error
	f.UserID, err = canonicalID("user_id", f.UserID)
	return err
}

func (*PingFrame) validate() error { return nil }
func (*PongFrame) validate() error { return nil }

// canonicalID checks that v is a canonical UUID and returns it lowercased.
func canonicalID(field, v string) (string, error) {
	if v == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	id, err := uuid.Parse(v)
	if err != nil || len(v) != 36 {
		return "", fmt.Errorf("%s must be a canonical UUID", field)
	}
	return id.String(), nil
}

// DecodeFrame parses one inbound frame. Unknown types yield *UnknownTypeError.
func DecodeFrame(data []byte) (Frame, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var f Frame
	switch envelope.Type {
	case TypeSendMessage:
		f = &SendMessageFrame{}
	case TypeEditMessage:
		f = &EditMessageFrame{}
	case TypeDeleteMessage:
		f = &DeleteMessageFrame{}
	case TypeOpenConversation:
		f = &OpenConversationFrame{}
	case TypeCloseConversation:
		f = &CloseConversationFrame{}
	case TypeTyping:
		f = &TypingFrame{}
	case TypeReadReceipt:
		f = &ReadReceiptFrame{}
	case TypeBlockUser:
		f = &BlockUserFrame{}
	case TypeUnblockUser:
		f = &UnblockUserFrame{}
	case TypePing:
		return &PingFrame{}, nil
	case TypePong:
		return &PongFrame{}, nil
	case "":
		return nil, fmt.Errorf("%w: type is required", ErrMalformedFrame)
	default:
		return nil, &UnknownTypeError{Type: envelope.Type}
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// Outbound payloads

// MessagePayload is the wire form of a message.
type MessagePayload struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	Deleted        bool       `json:"deleted"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// NewMessagePayload renders msg. Deleted messages carry no content.
func NewMessagePayload(msg *store.Message) MessagePayload {
	p := MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content(),
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
	if at, ok := msg.DeletedAt(); ok {
		p.Deleted = true
		p.DeletedAt = &at
	}
	return p
}

// ConversationPayload is the wire form of a conversation.
type ConversationPayload struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	IsGroup        bool      `json:"is_group"`
	CreatedAt      time.Time `json:"created_at"`
	ParticipantIDs []string  `json:"participant_ids"`
}

// NewConversationPayload renders conv.
func NewConversationPayload(conv *store.Conversation) ConversationPayload {
	return ConversationPayload{
		ID:             conv.ID,
		Name:           conv.Name,
		IsGroup:        conv.IsGroup,
		CreatedAt:      conv.CreatedAt,
		ParticipantIDs: conv.ParticipantIDs(),
	}
}

type messageFrame struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

type messageSentFrame struct {
	Type             string               `json:"type"`
	Message          MessagePayload       `json:"message"`
	Conversation     *ConversationPayload `json:"conversation,omitempty"`
	ClientMessageID  string               `json:"client_message_id,omitempty"`
	Duplicate        bool                 `json:"duplicate,omitempty"`
	Status           string               `json:"status"`
	OnlineRecipients int                  `json:"online_recipients"`
	TotalRecipients  int                  `json:"total_recipients"`
}

type messageDeletedFrame struct {
	Type           string    `json:"type"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	DeletedAt      time.Time `json:"deleted_at"`
}

type conversationFrame struct {
	Type         string              `json:"type"`
	Conversation ConversationPayload `json:"conversation"`
}

type conversationStatusFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id,omitempty"`
	MessagesRead   *int   `json:"messages_read,omitempty"`
}

type typingFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

type readReceiptFrame struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
}

type userFrame struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Removed *bool  `json:"removed,omitempty"`
}

type errorFrame struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Error       string `json:"error"`
	RequestType string `json:"request_type,omitempty"`
}

type bareFrame struct {
	Type string `json:"type"`
}

var (
	pingPayload = mustEncode(bareFrame{Type: TypePing})
	pongPayload = mustEncode(bareFrame{Type: TypePong})
)

func mustEncode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
