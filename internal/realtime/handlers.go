// ABOUTME: Frame handlers: each performs one store operation, fans out, and acknowledges the sender
// ABOUTME: Domain errors become error frames; the connection stays open

package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-messenger/internal/dedupe"
	"github.com/2389/coven-messenger/internal/store"
)

// dispatch routes a validated frame to its handler.
func (s *Session) dispatch(ctx context.Context, frame Frame) {
	switch f := frame.(type) {
	case *SendMessageFrame:
		s.handleSendMessage(ctx, f)
	case *EditMessageFrame:
		s.handleEditMessage(ctx, f)
	case *DeleteMessageFrame:
		s.handleDeleteMessage(ctx, f)
	case *OpenConversationFrame:
		s.handleOpenConversation(ctx, f)
	case *CloseConversationFrame:
		s.hub.presence.CloseConversation(s.userID, f.ConversationID)
		s.send(conversationStatusFrame{Type: TypeConversationClosed, ConversationID: f.ConversationID})
	case *TypingFrame:
		s.handleTyping(ctx, f)
	case *ReadReceiptFrame:
		if f.MessageID != "" {
			s.handleMessageRead(ctx, f.MessageID)
		} else {
			s.handleConversationRead(ctx, f.ConversationID)
		}
	case *BlockUserFrame:
		s.handleBlock(ctx, f)
	case *UnblockUserFrame:
		s.handleUnblock(ctx, f)
	case *PingFrame:
		s.sendRaw(pongPayload)
	case *PongFrame:
		// liveness is recorded by the receive loop
	default:
		s.replyError(frame.Type(), CodeUnknownType, fmt.Sprintf("unhandled frame type %q", frame.Type()))
	}
}

func (s *Session) handleSendMessage(ctx context.Context, f *SendMessageFrame) {
	key := ""
	if f.ClientMessageID != "" {
		key = dedupe.Key(s.userID, f.ClientMessageID)
		result, status := s.hub.dedupe.Claim(key)
		switch status {
		case dedupe.Completed:
			s.resendAck(result)
			return
		case dedupe.InFlight:
			s.replyError(TypeSendMessage, CodeInFlight, "a message with this client_message_id is still being processed")
			return
		}
	}

	ack, msg, conv, delivered, err := s.sendMessage(ctx, f)
	if err != nil {
		if key != "" {
			s.hub.dedupe.Release(key)
		}
		s.replyStoreError(TypeSendMessage, err)
		return
	}

	payload := mustEncode(ack)
	if key != "" {
		s.hub.dedupe.Complete(key, string(payload))
	}
	s.sendRaw(payload)

	s.markReadWhileViewing(ctx, msg, conv, delivered)
}

// sendMessage persists the message, creating the conversation first when asked,
// and fans it out. Fan-out only happens after the message is stored.
func (s *Session) sendMessage(ctx context.Context, f *SendMessageFrame) (messageSentFrame, *store.Message, *store.Conversation, []string, error) {
	var created *store.Conversation
	conversationID := f.ConversationID

	if conversationID == "" {
		conv, err := s.hub.store.CreateConversation(ctx, s.userID, f.ParticipantIDs, f.IsGroup, f.Name)
		if err != nil {
			return messageSentFrame{}, nil, nil, nil, err
		}
		conversationID = conv.ID
		if !conv.Reused {
			created = conv
			s.notify(conversationFrame{Type: TypeConversationCreated, Conversation: NewConversationPayload(conv)},
				conv.ParticipantIDs(), s.userID)
		}
	}

	msg, err := s.hub.store.CreateMessage(ctx, s.userID, conversationID, f.Content)
	if err != nil {
		return messageSentFrame{}, nil, nil, nil, err
	}

	conv := created
	if conv == nil {
		conv, err = s.hub.store.GetConversation(ctx, conversationID)
		if err != nil {
			return messageSentFrame{}, nil, nil, nil, err
		}
	}

	recipients := conv.ParticipantIDs()
	delivered := s.notify(messageFrame{Type: TypeNewMessage, Message: NewMessagePayload(msg)}, recipients, s.userID)

	ack := messageSentFrame{
		Type:             TypeMessageSent,
		Message:          NewMessagePayload(msg),
		ClientMessageID:  f.ClientMessageID,
		Status:           DeliverySent,
		OnlineRecipients: len(delivered),
		TotalRecipients:  len(recipients) - 1,
	}
	if len(delivered) > 0 {
		ack.Status = DeliveryDelivered
	}
	if created != nil {
		payload := NewConversationPayload(created)
		ack.Conversation = &payload
	}

	s.logger.Debug("message sent",
		"message_id", msg.ID,
		"conversation_id", conv.ID,
		"delivered", len(delivered),
	)
	return ack, msg, conv, delivered, nil
}

// markReadWhileViewing marks msg read for every recipient it reached who has the
// conversation open right now. A recipient who opens the conversation after this
// point catches up through the mark that open_conversation performs.
func (s *Session) markReadWhileViewing(ctx context.Context, msg *store.Message, conv *store.Conversation, delivered []string) {
	for _, userID := range delivered {
		if !s.hub.presence.HasOpenConversation(userID, conv.ID) {
			continue
		}
		ok, err := s.hub.store.MarkMessageRead(ctx, msg.ID, userID)
		if err != nil {
			s.logger.Warn("marking message read for viewer",
				"message_id", msg.ID,
				"reader_id", userID,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		s.notify(readReceiptFrame{
			Type:           TypeReadReceipt,
			MessageID:      msg.ID,
			ConversationID: conv.ID,
			ReaderID:       userID,
		}, conv.ParticipantIDs(), userID)
	}
}

// resendAck replays the acknowledgement of an already processed send.
func (s *Session) resendAck(result string) {
	var ack messageSentFrame
	if err := json.Unmarshal([]byte(result), &ack); err != nil {
		s.logger.Error("decoding cached acknowledgement", "error", err)
		s.replyError(TypeSendMessage, store.CodeInternal, "internal error")
		return
	}
	ack.Duplicate = true
	s.send(ack)
}

func (s *Session) handleEditMessage(ctx context.Context, f *EditMessageFrame) {
	msg, err := s.hub.store.UpdateMessage(ctx, f.MessageID, s.userID, f.Content)
	if err != nil {
		s.replyStoreError(TypeEditMessage, err)
		return
	}

	payload := NewMessagePayload(msg)
	s.notify(messageFrame{Type: TypeMessageEdited, Message: payload}, s.participantsOf(ctx, msg.ConversationID), s.userID)
	s.send(messageFrame{Type: TypeMessageUpdated, Message: payload})
}

func (s *Session) handleDeleteMessage(ctx context.Context, f *DeleteMessageFrame) {
	msg, err := s.hub.store.DeleteMessage(ctx, f.MessageID, s.userID)
	if err != nil {
		s.replyStoreError(TypeDeleteMessage, err)
		return
	}

	deletedAt, _ := msg.DeletedAt()
	notice := messageDeletedFrame{
		Type:           TypeMessageRemoved,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeletedAt:      deletedAt,
	}
	s.notify(notice, s.participantsOf(ctx, msg.ConversationID), s.userID)

	notice.Type = TypeMessageDeleted
	s.send(notice)
}

// handleOpenConversation records the conversation as being viewed and marks its
// backlog read. The open mark is recorded before the backlog so a message that
// lands in between is either in the backlog or marked on delivery.
func (s *Session) handleOpenConversation(ctx context.Context, f *OpenConversationFrame) {
	conv, err := s.memberConversation(ctx, f.ConversationID)
	if err != nil {
		s.replyStoreError(TypeOpenConversation, err)
		return
	}

	s.hub.presence.OpenConversation(s.userID, conv.ID)

	n, err := s.hub.store.MarkConversationRead(ctx, s.userID, conv.ID)
	if err != nil {
		s.replyStoreError(TypeOpenConversation, err)
		return
	}

	s.send(conversationStatusFrame{Type: TypeConversationOpened, ConversationID: conv.ID, MessagesRead: &n})
	if n > 0 {
		s.notify(conversationStatusFrame{Type: TypeConversationRead, ConversationID: conv.ID, ReaderID: s.userID},
			conv.ParticipantIDs(), s.userID)
	}
}

func (s *Session) handleTyping(ctx context.Context, f *TypingFrame) {
	conv, err := s.memberConversation(ctx, f.ConversationID)
	if err != nil {
		s.replyStoreError(TypeTyping, err)
		return
	}

	recipients := make([]string, 0, len(conv.Participants))
	for _, id := range conv.ParticipantIDs() {
		if id == s.userID {
			continue
		}
		blocked, err := s.hub.store.IsBlocked(ctx, s.userID, id)
		if err != nil {
			s.logger.Warn("checking block for typing", "other_user_id", id, "error", err)
			continue
		}
		if !blocked {
			recipients = append(recipients, id)
		}
	}

	s.notify(typingFrame{
		Type:           TypeTyping,
		ConversationID: conv.ID,
		UserID:         s.userID,
		IsTyping:       *f.IsTyping,
	}, recipients)
	s.send(typingFrame{Type: TypeTypingSent, ConversationID: conv.ID, IsTyping: *f.IsTyping})
}

func (s *Session) handleMessageRead(ctx context.Context, messageID string) {
	ok, err := s.hub.store.MarkMessageRead(ctx, messageID, s.userID)
	if err != nil {
		s.replyStoreError(TypeReadReceipt, err)
		return
	}
	if !ok {
		s.replyStoreError(TypeReadReceipt, store.ErrMessageNotFound)
		return
	}

	msg, err := s.hub.store.GetMessage(ctx, messageID)
	if err != nil {
		s.replyStoreError(TypeReadReceipt, err)
		return
	}

	receipt := readReceiptFrame{
		Type:           TypeMessageRead,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ReaderID:       s.userID,
	}
	s.send(receipt)

	if msg.SenderID != s.userID {
		receipt.Type = TypeReadReceipt
		s.notify(receipt, s.participantsOf(ctx, msg.ConversationID), s.userID)
	}
}

func (s *Session) handleConversationRead(ctx context.Context, conversationID string) {
	conv, err := s.memberConversation(ctx, conversationID)
	if err != nil {
		s.replyStoreError(TypeReadReceipt, err)
		return
	}

	n, err := s.hub.store.MarkConversationRead(ctx, s.userID, conv.ID)
	if err != nil {
		s.replyStoreError(TypeReadReceipt, err)
		return
	}

	s.send(conversationStatusFrame{
		Type:           TypeConversationRead,
		ConversationID: conv.ID,
		ReaderID:       s.userID,
		MessagesRead:   &n,
	})
	if n > 0 {
		s.notify(conversationStatusFrame{Type: TypeConversationRead, ConversationID: conv.ID, ReaderID: s.userID},
			conv.ParticipantIDs(), s.userID)
	}
}

func (s *Session) handleBlock(ctx context.Context, f *BlockUserFrame) {
	if err := s.hub.store.Block(ctx, s.userID, f.UserID); err != nil {
		s.replyStoreError(TypeBlockUser, err)
		return
	}
	s.send(userFrame{Type: TypeUserBlocked, UserID: f.UserID})
}

func (s *Session) handleUnblock(ctx context.Context, f *UnblockUserFrame) {
	removed, err := s.hub.store.Unblock(ctx, s.userID, f.UserID)
	if err != nil {
		s.replyStoreError(TypeUnblockUser, err)
		return
	}
	s.send(userFrame{Type: TypeUserUnblocked, UserID: f.UserID, Removed: &removed})
}

// memberConversation loads a conversation the session user belongs to.
func (s *Session) memberConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.hub.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(s.userID) {
		return nil, store.ErrNotAParticipant
	}
	return conv, nil
}

// participantsOf returns the members of a conversation for fan-out. Lookup
// failures skip the fan-out; the operation itself already succeeded.
func (s *Session) participantsOf(ctx context.Context, conversationID string) []string {
	conv, err := s.hub.store.GetConversation(ctx, conversationID)
	if err != nil {
		s.logger.Warn("loading participants for fan-out", "conversation_id", conversationID, "error", err)
		return nil
	}
	return conv.ParticipantIDs()
}

// send encodes v and queues it for this session.
func (s *Session) send(v any) {
	s.sendRaw(mustEncode(v))
}

func (s *Session) sendRaw(payload []byte) {
	if err := s.Send(payload); err != nil {
		s.logger.Debug("dropping frame for closing session", "error", err)
	}
}

// notify fans v out to online recipients and returns who it reached.
func (s *Session) notify(v any, recipients []string, exclude ...string) []string {
	if len(recipients) == 0 {
		return nil
	}
	return s.hub.presence.Broadcast(mustEncode(v), recipients, exclude...)
}

func (s *Session) replyError(requestType, code, message string) {
	s.send(errorFrame{Type: TypeError, Code: code, Error: message, RequestType: requestType})
}

// replyStoreError reports a store failure. Unclassified failures are logged and
// reported without detail.
func (s *Session) replyStoreError(requestType string, err error) {
	code := store.ErrorCode(err)
	if code == store.CodeInternal {
		s.logger.Error("handling frame", "type", requestType, "error", err)
		s.replyError(requestType, code, "internal error")
		return
	}
	s.logger.Debug("frame rejected", "type", requestType, "code", code, "error", err)
	s.replyError(requestType, code, err.Error())
}
