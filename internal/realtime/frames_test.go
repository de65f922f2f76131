// ABOUTME: Tests for frame decoding, validation and outbound payload rendering
// ABOUTME: Checks the closed set of frame types and id canonicalization

package realtime

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messenger/internal/store"
)

const sampleID = "6f1c2a3b-4d5e-4f60-8a7b-9c0d1e2f3a4b"

func TestDecodeFrame_KnownTypes(t *testing.T) {
	tests := []struct {
		data string
		want Frame
	}{
		{`{"type":"send_message","conversation_id":"` + sampleID + `","content":"hi"}`, &SendMessageFrame{}},
		{`{"type":"edit_message","message_id":"` + sampleID + `","content":"hi"}`, &EditMessageFrame{}},
		{`{"type":"delete_message","message_id":"` + sampleID + `"}`, &DeleteMessageFrame{}},
		{`{"type":"open_conversation","conversation_id":"` + sampleID + `"}`, &OpenConversationFrame{}},
		{`{"type":"close_conversation","conversation_id":"` + sampleID + `"}`, &CloseConversationFrame{}},
		{`{"type":"typing","conversation_id":"` + sampleID + `"}`, &TypingFrame{}},
		{`{"type":"read_receipt","message_id":"` + sampleID + `"}`, &ReadReceiptFrame{}},
		{`{"type":"block_user","user_id":"` + sampleID + `"}`, &BlockUserFrame{}},
		{`{"type":"unblock_user","user_id":"` + sampleID + `"}`, &UnblockUserFrame{}},
		{`{"type":"ping"}`, &PingFrame{}},
		{`{"type":"pong"}`, &PongFrame{}},
	}

	for _, tt := range tests {
		t.Run(tt.want.Type(), func(t *testing.T) {
			frame, err := DecodeFrame([]byte(tt.data))
			require.NoError(t, err)
			assert.IsType(t, tt.want, frame)
			assert.Equal(t, tt.want.Type(), frame.Type())
			assert.NoError(t, frame.validate())
		})
	}
}

func TestDecodeFrame_UnknownType(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"self_destruct"}`))

	var unknown *UnknownTypeError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "self_destruct", unknown.Type)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	for _, data := range []string{
		`not json`,
		`[]`,
		`{}`,
		`{"type":""}`,
		`{"type":"send_message","content":42}`,
	} {
		_, err := DecodeFrame([]byte(data))
		assert.ErrorIs(t, err, ErrMalformedFrame, "input %s", data)
	}
}

func TestValidate_CanonicalizesIDs(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"delete_message","message_id":"` + strings.ToUpper(sampleID) + `"}`))
	require.NoError(t, err)
	require.NoError(t, frame.validate())
	assert.Equal(t, sampleID, frame.(*DeleteMessageFrame).MessageID)
}

func TestValidate_RejectsBadIDs(t *testing.T) {
	for _, id := range []string{"", "abc", "{" + sampleID + "}", strings.ReplaceAll(sampleID, "-", "")} {
		f := &DeleteMessageFrame{MessageID: id}
		assert.Error(t, f.validate(), "id %q", id)
	}
}

func TestValidate_SendMessage(t *testing.T) {
	tests := []struct {
		name    string
		frame   SendMessageFrame
		wantErr bool
	}{
		{"conversation", SendMessageFrame{ConversationID: sampleID, Content: "hi"}, false},
		{"create first", SendMessageFrame{ParticipantIDs: []string{sampleID}, Content: "hi"}, false},
		{"blank content", SendMessageFrame{ConversationID: sampleID, Content: "  "}, true},
		{"no target", SendMessageFrame{Content: "hi"}, true},
		{"bad participant", SendMessageFrame{ParticipantIDs: []string{"bob"}, Content: "hi"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_TypingDefaultsToTrue(t *testing.T) {
	f := &TypingFrame{ConversationID: sampleID}
	require.NoError(t, f.validate())
	require.NotNil(t, f.IsTyping)
	assert.True(t, *f.IsTyping)
}

func TestValidate_ReadReceiptNeedsExactlyOneTarget(t *testing.T) {
	assert.Error(t, (&ReadReceiptFrame{}).validate())
	assert.Error(t, (&ReadReceiptFrame{MessageID: sampleID, ConversationID: sampleID}).validate())
	assert.NoError(t, (&ReadReceiptFrame{ConversationID: sampleID}).validate())
}

func TestNewMessagePayload_HidesDeletedContent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &store.Message{
		ID:             sampleID,
		ConversationID: sampleID,
		SenderID:       sampleID,
		CreatedAt:      at,
		State:          store.Deleted{Content: "secret", At: at},
	}

	p := NewMessagePayload(msg)
	assert.True(t, p.Deleted)
	assert.Empty(t, p.Content)
	require.NotNil(t, p.DeletedAt)
	assert.Equal(t, at, *p.DeletedAt)

	assert.NotContains(t, string(mustEncode(p)), "secret")
}

func TestNewMessagePayload_Active(t *testing.T) {
	msg := &store.Message{ID: sampleID, State: store.Active{Content: "hello"}}

	p := NewMessagePayload(msg)
	assert.False(t, p.Deleted)
	assert.Nil(t, p.DeletedAt)
	assert.Equal(t, "hello", p.Content)
}
