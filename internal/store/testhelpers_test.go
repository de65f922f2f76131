// ABOUTME: Shared helpers for store tests
// ABOUTME: Opens a temp-dir SQLite store and creates users and conversations

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newUser() string {
	return uuid.New().String()
}

func mustDirect(t *testing.T, s *SQLiteStore, a, b string) *Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), a, []string{b}, false, "")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return conv
}

func mustSend(t *testing.T, s *SQLiteStore, sender, conversationID, content string) *Message {
	t.Helper()
	msg, err := s.CreateMessage(context.Background(), sender, conversationID, content)
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	return msg
}

// steppingClock returns a clock that advances one millisecond per reading.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}
