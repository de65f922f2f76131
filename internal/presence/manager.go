// ABOUTME: Presence manager tracking live channels and open conversations per user.
// ABOUTME: Performs at-most-once fan-out to online users and isolates per-recipient failures.

package presence

import (
	"log/slog"
	"sync"
)

// Channel is a live connection to one user. Send must enqueue the payload
// without blocking and return an error if the channel can no longer accept it.
type Channel interface {
	Send(payload []byte) error
}

// Manager tracks live channels and the conversations each user has open.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	open     map[string]map[string]struct{} // userID -> conversationID set
	logger   *slog.Logger
}

// NewManager creates a presence manager. Pass nil logger for default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		open:     make(map[string]map[string]struct{}),
		logger:   logger.With("component", "presence"),
	}
}

// Connect registers ch as the live channel for userID and returns the channel
// it replaced, if any. Closing the replaced channel is the caller's job.
func (m *Manager) Connect(userID string, ch Channel) Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.channels[userID]
	m.channels[userID] = ch
	if _, ok := m.open[userID]; !ok {
		m.open[userID] = make(map[string]struct{})
	}

	m.logger.Info("user connected",
		"user_id", userID,
		"replaced", previous != nil,
		"online", len(m.channels),
	)
	return previous
}

// Disconnect removes userID's channel. The open-conversation set is kept.
func (m *Manager) Disconnect(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(userID)
}

// Release removes userID's channel only if ch is still the registered one, so a
// replaced connection tearing down cannot evict its successor.
func (m *Manager) Release(userID string, ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channels[userID] != ch {
		return false
	}
	m.removeLocked(userID)
	return true
}

func (m *Manager) removeLocked(userID string) {
	if _, ok := m.channels[userID]; !ok {
		return
	}
	delete(m.channels, userID)
	m.logger.Info("user disconnected",
		"user_id", userID,
		"online", len(m.channels),
	)
}

// IsOnline reports whether userID has a live channel.
func (m *Manager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[userID]
	return ok
}

// OnlineCount returns the number of users with a live channel.
func (m *Manager) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// OpenConversation records that userID is viewing conversationID.
func (m *Manager) OpenConversation(userID, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.open[userID]
	if !ok {
		set = make(map[string]struct{})
		m.open[userID] = set
	}
	set[conversationID] = struct{}{}
}

// CloseConversation records that userID stopped viewing conversationID.
func (m *Manager) CloseConversation(userID, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.open[userID]; ok {
		delete(set, conversationID)
	}
}

// HasOpenConversation reports whether userID is viewing conversationID.
func (m *Manager) HasOpenConversation(userID, conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.open[userID][conversationID]
	return ok
}

// SendTo delivers payload to userID if online. Offline users are silently skipped.
// Returns true if the payload was handed to a live channel.
func (m *Manager) SendTo(userID string, payload []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deliverLocked(userID, payload)
}

// Broadcast delivers payload once to every online user in recipients that is not
// in exclude. Duplicate recipients are delivered to once. A failing recipient is
// logged and skipped. Returns the users the payload was handed to.
func (m *Manager) Broadcast(payload []byte, recipients []string, exclude ...string) []string {
	skip := make(map[string]struct{}, len(exclude)+len(recipients))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var delivered []string
	for _, userID := range recipients {
		if _, ok := skip[userID]; ok {
			continue
		}
		skip[userID] = struct{}{}

		if m.deliverLocked(userID, payload) {
			delivered = append(delivered, userID)
		}
	}
	return delivered
}

// deliverLocked sends to one user. Must be called with mu held for reading.
func (m *Manager) deliverLocked(userID string, payload []byte) bool {
	ch, ok := m.channels[userID]
	if !ok {
		return false
	}
	if err := ch.Send(payload); err != nil {
		m.logger.Warn("transient delivery failure",
			"user_id", userID,
			"error", err,
		)
		return false
	}
	return true
}
