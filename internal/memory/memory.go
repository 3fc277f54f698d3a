// Package memory provides conversation history storage for follow-up
// questions within a session.
package memory

import (
	"strings"
	"sync"
	"time"
)

// Message represents a single message in a conversation.
type Message struct {
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Conversation holds the message history for a session.
type Conversation struct {
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides in-memory conversation storage with per-session trimming
// and TTL-based expiry.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	maxMessages   int
	ttl           time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewStore creates a conversation store. maxMessages bounds each session's
// history; ttl expires sessions after inactivity.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	s := &Store{
		conversations: make(map[string]*Conversation),
		maxMessages:   maxMessages,
		ttl:           ttl,
		stop:          make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// DefaultStore creates a store with sensible defaults: 20 messages per
// session (10 turns), 1 hour TTL.
func DefaultStore() *Store {
	return NewStore(20, 1*time.Hour)
}

// Close stops the background cleanup goroutine.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// AddUserMessage appends a user message to the session.
func (s *Store) AddUserMessage(sessionID, content string) {
	s.addMessage(sessionID, "user", content)
}

// AddAssistantMessage appends an assistant message to the session.
func (s *Store) AddAssistantMessage(sessionID, content string) {
	s.addMessage(sessionID, "assistant", content)
}

func (s *Store) addMessage(sessionID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[sessionID]
	if !exists {
		conv = &Conversation{CreatedAt: time.Now()}
		s.conversations[sessionID] = conv
	}

	conv.Messages = append(conv.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	conv.UpdatedAt = time.Now()

	if len(conv.Messages) > s.maxMessages {
		conv.Messages = conv.Messages[len(conv.Messages)-s.maxMessages:]
	}
}

// RecentHistory returns the last n messages of the session, or nil when the
// session is unknown.
func (s *Store) RecentHistory(sessionID string, n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[sessionID]
	if !exists {
		return nil
	}

	messages := conv.Messages
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}

	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// ClearSession removes a conversation from memory.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, sessionID)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, conv := range s.conversations {
		if now.Sub(conv.UpdatedAt) > s.ttl {
			delete(s.conversations, id)
		}
	}
}

// FormatForPrompt renders the conversation history for inclusion in a prompt.
func FormatForPrompt(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			sb.WriteString("User: ")
		case "assistant":
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
