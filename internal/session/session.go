package session

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/querydesk/internal/agent"
	"github.com/nidhogg/querydesk/internal/database"
	"github.com/nidhogg/querydesk/internal/provider"
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the chat history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// QueryLogEntry records a user question.
type QueryLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Query     string    `json:"query"`
}

// ModelSettings are the per-session model and loop settings. A nil
// HandleParsingErrors means on.
type ModelSettings struct {
	provider.ModelConfig
	MaxIterations       int   `json:"max_iterations"`
	HandleParsingErrors *bool `json:"handle_parsing_errors,omitempty"`
}

// ParseRecovery reports whether malformed model output is fed back to the
// model instead of ending the turn.
func (m ModelSettings) ParseRecovery() bool {
	return m.HandleParsingErrors == nil || *m.HandleParsingErrors
}

// clone returns m with its own HandleParsingErrors value, so decoding into
// the copy leaves m untouched.
func (m ModelSettings) clone() ModelSettings {
	if m.HandleParsingErrors != nil {
		v := *m.HandleParsingErrors
		m.HandleParsingErrors = &v
	}
	return m
}

// normalize clamps the settings to their valid ranges and makes the parse
// recovery policy explicit.
func (m ModelSettings) normalize() ModelSettings {
	m.MaxIterations = agent.ClampIterations(m.MaxIterations)
	if m.Temperature < 0 {
		m.Temperature = 0
	}
	if m.Temperature > 1 {
		m.Temperature = 1
	}
	on := m.ParseRecovery()
	m.HandleParsingErrors = &on
	return m
}

// Session is one conversation. Turns on a session run one at a time.
type Session struct {
	ID        string
	CreatedAt time.Time

	turn sync.Mutex // held for the duration of a turn

	mu         sync.Mutex
	history    []Message
	audit      []QueryLogEntry
	descriptor database.Descriptor
	model      ModelSettings
	cancel     context.CancelFunc
	lastActive time.Time
}

// View is a read-only copy of a session for display. The connection
// password is never included.
type View struct {
	ID         string              `json:"id"`
	CreatedAt  time.Time           `json:"created_at"`
	LastActive time.Time           `json:"last_active"`
	Messages   []Message           `json:"messages"`
	Connection database.Descriptor `json:"connection"`
	Model      ModelSettings       `json:"model"`
	Busy       bool                `json:"busy"`
}

// View returns a snapshot of the session state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.descriptor
	if d.Password != "" {
		d.Password = "********"
	}
	msgs := make([]Message, len(s.history))
	copy(msgs, s.history)
	return View{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastActive: s.lastActive,
		Messages:   msgs,
		Connection: d,
		Model:      s.model.clone(),
		Busy:       s.cancel != nil,
	}
}

func (s *Session) appendMessage(role Role, content string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Message{Role: role, Content: content, Timestamp: at})
	s.lastActive = at
}

// appendAudit records query and keeps only the newest limit entries.
func (s *Session) appendAudit(query string, at time.Time, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, QueryLogEntry{Timestamp: at, Query: query})
	if over := len(s.audit) - limit; limit > 0 && over > 0 {
		s.audit = append([]QueryLogEntry(nil), s.audit[over:]...)
	}
}

func (s *Session) settings() (database.Descriptor, ModelSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptor, s.model
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// abort cancels the running turn, if any.
func (s *Session) abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}
