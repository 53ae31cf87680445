package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kfcFriedChicken16/Lumos-sub000/internal/model/conversation"
)

var ErrSessionRequired = errors.New("session id is required")

// Service keeps the short-lived conversational memory a session's turns
// draw their context from. Everything here is per-process; durable
// history lives with the persistence collaborator.
type Service struct {
	mu       sync.RWMutex
	messages map[string][]conversation.Message
}

// NewService bootstraps the in-memory store.
func NewService() *Service {
	return &Service{
		messages: make(map[string][]conversation.Message),
	}
}

// Append records a message for its session, creating the session's memory
// on first use.
func (s *Service) Append(_ context.Context, message conversation.Message) error {
	if message.SessionID == "" {
		return ErrSessionRequired
	}

	message.ID = uuid.NewString()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.messages[message.SessionID] = append(s.messages[message.SessionID], message)
	s.mu.Unlock()
	return nil
}

// History returns a copy of the stored messages for the session, oldest
// first. Unknown sessions yield an empty history rather than an error.
func (s *Service) History(_ context.Context, sessionID string) ([]conversation.Message, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.messages[sessionID]
	copied := make([]conversation.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// Clear wipes the session's memory but keeps the session usable. Driven
// by the client's clear message.
func (s *Service) Clear(sessionID string) {
	s.mu.Lock()
	delete(s.messages, sessionID)
	s.mu.Unlock()
}

// Forget is Clear under a name that reads right at disconnect time.
func (s *Service) Forget(sessionID string) {
	s.Clear(sessionID)
}
