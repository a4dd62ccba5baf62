package chat

import (
	"context"
	"fmt"
	"strings"

	"todo-realtime/internal/logging"
	"todo-realtime/internal/models"
	"todo-realtime/internal/telemetry"
)

// MessageStore is the durable, ordered chat log.
type MessageStore interface {
	CreateMessage(ctx context.Context, userID, text string) (models.ChatMessage, error)
	ListMessages(ctx context.Context, limit int) ([]models.ChatMessage, error)
}

// Registry is the delivery surface the service needs from the connection registry.
type Registry interface {
	Bind(id, userID string) bool
	Broadcast(event string, payload any)
	ReplyTo(id, event string, payload any)
}

// Service mediates chat between connected clients.
type Service struct {
	store        MessageStore
	registry     Registry
	historyLimit int
}

// NewService builds a chat service. historyLimit <= 0 replays the full history.
func NewService(store MessageStore, registry Registry, historyLimit int) *Service {
	return &Service{
		store:        store,
		registry:     registry,
		historyLimit: historyLimit,
	}
}

// Join binds a user identity to a connection. It is informational only.
func (s *Service) Join(ctx context.Context, connID, userID string) {
	l := logging.Ctx(ctx)
	if !s.registry.Bind(connID, userID) {
		l.Debug().Str(logging.FieldConnID, connID).Msg("join from unknown connection ignored")
		return
	}
	l.Info().Str(logging.FieldConnID, connID).Str("user_id", userID).Msg("user joined")
}

// History replies to one connection with the stored messages, oldest first.
func (s *Service) History(ctx context.Context, connID string) error {
	msgs, err := s.store.ListMessages(ctx, s.historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	s.registry.ReplyTo(connID, models.EventMessages, msgs)
	return nil
}

// Send persists a message and then broadcasts the stored record to every connection, the
// sender included. Blank text is dropped and returns (nil, nil). Nothing is broadcast when
// persistence fails.
func (s *Service) Send(ctx context.Context, userID, text string) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	msg, err := s.store.CreateMessage(ctx, userID, text)
	if err != nil {
		l := logging.Ctx(ctx)
		l.Error().Err(err).Str("user_id", userID).Msg("persist chat message failed")
		return nil, fmt.Errorf("persist message: %w", err)
	}
	telemetry.ChatMessages.Inc()

	s.registry.Broadcast(models.EventNewMessage, msg)
	return &msg, nil
}
