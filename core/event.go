package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	EventAuth              = "auth"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"

	EventNewMessage         = "new_message"
	EventJoinedConversation = "joined_conversation"
	EventError              = "error"
)

// Event is the envelope of every frame on the real-time channel.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

type AuthPayload struct {
	Token string `json:"token"`
}

// RoomPayload addresses a conversation room.
type RoomPayload struct {
	ConversationToken string `json:"conversationToken" validate:"required"`
}

type SendMessagePayload struct {
	ConversationToken string `json:"conversationToken"`
	Content           string `json:"content"`
	ClientMessageID   string `json:"clientMessageId,omitempty"`
}

// NewMessagePayload is the inbound message as the server sends it.
type NewMessagePayload struct {
	ID                FlexID      `json:"id"`
	SenderID          FlexID      `json:"senderId" validate:"required"`
	SenderUsername    string      `json:"senderUsername"`
	Content           string      `json:"content" validate:"required"`
	CreatedAt         EpochMillis `json:"createdAt"`
	IsRead            *bool       `json:"isRead"`
	ConversationToken string      `json:"conversationToken"`
	ClientMessageID   string      `json:"clientMessageId"`
}

// Message converts p into the stored message shape. A missing timestamp
// becomes now and a missing read flag means unread.
func (p NewMessagePayload) Message(chatID string, now time.Time) Message {
	m := Message{
		ID:                p.ID.String(),
		ChatID:            chatID,
		SenderID:          p.SenderID.String(),
		SenderName:        p.SenderUsername,
		Content:           p.Content,
		Timestamp:         p.CreatedAt.OrNow(now),
		ConversationToken: p.ConversationToken,
		ClientID:          p.ClientMessageID,
	}
	if p.IsRead != nil {
		m.IsRead = *p.IsRead
	}
	return m
}

// ErrorPayload is the body of an error event. Servers send either a bare
// string or an object with a message.
type ErrorPayload struct {
	Message string `json:"message"`
}

func (p *ErrorPayload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.Message)
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		p.Message = string(b)
		return nil
	}
	p.Message = firstNonEmpty(obj.Message, obj.Error)
	return nil
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches inbound events to the handler registered for their
// type. Dispatch runs the handler on the caller's goroutine so events are
// handled in arrival order.
type EventRouter struct {
	mu        sync.RWMutex
	listeners map[string]EventHandler
	logger    *slog.Logger
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		logger:    logger,
	}
}

// On registers handler for eventName, replacing any previous one.
func (em *EventRouter) On(eventName string, handler EventHandler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.listeners[eventName] = handler
}

func (em *EventRouter) Dispatch(ctx context.Context, e *Event) {
	em.mu.RLock()
	handler, ok := em.listeners[e.Type]
	em.mu.RUnlock()
	eventsReceivedTotal.WithLabelValues(e.Type).Inc()
	if !ok {
		em.logger.Debug(fmt.Sprintf("no handler for %v", e))
		return
	}
	if err := handler(ctx, e); err != nil {
		em.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
	}
}
