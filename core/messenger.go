package core

import (
	"fmt"
	"log/slog"
	"strings"
)

// Messenger ties the conversation store to the real-time channel for the
// conversation the user is looking at.
type Messenger struct {
	store    *ConversationStore
	channel  *Channel
	identity IdentityProvider
	logger   *slog.Logger
}

// NewMessenger returns a Messenger over store and channel. Messages still
// pending when the channel goes down are kept as local-only messages.
func NewMessenger(store *ConversationStore, channel *Channel, identity IdentityProvider, logger *slog.Logger) *Messenger {
	m := &Messenger{
		store:    store,
		channel:  channel,
		identity: identity,
		logger:   logger,
	}
	channel.OnStateChange(func(state ConnState) {
		if state == Disconnected {
			m.store.AbandonAllPending()
		}
	})
	return m
}

// Open brings chatID to the foreground: it becomes the current chat, its
// messages are marked read and its room is joined when the channel is up.
func (m *Messenger) Open(chatID string) error {
	c, ok := m.store.ChatByID(chatID)
	if !ok {
		return fmt.Errorf("open %s: %w", chatID, ErrChatNotFound)
	}
	m.store.SetCurrentChat(chatID)
	m.store.MarkAsRead(chatID)
	m.channel.JoinConversation(c.Token())
	return nil
}

// Close leaves the room of chatID and clears the current chat if it is the
// one in the foreground.
func (m *Messenger) Close(chatID string) {
	token := chatID
	if c, ok := m.store.ChatByID(chatID); ok {
		token = c.Token()
	}
	m.channel.LeaveConversation(token)
	if m.store.CurrentChat() == chatID {
		m.store.SetCurrentChat("")
	}
}

// Send posts content to chatID as the current identity. With the channel up
// the message is appended as pending and sent with its client id so the echo
// confirms it. Otherwise it is appended locally only. Either way a message
// that never reaches the server counts as unread.
func (m *Messenger) Send(chatID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	self, ok := m.identity.Identity()
	if !ok {
		return Message{}, ErrNoIdentity
	}
	token := chatID
	if c, ok := m.store.ChatByID(chatID); ok {
		token = c.Token()
	}

	if !m.channel.IsConnected() {
		m.logger.Info(fmt.Sprintf("channel down, keeping message for %s locally", chatID))
		return m.store.SendMessage(chatID, content, self.ID), nil
	}

	msg := m.store.AddPendingMessage(chatID, content, self.ID)
	if !m.channel.SendMessage(token, content, msg.ClientID) {
		m.store.AbandonPending(msg.ClientID)
		msg.Pending = false
	}
	return msg, nil
}
