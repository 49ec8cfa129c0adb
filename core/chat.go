package core

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	chatIDPrefix    = "chat"
	groupIDPrefix   = "group"
	messageIDPrefix = "msg"

	minGroupMembers = 2
)

// Conversation is a 1:1 or group thread.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	IsGroup      bool          `json:"isGroup"`
	// GroupName, GroupAvatar and AdminID are only set for groups.
	GroupName   string   `json:"groupName,omitempty"`
	GroupAvatar Avatar   `json:"groupAvatar,omitempty"`
	AdminID     string   `json:"adminId,omitempty"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
	// Local is set on conversations created on this device that no server
	// listing has returned yet.
	Local bool `json:"-"`
}

// Token returns the routing token used to address the conversation on the
// real-time channel.
func (c Conversation) Token() string {
	return c.ID
}

func (c Conversation) HasParticipant(id string) bool {
	return slices.ContainsFunc(c.Participants, func(p Participant) bool {
		return p.ID == id
	})
}

// clone returns a copy that shares no mutable state with c.
func (c Conversation) clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		m := *c.LastMessage
		c.LastMessage = &m
	}
	return c
}

// Message is a single chat message. Once stored only IsRead and the pending
// state change.
type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderUsername,omitempty"`
	Content    string `json:"content"`
	// Timestamp is in milliseconds since the unix epoch.
	Timestamp         int64  `json:"timestamp"`
	IsRead            bool   `json:"isRead"`
	ConversationToken string `json:"conversationToken,omitempty"`
	// ClientID correlates a locally sent message with its server echo.
	ClientID string `json:"clientMessageId,omitempty"`
	// Pending is true while a locally sent message waits for its echo.
	Pending bool `json:"pending,omitempty"`
}

var (
	// ErrChatNotFound is returned when no conversation has the given id.
	ErrChatNotFound = errors.New("chat not found")
	// ErrNotGroup is returned when a group operation targets a 1:1 conversation.
	ErrNotGroup = errors.New("chat is not a group")
	// ErrInvalidParticipants is returned when the participant list breaks the
	// size rules of the conversation kind.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrEmptyContent is returned when a message has no text.
	ErrEmptyContent = errors.New("empty message content")
	// ErrNoIdentity is returned when an operation needs the current user but
	// nobody is signed in.
	ErrNoIdentity = errors.New("no authenticated identity")
)

// newID returns an id of the form <prefix>_<unix ms>_<9 random chars>.
func newID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), suffix)
}

// uniqueParticipants drops repeated ids, keeping the first occurrence.
func uniqueParticipants(participants []Participant) []Participant {
	seen := make(map[string]struct{}, len(participants))
	out := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
