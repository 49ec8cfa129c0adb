package core

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ConversationSource lists the conversations of the current user.
type ConversationSource interface {
	Conversations(ctx context.Context) ([]ConversationRecord, error)
}

// FriendLookup resolves a friend id to its display identity.
type FriendLookup interface {
	FriendByID(id string) (Friend, bool)
}

type StoreOption func(*ConversationStore)

// WithClock replaces the time source used for ids and timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *ConversationStore) {
		s.now = now
	}
}

// ConversationStore owns the conversation list and every message history.
// Other components change it only through its methods.
type ConversationStore struct {
	source  ConversationSource
	friends FriendLookup
	logger  *slog.Logger
	now     func() time.Time

	mu            sync.RWMutex
	conversations []Conversation
	messages      map[string][]Message
	// pending maps the client id of an unconfirmed message to its chat id.
	pending map[string]string
	current string
	loading bool
	err     error
}

func NewConversationStore(source ConversationSource, friends FriendLookup, logger *slog.Logger, opts ...StoreOption) *ConversationStore {
	s := &ConversationStore{
		source:   source,
		friends:  friends,
		logger:   logger,
		now:      time.Now,
		messages: make(map[string][]Message),
		pending:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadConversations fetches the conversation list and merges it by id into
// the local one. Remote entries update participants and group info while the
// local unread counter, last message and creation time are kept. Local-only
// conversations that the server does not list yet are kept too.
//
// A failed load leaves the list untouched; the failure is available from Err.
func (s *ConversationStore) LoadConversations(ctx context.Context) {
	s.mu.Lock()
	s.loading = true
	s.err = nil
	s.mu.Unlock()

	records, err := s.source.Conversations(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		s.err = fmt.Errorf("load conversations: %w", err)
		s.logger.Error(s.err.Error())
		return
	}

	now := s.now()
	remote := make([]Conversation, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			s.logger.Warn("conversation without id or token skipped")
			continue
		}
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		remote = append(remote, s.fromRecord(rec, now))
	}

	next := make([]Conversation, 0, len(remote)+len(s.conversations))
	for _, c := range s.conversations {
		if _, ok := seen[c.ID]; !ok && c.Local {
			next = append(next, c)
		}
	}
	for _, c := range remote {
		if i := s.indexOf(c.ID); i >= 0 {
			prev := s.conversations[i]
			c.UnreadCount = prev.UnreadCount
			c.LastMessage = prev.LastMessage
			c.CreatedAt = prev.CreatedAt
			c.UpdatedAt = max(c.UpdatedAt, prev.UpdatedAt)
		}
		next = append(next, c)
	}
	s.conversations = next
	mergesTotal.WithLabelValues("reload").Inc()
	s.logger.Info(fmt.Sprintf("loaded %d conversations, %d total", len(remote), len(next)))
}

func (s *ConversationStore) fromRecord(rec ConversationRecord, now time.Time) Conversation {
	c := Conversation{
		ID:           rec.ID,
		Participants: make([]Participant, 0, len(rec.Participants)),
		IsGroup:      rec.IsGroup,
		CreatedAt:    rec.CreatedAt.OrNow(now),
		UpdatedAt:    rec.UpdatedAt.OrNow(now),
	}
	for _, p := range uniqueParticipants(rec.Participants) {
		c.Participants = append(c.Participants, s.resolve(p))
	}
	if c.IsGroup {
		c.GroupName = rec.GroupName
		c.AdminID = rec.AdminID
		c.GroupAvatar = rec.GroupAvatar
		if c.GroupAvatar == nil {
			c.GroupAvatar = DefaultGroupAvatar
		}
	}
	return c
}

// resolve fills missing display fields of p from the friend directory.
func (s *ConversationStore) resolve(p Participant) Participant {
	if s.friends != nil && (p.Username == "" || p.Avatar == nil) {
		if f, ok := s.friends.FriendByID(p.ID); ok {
			if p.Username == "" {
				p.Username = f.Username
			}
			if p.Avatar == nil {
				p.Avatar = f.Avatar
			}
		}
	}
	return p.withDefaults()
}

// SetConversations replaces the conversation list.
func (s *ConversationStore) SetConversations(conversations []Conversation) {
	next := make([]Conversation, 0, len(conversations))
	for _, c := range conversations {
		next = append(next, c.clone())
	}
	s.mu.Lock()
	s.conversations = next
	s.mu.Unlock()
}

// OpenChatWithFriend returns the 1:1 conversation that includes friendID. When
// the cached list has none it reloads the list once and looks again. It never
// creates a conversation.
func (s *ConversationStore) OpenChatWithFriend(ctx context.Context, friendID string) (Conversation, bool) {
	if c, ok := s.findDirect(friendID); ok {
		return c, true
	}
	s.logger.Debug(fmt.Sprintf("no conversation with friend %s, reloading", friendID))
	s.LoadConversations(ctx)
	return s.findDirect(friendID)
}

func (s *ConversationStore) findDirect(friendID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if !c.IsGroup && c.HasParticipant(friendID) {
			return c.clone(), true
		}
	}
	return Conversation{}, false
}

// CreateChat creates a local 1:1 conversation and returns its id.
// Exactly two distinct participants are required.
func (s *ConversationStore) CreateChat(participants []Participant) (string, error) {
	participants = uniqueParticipants(participants)
	if len(participants) != 2 {
		return "", fmt.Errorf("%w: a chat needs exactly 2 participants, got %d", ErrInvalidParticipants, len(participants))
	}
	return s.create(Conversation{Participants: participants}, chatIDPrefix), nil
}

type groupChatInput struct {
	Participants []Participant `json:"participants" validate:"min=3"`
	Name         string        `json:"groupName" validate:"required"`
	AdminID      string        `json:"adminId" validate:"required"`
}

// CreateGroupChat creates a local group conversation and returns its id.
// The participant list must count at least three distinct users, the creator
// included.
func (s *ConversationStore) CreateGroupChat(participants []Participant, name string, adminID string) (string, error) {
	in := groupChatInput{
		Participants: uniqueParticipants(participants),
		Name:         name,
		AdminID:      adminID,
	}
	if err := validate.Struct(in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParticipants, err)
	}
	return s.create(Conversation{
		Participants: in.Participants,
		IsGroup:      true,
		GroupName:    in.Name,
		GroupAvatar:  DefaultGroupAvatar,
		AdminID:      in.AdminID,
	}, groupIDPrefix), nil
}

func (s *ConversationStore) create(c Conversation, prefix string) string {
	now := s.now()
	c.ID = newID(prefix, now)
	c.CreatedAt = now.UnixMilli()
	c.UpdatedAt = c.CreatedAt
	c.Local = true
	for i, p := range c.Participants {
		c.Participants[i] = p.withDefaults()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append(s.conversations, c)
	s.messages[c.ID] = []Message{}
	s.logger.Info(fmt.Sprintf("created conversation %s", c.ID))
	return c.ID
}

// SendMessage appends a locally authored message. It is the fallback used
// while the real-time channel is down: the message is unread for the other
// participants and never reaches the server.
func (s *ConversationStore) SendMessage(chatID, content, senderID string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.newLocalMessage(chatID, content, senderID)
	s.messages[chatID] = append(s.messages[chatID], m)
	if i := s.indexOf(chatID); i >= 0 {
		c := &s.conversations[i]
		markUnread(c, senderID)
		s.touch(c, m)
	}
	return m
}

// markUnread counts a local-only message as unread when the conversation
// has anyone besides its sender.
func markUnread(c *Conversation, senderID string) {
	if slices.ContainsFunc(c.Participants, func(p Participant) bool { return p.ID != senderID }) {
		c.UnreadCount++
	}
}

// AddPendingMessage appends a locally authored message that is about to be
// sent on the channel. The message id doubles as its client id; when the echo
// carrying that client id arrives, AddMessage confirms the message in place.
func (s *ConversationStore) AddPendingMessage(chatID, content, senderID string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.newLocalMessage(chatID, content, senderID)
	m.ClientID = m.ID
	m.Pending = true
	s.messages[chatID] = append(s.messages[chatID], m)
	s.pending[m.ClientID] = chatID
	if i := s.indexOf(chatID); i >= 0 {
		s.touch(&s.conversations[i], m)
	}
	return m
}

// AbandonPending turns a pending message into a plain local message. It is
// used when the wire send never left the device. The message then counts as
// unread the same way SendMessage does.
func (s *ConversationStore) AbandonPending(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandon(clientID)
}

// AbandonAllPending abandons every pending message and returns how many
// there were.
func (s *ConversationStore) AbandonAllPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for clientID := range s.pending {
		if s.abandon(clientID) {
			n++
		}
	}
	if n > 0 {
		s.logger.Info(fmt.Sprintf("abandoned %d unconfirmed messages", n))
	}
	return n
}

// abandon is AbandonPending without locking.
func (s *ConversationStore) abandon(clientID string) bool {
	chatID, ok := s.pending[clientID]
	if !ok {
		return false
	}
	delete(s.pending, clientID)
	hist := s.messages[chatID]
	senderID := ""
	for i := range hist {
		if hist[i].ID == clientID {
			hist[i].Pending = false
			senderID = hist[i].SenderID
		}
	}
	if i := s.indexOf(chatID); i >= 0 {
		c := &s.conversations[i]
		if lm := c.LastMessage; lm != nil && lm.ID == clientID {
			lm.Pending = false
		}
		markUnread(c, senderID)
	}
	return true
}

func (s *ConversationStore) newLocalMessage(chatID, content, senderID string) Message {
	now := s.now()
	return Message{
		ID:                newID(messageIDPrefix, now),
		ChatID:            chatID,
		SenderID:          senderID,
		Content:           content,
		Timestamp:         now.UnixMilli(),
		ConversationToken: chatID,
	}
}

// AddMessage merges a message from any source into chatID's history and
// reports whether the history grew.
//
// A message whose id is already present is ignored. A message whose client id
// matches a pending local message confirms that message in place: it takes
// the server id and keeps its position. Without a client id the oldest
// pending message from the same sender with the same content is confirmed.
// Anything else is appended.
func (s *ConversationStore) AddMessage(chatID string, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = newID(messageIDPrefix, s.now())
	}
	if m.Timestamp <= 0 {
		m.Timestamp = s.now().UnixMilli()
	}
	m.Pending = false

	if pendingChat, ok := s.pending[m.ClientID]; ok && m.ClientID != "" {
		chatID = pendingChat
	}
	m.ChatID = chatID

	hist := s.messages[chatID]
	for i := range hist {
		if hist[i].ID == m.ID {
			if hist[i].Pending {
				s.confirm(chatID, i, hist[i])
			}
			mergesTotal.WithLabelValues("duplicate").Inc()
			return false
		}
	}

	if m.ClientID != "" {
		if _, ok := s.pending[m.ClientID]; ok {
			for i := range hist {
				if hist[i].ID == m.ClientID {
					s.confirm(chatID, i, m)
					mergesTotal.WithLabelValues("confirmed").Inc()
					return false
				}
			}
		}
	}

	// an echo without a client id confirms the oldest pending message with
	// the same sender and content
	if m.ClientID == "" {
		for i := range hist {
			if hist[i].Pending && hist[i].SenderID == m.SenderID && hist[i].Content == m.Content {
				s.confirm(chatID, i, m)
				mergesTotal.WithLabelValues("confirmed").Inc()
				return false
			}
		}
	}

	s.messages[chatID] = append(hist, m)
	if i := s.indexOf(chatID); i >= 0 {
		s.touch(&s.conversations[i], m)
	}
	mergesTotal.WithLabelValues("appended").Inc()
	return true
}

// confirm replaces the pending message at index i of chatID's history with
// the confirmed copy m. The caller holds the lock.
func (s *ConversationStore) confirm(chatID string, i int, m Message) {
	hist := s.messages[chatID]
	prev := hist[i]
	delete(s.pending, prev.ClientID)
	m.Pending = false
	m.ClientID = prev.ClientID
	// the read flag never goes back to false
	m.IsRead = m.IsRead || prev.IsRead
	hist[i] = m

	if ci := s.indexOf(chatID); ci >= 0 {
		c := &s.conversations[ci]
		if c.LastMessage != nil && c.LastMessage.ID == prev.ID {
			lm := m
			c.LastMessage = &lm
		}
	}
	s.logger.Debug(fmt.Sprintf("confirmed message %s as %s", prev.ID, m.ID))
}

// touch records m as the last message of c. The caller holds the lock.
func (s *ConversationStore) touch(c *Conversation, m Message) {
	lm := m
	c.LastMessage = &lm
	c.UpdatedAt = s.now().UnixMilli()
}

// MarkAsRead zeroes the unread counter of chatID and marks its whole history
// as read.
func (s *ConversationStore) MarkAsRead(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(chatID); i >= 0 {
		c := &s.conversations[i]
		c.UnreadCount = 0
		if c.LastMessage != nil {
			c.LastMessage.IsRead = true
		}
	}
	hist := s.messages[chatID]
	for i := range hist {
		hist[i].IsRead = true
	}
}

// SetCurrentChat records the conversation in the foreground. An empty id
// clears it.
func (s *ConversationStore) SetCurrentChat(chatID string) {
	s.mu.Lock()
	s.current = chatID
	s.mu.Unlock()
}

func (s *ConversationStore) CurrentChat() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *ConversationStore) ChatByID(chatID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(chatID); i >= 0 {
		return s.conversations[i].clone(), true
	}
	return Conversation{}, false
}

// MessagesByChatID returns a copy of chatID's history in arrival order.
func (s *ConversationStore) MessagesByChatID(chatID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[chatID])
}

// UnreadCount sums the unread counters of every conversation.
func (s *ConversationStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

func (s *ConversationStore) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	return out
}

// AddParticipant adds p to the group chatID. Adding a member twice is a no-op.
func (s *ConversationStore) AddParticipant(chatID string, p Participant) error {
	return s.updateGroup(chatID, func(c *Conversation) error {
		if !c.HasParticipant(p.ID) {
			c.Participants = append(c.Participants, s.resolve(p))
		}
		return nil
	})
}

// RemoveParticipant removes userID from the group chatID. A group never
// drops below two members.
func (s *ConversationStore) RemoveParticipant(chatID, userID string) error {
	return s.updateGroup(chatID, func(c *Conversation) error {
		rest := slices.DeleteFunc(slices.Clone(c.Participants), func(p Participant) bool {
			return p.ID == userID
		})
		if len(rest) < minGroupMembers {
			return fmt.Errorf("%w: a group keeps at least %d members", ErrInvalidParticipants, minGroupMembers)
		}
		c.Participants = rest
		return nil
	})
}

// UpdateGroupInfo renames the group chatID. A nil avatar keeps the current one.
func (s *ConversationStore) UpdateGroupInfo(chatID, name string, avatar Avatar) error {
	return s.updateGroup(chatID, func(c *Conversation) error {
		c.GroupName = name
		if avatar != nil {
			c.GroupAvatar = avatar
		}
		return nil
	})
}

func (s *ConversationStore) updateGroup(chatID string, f func(c *Conversation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(chatID)
	if i < 0 {
		return ErrChatNotFound
	}
	next := s.conversations[i].clone()
	if !next.IsGroup {
		return ErrNotGroup
	}
	if err := f(&next); err != nil {
		return err
	}
	next.UpdatedAt = s.now().UnixMilli()
	s.conversations[i] = next
	return nil
}

func (s *ConversationStore) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Err returns the failure of the last load, if any.
func (s *ConversationStore) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// indexOf returns the position of chatID in the list or -1. The caller holds
// the lock.
func (s *ConversationStore) indexOf(chatID string) int {
	return slices.IndexFunc(s.conversations, func(c Conversation) bool {
		return c.ID == chatID
	})
}
