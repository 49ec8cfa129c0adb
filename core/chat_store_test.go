package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateChat(t *testing.T) {
	s := newTestStore(nil)

	t.Run("two participants", func(t *testing.T) {
		id, err := s.CreateChat([]Participant{alice, bob})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(id, "chat_"), id)

		c, ok := s.ChatByID(id)
		require.True(t, ok)
		assert.False(t, c.IsGroup)
		assert.Equal(t, []string{alice.ID, bob.ID}, participantIDs(c.Participants))
		assert.Equal(t, 0, c.UnreadCount)
		assert.True(t, c.Local)
		assert.Empty(t, s.MessagesByChatID(id))
	})

	t.Run("duplicate participant", func(t *testing.T) {
		_, err := s.CreateChat([]Participant{alice, alice})
		require.ErrorIs(t, err, ErrInvalidParticipants)
	})

	t.Run("too many participants", func(t *testing.T) {
		_, err := s.CreateChat([]Participant{alice, bob, charlie})
		require.ErrorIs(t, err, ErrInvalidParticipants)
	})

	t.Run("ids are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			id, err := s.CreateChat([]Participant{alice, bob})
			require.NoError(t, err)
			require.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	})
}

func TestCreateGroupChat(t *testing.T) {
	s := newTestStore(nil)

	t.Run("valid group", func(t *testing.T) {
		id, err := s.CreateGroupChat([]Participant{alice, bob, charlie}, "Trip", alice.ID)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(id, "group_"), id)

		c, ok := s.ChatByID(id)
		require.True(t, ok)
		assert.True(t, c.IsGroup)
		assert.Equal(t, "Trip", c.GroupName)
		assert.Equal(t, alice.ID, c.AdminID)
		assert.Equal(t, DefaultGroupAvatar, c.GroupAvatar)
		assert.ElementsMatch(t, []string{alice.ID, bob.ID, charlie.ID}, participantIDs(c.Participants))
	})

	t.Run("needs two invitees", func(t *testing.T) {
		_, err := s.CreateGroupChat([]Participant{alice, bob}, "Trip", alice.ID)
		require.ErrorIs(t, err, ErrInvalidParticipants)

		_, err = s.CreateGroupChat([]Participant{alice, bob, bob}, "Trip", alice.ID)
		require.ErrorIs(t, err, ErrInvalidParticipants)
	})

	t.Run("needs a name", func(t *testing.T) {
		_, err := s.CreateGroupChat([]Participant{alice, bob, charlie}, "", alice.ID)
		require.ErrorIs(t, err, ErrInvalidParticipants)
	})
}

func TestAddMessageIsIdempotent(t *testing.T) {
	s := newTestStore(nil)
	id, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)

	m := textMessage("m1", bob.ID, "hello")
	assert.True(t, s.AddMessage(id, m))
	assert.False(t, s.AddMessage(id, m))
	assert.False(t, s.AddMessage(id, m))

	msgs := s.MessagesByChatID(id)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, id, msgs[0].ChatID)

	c, _ := s.ChatByID(id)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "m1", c.LastMessage.ID)
}

func TestAddMessageKeepsArrivalOrder(t *testing.T) {
	s := newTestStore(nil)
	id, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)

	// timestamps out of order on purpose
	s.AddMessage(id, Message{ID: "b", SenderID: bob.ID, Content: "2", Timestamp: 2000})
	s.AddMessage(id, Message{ID: "a", SenderID: bob.ID, Content: "1", Timestamp: 1000})
	s.AddMessage(id, Message{ID: "c", SenderID: bob.ID, Content: "3", Timestamp: 3000})

	assert.Equal(t, []string{"b", "a", "c"}, ids(s.MessagesByChatID(id)))
}

func TestOptimisticSendThenEcho(t *testing.T) {
	s := newTestStore(nil)

	m1 := s.SendMessage("c1", "hi", "u1")
	require.NotEmpty(t, m1.ID)
	assert.True(t, strings.HasPrefix(m1.ID, "msg_"), m1.ID)

	echo := Message{ID: m1.ID, SenderID: "u1", Content: "hi", Timestamp: m1.Timestamp}
	assert.False(t, s.AddMessage("c1", echo))

	msgs := s.MessagesByChatID("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, m1.ID, msgs[0].ID)
}

func TestPendingMessageConfirmedByClientID(t *testing.T) {
	s := newTestStore(nil)
	id, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)

	s.AddMessage(id, textMessage("before", bob.ID, "first"))
	pending := s.AddPendingMessage(id, "hi", alice.ID)
	require.True(t, pending.Pending)
	require.Equal(t, pending.ID, pending.ClientID)
	s.AddMessage(id, textMessage("after", bob.ID, "third"))

	echo := Message{ID: "srv-42", SenderID: alice.ID, Content: "hi", Timestamp: 1234, ClientID: pending.ClientID}
	assert.False(t, s.AddMessage(id, echo), "confirmation must not grow the history")

	msgs := s.MessagesByChatID(id)
	require.Equal(t, []string{"before", "srv-42", "after"}, ids(msgs))
	assert.False(t, msgs[1].Pending)
	assert.Equal(t, pending.ClientID, msgs[1].ClientID)

	// a second echo with the server id is a duplicate
	assert.False(t, s.AddMessage(id, echo))
	assert.Len(t, s.MessagesByChatID(id), 3)
	// and the client id is no longer pending
	assert.False(t, s.AbandonPending(pending.ClientID))
}

func TestPendingConfirmationUpdatesLastMessage(t *testing.T) {
	s := newTestStore(nil)
	id, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)

	pending := s.AddPendingMessage(id, "hi", alice.ID)
	c, _ := s.ChatByID(id)
	require.Equal(t, pending.ID, c.LastMessage.ID)

	s.AddMessage(id, Message{ID: "srv-1", SenderID: alice.ID, Content: "hi", ClientID: pending.ClientID})
	c, _ = s.ChatByID(id)
	assert.Equal(t, "srv-1", c.LastMessage.ID)
	assert.False(t, c.LastMessage.Pending)
}

func TestAbandonPending(t *testing.T) {
	s := newTestStore(nil)
	id, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)

	pending := s.AddPendingMessage(id, "hi", alice.ID)
	c, _ := s.ChatByID(id)
	require.Equal(t, 0, c.UnreadCount)

	require.True(t, s.AbandonPending(pending.ClientID))
	msgs := s.MessagesByChatID(id)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Pending)
	assert.False(t, s.AbandonPending(pending.ClientID))

	// same accounting as a message sent while offline
	c, _ = s.ChatByID(id)
	assert.Equal(t, 1, c.UnreadCount)
	assert.False(t, c.LastMessage.Pending)
}

func TestAbandonAllPending(t *testing.T) {
	s := newTestStore(nil)
	c1, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)
	c2, err := s.CreateChat([]Participant{alice, charlie})
	require.NoError(t, err)

	s.AddPendingMessage(c1, "one", alice.ID)
	s.AddPendingMessage(c1, "two", alice.ID)
	s.AddPendingMessage(c2, "three", alice.ID)

	assert.Equal(t, 3, s.AbandonAllPending())
	assert.Equal(t, 0, s.AbandonAllPending())
	assert.Equal(t, 3, s.UnreadCount())
	for _, id := range []string{c1, c2} {
		for _, m := range s.MessagesByChatID(id) {
			assert.False(t, m.Pending)
		}
	}
}

func TestPendingMessageConfirmedBySenderAndContent(t *testing.T) {
	s := newTestStore(nil)
	id, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)

	first := s.AddPendingMessage(id, "hi", alice.ID)
	second := s.AddPendingMessage(id, "hi", alice.ID)
	other := s.AddPendingMessage(id, "bye", alice.ID)

	assert.False(t, s.AddMessage(id, Message{ID: "srv-1", SenderID: alice.ID, Content: "hi"}))
	assert.Equal(t, []string{"srv-1", second.ID, other.ID}, ids(s.MessagesByChatID(id)))
	assert.False(t, s.AbandonPending(first.ClientID), "oldest match is no longer pending")

	// bob saying the same words is a new message
	assert.True(t, s.AddMessage(id, Message{ID: "srv-2", SenderID: bob.ID, Content: "hi"}))
	assert.False(t, s.AddMessage(id, Message{ID: "srv-3", SenderID: alice.ID, Content: "hi"}))

	msgs := s.MessagesByChatID(id)
	assert.Equal(t, []string{"srv-1", "srv-3", other.ID, "srv-2"}, ids(msgs))
	assert.False(t, msgs[1].Pending)
	assert.True(t, msgs[2].Pending)
}

func TestUnreadAccounting(t *testing.T) {
	s := newTestStore(nil)
	c1, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)
	c2, err := s.CreateGroupChat([]Participant{alice, bob, charlie}, "Trip", alice.ID)
	require.NoError(t, err)

	s.SendMessage(c1, "one", alice.ID)
	s.SendMessage(c1, "two", alice.ID)
	s.SendMessage(c2, "three", alice.ID)

	sum := func() int {
		total := 0
		for _, c := range s.Conversations() {
			total += c.UnreadCount
		}
		return total
	}
	assert.Equal(t, 3, s.UnreadCount())
	assert.Equal(t, sum(), s.UnreadCount())

	s.MarkAsRead(c1)
	assert.Equal(t, 1, s.UnreadCount())
	assert.Equal(t, sum(), s.UnreadCount())
	for _, m := range s.MessagesByChatID(c1) {
		assert.True(t, m.IsRead)
	}

	s.MarkAsRead(c1)
	assert.Equal(t, 1, s.UnreadCount())

	// the read flag never goes back
	msgs := s.MessagesByChatID(c1)
	s.AddMessage(c1, Message{ID: msgs[0].ID, SenderID: alice.ID, Content: "one", IsRead: false})
	assert.True(t, s.MessagesByChatID(c1)[0].IsRead)
}

func TestSendMessageMarksUnreadForOthers(t *testing.T) {
	s := newTestStore(nil)
	id, err := s.CreateChat([]Participant{alice, {ID: alice.ID + "-alt"}})
	require.NoError(t, err)

	m := s.SendMessage(id, "note", alice.ID)
	assert.False(t, m.IsRead)
	c, _ := s.ChatByID(id)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, m.ID, c.LastMessage.ID)
	assert.GreaterOrEqual(t, c.UpdatedAt, c.CreatedAt)
}

func TestLoadConversations(t *testing.T) {
	records := []ConversationRecord{
		{ID: "conv-1", Participants: []Participant{alice, bob}},
		{ID: "conv-2", Participants: []Participant{alice, bob, charlie}, IsGroup: true, GroupName: "Trip"},
	}

	t.Run("maps remote records", func(t *testing.T) {
		src := &fakeConversationSource{records: records}
		s := newTestStore(src)
		s.LoadConversations(context.Background())

		require.NoError(t, s.Err())
		assert.False(t, s.Loading())
		convs := s.Conversations()
		require.Len(t, convs, 2)
		assert.Equal(t, "conv-1", convs[0].ID)
		assert.Equal(t, 0, convs[0].UnreadCount)
		assert.NotZero(t, convs[0].CreatedAt)
		assert.NotZero(t, convs[0].UpdatedAt)
		assert.Equal(t, DefaultGroupAvatar, convs[1].GroupAvatar)
		assert.Equal(t, "Trip", convs[1].GroupName)
	})

	t.Run("keeps local state across reloads", func(t *testing.T) {
		src := &fakeConversationSource{records: records}
		s := newTestStore(src)
		s.LoadConversations(context.Background())

		local, err := s.CreateChat([]Participant{alice, diana})
		require.NoError(t, err)
		s.SendMessage("conv-1", "hello", alice.ID)

		s.LoadConversations(context.Background())
		require.NoError(t, s.Err())

		_, ok := s.ChatByID(local)
		assert.True(t, ok, "local conversation lost on reload")
		c, ok := s.ChatByID("conv-1")
		require.True(t, ok)
		assert.Equal(t, 1, c.UnreadCount)
		require.NotNil(t, c.LastMessage)
		assert.Equal(t, "hello", c.LastMessage.Content)
		assert.Len(t, s.MessagesByChatID("conv-1"), 1)
	})

	t.Run("drops conversations the server no longer lists", func(t *testing.T) {
		src := &fakeConversationSource{records: records}
		s := newTestStore(src)
		s.LoadConversations(context.Background())

		src.set(records[:1], nil)
		s.LoadConversations(context.Background())
		_, ok := s.ChatByID("conv-2")
		assert.False(t, ok)
	})

	t.Run("confirmed local conversation is no longer local", func(t *testing.T) {
		src := &fakeConversationSource{}
		s := newTestStore(src)
		local, err := s.CreateChat([]Participant{alice, diana})
		require.NoError(t, err)

		src.set([]ConversationRecord{{ID: local, Participants: []Participant{alice, diana}}}, nil)
		s.LoadConversations(context.Background())
		c, ok := s.ChatByID(local)
		require.True(t, ok)
		assert.False(t, c.Local)
		assert.Len(t, s.Conversations(), 1)
	})

	t.Run("failure keeps the previous list", func(t *testing.T) {
		src := &fakeConversationSource{records: records}
		s := newTestStore(src)
		s.LoadConversations(context.Background())

		src.set(nil, errors.New("boom"))
		s.LoadConversations(context.Background())
		require.Error(t, s.Err())
		assert.False(t, s.Loading())
		assert.Len(t, s.Conversations(), 2)
	})
}

func TestOpenChatWithFriend(t *testing.T) {
	t.Run("found in cache", func(t *testing.T) {
		src := &fakeConversationSource{records: []ConversationRecord{{ID: "conv-1", Participants: []Participant{alice, bob}}}}
		s := newTestStore(src)
		s.LoadConversations(context.Background())

		c, ok := s.OpenChatWithFriend(context.Background(), bob.ID)
		require.True(t, ok)
		assert.Equal(t, "conv-1", c.ID)
		assert.Equal(t, 1, src.Calls())
	})

	t.Run("found after one reload", func(t *testing.T) {
		src := &fakeConversationSource{}
		s := newTestStore(src)

		src.set([]ConversationRecord{{ID: "conv-1", Participants: []Participant{alice, bob}}}, nil)
		c, ok := s.OpenChatWithFriend(context.Background(), bob.ID)
		require.True(t, ok)
		assert.Equal(t, "conv-1", c.ID)
		assert.Equal(t, 1, src.Calls())
	})

	t.Run("ignores groups and never creates", func(t *testing.T) {
		src := &fakeConversationSource{records: []ConversationRecord{
			{ID: "g", Participants: []Participant{alice, bob, charlie}, IsGroup: true, GroupName: "Trip"},
		}}
		s := newTestStore(src)

		_, ok := s.OpenChatWithFriend(context.Background(), bob.ID)
		assert.False(t, ok)
		assert.Equal(t, 1, src.Calls())
		assert.Len(t, s.Conversations(), 1)
	})
}

func TestParticipantsResolvedFromFriends(t *testing.T) {
	friends := NewFriendDirectory(&fakeFriendshipSource{records: []FriendshipRecord{
		{User: &alice, Friend: &bob},
	}}, signedIn(alice), testLogger)
	friends.LoadFriends(context.Background())

	src := &fakeConversationSource{records: []ConversationRecord{
		{ID: "conv-1", Participants: []Participant{{ID: alice.ID}, {ID: bob.ID}}},
	}}
	s := NewConversationStore(src, friends, testLogger)
	s.LoadConversations(context.Background())

	c, ok := s.ChatByID("conv-1")
	require.True(t, ok)
	assert.Equal(t, DefaultUsername, c.Participants[0].Username)
	assert.Equal(t, "Bob", c.Participants[1].Username)
	assert.Equal(t, bob.Avatar, c.Participants[1].Avatar)
}

func TestGroupMembership(t *testing.T) {
	s := newTestStore(nil)
	group, err := s.CreateGroupChat([]Participant{alice, bob, charlie}, "Trip", alice.ID)
	require.NoError(t, err)
	direct, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)

	require.NoError(t, s.AddParticipant(group, diana))
	require.NoError(t, s.AddParticipant(group, diana))
	c, _ := s.ChatByID(group)
	assert.Equal(t, []string{alice.ID, bob.ID, charlie.ID, diana.ID}, participantIDs(c.Participants))

	require.NoError(t, s.RemoveParticipant(group, bob.ID))
	c, _ = s.ChatByID(group)
	assert.Equal(t, []string{alice.ID, charlie.ID, diana.ID}, participantIDs(c.Participants))

	require.NoError(t, s.UpdateGroupInfo(group, "Road trip", nil))
	c, _ = s.ChatByID(group)
	assert.Equal(t, "Road trip", c.GroupName)
	assert.Equal(t, DefaultGroupAvatar, c.GroupAvatar)

	require.NoError(t, s.UpdateGroupInfo(group, "Road trip", ImageRef{URI: "https://cdn.example.com/g.png"}))
	c, _ = s.ChatByID(group)
	assert.Equal(t, ImageRef{URI: "https://cdn.example.com/g.png"}, c.GroupAvatar)

	assert.ErrorIs(t, s.AddParticipant(direct, diana), ErrNotGroup)
	assert.ErrorIs(t, s.RemoveParticipant("missing", bob.ID), ErrChatNotFound)
}

func TestGroupKeepsTwoMembers(t *testing.T) {
	s := newTestStore(nil)
	group, err := s.CreateGroupChat([]Participant{alice, bob, charlie}, "Trip", alice.ID)
	require.NoError(t, err)

	require.NoError(t, s.RemoveParticipant(group, bob.ID))
	err = s.RemoveParticipant(group, charlie.ID)
	require.ErrorIs(t, err, ErrInvalidParticipants)

	c, _ := s.ChatByID(group)
	assert.Equal(t, []string{alice.ID, charlie.ID}, participantIDs(c.Participants))

	// removing a non member is still allowed
	require.NoError(t, s.RemoveParticipant(group, diana.ID))
}

func TestAccessorsReturnCopies(t *testing.T) {
	s := newTestStore(nil)
	id, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)
	s.AddMessage(id, textMessage("m1", bob.ID, "hello"))

	c, _ := s.ChatByID(id)
	c.Participants[0].Username = "mallory"
	c.LastMessage.Content = "changed"
	msgs := s.MessagesByChatID(id)
	msgs[0].Content = "changed"

	c, _ = s.ChatByID(id)
	assert.Equal(t, alice.Username, c.Participants[0].Username)
	assert.Equal(t, "hello", c.LastMessage.Content)
	assert.Equal(t, "hello", s.MessagesByChatID(id)[0].Content)
}

func TestSetConversations(t *testing.T) {
	s := newTestStore(nil)
	_, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)

	given := []Conversation{{ID: "c7", Participants: []Participant{alice, charlie}}}
	s.SetConversations(given)
	given[0].Participants[0].Username = "mallory"

	convs := s.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "c7", convs[0].ID)
	assert.Equal(t, alice.Username, convs[0].Participants[0].Username)
}

func TestCurrentChat(t *testing.T) {
	s := newTestStore(nil)
	assert.Empty(t, s.CurrentChat())
	s.SetCurrentChat("c1")
	assert.Equal(t, "c1", s.CurrentChat())
	s.SetCurrentChat("")
	assert.Empty(t, s.CurrentChat())
}

func TestStoreClock(t *testing.T) {
	clock := newFixedClock()
	s := newTestStore(nil, WithClock(clock.Now))
	id, err := s.CreateChat([]Participant{alice, bob})
	require.NoError(t, err)
	c, _ := s.ChatByID(id)
	assert.Contains(t, id, "_1704110400001_")
	assert.Equal(t, int64(1704110400001), c.CreatedAt)
}
