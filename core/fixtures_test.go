package core

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var (
	baseTimeout = time.Second
	testLogger  = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	alice   = Participant{ID: "1", Username: "Alice", Email: "alice@example.com", Avatar: Glyph("👩")}
	bob     = Participant{ID: "2", Username: "Bob", Email: "bob@example.com", Avatar: Glyph("👨")}
	charlie = Participant{ID: "3", Username: "Charlie", Email: "charlie@example.com", Avatar: Glyph("🧑")}
	diana   = Participant{ID: "4", Username: "Diana", Email: "diana@example.com", Avatar: ImageRef{URI: "https://cdn.example.com/diana.png"}}
)

type BaseFixture struct {
	ctx      context.Context
	db       *SQLiteDB
	t        *testing.T
	tearDown func()
}

func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := NewSQLiteDB(name, &SQLiteDBOption{Mode: "memory", Cache: "shared"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	return &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

// signToken returns an HS256 token that expires at exp.
func signToken(t *testing.T, subject string, exp time.Time) string {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return signed
}

type fakeConversationSource struct {
	mu      sync.Mutex
	records []ConversationRecord
	err     error
	calls   int
}

func (s *fakeConversationSource) Conversations(_ context.Context) ([]ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

func (s *fakeConversationSource) set(records []ConversationRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	s.err = err
}

func (s *fakeConversationSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeFriendshipSource struct {
	records []FriendshipRecord
	err     error
}

func (s *fakeFriendshipSource) Friendships(_ context.Context) ([]FriendshipRecord, error) {
	return s.records, s.err
}

type staticIdentity struct {
	p  Participant
	ok bool
}

func (i staticIdentity) Identity() (Participant, bool) {
	return i.p, i.ok
}

func signedIn(p Participant) staticIdentity {
	return staticIdentity{p: p, ok: true}
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(_ context.Context) (string, error) {
	return s.token, s.err
}

type fakeProfileSource struct {
	mu      sync.Mutex
	profile Participant
	err     error
	calls   int
}

func (s *fakeProfileSource) Profile(_ context.Context) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.profile, s.err
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestStore(source ConversationSource, opts ...StoreOption) *ConversationStore {
	if source == nil {
		source = &fakeConversationSource{}
	}
	return NewConversationStore(source, nil, testLogger, opts...)
}

func textMessage(id, sender, content string) Message {
	return Message{ID: id, SenderID: sender, Content: content, Timestamp: time.Now().UnixMilli()}
}

func ids(messages []Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func participantIDs(ps []Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}
