package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// testChatServer is a minimal real-time backend. It records every event it
// receives, acknowledges joins and, when echo is set, answers send_message
// with a new_message carrying a server id and the client id.
type testChatServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	headers []http.Header

	received chan *Event
	attempts atomic.Int32
	reject   atomic.Bool
	echo     atomic.Bool
	serial   atomic.Int64
}

func newTestChatServer(t *testing.T) *testChatServer {
	s := &testChatServer{
		received: make(chan *Event, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *testChatServer) wsURL() string {
	return strings.Replace(s.Server.URL, "http://", "ws://", 1)
}

func (s *testChatServer) serve(w http.ResponseWriter, r *http.Request) {
	s.attempts.Add(1)
	if s.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	go s.readLoop(conn)
}

func (s *testChatServer) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var e Event
		if err := conn.ReadJSON(&e); err != nil {
			return
		}
		switch e.Type {
		case EventJoinConversation:
			s.write(conn, &Event{Type: EventJoinedConversation, Payload: e.Payload})
		case EventSendMessage:
			if s.echo.Load() {
				var p SendMessagePayload
				if err := json.Unmarshal(e.Payload, &p); err == nil {
					s.write(conn, mustEvent(EventNewMessage, map[string]any{
						"id":                fmt.Sprintf("srv-%d", s.serial.Add(1)),
						"senderId":          1,
						"content":           p.Content,
						"createdAt":         time.Now().UTC().Format(time.RFC3339Nano),
						"conversationToken": p.ConversationToken,
						"clientMessageId":   p.ClientMessageID,
					}))
				}
			}
		}
		s.received <- &e
	}
}

func (s *testChatServer) write(conn *websocket.Conn, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}

// push sends e on the most recent connection.
func (s *testChatServer) push(t *testing.T, e *Event) {
	s.mu.Lock()
	require.NotEmpty(t, s.conns, "no client connected")
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, s.write(conn, e))
}

// dropAll closes every connection without a close handshake.
func (s *testChatServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testChatServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *testChatServer) lastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.headers) == 0 {
		return nil
	}
	return s.headers[len(s.headers)-1]
}

// expectEvent waits for the next received event of type t, skipping others.
func (s *testChatServer) expectEvent(t *testing.T, typ string) *Event {
	t.Helper()
	deadline := time.After(baseTimeout)
	for {
		select {
		case e := <-s.received:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			require.FailNowf(t, "timeout", "waiting for %s event", typ)
			return nil
		}
	}
}

// assertNoEvent fails if an event of type t arrives within wait.
func (s *testChatServer) assertNoEvent(t *testing.T, typ string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case e := <-s.received:
			require.NotEqualf(t, typ, e.Type, "unexpected %s event", typ)
		case <-deadline:
			return
		}
	}
}

func mustEvent(t string, payload any) *Event {
	e, err := NewEvent(t, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// waitOrTimeout waits for fn to finish or times out.
func waitOrTimeout(t *testing.T, fn func(), timeout time.Duration, s string, args ...interface{}) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(timeout):
		require.Failf(t, "timeout", s, args...)
	}
}
