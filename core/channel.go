package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
)

// ErrReconnectExhausted is set once the bounded reconnection gives up.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Dialer opens websocket connections. *websocket.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// TokenSource supplies the bearer token used to authenticate the channel.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// MessageSink receives every inbound message.
type MessageSink interface {
	AddMessage(chatID string, m Message) bool
}

type ChannelOption func(*Channel)

func WithDialer(d Dialer) ChannelOption {
	return func(c *Channel) {
		c.dialer = d
	}
}

// WithReconnect bounds the automatic reconnection to attempts consecutive
// failed dials, delay apart.
func WithReconnect(attempts int, delay time.Duration) ChannelOption {
	return func(c *Channel) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if delay >= 0 {
			c.delay = delay
		}
	}
}

// Channel owns the single live connection to the real-time backend. Inbound
// messages are handed to the sink; it never touches conversation state
// itself.
type Channel struct {
	url      string
	tokens   TokenSource
	sink     MessageSink
	dialer   Dialer
	router   *EventRouter
	context  context.Context
	logger   *slog.Logger
	attempts int
	delay    time.Duration
	now      func() time.Time

	mu sync.Mutex
	// running is true while a supervisor goroutine owns the connection,
	// including the pauses between reconnect attempts.
	running  bool
	state    ConnState
	err      error
	reason   string
	conn     *wsConn
	cancel   context.CancelFunc
	done     chan struct{}
	lastRoom string
	onState  []func(ConnState)

	// rooms maps joined conversation tokens to whether the server acknowledged
	// the join. Rooms are joined again after an automatic reconnect.
	rooms *SyncMap[string, bool]
}

func NewChannel(ctx context.Context, url string, tokens TokenSource, sink MessageSink, logger *slog.Logger, opts ...ChannelOption) *Channel {
	c := &Channel{
		url:      url,
		tokens:   tokens,
		sink:     sink,
		dialer:   websocket.DefaultDialer,
		context:  ctx,
		logger:   logger,
		attempts: DefaultReconnectAttempts,
		delay:    DefaultReconnectDelay,
		now:      time.Now,
		rooms:    NewSyncMap[string, bool](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.router = NewEventRouter(logger)
	c.router.On(EventNewMessage, c.handleNewMessage)
	c.router.On(EventJoinedConversation, c.handleJoinedConversation)
	c.router.On(EventError, c.handleError)
	return c
}

// On registers an extra handler for inbound events of type t.
func (c *Channel) On(t string, handler EventHandler) {
	c.router.On(t, handler)
}

// OnStateChange registers f to be called after every state transition.
func (c *Channel) OnStateChange(f func(ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, f)
}

// Connect opens the channel in the background. Without a usable token it
// records the error and returns it without dialing. Calling Connect while a
// connection is live or being established does nothing.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		c.logger.Debug("connect: channel already running")
		return nil
	}

	if _, err := c.tokens.Token(ctx); err != nil {
		err = fmt.Errorf("connect: %w", tokenError(err))
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.logger.Error(err.Error())
		return err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(c.context)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.err = nil
	done := c.done
	c.mu.Unlock()

	c.transition(Connecting, nil)
	go c.supervise(runCtx, done)
	return nil
}

func tokenError(err error) error {
	if errors.Is(err, ErrNoToken) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNoToken, err)
}

// supervise dials and serves connections until ctx is done or the
// reconnection bound is reached.
func (c *Channel) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)
	failures := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.finish(nil)
				return
			}
			if errors.Is(err, ErrNoToken) {
				c.logger.Error(err.Error())
				c.finish(err)
				return
			}
			failures++
			connectAttemptsTotal.WithLabelValues("failure").Inc()
			c.logger.Error(fmt.Sprintf("connect attempt %d/%d: %v", failures, c.attempts, err))
			if failures >= c.attempts {
				c.finish(fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, failures, err))
				return
			}
			c.transition(Disconnected, func() { c.err = err })
			if !c.wait(ctx) {
				c.finish(nil)
				return
			}
			c.transition(Connecting, nil)
			continue
		}

		failures = 0
		connectAttemptsTotal.WithLabelValues("success").Inc()
		c.transition(Connected, func() {
			c.conn = conn
			c.err = nil
			c.reason = ""
		})
		c.logger.Info(fmt.Sprintf("connected to %s", c.url))
		go c.rejoin(conn)

		reason := conn.run(ctx)
		c.transition(Disconnected, func() {
			c.conn = nil
			c.reason = reason
		})
		c.logger.Info(fmt.Sprintf("disconnected: %s", reason))
		if ctx.Err() != nil || !c.wait(ctx) {
			c.finish(nil)
			return
		}
		c.transition(Connecting, nil)
	}
}

func (c *Channel) dial(ctx context.Context) (*wsConn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, tokenError(err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	conn := newWSConn(ws, func(e *Event) {
		c.router.Dispatch(ctx, e)
	}, c.logger.With(slog.String("url", c.url)))

	auth, err := NewEvent(EventAuth, AuthPayload{Token: token})
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := conn.writeEvent(auth); err != nil {
		ws.Close()
		return nil, fmt.Errorf("auth handshake: %w", err)
	}
	return conn, nil
}

func (c *Channel) rejoin(conn *wsConn) {
	for _, token := range c.rooms.Keys() {
		if !c.rooms.Update(token, func(bool) bool { return false }) {
			continue
		}
		if !c.emit(conn, EventJoinConversation, RoomPayload{ConversationToken: token}) {
			return
		}
		c.logger.Debug(fmt.Sprintf("rejoined %s", token))
	}
}

// wait sleeps for the reconnect delay. It reports false if ctx ended first.
func (c *Channel) wait(ctx context.Context) bool {
	t := time.NewTimer(c.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish marks the supervisor as stopped.
func (c *Channel) finish(err error) {
	c.transition(Disconnected, func() {
		c.running = false
		c.conn = nil
		if err != nil {
			c.err = err
		}
	})
}

// transition moves to state, applying f under the lock, and notifies the
// state observers when the state changed.
func (c *Channel) transition(state ConnState, f func()) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	if f != nil {
		f()
	}
	observers := c.onState
	c.mu.Unlock()

	if changed {
		c.logger.Debug(fmt.Sprintf("channel %s", state))
		for _, o := range observers {
			o(state)
		}
	}
}

// Disconnect closes the connection and stops reconnecting. It is safe to
// call when already disconnected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.rooms.Clear()
	c.transition(Disconnected, func() {
		c.running = false
		c.conn = nil
		c.lastRoom = ""
	})
}

// liveConn returns the connection if the channel is connected.
func (c *Channel) liveConn() *wsConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil
	}
	return c.conn
}

func (c *Channel) emit(conn *wsConn, t string, payload any) bool {
	e, err := NewEvent(t, payload)
	if err != nil {
		c.logger.Error(err.Error())
		return false
	}
	if !conn.send(e) {
		c.logger.Warn(fmt.Sprintf("%s: connection closed", t))
		return false
	}
	eventsSentTotal.WithLabelValues(t).Inc()
	return true
}

// JoinConversation joins the room of a conversation. It does nothing and
// returns false when the channel is not connected.
func (c *Channel) JoinConversation(token string) bool {
	payload := RoomPayload{ConversationToken: token}
	if err := validate.Struct(payload); err != nil {
		c.logger.Error(fmt.Sprintf("join: %v", err))
		return false
	}
	conn := c.liveConn()
	if conn == nil {
		c.logger.Warn(fmt.Sprintf("join %s: not connected", token))
		return false
	}
	if !c.emit(conn, EventJoinConversation, payload) {
		return false
	}
	c.rooms.Store(token, false)
	c.mu.Lock()
	c.lastRoom = token
	c.mu.Unlock()
	return true
}

// LeaveConversation leaves the room of a conversation. The room is forgotten
// even when the channel is down so it is not joined again on reconnect.
func (c *Channel) LeaveConversation(token string) bool {
	c.rooms.Delete(token)
	c.mu.Lock()
	if c.lastRoom == token {
		c.lastRoom = ""
	}
	c.mu.Unlock()

	conn := c.liveConn()
	if conn == nil {
		c.logger.Warn(fmt.Sprintf("leave %s: not connected", token))
		return false
	}
	return c.emit(conn, EventLeaveConversation, RoomPayload{ConversationToken: token})
}

// SendMessage emits a message to a conversation room. It returns false
// without sending when the channel is not connected; the caller then falls
// back to a local-only append. Delivery is confirmed later by the echo.
func (c *Channel) SendMessage(token, content, clientMessageID string) bool {
	conn := c.liveConn()
	if conn == nil {
		c.logger.Warn(fmt.Sprintf("send to %s: not connected", token))
		return false
	}
	return c.emit(conn, EventSendMessage, SendMessagePayload{
		ConversationToken: token,
		Content:           content,
		ClientMessageID:   clientMessageID,
	})
}

func (c *Channel) handleNewMessage(_ context.Context, e *Event) error {
	var p NewMessagePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode new_message: %w", err)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid new_message: %w", err)
	}
	chatID := p.ConversationToken
	if chatID == "" {
		c.mu.Lock()
		chatID = c.lastRoom
		c.mu.Unlock()
	}
	if chatID == "" {
		return errors.New("new_message for no known conversation")
	}
	if p.ID == "" {
		c.logger.Warn(fmt.Sprintf("new_message without id in %s", chatID))
	}
	c.sink.AddMessage(chatID, p.Message(chatID, c.now()))
	return nil
}

func (c *Channel) handleJoinedConversation(_ context.Context, e *Event) error {
	var p RoomPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode joined_conversation: %w", err)
	}
	c.rooms.Update(p.ConversationToken, func(bool) bool { return true })
	c.logger.Info(fmt.Sprintf("joined conversation %s", p.ConversationToken))
	return nil
}

func (c *Channel) handleError(_ context.Context, e *Event) error {
	var p ErrorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode error event: %w", err)
	}
	c.mu.Lock()
	c.err = fmt.Errorf("server error: %s", p.Message)
	c.mu.Unlock()
	c.logger.Error(fmt.Sprintf("server error: %s", p.Message))
	return nil
}

func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) IsConnected() bool {
	return c.State() == Connected
}

// Err returns the last handshake, transport or server error. It is cleared
// by the next successful connect.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// DisconnectReason returns why the last connection ended.
func (c *Channel) DisconnectReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Joined reports whether token is a joined room and whether the server
// acknowledged it.
func (c *Channel) Joined(token string) (joined bool, acked bool) {
	acked, joined = c.rooms.Load(token)
	return joined, acked
}
