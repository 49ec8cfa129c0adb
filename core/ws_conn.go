package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10

	writeStreamSize = 64
)

// wsConn serves one live websocket connection: a read loop that hands every
// decoded event to dispatch and a write loop that drains writeStream and
// keeps the connection alive with pings.
type wsConn struct {
	conn        *websocket.Conn
	writeStream chan *Event
	// done is closed once the read loop has stopped.
	done     chan struct{}
	ticker   *time.Ticker
	dispatch func(*Event)
	logger   *slog.Logger
}

func newWSConn(conn *websocket.Conn, dispatch func(*Event), logger *slog.Logger) *wsConn {
	return &wsConn{
		conn:        conn,
		writeStream: make(chan *Event, writeStreamSize),
		done:        make(chan struct{}),
		dispatch:    dispatch,
		logger:      logger,
	}
}

// run serves the connection until the peer closes it, it fails, or ctx is
// done. It returns why the connection ended.
func (c *wsConn) run(ctx context.Context) string {
	c.ticker = time.NewTicker(pingPeriod)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	reason := c.readLoop()
	close(c.done)
	c.conn.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return "client disconnect"
	}
	return reason
}

// send queues e for writing. It reports false once the connection is gone.
func (c *wsConn) send(e *Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.writeStream <- e:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) writeEvent(e *Event) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("getting next writer: %w", err)
	}
	if err := EncodeEvent(w, e); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c *wsConn) readLoop() string {
	c.logger.Debug("read loop started")
	defer c.logger.Debug("read loop stopped")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return fmt.Sprintf("server closed: %v", err)
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return fmt.Sprintf("unexpected close: %v", err)
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return fmt.Sprintf("transport error: %v", err)
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			continue
		}
		c.logger.Debug(event.String())
		c.dispatch(&event)
	}
}

func (c *wsConn) writeLoop(ctx context.Context) {
	c.logger.Debug("write loop started")
	defer func() {
		c.ticker.Stop()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e := <-c.writeStream:
			if err := c.writeEvent(e); err != nil {
				c.logger.Error(fmt.Sprintf("write %s: %v", e.Type, err))
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.logger.Info("sending close message")
			c.conn.Close()
			return
		case <-c.ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				c.conn.Close()
				return
			}
		}
	}
}
