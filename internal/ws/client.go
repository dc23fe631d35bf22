package ws

import (
	"context"
	"sync"
	"time"

	"chatcore/internal/realtime"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 1 << 20 // 1MB
)

// outbound is one queued frame. written, when set, is closed by the write
// pump once the frame is on the wire.
type outbound struct {
	data    []byte
	written chan struct{}
}

// Client is one websocket session. It implements realtime.Conn.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn

	send chan outbound
	quit chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn, userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan outbound, buffer),
		quit:   make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Send queues a frame without blocking. A full buffer means the peer cannot
// keep up; the client is closed and the frame is reported as not pushed.
func (c *Client) Send(b []byte) error {
	select {
	case <-c.quit:
		return realtime.ErrClosed
	default:
	}
	select {
	case c.send <- outbound{data: b}:
		return nil
	default:
		c.close()
		return realtime.ErrBufferFull
	}
}

// SendWait queues a frame, waiting for buffer room, and returns once the
// write pump has flushed it.
func (c *Client) SendWait(ctx context.Context, b []byte) error {
	select {
	case <-c.quit:
		return realtime.ErrClosed
	default:
	}
	written := make(chan struct{})
	select {
	case c.send <- outbound{data: b, written: written}:
	case <-c.quit:
		return realtime.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-written:
		return nil
	case <-c.quit:
		return realtime.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the write pump; safe to call more than once.
func (c *Client) close() {
	c.once.Do(func() { close(c.quit) })
}

func (c *Client) readPump(handle func(data []byte)) {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case out := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(out.data)
			if err := w.Close(); err != nil {
				return
			}
			if out.written != nil {
				close(out.written)
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
