// SPDX-License-Identifier: MIT

package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize   = 32
	writeWait        = 5 * time.Second
	controlWriteWait = 2 * time.Second
	maxFrameSize     = 4096
)

// outFrame is one queued write. When closeCode is non-zero the pump sends
// the close frame after the data (if any) and tears the connection down,
// which keeps "deliver then close" sequences ordered.
type outFrame struct {
	data        []byte
	closeCode   int
	closeReason string
}

// client is one attached websocket handle. All data writes go through the
// send channel and the write pump; the heartbeat tick and the broadcaster
// never write data frames directly.
type client struct {
	conn      *websocket.Conn
	sessionID string

	send chan outFrame
	done chan struct{}

	// alive is cleared by the heartbeat tick and set again by the pong
	// handler. A handle that misses a full tick is terminated.
	alive atomic.Bool

	// lastVersion enforces non-decreasing snapshot delivery per handle.
	lastVersion atomic.Int64

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, sessionID string) *client {
	c := &client{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan outFrame, sendBufferSize),
		done:      make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// enqueue hands a frame to the write pump without blocking. Returns false
// when the client's buffer is full; the caller drops the handle rather
// than backing up the broadcaster.
func (c *client) enqueue(f outFrame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// deliverIfNewer enqueues the frame only when version advances past the
// last delivered snapshot for this handle.
func (c *client) deliverIfNewer(version int64, frame []byte) (delivered, ok bool) {
	for {
		last := c.lastVersion.Load()
		if version <= last {
			return false, true
		}
		if c.lastVersion.CompareAndSwap(last, version) {
			return true, c.enqueue(outFrame{data: frame})
		}
	}
}

// writePump serialises all data writes to the connection.
func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if f.data != nil {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					c.terminate(websocket.CloseInternalServerErr, "write failed")
					return
				}
			}
			if f.closeCode != 0 {
				c.terminate(f.closeCode, f.closeReason)
				return
			}
		}
	}
}

// ping sends a protocol-level ping outside the write pump. Control frames
// are safe to write concurrently with data frames.
func (c *client) ping() error {
	deadline := time.Now().Add(controlWriteWait)
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// terminate sends a close frame with the given code and tears the
// connection down. Safe to call from any goroutine, repeatedly.
func (c *client) terminate(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(controlWriteWait)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

// closed reports whether terminate has run.
func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
