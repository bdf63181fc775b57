package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/banchess/banchess-server/internal/auth"
)

// conn is one live transport link. identity, sessionID and role are
// guarded by the hub mutex; the send channel decouples broadcast
// fan-out from slow sockets.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// guarded by Hub.mu
	identity  *auth.Identity
	sessionID string
	role      string
}

func newConn(ws *websocket.Conn, buffer int) *conn {
	return &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// enqueue offers a pre-marshaled frame. Returns false when the outbound
// buffer is full; the caller disconnects the laggard.
func (c *conn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return true
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case b := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.ws.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				c.close(websocket.StatusGoingAway, "write failure")
				return
			}
		}
	}
}
