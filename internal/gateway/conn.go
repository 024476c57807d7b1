// ABOUTME: One websocket connection: a bounded outbound queue plus read and write pumps
// ABOUTME: Closing drains already-queued frames before the close frame is written

package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendQueueSize = 256
)

// Close codes.
const (
	closeNormal      = websocket.CloseNormalClosure
	closeGoingAway   = websocket.CloseGoingAway
	closeAuthTimeout = 4001
	closeAuthFailed  = 4003
	closeStale       = 4008
)

// Conn is a websocket connection owned by the gateway.
type Conn struct {
	id         string
	ws         *websocket.Conn
	remoteAddr string
	limiter    *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	// rooms is guarded by the hub's mutex.
	rooms map[string]struct{}

	authMu     sync.Mutex
	clientType protocol.ClientType
	authed     bool
}

func newConn(id string, ws *websocket.Conn, limiter *rate.Limiter) *Conn {
	c := &Conn{
		id:      id,
		ws:      ws,
		limiter: limiter,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		rooms:   make(map[string]struct{}),
	}
	if ws != nil {
		c.remoteAddr = ws.RemoteAddr().String()
	}
	return c
}

// ID is the connection id, also used as the client id of its sessions.
func (c *Conn) ID() string { return c.id }

func (c *Conn) enqueue(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) isClosed() bool {
	return c.closed.Load()
}

// Close asks the write pump to flush queued frames, send a close frame and hang up.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.closeMu.Unlock()
		c.closed.Store(true)
		close(c.done)
	})
}

func (c *Conn) authenticate(t protocol.ClientType) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.clientType = t
	c.authed = true
}

func (c *Conn) identity() (protocol.ClientType, bool) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.clientType, c.authed
}

// readPump delivers inbound text frames to handle until the socket fails.
func (c *Conn) readPump(maxBytes int64, onPong func(), handle func([]byte)) error {
	if maxBytes > 0 {
		c.ws.SetReadLimit(maxBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		if onPong != nil {
			onPong()
		}
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

// writePump owns all writes to the socket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close(closeGoingAway, "write failed")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(closeGoingAway, "ping failed")
				return
			}

		case <-c.done:
			c.flush()
			c.closeMu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.closeMu.Unlock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is already queued, without waiting for more.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
