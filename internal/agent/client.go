// ABOUTME: Websocket client that keeps an agent connected to the relay
// ABOUTME: Reconnects with jittered backoff and repeats the auth handshake on every connection

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/protocol"
)

// DefaultHeartbeatInterval matches the relay's sweep cadence.
const DefaultHeartbeatInterval = 30 * time.Second

const (
	defaultHandshakeTimeout = 10 * time.Second
	clientWriteWait         = 10 * time.Second
	closeGrace              = time.Second
	outboundQueueSize       = 256
)

var (
	// ErrNotConnected is returned by Send while no authenticated connection exists.
	ErrNotConnected = errors.New("not connected to relay")
	// ErrAuthRejected means the relay refused the credentials; Run stops retrying.
	ErrAuthRejected = errors.New("relay rejected authentication")
	// ErrQueueFull is returned by Send when the outbound queue has no room.
	ErrQueueFull = errors.New("outbound queue full")
)

// Handler receives everything the relay sends after authentication.
type Handler interface {
	// Connected runs after each successful handshake.
	Connected(ctx context.Context)
	// HandleMessage must not block; long work belongs on its own goroutine.
	HandleMessage(ctx context.Context, env *protocol.Envelope)
}

type ClientConfig struct {
	URL      string
	Token    string
	ClientID string
	Version  string

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration

	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts bounds consecutive failed connections; zero retries forever.
	MaxAttempts int
}

// Client implements permission.Outbox for the current connection.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu     sync.Mutex
	out    chan []byte
	connID string
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Client{cfg: cfg, logger: logger.With("component", "agent-client")}
}

// Run connects and serves h until ctx is cancelled, reconnecting after failures.
// It returns nil on cancellation and an error when authentication is rejected or
// MaxAttempts consecutive connections fail.
func (c *Client) Run(ctx context.Context, h Handler) error {
	backoff := NewBackoff(c.cfg.InitialDelay, c.cfg.MaxDelay)

	for {
		authed, err := c.connectOnce(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if authed {
			backoff.Reset()
		}
		if c.cfg.MaxAttempts > 0 && backoff.Attempts() >= c.cfg.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", backoff.Attempts(), err)
		}

		delay := backoff.Next()
		c.logger.Warn("relay connection lost, reconnecting",
			"error", err,
			"attempt", backoff.Attempts(),
			"delay", delay.Round(time.Millisecond),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Send queues a message on the current connection.
func (c *Client) Send(msgType string, payload any) error {
	data, err := protocol.CreateMessage(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return ErrNotConnected
	}
	select {
	case out <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// ConnID is the id the relay assigned to the current connection, or "".
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Client) attach(out chan []byte, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = out
	c.connID = connID
}

func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = nil
	c.connID = ""
}

// connectOnce dials, authenticates and pumps one connection until it fails.
func (c *Client) connectOnce(ctx context.Context, h Handler) (authed bool, err error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	defer ws.Close()

	connID, err := c.authenticate(ws)
	if err != nil {
		return false, err
	}

	out := make(chan []byte, outboundQueueSize)
	c.attach(out, connID)
	defer c.detach()
	c.logger.Info("connected to relay", "conn_id", connID, "url", c.cfg.URL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(ctx, ws, h) })
	g.Go(func() error { return c.writeLoop(gctx, ws, out) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })

	h.Connected(ctx)
	return true, g.Wait()
}

func (c *Client) authenticate(ws *websocket.Conn) (string, error) {
	data, err := protocol.CreateMessage(protocol.TypeAuth, &protocol.Auth{
		ClientType: protocol.ClientAgent,
		ClientID:   c.cfg.ClientID,
		Version:    c.cfg.Version,
		Token:      c.cfg.Token,
	})
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return "", fmt.Errorf("sending auth: %w", err)
	}
	_ = ws.SetReadDeadline(deadline)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == 4003 {
				return "", fmt.Errorf("%w: %s", ErrAuthRejected, ce.Text)
			}
			return "", fmt.Errorf("waiting for auth result: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeAuthResult:
			var res protocol.AuthResult
			if err := env.Into(&res); err != nil {
				return "", fmt.Errorf("decoding auth result: %w", err)
			}
			if !res.Success {
				return "", fmt.Errorf("%w: %s", ErrAuthRejected, res.Message)
			}
			_ = ws.SetReadDeadline(time.Time{})
			return res.ClientID, nil
		case protocol.TypeError:
			var msg protocol.ErrorMessage
			if err := env.Into(&msg); err == nil &&
				(msg.Error.Code == protocol.CodeAuth || msg.Error.Code == protocol.CodeInvalidClientType) {
				return "", fmt.Errorf("%w: %s", ErrAuthRejected, msg.Error.Message)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, h Handler) error {
	idle := 3 * c.cfg.HeartbeatInterval
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(idle))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(clientWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_ = ws.SetReadDeadline(time.Now().Add(idle))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading from relay: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame from relay", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeHeartbeatResponse, protocol.TypeConnectionStatus:
			continue
		case protocol.TypeError:
			var msg protocol.ErrorMessage
			if err := env.Into(&msg); err == nil {
				c.logger.Warn("relay reported an error",
					"code", msg.Error.Code,
					"message", msg.Error.Message,
					"session_id", msg.SessionID,
				)
			}
			continue
		}
		h.HandleMessage(ctx, env)
	}
}

func (c *Client) writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent disconnecting"),
				time.Now().Add(clientWriteWait))
			// unblock the reader if the relay never answers the close
			_ = ws.SetReadDeadline(time.Now().Add(closeGrace))
			return nil
		case data := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = ws.SetReadDeadline(time.Now())
				return fmt.Errorf("writing to relay: %w", err)
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Send(protocol.TypeHeartbeat, nil); err != nil {
				c.logger.Debug("heartbeat not sent", "error", err)
			}
		}
	}
}
