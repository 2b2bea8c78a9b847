package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/macromind/realtime/internal/v1/logging"
	"github.com/macromind/realtime/internal/v1/protocol"
	"github.com/macromind/realtime/internal/v1/ratelimit"
)

// sessionState tracks where a session is in its lifecycle. Disconnect can
// happen from any state.
type sessionState int

const (
	stateConnected     sessionState = iota // socket open, not authenticated
	stateAuthenticated                     // userId set, not in a space
	stateInSpace                           // current space set
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one connected session. It is single-consumer on its inbound
// stream: frames from the client are processed in the order they arrive.
type Client struct {
	hub  *Hub
	conn wsConnection

	send chan []byte

	mu     sync.RWMutex
	closed bool
	alive  bool
	state  sessionState

	userID string
	name   string
	email  string
	avatar string
	color  string

	budget *ratelimit.FrameBudget

	closeOnce sync.Once
}

func newClient(h *Hub, conn wsConnection, frameBudget int) *Client {
	c := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 256),
		alive: true, // a fresh connection counts as having answered tick zero
		state: stateConnected,
	}
	if frameBudget > 0 {
		c.budget = ratelimit.NewFrameBudget(frameBudget)
	}
	return c
}

// --- state accessors ---

func (c *Client) State() sessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s sessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// UserID returns the authenticated userId, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// DisplayName returns the authenticated display name.
func (c *Client) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Client) setIdentity(userID, name, email, avatar, color string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.name = name
	c.email = email
	c.avatar = avatar
	c.color = color
	c.state = stateAuthenticated
}

func (c *Client) isAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive
}

func (c *Client) setAlive(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = v
}

// markClosed flags the client and closes the send channel so writePump can
// drain and send the close frame.
func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump continuously processes incoming frames from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetPongHandler(func(string) error {
		c.setAlive(true)
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		// Any traffic proves the peer is alive.
		c.setAlive(true)

		if !c.budget.Allow() {
			// Over budget frames are dropped, not errored. Conforming
			// clients never hit this.
			continue
		}

		c.hub.route(c, data)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Enqueue satisfies presence.Handle. It never blocks: a session whose send
// buffer is full loses the frame, and the heartbeat eventually reaps it if
// the peer is truly gone.
func (c *Client) Enqueue(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	// The channel can close between the check above and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closed session", zap.String("userId", c.UserID()))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Session send channel full, dropping frame", zap.String("userId", c.UserID()))
	}
}

// sendFrame marshals and enqueues a frame for this session only.
func (c *Client) sendFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal frame", zap.Error(err))
		return
	}
	c.Enqueue(data)
}

func (c *Client) sendError(message string) {
	c.sendFrame(protocol.NewError(message, false))
}

func (c *Client) sendAuthError(message string) {
	c.sendFrame(protocol.NewError(message, true))
}
