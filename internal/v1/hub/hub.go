// Package hub runs the connected-session side of the collaboration service:
// the WebSocket endpoint, one session handler per client, the per-space
// fan-out, and the heartbeat that reaps dead sessions.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/macromind/realtime/internal/v1/auth"
	"github.com/macromind/realtime/internal/v1/logging"
	"github.com/macromind/realtime/internal/v1/metrics"
	"github.com/macromind/realtime/internal/v1/presence"
	"github.com/macromind/realtime/internal/v1/store"
)

// PublicSpaceID is the always-accessible space; it has no database row.
const PublicSpaceID = "public"

// Directory answers the two lookups the hub performs against the
// application's database: token subject → user, and (user, space) → access.
type Directory interface {
	UserByID(ctx context.Context, id string) (*store.UserRecord, error)
	SpaceAccess(ctx context.Context, userID, spaceID string) (*store.SpaceRecord, error)
}

// Options tune a Hub.
type Options struct {
	// HeartbeatInterval is the liveness probe period. Zero means the 30s
	// default.
	HeartbeatInterval time.Duration
	// FrameBudget is the per-session inbound frames/second budget; zero
	// disables it.
	FrameBudget int
}

// Hub coordinates all connected sessions.
type Hub struct {
	registry  *presence.Registry
	validator auth.TokenValidator
	directory Directory

	heartbeatInterval time.Duration
	frameBudget       int

	mu       sync.Mutex
	sessions map[*Client]struct{}
	byUser   map[string]*Client

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a Hub and configures it with its dependencies.
func NewHub(validator auth.TokenValidator, directory Directory, opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Hub{
		registry:          presence.NewRegistry(),
		validator:         validator,
		directory:         directory,
		heartbeatInterval: opts.HeartbeatInterval,
		frameBudget:       opts.FrameBudget,
		sessions:          make(map[*Client]struct{}),
		byUser:            make(map[string]*Client),
		done:              make(chan struct{}),
	}
}

// Registry exposes the presence registry, mainly for tests and health
// introspection.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Run starts the liveness monitor.
func (h *Hub) Run() {
	h.wg.Add(1)
	go h.heartbeatLoop()
}

// ServeWs upgrades an HTTP request to a WebSocket session. Authentication
// happens on the socket itself: the first frame must be an auth frame.
func (h *Hub) ServeWs(c *gin.Context) {
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	h.HandleConnection(conn)
}

// HandleConnection registers an established connection and starts its pumps.
func (h *Hub) HandleConnection(conn wsConnection) *Client {
	client := newClient(h, conn, h.frameBudget)

	h.mu.Lock()
	h.sessions[client] = struct{}{}
	h.mu.Unlock()

	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
	return client
}

// disconnect runs the cleanup path exactly once per session: registry
// removal with its lock-release and user:leave broadcasts, then the local
// bookkeeping. Clean closes, heartbeat deaths, and evictions all land here.
func (h *Hub) disconnect(c *Client) {
	c.closeOnce.Do(func() {
		userID := c.UserID()

		h.mu.Lock()
		delete(h.sessions, c)
		if userID != "" && h.byUser[userID] == c {
			delete(h.byUser, userID)
		}
		h.mu.Unlock()

		if userID != "" {
			events := h.registry.Unregister(userID)
			h.deliver(events)
			logging.Info(context.Background(), "Session disconnected", zap.String("userId", userID))
		}

		c.markClosed()
		metrics.DecConnection()
	})
}

// teardown forcibly ends a session through the same path as a clean
// disconnect.
func (h *Hub) teardown(c *Client) {
	h.disconnect(c)
	c.conn.Close()
}

// heartbeatLoop probes every session each tick. A session that did not
// answer the previous probe is dead and is torn down; the rest get their
// flag cleared and a fresh transport-level ping.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.probeSessions()
		}
	}
}

func (h *Hub) probeSessions() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.sessions))
	for c := range h.sessions {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.isAlive() {
			metrics.HeartbeatDeaths.Inc()
			logging.Warn(context.Background(), "Session missed heartbeat, terminating", zap.String("userId", c.UserID()))
			h.teardown(c)
			continue
		}
		c.setAlive(false)
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
			logging.Warn(context.Background(), "Failed to ping session", zap.String("userId", c.UserID()), zap.Error(err))
		}
	}
}

// Shutdown stops the heartbeat and runs the disconnect path for every live
// session so peers see the same unlock/leave sequence as on a clean close.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.sessions))
	for c := range h.sessions {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.teardown(c)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
