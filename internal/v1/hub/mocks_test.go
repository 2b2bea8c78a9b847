package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macromind/realtime/internal/v1/auth"
	"github.com/macromind/realtime/internal/v1/store"
)

// mockConn implements wsConnection for tests.
type mockConn struct {
	mu        sync.Mutex
	closed    bool
	pings     int
	written   [][]byte
	readCh    chan []byte
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{readCh: make(chan []byte)}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	data, ok := <-m.readCh
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageType == websocket.PingMessage {
		m.pings++
	}
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockConn) SetPongHandler(h func(appData string) error) {}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.readCh)
	})
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) pingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// mockValidator resolves tokens from a fixed table.
type mockValidator struct {
	tokens map[string]*auth.Claims
}

func (v *mockValidator) ValidateToken(tokenString string) (*auth.Claims, error) {
	if claims, ok := v.tokens[tokenString]; ok {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// mockDirectory is an in-memory stand-in for the users/spaces database.
type mockDirectory struct {
	users   map[string]*store.UserRecord
	spaces  map[string]*store.SpaceRecord
	members map[string][]string
}

func (d *mockDirectory) UserByID(ctx context.Context, id string) (*store.UserRecord, error) {
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	return nil, store.ErrUserNotFound
}

func (d *mockDirectory) SpaceAccess(ctx context.Context, userID, spaceID string) (*store.SpaceRecord, error) {
	sp, ok := d.spaces[spaceID]
	if !ok {
		return nil, store.ErrSpaceNotFound
	}
	if sp.IsPublic || sp.OwnerID == userID {
		return sp, nil
	}
	for _, member := range d.members[spaceID] {
		if member == userID {
			return sp, nil
		}
	}
	return nil, store.ErrAccessDenied
}

func userRecord(id string) *store.UserRecord {
	return &store.UserRecord{ID: id, Name: "Name " + id, Email: id + "@example.com"}
}

func claimsFor(userID string) *auth.Claims {
	c := &auth.Claims{Name: "Name " + userID, Email: userID + "@example.com"}
	c.Subject = userID
	return c
}

// newTestHub wires a hub against mock auth and directory with three known
// users and one private space owned by u1.
func newTestHub() *Hub {
	validator := &mockValidator{tokens: map[string]*auth.Claims{
		"tok-u1": claimsFor("u1"),
		"tok-u2": claimsFor("u2"),
		"tok-u3": claimsFor("u3"),
	}}
	directory := &mockDirectory{
		users: map[string]*store.UserRecord{
			"u1": {ID: "u1", Name: "Alice", Email: "alice@example.com", AvatarURL: "https://cdn.example.com/alice.png"},
			"u2": {ID: "u2", Name: "Bob", Email: "bob@example.com"},
			"u3": {ID: "u3", Name: "Cara", Email: "cara@example.com"},
		},
		spaces: map[string]*store.SpaceRecord{
			"team": {ID: "team", Name: "Team Space", OwnerID: "u1", IsPublic: false},
		},
		members: map[string][]string{
			"team": {"u2"},
		},
	}
	return NewHub(validator, directory, Options{})
}

// connect registers a session without starting its pumps so tests drive
// frames synchronously through route().
func connect(h *Hub) (*Client, *mockConn) {
	conn := newMockConn()
	c := newClient(h, conn, 0)
	h.mu.Lock()
	h.sessions[c] = struct{}{}
	h.mu.Unlock()
	return c, conn
}

// send routes a raw frame from this client.
func send(h *Hub, c *Client, frame string) {
	h.route(c, []byte(frame))
}

// drainFrames empties the client's send buffer into decoded frames.
func drainFrames(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var m map[string]any
			require.NoError(t, json.Unmarshal(data, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

// frameTypeSeq extracts the type sequence from drained frames.
func frameTypeSeq(frames []map[string]any) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f["type"].(string))
	}
	return out
}

// authAs authenticates a client and asserts success.
func authAs(t *testing.T, h *Hub, c *Client, token string) map[string]any {
	t.Helper()
	send(h, c, `{"type":"auth","token":"`+token+`"}`)
	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, "auth:success", frames[0]["type"])
	return frames[0]
}

// joinSpace joins a space and asserts the confirmation pair.
func joinSpace(t *testing.T, h *Hub, c *Client, spaceID string) []map[string]any {
	t.Helper()
	send(h, c, `{"type":"space:join","spaceId":"`+spaceID+`"}`)
	frames := drainFrames(t, c)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "space:joined", frames[0]["type"])
	assert.Equal(t, "users:list", frames[1]["type"])
	return frames
}
