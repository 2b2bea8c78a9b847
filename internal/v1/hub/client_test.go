package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	h := newTestHub()
	c, _ := connect(h)

	c.markClosed()
	// Must not panic or block.
	c.Enqueue([]byte(`{"type":"user:leave"}`))
}

func TestEnqueueFullBufferDropsFrame(t *testing.T) {
	h := newTestHub()
	c, _ := connect(h)

	for i := 0; i < cap(c.send)+10; i++ {
		c.Enqueue([]byte(`{"type":"cursor:move"}`))
	}
	// The buffer holds exactly its capacity; the overflow was dropped, not
	// blocked on.
	assert.Len(t, c.send, cap(c.send))
}

func TestWritePumpDrainsAndCloses(t *testing.T) {
	h := newTestHub()
	c, conn := connect(h)

	c.Enqueue([]byte(`one`))
	c.Enqueue([]byte(`two`))
	c.markClosed()

	c.writePump()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	// Two frames plus the close frame.
	require.Len(t, conn.written, 3)
	assert.Equal(t, "one", string(conn.written[0]))
	assert.Equal(t, "two", string(conn.written[1]))
	assert.True(t, conn.closed)
}

func TestStateTransitions(t *testing.T) {
	h := newTestHub()
	c, _ := connect(h)

	assert.Equal(t, stateConnected, c.State())
	authAs(t, h, c, "tok-u1")
	assert.Equal(t, stateAuthenticated, c.State())
	joinSpace(t, h, c, "public")
	assert.Equal(t, stateInSpace, c.State())
	send(h, c, `{"type":"space:leave"}`)
	assert.Equal(t, stateAuthenticated, c.State())
}
