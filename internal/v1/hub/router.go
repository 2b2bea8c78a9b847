package hub

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/macromind/realtime/internal/v1/logging"
	"github.com/macromind/realtime/internal/v1/presence"
)

// deliver fans out registry events in order. Each frame is marshaled once;
// recipients come from a snapshot so no registry lock is held while writing.
// Per-recipient work on the cursor path is a single channel send.
func (h *Hub) deliver(events []presence.Event) {
	for _, ev := range events {
		data, err := json.Marshal(ev.Frame)
		if err != nil {
			logging.Error(context.Background(), "Failed to marshal broadcast frame", zap.Error(err))
			continue
		}

		if ev.To != "" {
			if handle, ok := h.registry.HandleOf(ev.To); ok {
				handle.Enqueue(data)
			}
			continue
		}

		if ev.SpaceID == "" {
			continue
		}
		h.broadcastRaw(ev.SpaceID, data, ev.Exclude)
	}
}

// broadcastRaw sends an already-serialized frame to every session in a
// space, optionally excluding the originator.
func (h *Hub) broadcastRaw(spaceID string, data []byte, exclude string) {
	for _, handle := range h.registry.Recipients(spaceID, exclude) {
		handle.Enqueue(data)
	}
}
