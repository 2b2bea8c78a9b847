package hub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/macromind/realtime/internal/v1/logging"
	"github.com/macromind/realtime/internal/v1/metrics"
	"github.com/macromind/realtime/internal/v1/presence"
	"github.com/macromind/realtime/internal/v1/protocol"
	"github.com/macromind/realtime/internal/v1/store"
)

// Error messages surfaced to clients. Peers never see another session's
// errors.
const (
	errAuthRequired    = "Authentication required"
	errAlreadyAuthed   = "Already authenticated"
	errAuthFailed      = "Invalid or expired token"
	errUnknownUser     = "Unknown user"
	errMalformedFrame  = "Malformed frame"
	errSpaceIDRequired = "Space id required"
	errSpaceNotFound   = "Space not found"
	errAccessDenied    = "Access denied to this space"
	errJoinFailed      = "Failed to join space"
	errCardIDRequired  = "Card id required"
	errLockConflict    = "Card is already locked by another user"
)

// Frame outcome labels for the events counter.
const (
	statusOK    = "ok"
	statusError = "error"
)

// route dispatches one inbound frame. Handlers return the outcome label for
// the events counter; failures are surfaced as error frames on the
// originating session only.
func (h *Hub) route(c *Client, data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		metrics.FrameEvents.WithLabelValues("malformed", statusError).Inc()
		c.sendError(errMalformedFrame)
		return
	}

	start := time.Now()
	defer func() {
		metrics.FrameProcessingDuration.WithLabelValues(in.Type).Observe(time.Since(start).Seconds())
	}()

	// Before authentication only auth frames are accepted.
	if c.State() == stateConnected && in.Type != protocol.TypeAuth {
		metrics.FrameEvents.WithLabelValues(in.Type, "denied").Inc()
		c.sendError(errAuthRequired)
		return
	}

	if uid := c.UserID(); uid != "" && in.Type != protocol.TypeCursorMove {
		h.registry.Touch(uid)
	}

	var status string
	switch in.Type {
	case protocol.TypeAuth:
		status = h.handleAuth(c, in)
	case protocol.TypeSpaceJoin:
		status = h.handleSpaceJoin(c, in)
	case protocol.TypeSpaceLeave:
		status = h.handleSpaceLeave(c)
	case protocol.TypeCursorMove:
		status = h.handleCursorMove(c, in)
	case protocol.TypeCardLock:
		status = h.handleCardLock(c, in)
	case protocol.TypeCardUnlock:
		status = h.handleCardUnlock(c, in)
	case protocol.TypeCardSelect:
		status = h.handleCardSelect(c, in)
	case protocol.TypeCardDeselect:
		status = h.handleCardDeselect(c, in)
	default:
		// card:* / connection:* mutation passthroughs
		status = h.handlePassthrough(c, in)
	}

	metrics.FrameEvents.WithLabelValues(in.Type, status).Inc()
}

// handleAuth resolves the bearer credential to a user record and registers
// the session. A session authenticates exactly once.
func (h *Hub) handleAuth(c *Client, in *protocol.Inbound) string {
	if c.State() != stateConnected {
		c.sendError(errAlreadyAuthed)
		return statusError
	}

	claims, err := h.validator.ValidateToken(in.Token)
	if err != nil {
		metrics.AuthFailures.Inc()
		logging.Warn(context.Background(), "Token validation failed", zap.Error(err))
		c.sendAuthError(errAuthFailed)
		return statusError
	}

	// Database lookup happens before the registry critical section.
	user, err := h.directory.UserByID(context.Background(), claims.Subject)
	if err != nil {
		metrics.AuthFailures.Inc()
		if errors.Is(err, store.ErrUserNotFound) {
			c.sendAuthError(errUnknownUser)
		} else {
			logging.Error(context.Background(), "User lookup failed", zap.Error(err))
			c.sendAuthError(errAuthFailed)
		}
		return statusError
	}

	// One session per user: an older login is torn down through the full
	// disconnect path before the new one registers.
	h.mu.Lock()
	old := h.byUser[user.ID]
	h.mu.Unlock()
	if old != nil && old != c {
		logging.Info(context.Background(), "Duplicate login, evicting previous session", zap.String("userId", user.ID))
		h.teardown(old)
	}

	registered := h.registry.Register(presence.User{
		ID:     user.ID,
		Name:   user.Name,
		Email:  user.Email,
		Avatar: user.AvatarURL,
	}, c)

	c.setIdentity(user.ID, user.Name, user.Email, user.AvatarURL, registered.Color)

	h.mu.Lock()
	h.byUser[user.ID] = c
	h.mu.Unlock()

	logging.Info(context.Background(), "Session authenticated",
		zap.String("userId", user.ID),
		zap.String("email", logging.RedactEmail(user.Email)))

	c.sendFrame(protocol.AuthSuccess{
		Type:      protocol.TypeAuthSuccess,
		UserID:    user.ID,
		UserName:  user.Name,
		UserColor: registered.Color,
	})
	return statusOK
}

// handleSpaceJoin joins or switches spaces. The access check runs against
// the database before the registry mutation; the public space needs no row.
func (h *Hub) handleSpaceJoin(c *Client, in *protocol.Inbound) string {
	if in.SpaceID == "" {
		c.sendError(errSpaceIDRequired)
		return statusError
	}
	userID := c.UserID()

	var rec *store.SpaceRecord
	if in.SpaceID == PublicSpaceID {
		rec = &store.SpaceRecord{ID: PublicSpaceID, Name: "Public Space", IsPublic: true}
	} else {
		var err error
		rec, err = h.directory.SpaceAccess(context.Background(), userID, in.SpaceID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrSpaceNotFound):
				c.sendError(errSpaceNotFound)
			case errors.Is(err, store.ErrAccessDenied):
				c.sendError(errAccessDenied)
			default:
				logging.Error(context.Background(), "Space lookup failed",
					zap.String("spaceId", in.SpaceID), zap.Error(err))
				c.sendError(errJoinFailed)
			}
			return statusError
		}
	}

	res, ok := h.registry.JoinSpace(userID, rec.ID)
	if !ok {
		return statusError
	}

	// Leave broadcasts for the old space run before the join broadcast for
	// the new one; both are ordered inside res.Events.
	h.deliver(res.Events)

	c.sendFrame(protocol.SpaceJoined{
		Type:     protocol.TypeSpaceJoined,
		SpaceID:  rec.ID,
		Name:     rec.Name,
		IsPublic: rec.IsPublic,
	})
	c.sendFrame(protocol.UsersList{
		Type:  protocol.TypeUsersList,
		Users: res.Peers,
	})
	c.setState(stateInSpace)

	if !res.Rejoined {
		logging.Info(context.Background(), "User joined space",
			zap.String("userId", userID), zap.String("spaceId", rec.ID))
	}
	return statusOK
}

func (h *Hub) handleSpaceLeave(c *Client) string {
	events := h.registry.LeaveSpace(c.UserID())
	if len(events) == 0 {
		// Leaving while not in a space is a silent no-op.
		return statusOK
	}
	h.deliver(events)
	c.setState(stateAuthenticated)
	return statusOK
}

// handleCursorMove is the hot path: no logging, no per-recipient overhead
// beyond the channel send.
func (h *Hub) handleCursorMove(c *Client, in *protocol.Inbound) string {
	h.deliver(h.registry.MoveCursor(c.UserID(), in.X, in.Y))
	return statusOK
}

func (h *Hub) handleCardLock(c *Client, in *protocol.Inbound) string {
	if in.CardID == "" {
		c.sendError(errCardIDRequired)
		return statusError
	}
	events, err := h.registry.Lock(c.UserID(), in.CardID)
	if err != nil {
		c.sendError(errLockConflict)
		return statusError
	}
	h.deliver(events)
	return statusOK
}

func (h *Hub) handleCardUnlock(c *Client, in *protocol.Inbound) string {
	if in.CardID == "" {
		c.sendError(errCardIDRequired)
		return statusError
	}
	h.deliver(h.registry.Unlock(c.UserID(), in.CardID))
	return statusOK
}

func (h *Hub) handleCardSelect(c *Client, in *protocol.Inbound) string {
	if in.CardID == "" {
		c.sendError(errCardIDRequired)
		return statusError
	}
	events, err := h.registry.Select(c.UserID(), in.CardID)
	if err != nil {
		c.sendError(errLockConflict)
		return statusError
	}
	h.deliver(events)
	return statusOK
}

func (h *Hub) handleCardDeselect(c *Client, in *protocol.Inbound) string {
	if in.CardID == "" {
		c.sendError(errCardIDRequired)
		return statusError
	}
	h.deliver(h.registry.Deselect(c.UserID(), in.CardID))
	return statusOK
}

// handlePassthrough re-broadcasts card/connection mutation events to the
// rest of the sender's space with the originator's identity attached. The
// hub does not validate payload content.
func (h *Hub) handlePassthrough(c *Client, in *protocol.Inbound) string {
	userID := c.UserID()
	spaceID, ok := h.registry.SpaceOf(userID)
	if !ok {
		// Mutations outside a space have no audience; silently dropped.
		return statusOK
	}

	data, err := protocol.Passthrough(in, userID, c.DisplayName())
	if err != nil {
		logging.Error(context.Background(), "Failed to encode passthrough frame", zap.Error(err))
		return statusError
	}
	h.broadcastRaw(spaceID, data, userID)
	return statusOK
}
