// Package protocol defines the JSON wire frames exchanged between the hub and
// its clients. Every frame is a single JSON object carrying a "type"
// discriminator; payload fields sit at the top level of the object.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types (client → server).
const (
	TypeAuth              = "auth"
	TypeSpaceJoin         = "space:join"
	TypeSpaceLeave        = "space:leave"
	TypeCursorMove        = "cursor:move"
	TypeCardLock          = "card:lock"
	TypeCardUnlock        = "card:unlock"
	TypeCardSelect        = "card:select"
	TypeCardDeselect      = "card:deselect"
	TypeCardCreated       = "card:created"
	TypeCardUpdated       = "card:updated"
	TypeCardDeleted       = "card:deleted"
	TypeConnectionCreated = "connection:created"
	TypeConnectionDeleted = "connection:deleted"
)

// Outbound frame types (server → client).
const (
	TypeAuthSuccess    = "auth:success"
	TypeAuthError      = "auth:error"
	TypeError          = "error"
	TypeSpaceJoined    = "space:joined"
	TypeUsersList      = "users:list"
	TypeUserJoin       = "user:join"
	TypeUserLeave      = "user:leave"
	TypeCardLocked     = "card:locked"
	TypeCardUnlocked   = "card:unlocked"
	TypeCardSelected   = "card:selected"
	TypeCardDeselected = "card:deselected"
)

// ErrMalformed is returned by Decode for non-JSON input or a frame without a
// usable "type" field.
var ErrMalformed = errors.New("malformed frame")

// inboundTypes is the set of frame types the hub accepts from clients.
var inboundTypes = map[string]bool{
	TypeAuth:              true,
	TypeSpaceJoin:         true,
	TypeSpaceLeave:        true,
	TypeCursorMove:        true,
	TypeCardLock:          true,
	TypeCardUnlock:        true,
	TypeCardSelect:        true,
	TypeCardDeselect:      true,
	TypeCardCreated:       true,
	TypeCardUpdated:       true,
	TypeCardDeleted:       true,
	TypeConnectionCreated: true,
	TypeConnectionDeleted: true,
}

// Inbound is the union of all client frame payloads. Only the fields relevant
// to a given Type are populated.
type Inbound struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// space:join
	SpaceID string `json:"spaceId,omitempty"`

	// cursor:move
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`

	// card:lock / card:unlock / card:select / card:deselect / card:deleted
	CardID string `json:"cardId,omitempty"`

	// passthrough payloads, re-broadcast verbatim
	Card         json.RawMessage `json:"card,omitempty"`
	Connection   json.RawMessage `json:"connection,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
}

// Decode parses a raw text frame into an Inbound. Unknown or missing types
// are reported as ErrMalformed; the caller surfaces them as an error frame.
func Decode(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !inboundTypes[in.Type] {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, in.Type)
	}
	return &in, nil
}

// Cursor is a user's last-known pointer position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PeerInfo describes one member of a space in a users:list frame.
type PeerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Color   string `json:"color"`
	Picture string `json:"picture,omitempty"`
	Cursor  Cursor `json:"cursor"`
}

// --- Outbound frames ---

// AuthSuccess confirms a successful authentication handshake.
type AuthSuccess struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
}

// ErrorFrame carries any protocol-visible failure back to the originating
// session. Type is "error" or "auth:error".
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SpaceJoined confirms membership to the joining session.
type SpaceJoined struct {
	Type     string `json:"type"`
	SpaceID  string `json:"spaceId"`
	Name     string `json:"name"`
	IsPublic bool   `json:"isPublic"`
}

// UsersList carries the current peer set of a space to a joining session.
type UsersList struct {
	Type  string     `json:"type"`
	Users []PeerInfo `json:"users"`
}

// UserJoin is broadcast to a space when a new member arrives.
type UserJoin struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
	Timestamp int64  `json:"timestamp"`
}

// UserLeave is broadcast to a space when a member departs.
type UserLeave struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// CursorBroadcast relays one member's cursor position to the rest of a space.
type CursorBroadcast struct {
	Type      string  `json:"type"`
	UserID    string  `json:"userId"`
	UserName  string  `json:"userName"`
	UserColor string  `json:"userColor"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// CardLocked announces a lock acquisition. Also used for card:selected, which
// carries the same fields.
type CardLocked struct {
	Type      string `json:"type"`
	CardID    string `json:"cardId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
}

// CardUnlocked announces a lock release.
type CardUnlocked struct {
	Type   string `json:"type"`
	CardID string `json:"cardId"`
}

// CardDeselected announces that a user dropped their selection.
type CardDeselected struct {
	Type     string `json:"type"`
	CardID   string `json:"cardId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// NewError builds an error frame. authPhase selects the auth:error type used
// during the handshake.
func NewError(message string, authPhase bool) ErrorFrame {
	t := TypeError
	if authPhase {
		t = TypeAuthError
	}
	return ErrorFrame{Type: t, Message: message}
}

// Passthrough re-encodes a client mutation frame (card:*, connection:*) with
// the originator's identity attached. The hub does not validate the payload
// content; it tags and relays.
func Passthrough(in *Inbound, userID, userName string) ([]byte, error) {
	out := map[string]any{
		"type":     in.Type,
		"userId":   userID,
		"userName": userName,
	}
	if len(in.Card) > 0 {
		out["card"] = json.RawMessage(in.Card)
	}
	if len(in.Connection) > 0 {
		out["connection"] = json.RawMessage(in.Connection)
	}
	if in.CardID != "" {
		out["cardId"] = in.CardID
	}
	if in.ConnectionID != "" {
		out["connectionId"] = in.ConnectionID
	}
	return json.Marshal(out)
}
