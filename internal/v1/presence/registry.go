// Package presence owns the hub's authoritative in-memory state: active
// users, their sessions, space membership, card locks, and selections. Every
// mutation runs under one mutex so the multi-step selection sequences are
// atomic with respect to other operations; methods return the ordered frames
// to deliver, and the hub fans them out after the critical section.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/set"

	"github.com/macromind/realtime/internal/v1/metrics"
	"github.com/macromind/realtime/internal/v1/protocol"
)

// ErrLockConflict is returned when a card is already locked by another user.
var ErrLockConflict = errors.New("card is already locked by another user")

// Handle is the session side of a registered user: the registry only ever
// enqueues outbound frames on it.
type Handle interface {
	Enqueue(data []byte)
}

// User is the presence record of one authenticated session.
type User struct {
	ID           string
	Name         string
	Email        string
	Avatar       string
	Color        string
	Cursor       protocol.Cursor
	LastActivity time.Time
}

// Event is one outbound frame with its routing. To targets a single user;
// otherwise the frame goes to every member of SpaceID except Exclude.
type Event struct {
	SpaceID string
	Exclude string
	To      string
	Frame   any
}

// JoinResult is what a space join produces: the frames to fan out, the
// current peer set for the joining session, and whether this was an
// idempotent rejoin of the same space.
type JoinResult struct {
	Events   []Event
	Peers    []protocol.PeerInfo
	Rejoined bool
}

// Registry is the single owner of all presence maps.
type Registry struct {
	mu       sync.Mutex
	users    map[string]*User           // userId -> presence record
	handles  map[string]Handle          // userId -> session handle
	spaceOf  map[string]string          // userId -> current spaceId
	members  map[string]set.Set[string] // spaceId -> member userIds
	locks    map[string]string          // cardId -> holding userId
	locksBy  map[string]set.Set[string] // userId -> held cardIds
	selected map[string]string          // userId -> selected cardId

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users:    make(map[string]*User),
		handles:  make(map[string]Handle),
		spaceOf:  make(map[string]string),
		members:  make(map[string]set.Set[string]),
		locks:    make(map[string]string),
		locksBy:  make(map[string]set.Set[string]),
		selected: make(map[string]string),
		now:      time.Now,
	}
}

// Register adds an authenticated user and their session handle, assigning a
// display color. The caller must have evicted any previous session for the
// same userId first.
func (r *Registry) Register(u User, h Handle) *User {
	r.mu.Lock()
	defer r.mu.Unlock()

	u.Color = r.pickColorLocked()
	u.LastActivity = r.now()
	r.users[u.ID] = &u
	r.handles[u.ID] = h
	return &u
}

// IsActive reports whether a userId currently has a registered session.
func (r *Registry) IsActive(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// UserSnapshot returns a copy of the user's presence record.
func (r *Registry) UserSnapshot(userID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// SpaceOf returns the user's current space, if any.
func (r *Registry) SpaceOf(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spaceID, ok := r.spaceOf[userID]
	return spaceID, ok
}

// HandleOf returns the session handle for a userId.
func (r *Registry) HandleOf(userID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[userID]
	return h, ok
}

// Recipients returns the session handles of every member of a space except
// the excluded userId. The snapshot lets the hub send outside the lock.
func (r *Registry) Recipients(spaceID, exclude string) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.members[spaceID]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, ids.Len())
	for _, id := range ids.UnsortedList() {
		if id == exclude {
			continue
		}
		if h, ok := r.handles[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// JoinSpace moves a user into a space. Joining the current space again is an
// idempotent no-op that just re-reports the peer list; switching spaces runs
// the full leave sequence for the old space first, so peers there see the
// unlock and leave frames before anyone in the new space sees the join.
func (r *Registry) JoinSpace(userID, spaceID string) (JoinResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return JoinResult{}, false
	}

	if current, in := r.spaceOf[userID]; in {
		if current == spaceID {
			return JoinResult{Peers: r.peersLocked(spaceID, userID), Rejoined: true}, true
		}
	}

	events := r.leaveSpaceLocked(userID)

	r.spaceOf[userID] = spaceID
	ids, ok := r.members[spaceID]
	if !ok {
		ids = set.New[string]()
		r.members[spaceID] = ids
		metrics.ActiveSpaces.Inc()
	}
	ids.Insert(userID)
	metrics.SpaceOccupants.WithLabelValues(spaceID).Set(float64(ids.Len()))

	events = append(events, Event{
		SpaceID: spaceID,
		Exclude: userID,
		Frame: protocol.UserJoin{
			Type:      protocol.TypeUserJoin,
			UserID:    u.ID,
			UserName:  u.Name,
			UserColor: u.Color,
			Timestamp: r.now().UnixMilli(),
		},
	})

	return JoinResult{Events: events, Peers: r.peersLocked(spaceID, userID)}, true
}

// LeaveSpace removes a user from their current space, releasing every lock
// they hold. Silent no-op when the user is not in a space.
func (r *Registry) LeaveSpace(userID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveSpaceLocked(userID)
}

// Unregister runs the full disconnect path: space leave with lock release,
// then removal from every map. Invariant: afterwards no map references the
// userId.
func (r *Registry) Unregister(userID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.leaveSpaceLocked(userID)

	// Locks can be held outside a space (card ids are global); release
	// those too so the card is never stranded. With no space there is no
	// one to notify, so the unlock events carry an empty target.
	if held, ok := r.locksBy[userID]; ok {
		cards := held.UnsortedList()
		sort.Strings(cards)
		for _, cardID := range cards {
			r.unlockCardLocked(userID, cardID)
			events = append(events, unlockedEvent("", cardID))
		}
	}

	delete(r.users, userID)
	delete(r.handles, userID)
	delete(r.selected, userID)
	delete(r.locksBy, userID)
	return events
}

// MoveCursor updates the user's cursor and returns the broadcast for the
// rest of their space. Kept deliberately cheap: no logging, no allocation
// beyond the event itself.
func (r *Registry) MoveCursor(userID string, x, y float64) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	u.Cursor = protocol.Cursor{X: x, Y: y}
	u.LastActivity = r.now()

	spaceID, in := r.spaceOf[userID]
	if !in {
		return nil
	}

	return []Event{{
		SpaceID: spaceID,
		Exclude: userID,
		Frame: protocol.CursorBroadcast{
			Type:      protocol.TypeCursorMove,
			UserID:    u.ID,
			UserName:  u.Name,
			UserColor: u.Color,
			X:         x,
			Y:         y,
		},
	}}
}

// Touch refreshes the user's last-activity timestamp.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		u.LastActivity = r.now()
	}
}

// --- selection/lock state machine ---

// Lock acquires an explicit lock on a card. A card held by another user is a
// conflict; re-locking a card the user already holds just re-broadcasts.
func (r *Registry) Lock(userID, cardID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, nil
	}

	if holder, held := r.locks[cardID]; held && holder != userID {
		return nil, ErrLockConflict
	}

	r.lockCardLocked(userID, cardID)
	return []Event{r.lockedEventLocked(u, cardID, protocol.TypeCardLocked)}, nil
}

// Unlock releases a lock the user holds. Silently ignored otherwise.
func (r *Registry) Unlock(userID, cardID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locks[cardID] != userID {
		return nil
	}
	spaceID := r.spaceOf[userID]
	r.unlockCardLocked(userID, cardID)
	return []Event{unlockedEvent(spaceID, cardID)}
}

// Select picks a card, implicitly locking it. A previous selection is
// dropped and its lock released first. Selecting a card locked by another
// user is rejected outright so a lock never silently changes hands.
func (r *Registry) Select(userID, cardID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, nil
	}

	if holder, held := r.locks[cardID]; held && holder != userID {
		return nil, ErrLockConflict
	}

	spaceID := r.spaceOf[userID]
	var events []Event

	if prev, had := r.selected[userID]; had && prev != cardID {
		delete(r.selected, userID)
		events = append(events, Event{
			SpaceID: spaceID,
			Frame: protocol.CardDeselected{
				Type:     protocol.TypeCardDeselected,
				CardID:   prev,
				UserID:   u.ID,
				UserName: u.Name,
			},
		})
		if r.locks[prev] == userID {
			r.unlockCardLocked(userID, prev)
			events = append(events, unlockedEvent(spaceID, prev))
		}
	}

	r.selected[userID] = cardID
	r.lockCardLocked(userID, cardID)

	events = append(events,
		r.lockedEventLocked(u, cardID, protocol.TypeCardSelected),
		r.lockedEventLocked(u, cardID, protocol.TypeCardLocked),
	)
	return events, nil
}

// Deselect drops the user's selection of a card, releasing its lock if held.
// A deselect for a card that is not the current selection is silent.
func (r *Registry) Deselect(userID, cardID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	if r.selected[userID] != cardID {
		return nil
	}

	delete(r.selected, userID)
	spaceID := r.spaceOf[userID]

	var events []Event
	if r.locks[cardID] == userID {
		r.unlockCardLocked(userID, cardID)
		events = append(events, unlockedEvent(spaceID, cardID))
	}
	events = append(events, Event{
		SpaceID: spaceID,
		Frame: protocol.CardDeselected{
			Type:     protocol.TypeCardDeselected,
			CardID:   cardID,
			UserID:   u.ID,
			UserName: u.Name,
		},
	})
	return events
}

// --- internal helpers (caller holds r.mu) ---

// leaveSpaceLocked clears the selection, releases every held lock, and
// removes the membership mapping. Unlock broadcasts come before user:leave;
// peers derive UI state from each frame as it arrives.
func (r *Registry) leaveSpaceLocked(userID string) []Event {
	spaceID, in := r.spaceOf[userID]
	if !in {
		return nil
	}

	u := r.users[userID]

	delete(r.selected, userID)

	var events []Event
	if held, ok := r.locksBy[userID]; ok {
		cards := held.UnsortedList()
		sort.Strings(cards)
		for _, cardID := range cards {
			r.unlockCardLocked(userID, cardID)
			events = append(events, unlockedEvent(spaceID, cardID))
		}
	}

	delete(r.spaceOf, userID)
	if ids, ok := r.members[spaceID]; ok {
		ids.Delete(userID)
		if ids.Len() == 0 {
			delete(r.members, spaceID)
			metrics.ActiveSpaces.Dec()
			metrics.SpaceOccupants.DeleteLabelValues(spaceID)
		} else {
			metrics.SpaceOccupants.WithLabelValues(spaceID).Set(float64(ids.Len()))
		}
	}

	events = append(events, Event{
		SpaceID: spaceID,
		Frame: protocol.UserLeave{
			Type:     protocol.TypeUserLeave,
			UserID:   u.ID,
			UserName: u.Name,
		},
	})
	return events
}

func (r *Registry) lockCardLocked(userID, cardID string) {
	if _, held := r.locks[cardID]; !held {
		metrics.HeldLocks.Inc()
	}
	r.locks[cardID] = userID
	held, ok := r.locksBy[userID]
	if !ok {
		held = set.New[string]()
		r.locksBy[userID] = held
	}
	held.Insert(cardID)
}

func (r *Registry) unlockCardLocked(userID, cardID string) {
	delete(r.locks, cardID)
	metrics.HeldLocks.Dec()
	if held, ok := r.locksBy[userID]; ok {
		held.Delete(cardID)
		if held.Len() == 0 {
			delete(r.locksBy, userID)
		}
	}
}

func (r *Registry) lockedEventLocked(u *User, cardID, frameType string) Event {
	return Event{
		SpaceID: r.spaceOf[u.ID],
		Frame: protocol.CardLocked{
			Type:      frameType,
			CardID:    cardID,
			UserID:    u.ID,
			UserName:  u.Name,
			UserColor: u.Color,
		},
	}
}

func unlockedEvent(spaceID, cardID string) Event {
	return Event{
		SpaceID: spaceID,
		Frame: protocol.CardUnlocked{
			Type:   protocol.TypeCardUnlocked,
			CardID: cardID,
		},
	}
}

func (r *Registry) peersLocked(spaceID, exclude string) []protocol.PeerInfo {
	ids, ok := r.members[spaceID]
	if !ok {
		return []protocol.PeerInfo{}
	}
	members := ids.UnsortedList()
	sort.Strings(members)

	peers := make([]protocol.PeerInfo, 0, len(members))
	for _, id := range members {
		if id == exclude {
			continue
		}
		u, ok := r.users[id]
		if !ok {
			continue
		}
		peers = append(peers, protocol.PeerInfo{
			ID:      u.ID,
			Name:    u.Name,
			Color:   u.Color,
			Picture: u.Avatar,
			Cursor:  u.Cursor,
		})
	}
	return peers
}

// --- test/introspection helpers ---

// LockHolder returns the userId holding a card lock, if any.
func (r *Registry) LockHolder(cardID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.locks[cardID]
	return holder, ok
}

// SelectedCard returns the user's current selection, if any.
func (r *Registry) SelectedCard(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cardID, ok := r.selected[userID]
	return cardID, ok
}
