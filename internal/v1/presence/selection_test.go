package presence

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macromind/realtime/internal/v1/protocol"
)

func setupSpace(t *testing.T, ids ...string) *Registry {
	t.Helper()
	r := NewRegistry()
	for i, id := range ids {
		register(t, r, id, fmt.Sprintf("User %d", i+1))
		_, ok := r.JoinSpace(id, "public")
		require.True(t, ok)
	}
	return r
}

func TestLockAndBroadcast(t *testing.T) {
	r := setupSpace(t, "u1")

	events, err := r.Lock("u1", "card-1")
	require.NoError(t, err)
	require.Len(t, events, 1)

	frame, ok := events[0].Frame.(protocol.CardLocked)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeCardLocked, frame.Type)
	assert.Equal(t, "card-1", frame.CardID)
	assert.Equal(t, "u1", frame.UserID)
	assert.NotEmpty(t, frame.UserColor)

	holder, held := r.LockHolder("card-1")
	require.True(t, held)
	assert.Equal(t, "u1", holder)
}

func TestLockConflict(t *testing.T) {
	r := setupSpace(t, "u1", "u2")

	_, err := r.Lock("u1", "card-1")
	require.NoError(t, err)

	events, err := r.Lock("u2", "card-1")
	assert.ErrorIs(t, err, ErrLockConflict)
	assert.Empty(t, events)

	// No state change: u1 still holds the lock.
	holder, _ := r.LockHolder("card-1")
	assert.Equal(t, "u1", holder)
}

func TestRelockOwnCardIsAllowed(t *testing.T) {
	r := setupSpace(t, "u1")

	_, err := r.Lock("u1", "card-1")
	require.NoError(t, err)
	events, err := r.Lock("u1", "card-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"card:locked"}, frameTypes(t, events))
}

func TestUnlockNotHeldIsSilent(t *testing.T) {
	r := setupSpace(t, "u1", "u2")

	_, err := r.Lock("u1", "card-1")
	require.NoError(t, err)

	// u2 unlocking someone else's lock is silently ignored.
	assert.Empty(t, r.Unlock("u2", "card-1"))
	// Unlocking a card nobody holds is silently ignored.
	assert.Empty(t, r.Unlock("u1", "card-9"))

	holder, _ := r.LockHolder("card-1")
	assert.Equal(t, "u1", holder)
}

func TestSelectImpliesLock(t *testing.T) {
	r := setupSpace(t, "u1")

	events, err := r.Select("u1", "card-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"card:selected", "card:locked"}, frameTypes(t, events))

	// P1: selected[U] = C implies lock[C] = U.
	selected, ok := r.SelectedCard("u1")
	require.True(t, ok)
	holder, held := r.LockHolder(selected)
	require.True(t, held)
	assert.Equal(t, "u1", holder)
}

func TestSelectionSwitchOrdering(t *testing.T) {
	r := setupSpace(t, "u1")

	_, err := r.Select("u1", "card-a")
	require.NoError(t, err)

	events, err := r.Select("u1", "card-b")
	require.NoError(t, err)

	// Peers observe, in order: deselected A, unlocked A, selected B,
	// locked B.
	assert.Equal(t, []string{"card:deselected", "card:unlocked", "card:selected", "card:locked"}, frameTypes(t, events))

	// The old lock is gone, the new one held.
	_, held := r.LockHolder("card-a")
	assert.False(t, held)
	holder, _ := r.LockHolder("card-b")
	assert.Equal(t, "u1", holder)
}

func TestSelectForeignLockedCardIsRejected(t *testing.T) {
	r := setupSpace(t, "u1", "u2")

	_, err := r.Lock("u2", "card-1")
	require.NoError(t, err)

	events, err := r.Select("u1", "card-1")
	assert.ErrorIs(t, err, ErrLockConflict)
	assert.Empty(t, events)

	// Rejection leaves both maps untouched.
	holder, _ := r.LockHolder("card-1")
	assert.Equal(t, "u2", holder)
	_, selected := r.SelectedCard("u1")
	assert.False(t, selected)
}

func TestDeselectReleasesLock(t *testing.T) {
	r := setupSpace(t, "u1")

	_, err := r.Select("u1", "card-1")
	require.NoError(t, err)

	events := r.Deselect("u1", "card-1")
	assert.Equal(t, []string{"card:unlocked", "card:deselected"}, frameTypes(t, events))

	_, held := r.LockHolder("card-1")
	assert.False(t, held)
	_, selected := r.SelectedCard("u1")
	assert.False(t, selected)
}

func TestDeselectWrongCardIsSilent(t *testing.T) {
	r := setupSpace(t, "u1")

	_, err := r.Select("u1", "card-1")
	require.NoError(t, err)

	// R2: deselect of a card that is not the current selection produces no
	// frames and no state change.
	assert.Empty(t, r.Deselect("u1", "card-9"))

	selected, ok := r.SelectedCard("u1")
	require.True(t, ok)
	assert.Equal(t, "card-1", selected)
}

func TestSelectionInvariantAcrossSequences(t *testing.T) {
	r := setupSpace(t, "u1", "u2")

	ops := []func(){
		func() { _, _ = r.Select("u1", "card-a") },
		func() { _, _ = r.Lock("u2", "card-b") },
		func() { _, _ = r.Select("u1", "card-b") }, // rejected, u2 holds it
		func() { _, _ = r.Select("u2", "card-b") },
		func() { r.Deselect("u1", "card-a") },
		func() { _, _ = r.Select("u1", "card-c") },
	}
	for _, op := range ops {
		op()
		// P1 after every step.
		for _, id := range []string{"u1", "u2"} {
			if card, ok := r.SelectedCard(id); ok {
				holder, held := r.LockHolder(card)
				require.True(t, held, "selected card %s must be locked", card)
				require.Equal(t, id, holder)
			}
		}
	}
}
