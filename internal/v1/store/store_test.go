package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestUserByIDFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, email").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "email", "coalesce"}).
			AddRow("u1", "Alice", "alice@example.com", "https://cdn.example.com/a.png"))

	u, err := s.UserByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "Alice", u.Name)
	assert.Equal(t, "https://cdn.example.com/a.png", u.AvatarURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserByIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, email").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.UserByID(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSpaceAccessPublicSpace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, owner_id, is_public").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "owner_id", "is_public"}).
			AddRow("s1", "Open Space", "someone-else", true))

	sp, err := s.SpaceAccess(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.True(t, sp.IsPublic)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSpaceAccessOwner(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, owner_id, is_public").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "owner_id", "is_public"}).
			AddRow("s1", "Private Space", "u1", false))

	sp, err := s.SpaceAccess(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sp.OwnerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSpaceAccessMember(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, owner_id, is_public").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "owner_id", "is_public"}).
			AddRow("s1", "Team Space", "owner", false))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("s1", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	sp, err := s.SpaceAccess(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "Team Space", sp.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSpaceAccessDenied(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, owner_id, is_public").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "owner_id", "is_public"}).
			AddRow("s1", "Team Space", "owner", false))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("s1", "intruder").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.SpaceAccess(context.Background(), "intruder", "s1")
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSpaceAccessNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, owner_id, is_public").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.SpaceAccess(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrSpaceNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDomainMissesKeepBreakerClosed(t *testing.T) {
	s, mock := newMockStore(t)

	// Repeated not-found answers are database successes; the breaker must
	// stay closed and keep serving.
	for i := 0; i < 10; i++ {
		mock.ExpectQuery("SELECT id, name, email").
			WithArgs("ghost").
			WillReturnError(pgx.ErrNoRows)
	}
	for i := 0; i < 10; i++ {
		_, err := s.UserByID(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrUserNotFound)
	}

	mock.ExpectQuery("SELECT id, name, email").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "email", "coalesce"}).
			AddRow("u1", "Alice", "alice@example.com", ""))

	_, err := s.UserByID(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestPing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectPing()
	assert.NoError(t, s.Ping(context.Background()))
}
