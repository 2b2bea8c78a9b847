// Package store reads the identity and space records the hub consults during
// the auth and join handshakes. The hub never writes here; cards, spaces, and
// users are owned by the application API.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/macromind/realtime/internal/v1/metrics"
)

var (
	// ErrUserNotFound means the token subject has no user row.
	ErrUserNotFound = errors.New("user not found")
	// ErrSpaceNotFound means the requested space id does not exist.
	ErrSpaceNotFound = errors.New("space not found")
	// ErrAccessDenied means the space exists but the user is neither owner
	// nor member and the space is not public.
	ErrAccessDenied = errors.New("access denied")
)

// UserRecord is the identity row resolved during the auth handshake.
type UserRecord struct {
	ID        string
	Name      string
	Email     string
	AvatarURL string
}

// SpaceRecord is the access-control view of a space.
type SpaceRecord struct {
	ID       string
	Name     string
	OwnerID  string
	IsPublic bool
}

// Querier is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store wraps the database pool with a circuit breaker so a struggling
// database degrades joins instead of piling up blocked sessions.
type Store struct {
	db Querier
	cb *gobreaker.CircuitBreaker
}

// Connect opens a pgx pool against the configured database and verifies
// connectivity before returning.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("Connected to database")
	return New(pool), nil
}

// New wraps an existing pool (or mock) in a Store.
func New(db Querier) *Store {
	st := gobreaker.Settings{
		Name:        "db",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("db").Set(stateVal)
		},
	}

	return &Store{db: db, cb: gobreaker.NewCircuitBreaker(st)}
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.db.Close()
}

// UserByID resolves a token subject to a user row.
func (s *Store) UserByID(ctx context.Context, id string) (*UserRecord, error) {
	result, err := s.execute("user_by_id", func() (any, error) {
		var u UserRecord
		err := s.db.QueryRow(ctx, `
			SELECT id, name, email, COALESCE(avatar_url, '')
			FROM users WHERE id = $1
		`, id).Scan(&u.ID, &u.Name, &u.Email, &u.AvatarURL)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query user: %w", err)
		}
		return &u, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*UserRecord), nil
}

// SpaceAccess answers the join-handshake question: does the space exist, and
// may this user enter it? Owners, members, and everyone on public spaces get
// in; everyone else gets ErrAccessDenied.
func (s *Store) SpaceAccess(ctx context.Context, userID, spaceID string) (*SpaceRecord, error) {
	result, err := s.execute("space_access", func() (any, error) {
		var sp SpaceRecord
		err := s.db.QueryRow(ctx, `
			SELECT id, name, owner_id, is_public
			FROM spaces WHERE id = $1
		`, spaceID).Scan(&sp.ID, &sp.Name, &sp.OwnerID, &sp.IsPublic)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSpaceNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query space: %w", err)
		}

		if sp.IsPublic || sp.OwnerID == userID {
			return &sp, nil
		}

		var isMember bool
		err = s.db.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM space_members WHERE space_id = $1 AND user_id = $2
			)
		`, spaceID, userID).Scan(&isMember)
		if err != nil {
			return nil, fmt.Errorf("failed to query space membership: %w", err)
		}
		if !isMember {
			return nil, ErrAccessDenied
		}
		return &sp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*SpaceRecord), nil
}

// execute runs a query through the circuit breaker, recording metrics.
// Domain misses (not found, denied) count as successes for the breaker.
func (s *Store) execute(query string, fn func() (any, error)) (any, error) {
	start := time.Now()
	result, err := s.cb.Execute(func() (any, error) {
		res, err := fn()
		if isDomainErr(err) {
			// Keep the breaker closed; the database answered.
			return domainMiss{err}, nil
		}
		return res, err
	})
	metrics.DBQueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.DBQueries.WithLabelValues(query, "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("db").Inc()
			slog.Warn("DB circuit breaker open: rejecting query", "query", query)
		}
		return nil, err
	}

	if miss, ok := result.(domainMiss); ok {
		metrics.DBQueries.WithLabelValues(query, "miss").Inc()
		return nil, miss.err
	}

	metrics.DBQueries.WithLabelValues(query, "ok").Inc()
	return result, nil
}

type domainMiss struct{ err error }

func isDomainErr(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrSpaceNotFound) ||
		errors.Is(err, ErrAccessDenied)
}
