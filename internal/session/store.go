// Package session persists loan application state between requests.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/models"
)

var (
	// ErrNotFound is returned for unknown and expired sessions.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned when creating a session id twice.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrConflict is returned when a save is based on a state another
	// writer has already replaced.
	ErrConflict = errors.New("session was modified concurrently")
)

// DefaultTTL is used when a store is created with a non-positive TTL
const DefaultTTL = 24 * time.Hour

// Store is a keyed map from session id to application state. Every Save
// extends the session's expiry by the store TTL.
type Store interface {
	Create(ctx context.Context, state loanflow.State) error
	Get(ctx context.Context, id string) (loanflow.State, error)
	// Save replaces the stored state and appends events atomically. The
	// save only applies when state.Version matches the stored version; on
	// success state.Version and state.UpdatedAt are advanced in place.
	Save(ctx context.Context, state *loanflow.State, events ...models.SessionEvent) error
	Delete(ctx context.Context, id string) error
	Events(ctx context.Context, id string) ([]models.SessionEvent, error)
	// PurgeExpired removes expired sessions and returns how many were removed.
	PurgeExpired(ctx context.Context) (int, error)
}

// RunJanitor purges expired sessions every interval until ctx is done
func RunJanitor(ctx context.Context, store Store, interval time.Duration, logf func(format string, args ...interface{})) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				logf(`{"level":"warn","message":"failed to purge expired sessions","error":%q}`, err.Error())
				continue
			}
			if n > 0 {
				logf(`{"level":"info","message":"purged expired sessions","count":%d}`, n)
			}
		}
	}
}
