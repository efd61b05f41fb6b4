package session

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizmatters/loan-assistant/internal/loanflow"
	"github.com/bizmatters/loan-assistant/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists sessions as jsonb snapshots in loan_sessions with
// an audit trail in loan_session_events.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

// NewPostgresStore creates a store backed by pool
func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresStore{pool: pool, ttl: ttl, now: time.Now}
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)
	for _, name := range files {
		ddl, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(ddl)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, state loanflow.State) error {
	now := p.now().UTC()
	state.UpdatedAt = now
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	// an expired row with the same id is replaced
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO loan_sessions (id, current_step, state, created_at, updated_at, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET current_step = EXCLUDED.current_step, state = EXCLUDED.state,
		    created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at,
		    expires_at = EXCLUDED.expires_at, version = EXCLUDED.version
		WHERE loan_sessions.expires_at <= $5
	`, state.SessionID, string(state.CurrentStep), payload, state.CreatedAt.UTC(), now, now.Add(p.ttl), state.Version)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to create session %s: %w", state.SessionID, ErrAlreadyExists)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (loanflow.State, error) {
	var (
		payload []byte
		version int64
	)
	err := p.pool.QueryRow(ctx, `
		SELECT state, version FROM loan_sessions WHERE id = $1 AND expires_at > $2
	`, id, p.now().UTC()).Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return loanflow.State{}, ErrNotFound
	}
	if err != nil {
		return loanflow.State{}, fmt.Errorf("failed to load session: %w", err)
	}

	var state loanflow.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return loanflow.State{}, fmt.Errorf("failed to decode session: %w", err)
	}
	state.Version = version
	return state, nil
}

func (p *PostgresStore) Save(ctx context.Context, state *loanflow.State, events ...models.SessionEvent) error {
	now := p.now().UTC()
	next := *state
	next.Version = state.Version + 1
	next.UpdatedAt = now
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE loan_sessions
		SET state = $2, current_step = $3, updated_at = $4, expires_at = $5, version = version + 1
		WHERE id = $1 AND expires_at > $4 AND version = $6
	`, state.SessionID, payload, string(state.CurrentStep), now, now.Add(p.ttl), state.Version)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.saveMiss(ctx, tx, state, now)
	}

	for _, event := range events {
		if err := insertEvent(ctx, tx, state.SessionID, event, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	state.Version = next.Version
	state.UpdatedAt = now
	return nil
}

// saveMiss tells a missing session apart from a stale version
func (p *PostgresStore) saveMiss(ctx context.Context, tx pgx.Tx, state *loanflow.State, now time.Time) error {
	var stored int64
	err := tx.QueryRow(ctx, `
		SELECT version FROM loan_sessions WHERE id = $1 AND expires_at > $2
	`, state.SessionID, now).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session version: %w", err)
	}
	return fmt.Errorf("failed to save session %s at version %d, stored version is %d: %w",
		state.SessionID, state.Version, stored, ErrConflict)
}

func insertEvent(ctx context.Context, tx pgx.Tx, sessionID string, event models.SessionEvent, now time.Time) error {
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	at := event.Timestamp
	if at.IsZero() {
		at = now
	}
	data := event.EventData
	if data == nil {
		data = map[string]interface{}{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO loan_session_events (id, session_id, event_type, step, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, sessionID, event.EventType, event.Step, payload, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", event.EventType, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM loan_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Events(ctx context.Context, id string) ([]models.SessionEvent, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id::text, session_id, event_type, step, event_data, created_at
		FROM loan_session_events
		WHERE session_id = $1
		ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		var event models.SessionEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.SessionID, &event.EventType, &event.Step, &payload, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		if err := json.Unmarshal(payload, &event.EventData); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session events: %w", err)
	}
	return events, nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM loan_sessions WHERE expires_at <= $1`, p.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks database connectivity for readiness probes
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
