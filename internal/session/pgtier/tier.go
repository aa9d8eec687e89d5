// Package pgtier implements the durable, authoritative session tier on
// Postgres.
package pgtier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sevak/internal/logging"
	"sevak/internal/session"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sessionTable = "sevak_sessions"

	// DefaultExpiry is how long an idle durable record stays readable.
	// Expired records are treated as absent on read, not deleted.
	DefaultExpiry = 60 * time.Minute
)

// Tier stores one row per (tenant, user) with the full session state in
// JSONB. Clear soft-deletes by flipping the active flag.
type Tier struct {
	pool   *pgxpool.Pool
	expiry time.Duration
	logger logging.Logger
}

// New constructs the durable tier.
func New(pool *pgxpool.Pool, expiry time.Duration, logger logging.Logger) (*Tier, error) {
	if pool == nil {
		return nil, fmt.Errorf("durable tier requires a connection pool")
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Tier{
		pool:   pool,
		expiry: expiry,
		logger: logging.OrNop(logger),
	}, nil
}

// Name implements session.Tier.
func (t *Tier) Name() string { return "postgres" }

// EnsureSchema creates the session table if it does not exist.
func (t *Tier) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    state JSONB NOT NULL DEFAULT '{}'::jsonb,
    last_activity TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (tenant_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_sevak_sessions_expires_at ON %s (expires_at);
`, sessionTable, sessionTable)

	_, err := t.pool.Exec(ctx, query)
	return err
}

// Get implements session.Tier. Inactive or expired rows read as a miss.
func (t *Tier) Get(ctx context.Context, key session.Key) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
SELECT state, last_activity, expires_at, active
FROM %s
WHERE tenant_id = $1 AND user_id = $2
`, sessionTable)

	var (
		stateJSON    []byte
		lastActivity time.Time
		expiresAt    time.Time
		active       bool
	)
	err := t.pool.QueryRow(ctx, query, key.TenantID, key.UserID).Scan(
		&stateJSON, &lastActivity, &expiresAt, &active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("durable get %s: %w", key, err)
	}
	if !active || time.Now().After(expiresAt) {
		return nil, nil
	}

	var s session.Session
	if err := json.Unmarshal(stateJSON, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	s.Normalize()
	s.TenantID = key.TenantID
	s.UserID = key.UserID
	s.LastActivity = lastActivity
	s.Active = true
	return &s, nil
}

// Put implements session.Tier, upserting the row with a refreshed expiry.
func (t *Tier) Put(ctx context.Context, s *session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	state, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.Key(), err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (tenant_id, user_id, state, last_activity, expires_at, active)
VALUES ($1, $2, $3::jsonb, $4, $5, TRUE)
ON CONFLICT (tenant_id, user_id) DO UPDATE SET
    state = EXCLUDED.state,
    last_activity = EXCLUDED.last_activity,
    expires_at = EXCLUDED.expires_at,
    active = TRUE
`, sessionTable)

	now := time.Now()
	_, err = t.pool.Exec(ctx, query, s.TenantID, s.UserID, state, now, now.Add(t.expiry))
	if err != nil {
		t.logger.Error("Failed to persist session %s: %v", s.Key(), err)
		return err
	}
	return nil
}

// Delete implements session.Tier. The row is kept for audit: only the
// active flag flips.
func (t *Tier) Delete(ctx context.Context, key session.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET active = FALSE WHERE tenant_id = $1 AND user_id = $2`, sessionTable)
	_, err := t.pool.Exec(ctx, query, key.TenantID, key.UserID)
	return err
}
