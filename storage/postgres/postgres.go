// Package postgres provides a PostgreSQL implementation of scribegate.SessionStore.
// This implementation uses SQL transactions with SELECT FOR UPDATE so that the
// check-and-reserve of one identity is serialized across gateway instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// Schema creates the session table. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS free_tier_sessions (
	identity_id     TEXT PRIMARY KEY,
	used            INTEGER NOT NULL DEFAULT 0,
	pending         INTEGER NOT NULL DEFAULT 0,
	window_reset_at TIMESTAMPTZ NOT NULL,
	last_seen       TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS free_tier_sessions_expires_at_idx ON free_tier_sessions (expires_at);
`

// Storage implements scribegate.SessionStore using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// GracePeriod keeps a session row past its window reset (default: 1h)
	GracePeriod time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration

	// Logger receives cleanup failures
	Logger scribegate.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		GracePeriod:     time.Hour,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.Logger == nil {
		config.Logger = &scribegate.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Migrate creates the session table if it does not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Reserve implements scribegate.SessionStore
func (s *Storage) Reserve(ctx context.Context, req *scribegate.ReserveRequest) (scribegate.Decision, error) {
	if req == nil || req.IdentityID == "" {
		return scribegate.Decision{}, scribegate.ErrInvalidIdentity
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scribegate.Decision{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Ensure the row exists so that FOR UPDATE always has something to lock.
	// A zero-epoch window marks it as uninitialized.
	_, err = tx.Exec(ctx,
		`INSERT INTO free_tier_sessions (identity_id, used, pending, window_reset_at, last_seen, expires_at)
			VALUES ($1, 0, 0, to_timestamp(0), $2, $2)
			ON CONFLICT (identity_id) DO NOTHING`,
		req.IdentityID, req.Now)
	if err != nil {
		return scribegate.Decision{}, fmt.Errorf("failed to ensure session exists: %w", err)
	}

	sess, err := scanSession(tx.QueryRow(ctx,
		`SELECT identity_id, used, pending, window_reset_at, last_seen
			FROM free_tier_sessions
			WHERE identity_id = $1
			FOR UPDATE`,
		req.IdentityID))
	if err != nil {
		return scribegate.Decision{}, fmt.Errorf("failed to get session for update: %w", err)
	}
	if sess.WindowResetAt.Unix() == 0 {
		sess.WindowResetAt = time.Time{}
	}

	d := scribegate.ApplyReserve(sess, req)

	_, err = tx.Exec(ctx,
		`UPDATE free_tier_sessions
			SET used = $2, pending = $3, window_reset_at = $4, last_seen = $5, expires_at = $6
			WHERE identity_id = $1`,
		sess.IdentityID, sess.Count, sess.Pending, sess.WindowResetAt, sess.LastSeen,
		sess.WindowResetAt.Add(s.config.GracePeriod))
	if err != nil {
		return scribegate.Decision{}, fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return scribegate.Decision{}, fmt.Errorf("failed to commit: %w", err)
	}
	return d, nil
}

// Commit implements scribegate.SessionStore
func (s *Storage) Commit(ctx context.Context, identityID string, windowResetAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE free_tier_sessions
			SET pending = pending - 1, used = used + 1
			WHERE identity_id = $1 AND window_reset_at = $2 AND pending > 0`,
		identityID, windowResetAt)
	if err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	return nil
}

// Release implements scribegate.SessionStore
func (s *Storage) Release(ctx context.Context, identityID string, windowResetAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE free_tier_sessions
			SET pending = pending - 1
			WHERE identity_id = $1 AND window_reset_at = $2 AND pending > 0`,
		identityID, windowResetAt)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// GetSession implements scribegate.SessionStore
func (s *Storage) GetSession(ctx context.Context, identityID string) (*scribegate.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT identity_id, used, pending, window_reset_at, last_seen
			FROM free_tier_sessions
			WHERE identity_id = $1`,
		identityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scribegate.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// Now implements scribegate.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to get database time: %w", err)
	}
	return now.UTC(), nil
}

func scanSession(row pgx.Row) (*scribegate.Session, error) {
	var sess scribegate.Session
	if err := row.Scan(&sess.IdentityID, &sess.Count, &sess.Pending, &sess.WindowResetAt, &sess.LastSeen); err != nil {
		return nil, err
	}
	sess.WindowResetAt = sess.WindowResetAt.UTC()
	sess.LastSeen = sess.LastSeen.UTC()
	return &sess, nil
}

// startCleanup runs periodic deletion of expired sessions
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Warn("session cleanup failed", scribegate.Field{"error", err})
			}
		}
	}
}

// Cleanup deletes sessions whose window ended more than the grace period ago.
// It returns the number of deleted sessions.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM free_tier_sessions WHERE expires_at < $1`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
