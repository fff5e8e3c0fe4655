// Package redis provides a Redis implementation of scribegate.SessionStore.
// Every mutation runs as a Lua script, so concurrent gateway instances sharing one
// Redis see a single atomic check-and-reserve per identity.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// Storage implements scribegate.SessionStore using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "scribegate:")
	KeyPrefix string

	// GracePeriod keeps a session key alive past its window reset (default: 1h)
	GracePeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "scribegate:",
		GracePeriod: time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "scribegate:"
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = time.Hour
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// KEYS[1] session hash
	// ARGV: now_ms, window_ms, limit, grace_ms
	// returns {allowed, remaining, reset_ms}
	s.scripts["reserve"] = redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		local grace = tonumber(ARGV[4])

		local count = tonumber(redis.call('HGET', key, 'count') or '0')
		local pending = tonumber(redis.call('HGET', key, 'pending') or '0')
		local resetAt = tonumber(redis.call('HGET', key, 'reset_ms') or '0')

		if resetAt == 0 or now >= resetAt then
			count = 0
			pending = 0
			resetAt = now + window
		end

		local used = count + pending
		local remaining = limit - used
		if remaining < 0 then
			remaining = 0
		end

		local allowed = 0
		if used < limit then
			allowed = 1
			pending = pending + 1
		end

		redis.call('HSET', key, 'count', count, 'pending', pending, 'reset_ms', resetAt, 'last_seen_ms', now)
		redis.call('PEXPIREAT', key, resetAt + grace)
		return {allowed, remaining, resetAt}
	`)

	// KEYS[1] session hash
	// ARGV: reset_ms, commit (1) or release (0)
	// returns 1 when the session changed
	s.scripts["settle"] = redis.NewScript(`
		local key = KEYS[1]
		local resetAt = tonumber(ARGV[1])
		local commit = tonumber(ARGV[2])

		local current = tonumber(redis.call('HGET', key, 'reset_ms') or '0')
		local pending = tonumber(redis.call('HGET', key, 'pending') or '0')
		if current ~= resetAt or pending <= 0 then
			return 0
		end

		redis.call('HINCRBY', key, 'pending', -1)
		if commit == 1 then
			redis.call('HINCRBY', key, 'count', 1)
		end
		return 1
	`)
}

// Reserve implements scribegate.SessionStore
func (s *Storage) Reserve(ctx context.Context, req *scribegate.ReserveRequest) (scribegate.Decision, error) {
	if req == nil || req.IdentityID == "" {
		return scribegate.Decision{}, scribegate.ErrInvalidIdentity
	}

	nowMs := req.Now.UnixMilli()
	result, err := s.scripts["reserve"].Run(
		ctx,
		s.client,
		[]string{s.sessionKey(req.IdentityID)},
		nowMs,
		req.Window.Milliseconds(),
		req.Limit,
		s.config.GracePeriod.Milliseconds(),
	).Result()
	if err != nil {
		return scribegate.Decision{}, fmt.Errorf("failed to execute reserve script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return scribegate.Decision{}, fmt.Errorf("unexpected result from reserve script: %v", result)
	}
	allowed, ok1 := values[0].(int64)
	remaining, ok2 := values[1].(int64)
	resetMs, ok3 := values[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return scribegate.Decision{}, fmt.Errorf("unexpected result types from reserve script: %v", values)
	}

	return scribegate.Decision{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(resetMs).UTC(),
		Limit:     req.Limit,
	}, nil
}

// Commit implements scribegate.SessionStore
func (s *Storage) Commit(ctx context.Context, identityID string, windowResetAt time.Time) error {
	return s.settle(ctx, identityID, windowResetAt, 1)
}

// Release implements scribegate.SessionStore
func (s *Storage) Release(ctx context.Context, identityID string, windowResetAt time.Time) error {
	return s.settle(ctx, identityID, windowResetAt, 0)
}

func (s *Storage) settle(ctx context.Context, identityID string, windowResetAt time.Time, commit int) error {
	err := s.scripts["settle"].Run(
		ctx,
		s.client,
		[]string{s.sessionKey(identityID)},
		windowResetAt.UnixMilli(),
		commit,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to execute settle script: %w", err)
	}
	return nil
}

// GetSession implements scribegate.SessionStore
func (s *Storage) GetSession(ctx context.Context, identityID string) (*scribegate.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(identityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, scribegate.ErrSessionNotFound
	}

	sess := &scribegate.Session{IdentityID: identityID}
	var parseErr error
	parse := func(name string) int64 {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			parseErr = errors.Join(parseErr, fmt.Errorf("field %s: %w", name, err))
		}
		return v
	}
	sess.Count = int(parse("count"))
	sess.Pending = int(parse("pending"))
	sess.WindowResetAt = time.UnixMilli(parse("reset_ms")).UTC()
	sess.LastSeen = time.UnixMilli(parse("last_seen_ms")).UTC()
	if parseErr != nil {
		return nil, fmt.Errorf("corrupt session record: %w", parseErr)
	}
	return sess, nil
}

// Now implements scribegate.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}

func (s *Storage) sessionKey(identityID string) string {
	return s.config.KeyPrefix + "session:" + identityID
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
