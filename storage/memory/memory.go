// Package memory provides in-memory implementations of scribegate.SessionStore and
// scribegate.EntitlementStore. Sessions do not survive a restart and are not shared
// between gateway instances.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

const (
	// DefaultGracePeriod is how long a session is kept after its window reset
	DefaultGracePeriod = time.Hour

	sweepEvery     = 100
	sweepThreshold = 10000
)

type sessionEntry struct {
	mu      sync.Mutex
	sess    scribegate.Session
	evicted bool
}

// Storage implements scribegate.SessionStore using an in-memory table with one lock
// per identity.
type Storage struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	ops      int
	grace    time.Duration
	now      func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithGracePeriod sets how long idle sessions are kept after their window reset.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Storage) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// WithClock overrides the clock used by Now and by eviction.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// New creates a new in-memory session store
func New(opts ...Option) *Storage {
	s := &Storage{
		sessions: make(map[string]*sessionEntry),
		grace:    DefaultGracePeriod,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve implements scribegate.SessionStore
func (s *Storage) Reserve(_ context.Context, req *scribegate.ReserveRequest) (scribegate.Decision, error) {
	if req == nil || req.IdentityID == "" {
		return scribegate.Decision{}, scribegate.ErrInvalidIdentity
	}

	for {
		e := s.entry(req.IdentityID)
		e.mu.Lock()
		if e.evicted {
			// swept between lookup and lock
			e.mu.Unlock()
			continue
		}
		d := scribegate.ApplyReserve(&e.sess, req)
		e.mu.Unlock()
		return d, nil
	}
}

// Commit implements scribegate.SessionStore
func (s *Storage) Commit(_ context.Context, identityID string, windowResetAt time.Time) error {
	s.update(identityID, func(sess *scribegate.Session) {
		scribegate.ApplyCommit(sess, windowResetAt)
	})
	return nil
}

// Release implements scribegate.SessionStore
func (s *Storage) Release(_ context.Context, identityID string, windowResetAt time.Time) error {
	s.update(identityID, func(sess *scribegate.Session) {
		scribegate.ApplyRelease(sess, windowResetAt)
	})
	return nil
}

// GetSession implements scribegate.SessionStore
func (s *Storage) GetSession(_ context.Context, identityID string) (*scribegate.Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[identityID]
	s.mu.RUnlock()
	if !ok {
		return nil, scribegate.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sessCopy := e.sess
	return &sessCopy, nil
}

// Now implements scribegate.TimeSource
func (s *Storage) Now(_ context.Context) (time.Time, error) {
	return s.now().UTC(), nil
}

// Len returns the number of tracked sessions.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Clear removes all sessions (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*sessionEntry)
	s.ops = 0
}

func (s *Storage) update(identityID string, fn func(*scribegate.Session)) {
	s.mu.RLock()
	e, ok := s.sessions[identityID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	fn(&e.sess)
	e.mu.Unlock()
}

func (s *Storage) entry(identityID string) *sessionEntry {
	s.mu.RLock()
	e, ok := s.sessions[identityID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.sessions[identityID]; ok {
		return e
	}

	s.ops++
	if s.ops >= sweepEvery || len(s.sessions) > sweepThreshold {
		s.ops = 0
		s.sweepLocked()
	}

	e = &sessionEntry{}
	s.sessions[identityID] = e
	return e
}

// sweepLocked drops sessions whose window ended more than the grace period ago and
// that hold no pending reservation. The caller holds s.mu for writing.
func (s *Storage) sweepLocked() {
	cutoff := s.now().Add(-s.grace)
	for id, e := range s.sessions {
		if !e.mu.TryLock() {
			continue
		}
		if e.sess.Pending == 0 && !e.sess.WindowResetAt.IsZero() && e.sess.WindowResetAt.Before(cutoff) {
			e.evicted = true
			delete(s.sessions, id)
		}
		e.mu.Unlock()
	}
}

// Sweep runs eviction immediately.
func (s *Storage) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
}
