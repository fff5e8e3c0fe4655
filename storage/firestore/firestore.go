// Package firestore provides a Firestore implementation of scribegate.SessionStore.
// Reservations run inside Firestore transactions, so concurrent gateway instances
// serialize on the session document of an identity.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// Storage implements scribegate.SessionStore using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	sessionsCollection string
	grace              time.Duration
}

// Config holds Firestore storage configuration
type Config struct {
	// SessionsCollection is the Firestore collection for free tier sessions
	// Default: "free_tier_sessions"
	SessionsCollection string

	// GracePeriod is added to the window reset to compute expiresAt, the field a
	// Firestore TTL policy should be configured on (default: 1h)
	GracePeriod time.Duration
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.SessionsCollection == "" {
		config.SessionsCollection = "free_tier_sessions"
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = time.Hour
	}
	return &Storage{
		client:             client,
		sessionsCollection: config.SessionsCollection,
		grace:              config.GracePeriod,
	}, nil
}

func (s *Storage) sessionDoc(identityID string) *firestore.DocumentRef {
	return s.client.Collection(s.sessionsCollection).Doc(identityID)
}

// Reserve implements scribegate.SessionStore with a transaction per identity
func (s *Storage) Reserve(ctx context.Context, req *scribegate.ReserveRequest) (scribegate.Decision, error) {
	if req == nil || req.IdentityID == "" {
		return scribegate.Decision{}, scribegate.ErrInvalidIdentity
	}

	doc := s.sessionDoc(req.IdentityID)
	var decision scribegate.Decision

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		sess := scribegate.Session{IdentityID: req.IdentityID}
		if snap != nil && snap.Exists() {
			sess = sessionFromData(req.IdentityID, snap.Data())
		}

		decision = scribegate.ApplyReserve(&sess, req)
		return tx.Set(doc, sessionData(&sess, s.grace))
	})
	if err != nil {
		return scribegate.Decision{}, fmt.Errorf("failed to reserve: %w", err)
	}
	return decision, nil
}

// Commit implements scribegate.SessionStore
func (s *Storage) Commit(ctx context.Context, identityID string, windowResetAt time.Time) error {
	return s.settle(ctx, identityID, windowResetAt, scribegate.ApplyCommit)
}

// Release implements scribegate.SessionStore
func (s *Storage) Release(ctx context.Context, identityID string, windowResetAt time.Time) error {
	return s.settle(ctx, identityID, windowResetAt, scribegate.ApplyRelease)
}

func (s *Storage) settle(ctx context.Context, identityID string, windowResetAt time.Time,
	apply func(*scribegate.Session, time.Time) bool) error {
	doc := s.sessionDoc(identityID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		sess := sessionFromData(identityID, snap.Data())
		if !apply(&sess, windowResetAt) {
			return nil
		}
		return tx.Set(doc, sessionData(&sess, s.grace))
	})
	if err != nil {
		return fmt.Errorf("failed to settle reservation: %w", err)
	}
	return nil
}

// GetSession implements scribegate.SessionStore
func (s *Storage) GetSession(ctx context.Context, identityID string) (*scribegate.Session, error) {
	snap, err := s.sessionDoc(identityID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, scribegate.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess := sessionFromData(identityID, snap.Data())
	return &sess, nil
}

// Now implements scribegate.TimeSource.
// Firestore has no server clock query; local UTC time is used.
func (s *Storage) Now(_ context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func sessionData(sess *scribegate.Session, grace time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"count":         sess.Count,
		"pending":       sess.Pending,
		"windowResetAt": sess.WindowResetAt,
		"lastSeen":      sess.LastSeen,
		"expiresAt":     sess.WindowResetAt.Add(grace),
	}
}

func sessionFromData(identityID string, data map[string]interface{}) scribegate.Session {
	return scribegate.Session{
		IdentityID:    identityID,
		Count:         getInt(data, "count"),
		Pending:       getInt(data, "pending"),
		WindowResetAt: getTime(data, "windowResetAt"),
		LastSeen:      getTime(data, "lastSeen"),
	}
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
