package memory

import (
	"context"
	"sync"
)

// Entitlements implements scribegate.EntitlementStore in memory.
// It stands in for the identity provider in local development and tests.
type Entitlements struct {
	mu   sync.RWMutex
	pro  map[string]bool
	hook func(op, userID string) error
}

// NewEntitlements creates an empty entitlement store.
func NewEntitlements(proUsers ...string) *Entitlements {
	e := &Entitlements{pro: make(map[string]bool)}
	for _, u := range proUsers {
		e.pro[u] = true
	}
	return e
}

// SetHook installs a function called before every operation; a non-nil error
// aborts the operation. Tests use it to inject upstream failures.
func (e *Entitlements) SetHook(hook func(op, userID string) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = hook
}

func (e *Entitlements) Grant(_ context.Context, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.callHook("grant", userID); err != nil {
		return err
	}
	e.pro[userID] = true
	return nil
}

func (e *Entitlements) Revoke(_ context.Context, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.callHook("revoke", userID); err != nil {
		return err
	}
	delete(e.pro, userID)
	return nil
}

func (e *Entitlements) HasRole(_ context.Context, userID string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.callHook("has_role", userID); err != nil {
		return false, err
	}
	return e.pro[userID], nil
}

func (e *Entitlements) callHook(op, userID string) error {
	if e.hook == nil {
		return nil
	}
	return e.hook(op, userID)
}
