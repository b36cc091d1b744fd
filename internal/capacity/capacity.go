// Package capacity answers whether another workstream may start.
//
// The limit itself is enforced by the store when a workstream starts or
// resumes; this package reports on it without taking any locks.
package capacity

import (
	"context"
	"fmt"

	"github.com/imkarma/foreman/internal/store"
)

// Manager reads RUNNING counts from a store.
type Manager struct {
	store store.EntityStore
	max   int
}

// New returns a Manager using max as the default limit. A non-positive max
// falls back to the store's own capacity.
func New(s store.EntityStore, max int) *Manager {
	if max <= 0 {
		max = s.Capacity()
	}
	return &Manager{store: s, max: max}
}

// Max returns the configured limit.
func (m *Manager) Max() int { return m.max }

// ActiveCount returns the number of RUNNING workstreams.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	running, err := m.store.ListWorkstreams(ctx, store.WorkstreamFilter{
		Status: []store.WorkstreamStatus{store.WorkstreamRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("count active workstreams: %w", err)
	}
	return len(running), nil
}

// CanStart reports whether a new workstream fits under max. The reason is
// empty when it does and reads like "at capacity: 5/5" when it does not.
func (m *Manager) CanStart(ctx context.Context, max int) (bool, string, error) {
	active, err := m.ActiveCount(ctx)
	if err != nil {
		return false, "", err
	}
	ok, reason := Evaluate(active, max)
	return ok, reason, nil
}

// Check is CanStart against the configured limit, returning a
// *store.CapacityError when full.
func (m *Manager) Check(ctx context.Context) error {
	active, err := m.ActiveCount(ctx)
	if err != nil {
		return err
	}
	if active >= m.max {
		return &store.CapacityError{Active: active, Max: m.max}
	}
	return nil
}

// Status renders "active/max", e.g. "3/5".
func (m *Manager) Status(ctx context.Context) (string, error) {
	active, err := m.ActiveCount(ctx)
	if err != nil {
		return "", err
	}
	return Format(active, m.max), nil
}

// Evaluate is the pure form of CanStart.
func Evaluate(active, max int) (bool, string) {
	if active >= max {
		return false, fmt.Sprintf("at capacity: %d/%d", active, max)
	}
	return true, ""
}

// Format renders a capacity status string.
func Format(active, max int) string {
	return fmt.Sprintf("%d/%d", active, max)
}
