// Package workstream drives the lifecycle of a workstream: start it and hand
// its delegation package to the executor, collect progress, relay pause and
// kill signals, and close it out with an outcome record.
package workstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/imkarma/foreman/internal/delegation"
	"github.com/imkarma/foreman/internal/learning"
	"github.com/imkarma/foreman/internal/store"
)

// ErrExecutorFailure means the executor could not launch the work.
var ErrExecutorFailure = errors.New("executor failure")

// Completion is what the executor reports when work finishes.
type Completion struct {
	Success       bool
	DurationHours float64
	Notes         []string
	Blockers      []string
	// Blocked is the agent's open question. A failed completion with a
	// question parks the item as BLOCKED instead of returning it to READY.
	Blocked string
}

// Handle identifies work the executor accepted.
type Handle struct {
	WorkstreamID string
	WorkDir      string
}

// Reporter receives asynchronous updates from the executor.
type Reporter interface {
	Progress(ctx context.Context, id, note string) error
	Report(ctx context.Context, id string, c Completion) error
}

// Executor runs delegated work. Start must return promptly; completion is
// delivered later through r.
type Executor interface {
	Start(ctx context.Context, ws *store.Workstream, pkg *delegation.Package, r Reporter) (Handle, error)
}

// Signaler is implemented by executors that can act on pause and kill.
type Signaler interface {
	Signal(workstreamID string, sig store.Signal)
}

// SlotCounter is implemented by executors with their own concurrency
// limit. A paused workstream leaves the store's RUNNING count but may still
// hold an executor slot until its agent returns.
type SlotCounter interface {
	Busy() int
	Slots() int
}

// Manager owns workstream state transitions.
type Manager struct {
	store    store.EntityStore
	packages *delegation.Builder
	exec     Executor
	tracker  *learning.Tracker
	now      func() time.Time

	// startMu serialises the executor slot check with the launch.
	startMu sync.Mutex
}

// New returns a Manager. exec may be nil, in which case workstreams are
// tracked but nothing is launched.
func New(s store.EntityStore, packages *delegation.Builder, exec Executor, tracker *learning.Tracker) *Manager {
	return &Manager{
		store:    s,
		packages: packages,
		exec:     exec,
		tracker:  tracker,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start opens a RUNNING workstream for backlogID and launches it. The item
// must be READY with all dependencies DONE. Capacity is enforced by the
// store and, for executors that count slots, by the executor before anything
// is written. If the executor still refuses the work the workstream is closed
// as FAILED and the returned error wraps ErrExecutorFailure.
func (m *Manager) Start(ctx context.Context, backlogID, role string) (*store.Workstream, error) {
	item, err := m.store.GetItem(ctx, backlogID)
	if err != nil {
		return nil, err
	}
	if item.Status != store.ItemReady {
		return nil, &store.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is %s, not READY", item.ID, item.Status)}
	}
	for _, id := range item.Dependencies {
		dep, err := m.store.GetItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if dep.Status != store.ItemDone {
			return nil, &store.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("%s waits on %s (%s)", item.ID, dep.ID, dep.Status)}
		}
	}

	var pkg *delegation.Package
	if m.packages != nil {
		if pkg, err = m.packages.PrepareAs(ctx, backlogID, role); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", backlogID, err)
		}
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()
	if sc, ok := m.exec.(SlotCounter); ok {
		if busy, slots := sc.Busy(), sc.Slots(); busy >= slots {
			return nil, &store.CapacityError{Active: busy, Max: slots}
		}
	}

	ws, err := m.store.StartWorkstream(ctx, store.Workstream{
		BacklogID: item.ID,
		Title:     item.Title,
		AgentRole: role,
		StartedAt: m.now(),
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[workstream] %s started for %s (%s)", ws.ID, ws.BacklogID, role)

	if m.exec == nil {
		return ws, nil
	}
	handle, err := m.exec.Start(ctx, ws, pkg, m)
	if err != nil {
		log.Printf("[workstream] %s: executor refused: %v", ws.ID, err)
		failed, _, cerr := m.Complete(ctx, ws.ID, Completion{Notes: []string{"executor failed: " + err.Error()}})
		if cerr != nil {
			return ws, fmt.Errorf("%w: %v (close %s: %v)", ErrExecutorFailure, err, ws.ID, cerr)
		}
		return failed, fmt.Errorf("%w: %v", ErrExecutorFailure, err)
	}
	if handle.WorkDir != "" {
		m.event(ctx, ws.BacklogID, "progress", fmt.Sprintf("%s working in %s", ws.ID, handle.WorkDir))
	}
	return ws, nil
}

// Progress appends a note and refreshes the activity clock.
func (m *Manager) Progress(ctx context.Context, id, note string) error {
	ws, err := m.store.UpdateWorkstream(ctx, id, func(ws *store.Workstream) error {
		ws.ProgressNotes = append(ws.ProgressNotes, note)
		ws.LastActivityAt = m.now()
		return nil
	})
	if err != nil {
		return err
	}
	m.event(ctx, ws.BacklogID, "progress", fmt.Sprintf("%s: %s", id, note))
	return nil
}

// Pause marks a RUNNING workstream PAUSED. It stops counting against
// capacity; the executor is asked to hold.
func (m *Manager) Pause(ctx context.Context, id string) (*store.Workstream, error) {
	return m.signal(ctx, id, store.SignalPause, func(ws *store.Workstream) error {
		if ws.Status != store.WorkstreamRunning {
			return &store.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is %s, not RUNNING", ws.ID, ws.Status)}
		}
		ws.Status = store.WorkstreamPaused
		return nil
	})
}

// Resume puts a PAUSED workstream back to RUNNING, subject to capacity.
func (m *Manager) Resume(ctx context.Context, id string) (*store.Workstream, error) {
	return m.signal(ctx, id, store.SignalNone, func(ws *store.Workstream) error {
		if ws.Status != store.WorkstreamPaused {
			return &store.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is %s, not PAUSED", ws.ID, ws.Status)}
		}
		ws.Status = store.WorkstreamRunning
		return nil
	})
}

// Kill asks the executor to abandon the work. The workstream stays open
// until the executor reports back.
func (m *Manager) Kill(ctx context.Context, id string) (*store.Workstream, error) {
	return m.signal(ctx, id, store.SignalKill, nil)
}

func (m *Manager) signal(ctx context.Context, id string, sig store.Signal, transition func(*store.Workstream) error) (*store.Workstream, error) {
	ws, err := m.store.UpdateWorkstream(ctx, id, func(ws *store.Workstream) error {
		if transition != nil {
			if err := transition(ws); err != nil {
				return err
			}
		}
		ws.Signal = sig
		ws.LastActivityAt = m.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	name := string(sig)
	if sig == store.SignalNone {
		name = "resume"
	}
	m.event(ctx, ws.BacklogID, "signal", fmt.Sprintf("%s: %s", id, name))
	if s, ok := m.exec.(Signaler); ok {
		s.Signal(id, sig)
	}
	return ws, nil
}

// Complete closes the workstream, moves its item to DONE (or back to READY
// on failure) and records the outcome in one store operation, so a failed
// write leaves the workstream open for a retry. Completing twice is a
// validation error.
func (m *Manager) Complete(ctx context.Context, id string, c Completion) (*store.Workstream, *store.OutcomeRecord, error) {
	now := m.now()
	closure := store.Closure{
		Close: func(ws *store.Workstream) error {
			if ws.Status.Terminal() {
				return &store.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is already %s", ws.ID, ws.Status)}
			}
			ws.Status = store.WorkstreamFailed
			if c.Success {
				ws.Status = store.WorkstreamCompleted
			}
			at := now
			if at.Before(ws.StartedAt) {
				at = ws.StartedAt
			}
			ws.CompletedAt = &at
			ws.LastActivityAt = at
			ws.ProgressNotes = append(ws.ProgressNotes, c.Notes...)
			return nil
		},
		Item: func(it *store.BacklogItem) error {
			switch {
			case c.Success:
				it.Status = store.ItemDone
			case c.Blocked != "":
				it.Status = store.ItemBlocked
				it.BlockedReason = c.Blocked
			default:
				it.Status = store.ItemReady
			}
			return nil
		},
	}
	if m.tracker != nil {
		closure.Outcome = func(ws *store.Workstream, it *store.BacklogItem) (*store.OutcomeRecord, error) {
			return learning.Outcome(ws, it, learning.Report{
				Success:       c.Success,
				DurationHours: c.DurationHours,
				Notes:         c.Notes,
				Blockers:      c.Blockers,
			})
		}
	}

	ws, rec, err := m.store.CompleteWorkstream(ctx, id, closure)
	if err != nil {
		return nil, nil, err
	}

	kind, verb := "failed", "failed"
	if c.Success {
		kind, verb = "completed", "completed"
	}
	m.event(ctx, ws.BacklogID, kind, fmt.Sprintf("%s %s after %.1fh", ws.ID, verb, ws.Elapsed(*ws.CompletedAt).Hours()))
	log.Printf("[workstream] %s %s", ws.ID, verb)
	if rec != nil {
		learning.LogOutcome(rec)
	}
	return ws, rec, nil
}

// Report implements Reporter for executors calling back asynchronously.
func (m *Manager) Report(ctx context.Context, id string, c Completion) error {
	_, _, err := m.Complete(ctx, id, c)
	if err != nil {
		log.Printf("[workstream] report %s: %v", id, err)
	}
	return err
}

func (m *Manager) event(ctx context.Context, subject, kind, content string) {
	if err := m.store.RecordEvent(ctx, store.Event{SubjectID: subject, Kind: kind, Content: content, Timestamp: m.now()}); err != nil {
		log.Printf("[workstream] record %s event: %v", kind, err)
	}
}
