package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process EntityStore with the same contract as SQLite.
// Nothing survives the process; it backs tests and dry-run tooling.
type Memory struct {
	opts Options

	mu          sync.Mutex
	items       map[string]BacklogItem
	workstreams map[string]Workstream
	decisions   []Decision
	outcomes    []OutcomeRecord
	events      []Event
	counters    map[string]int64
}

var _ EntityStore = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:        opts.withDefaults(),
		items:       map[string]BacklogItem{},
		workstreams: map[string]Workstream{},
		counters:    map[string]int64{},
	}
}

func (m *Memory) Close() error  { return nil }
func (m *Memory) Capacity() int { return m.opts.Capacity }

func (m *Memory) nextID(prefix string) string {
	m.counters[prefix]++
	return FormatID(prefix, m.counters[prefix])
}

func (m *Memory) bumpCounter(prefix, id string) {
	if n, ok := idNumber(prefix, id); ok && n > m.counters[prefix] {
		m.counters[prefix] = n
	}
}

func (m *Memory) graph() map[string][]string {
	g := make(map[string][]string, len(m.items))
	for id, it := range m.items {
		g[id] = it.Dependencies
	}
	return g
}

func (m *Memory) addEvent(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, e)
}

func (m *Memory) CreateItem(_ context.Context, item BacklogItem) (*BacklogItem, error) {
	now := time.Now().UTC()
	it := item.Clone()
	normalizeItem(&it)
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	it.Version = 1

	m.mu.Lock()
	defer m.mu.Unlock()

	counter := m.counters[ItemPrefix]
	if it.ID == "" {
		it.ID = m.nextID(ItemPrefix)
	}
	if err := validateItem(&it); err != nil {
		m.counters[ItemPrefix] = counter
		return nil, err
	}
	if _, exists := m.items[it.ID]; exists {
		m.counters[ItemPrefix] = counter
		return nil, invalid("id", "%s already exists", it.ID)
	}
	if err := checkGraph(&it, m.graph()); err != nil {
		m.counters[ItemPrefix] = counter
		return nil, err
	}
	m.bumpCounter(ItemPrefix, it.ID)
	m.items[it.ID] = it.Clone()
	m.addEvent(Event{SubjectID: it.ID, Kind: "created", Content: "Item created: " + it.Title})
	return &it, nil
}

func (m *Memory) GetItem(_ context.Context, id string) (*BacklogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, notFound("item", id)
	}
	it = it.Clone()
	return &it, nil
}

func (m *Memory) ListItems(_ context.Context, f ItemFilter) ([]BacklogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listItems(f), nil
}

func (m *Memory) listItems(f ItemFilter) []BacklogItem {
	var out []BacklogItem
	for _, it := range m.items {
		if f.match(&it) {
			out = append(out, it.Clone())
		}
	}
	slices.SortFunc(out, func(a, b BacklogItem) int { return CompareIDs(a.ID, b.ID) })
	return out
}

func (m *Memory) PutItem(_ context.Context, item BacklogItem) (*BacklogItem, error) {
	now := time.Now().UTC()
	it := item.Clone()
	normalizeItem(&it)
	if err := validateItem(&it); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkGraph(&it, m.graph()); err != nil {
		return nil, err
	}
	cur, exists := m.items[it.ID]
	switch {
	case !exists:
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		it.Version = 1
		m.bumpCounter(ItemPrefix, it.ID)
	case it.Version != 0 && it.Version != cur.Version:
		return nil, fmt.Errorf("put item %s at version %d (stored %d): %w", it.ID, it.Version, cur.Version, ErrConflict)
	default:
		it.CreatedAt = cur.CreatedAt
		it.Version = cur.Version + 1
	}
	it.UpdatedAt = now
	m.items[it.ID] = it.Clone()
	return &it, nil
}

// UpdateItem runs mutate outside the lock and commits only if no other
// writer bumped the version meanwhile.
func (m *Memory) UpdateItem(ctx context.Context, id string, mutate func(*BacklogItem) error) (*BacklogItem, error) {
	var out BacklogItem
	err := retryCAS(ctx, m.opts, func() error {
		cur, err := m.GetItem(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		normalizeItem(&next)
		if next.ID != cur.ID {
			return invalid("id", "is immutable")
		}
		if err := validateItem(&next); err != nil {
			return err
		}
		next.CreatedAt = cur.CreatedAt
		next.UpdatedAt = time.Now().UTC()
		next.Version = cur.Version + 1

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.items[id].Version != cur.Version {
			return errStale
		}
		if !slices.Equal(next.Dependencies, cur.Dependencies) {
			if err := checkGraph(&next, m.graph()); err != nil {
				return err
			}
		}
		m.items[id] = next.Clone()
		out = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update item %s: %w", id, err)
	}
	return &out, nil
}

func (m *Memory) runningCount() int {
	n := 0
	for _, ws := range m.workstreams {
		if ws.Status == WorkstreamRunning {
			n++
		}
	}
	return n
}

func (m *Memory) StartWorkstream(_ context.Context, ws Workstream) (*Workstream, error) {
	w := ws.Clone()
	prepareWorkstream(&w)

	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[w.BacklogID]
	if !ok {
		return nil, notFound("item", w.BacklogID)
	}
	fillFromItem(&w, &item)
	if err := validateNewWorkstream(&w); err != nil {
		return nil, err
	}
	for _, other := range m.workstreams {
		if other.BacklogID == w.BacklogID && !other.Status.Terminal() {
			return nil, invalid("backlog_id", "%s already has an active workstream", w.BacklogID)
		}
	}
	if running := m.runningCount(); running >= m.opts.Capacity {
		return nil, &CapacityError{Active: running, Max: m.opts.Capacity}
	}
	if w.ID == "" {
		w.ID = m.nextID(WorkstreamPrefix)
	} else if _, exists := m.workstreams[w.ID]; exists {
		return nil, invalid("id", "%s already exists", w.ID)
	} else {
		m.bumpCounter(WorkstreamPrefix, w.ID)
	}

	item.Status = ItemInProgress
	item.BlockedReason = ""
	item.UpdatedAt = w.StartedAt
	item.Version++
	m.items[item.ID] = item
	m.workstreams[w.ID] = w.Clone()
	m.addEvent(Event{
		SubjectID: w.BacklogID,
		Kind:      "started",
		Content:   fmt.Sprintf("Workstream %s started (role: %s)", w.ID, w.AgentRole),
	})
	return &w, nil
}

func (m *Memory) GetWorkstream(_ context.Context, id string) (*Workstream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workstreams[id]
	if !ok {
		return nil, notFound("workstream", id)
	}
	ws = ws.Clone()
	return &ws, nil
}

func (m *Memory) ListWorkstreams(_ context.Context, f WorkstreamFilter) ([]Workstream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listWorkstreams(f), nil
}

func (m *Memory) listWorkstreams(f WorkstreamFilter) []Workstream {
	var out []Workstream
	for _, ws := range m.workstreams {
		if f.match(&ws) {
			out = append(out, ws.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Workstream) int { return CompareIDs(a.ID, b.ID) })
	return out
}

func (m *Memory) UpdateWorkstream(ctx context.Context, id string, mutate func(*Workstream) error) (*Workstream, error) {
	var out Workstream
	err := retryCAS(ctx, m.opts, func() error {
		cur, err := m.GetWorkstream(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		if err := validateWorkstreamChange(cur, &next); err != nil {
			return err
		}
		next.Version = cur.Version + 1

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.workstreams[id].Version != cur.Version {
			return errStale
		}
		if next.Status == WorkstreamRunning && cur.Status != WorkstreamRunning {
			if running := m.runningCount(); running >= m.opts.Capacity {
				return &CapacityError{Active: running, Max: m.opts.Capacity}
			}
		}
		m.workstreams[id] = next.Clone()
		out = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update workstream %s: %w", id, err)
	}
	return &out, nil
}

// CompleteWorkstream applies c under a single lock.
func (m *Memory) CompleteWorkstream(_ context.Context, id string, c Closure) (*Workstream, *OutcomeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.workstreams[id]
	if !ok {
		return nil, nil, notFound("workstream", id)
	}
	item, ok := m.items[cur.BacklogID]
	if !ok {
		return nil, nil, notFound("item", cur.BacklogID)
	}
	ws, it, rec, err := c.apply(&cur, &item)
	if err != nil {
		return nil, nil, fmt.Errorf("complete workstream %s: %w", id, err)
	}
	if rec != nil {
		for _, existing := range m.outcomes {
			if existing.WorkstreamID == id {
				return nil, nil, fmt.Errorf("complete workstream %s: %w", id, invalid("workstream_id", "outcome for %s already recorded", id))
			}
		}
	}

	m.workstreams[id] = ws.Clone()
	if it != nil {
		m.items[it.ID] = it.Clone()
	}
	if rec != nil {
		stored := *rec
		stored.Tags = slices.Clone(rec.Tags)
		stored.BlockersEncountered = slices.Clone(rec.BlockersEncountered)
		m.outcomes = append(m.outcomes, stored)
	}
	return ws, rec, nil
}

func (m *Memory) AppendDecision(_ context.Context, d Decision) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	if err := validateDecision(&d); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.decisions {
		if existing.ID == d.ID {
			return invalid("id", "decision %s already recorded", d.ID)
		}
	}
	d.Alternatives = slices.Clone(d.Alternatives)
	m.decisions = append(m.decisions, d)
	if r := m.opts.DecisionRetention; r > 0 && len(m.decisions) > r {
		m.decisions = slices.Clone(m.decisions[len(m.decisions)-r:])
	}
	return nil
}

func (m *Memory) GetDecision(_ context.Context, id string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.decisions {
		if d.ID == id {
			d.Alternatives = slices.Clone(d.Alternatives)
			return &d, nil
		}
	}
	return nil, notFound("decision", id)
}

func (m *Memory) ListDecisions(_ context.Context, f DecisionFilter) ([]Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Decision
	for i := len(m.decisions) - 1; i >= 0; i-- {
		d := m.decisions[i]
		if !f.Since.IsZero() && d.Timestamp.Before(f.Since) {
			continue
		}
		d.Alternatives = slices.Clone(d.Alternatives)
		out = append(out, d)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RecordOutcome(_ context.Context, o OutcomeRecord) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	if err := validateOutcome(&o); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.outcomes {
		if existing.WorkstreamID == o.WorkstreamID {
			return invalid("workstream_id", "outcome for %s already recorded", o.WorkstreamID)
		}
	}
	o.Tags = slices.Clone(o.Tags)
	o.BlockersEncountered = slices.Clone(o.BlockersEncountered)
	m.outcomes = append(m.outcomes, o)
	return nil
}

func (m *Memory) ListOutcomes(_ context.Context, f OutcomeFilter) ([]OutcomeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.outcomes
	if f.Limit > 0 && len(src) > f.Limit {
		src = src[len(src)-f.Limit:]
	}
	out := make([]OutcomeRecord, len(src))
	for i, o := range src {
		o.Tags = slices.Clone(o.Tags)
		o.BlockersEncountered = slices.Clone(o.BlockersEncountered)
		out[i] = o
	}
	return out, nil
}

func (m *Memory) RecordEvent(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addEvent(e)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, subjectID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if subjectID == "" || e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Snapshot(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Snapshot{
		Items:       m.listItems(ItemFilter{}),
		Workstreams: m.listWorkstreams(WorkstreamFilter{}),
		TakenAt:     time.Now().UTC(),
	}, nil
}
