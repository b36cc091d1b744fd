package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// EntityStore persists backlog items, workstreams, decisions, outcomes and
// audit events. Implementations must make every write durable before
// returning and serialise concurrent updates of one entity with
// compare-and-swap on its Version.
type EntityStore interface {
	CreateItem(ctx context.Context, item BacklogItem) (*BacklogItem, error)
	GetItem(ctx context.Context, id string) (*BacklogItem, error)
	ListItems(ctx context.Context, f ItemFilter) ([]BacklogItem, error)
	PutItem(ctx context.Context, item BacklogItem) (*BacklogItem, error)
	UpdateItem(ctx context.Context, id string, mutate func(*BacklogItem) error) (*BacklogItem, error)

	StartWorkstream(ctx context.Context, ws Workstream) (*Workstream, error)
	GetWorkstream(ctx context.Context, id string) (*Workstream, error)
	ListWorkstreams(ctx context.Context, f WorkstreamFilter) ([]Workstream, error)
	UpdateWorkstream(ctx context.Context, id string, mutate func(*Workstream) error) (*Workstream, error)
	CompleteWorkstream(ctx context.Context, id string, c Closure) (*Workstream, *OutcomeRecord, error)

	AppendDecision(ctx context.Context, d Decision) error
	GetDecision(ctx context.Context, id string) (*Decision, error)
	ListDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error)

	RecordOutcome(ctx context.Context, o OutcomeRecord) error
	ListOutcomes(ctx context.Context, f OutcomeFilter) ([]OutcomeRecord, error)

	RecordEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, subjectID string) ([]Event, error)

	Snapshot(ctx context.Context) (*Snapshot, error)
	Capacity() int
	Close() error
}

// Options tune store behaviour shared by all implementations.
type Options struct {
	// Capacity is the maximum number of RUNNING workstreams.
	Capacity int
	// MaxRetries bounds compare-and-swap retries before ErrConflict.
	MaxRetries int
	// Backoff is the base delay between retries; attempt n waits n*Backoff.
	Backoff time.Duration
	// DecisionRetention keeps only the most recent decisions. Zero keeps all.
	DecisionRetention int
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		Capacity:          5,
		MaxRetries:        3,
		Backoff:           10 * time.Millisecond,
		DecisionRetention: 1000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Capacity <= 0 {
		o.Capacity = d.Capacity
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	return o
}

// ItemFilter narrows ListItems. Zero value matches everything.
type ItemFilter struct {
	Status []ItemStatus
	Tag    string
}

func (f ItemFilter) match(it *BacklogItem) bool {
	if len(f.Status) > 0 && !slices.Contains(f.Status, it.Status) {
		return false
	}
	if f.Tag != "" && !it.HasTag(f.Tag) {
		return false
	}
	return true
}

// WorkstreamFilter narrows ListWorkstreams. Zero value matches everything.
type WorkstreamFilter struct {
	Status    []WorkstreamStatus
	BacklogID string
}

func (f WorkstreamFilter) match(ws *Workstream) bool {
	if len(f.Status) > 0 && !slices.Contains(f.Status, ws.Status) {
		return false
	}
	if f.BacklogID != "" && ws.BacklogID != f.BacklogID {
		return false
	}
	return true
}

// DecisionFilter narrows ListDecisions. Results are newest first.
type DecisionFilter struct {
	Since time.Time
	Limit int
}

// OutcomeFilter narrows ListOutcomes. Results are oldest first; Limit keeps
// the most recent records.
type OutcomeFilter struct {
	Limit int
}

// ID prefixes for generated identifiers.
const (
	ItemPrefix       = "BL-"
	WorkstreamPrefix = "ws-"
)

// FormatID renders a sequence number with the given prefix, e.g. BL-007.
func FormatID(prefix string, n int64) string {
	return fmt.Sprintf("%s%03d", prefix, n)
}

// idNumber extracts the trailing number from ids like BL-012.
func idNumber(prefix, id string) (int64, bool) {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// CompareIDs orders ids naturally so that BL-2 sorts before BL-10.
func CompareIDs(a, b string) int {
	ap, an := splitID(a)
	bp, bn := splitID(b)
	if c := cmp.Compare(ap, bp); c != 0 {
		return c
	}
	if an >= 0 && bn >= 0 {
		if c := cmp.Compare(an, bn); c != 0 {
			return c
		}
	}
	return cmp.Compare(a, b)
}

func splitID(id string) (string, int64) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) {
		return id, -1
	}
	n, err := strconv.ParseInt(id[i:], 10, 64)
	if err != nil {
		return id, -1
	}
	return id[:i], n
}

// errStale signals a lost compare-and-swap race; callers retry.
var errStale = errors.New("stale version")

// retryCAS runs attempt until it stops reporting errStale or the retry
// budget is spent.
func retryCAS(ctx context.Context, opts Options, attempt func() error) error {
	for n := 0; ; n++ {
		err := attempt()
		if !errors.Is(err, errStale) {
			return err
		}
		if n >= opts.MaxRetries {
			return ErrConflict
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(n+1) * opts.Backoff):
		}
	}
}

// normalizeItem trims text and turns tags and dependencies into sorted sets.
func normalizeItem(it *BacklogItem) {
	it.ID = strings.TrimSpace(it.ID)
	it.Title = strings.TrimSpace(it.Title)
	it.Priority = Priority(strings.ToUpper(string(it.Priority)))
	if it.Priority == "" {
		it.Priority = PriorityMedium
	}
	if it.Status == "" {
		it.Status = ItemReady
	}
	it.Tags = uniqueSorted(it.Tags, strings.ToLower, strings.Compare)
	it.Dependencies = uniqueSorted(it.Dependencies, nil, CompareIDs)
}

func uniqueSorted(in []string, fold func(string) string, compare func(a, b string) int) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if fold != nil {
			s = fold(s)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, compare)
	return slices.Compact(out)
}

func validateItem(it *BacklogItem) error {
	switch {
	case it.ID == "":
		return invalid("id", "must not be empty")
	case it.Title == "":
		return invalid("title", "must not be empty")
	case !it.Priority.Valid():
		return invalid("priority", "unknown priority %q", it.Priority)
	case it.EstimatedEffortHours <= 0:
		return invalid("estimated_effort_hours", "must be positive, got %g", it.EstimatedEffortHours)
	case !it.Status.Valid():
		return invalid("status", "unknown status %q", it.Status)
	case slices.Contains(it.Dependencies, it.ID):
		return invalid("dependencies", "%s depends on itself", it.ID)
	}
	return nil
}

// checkGraph verifies that every dependency of it exists in graph and that
// adding it keeps the dependency graph acyclic. graph maps item id to its
// dependencies and must not yet reflect its new dependency list.
func checkGraph(it *BacklogItem, graph map[string][]string) error {
	for _, dep := range it.Dependencies {
		if _, ok := graph[dep]; !ok {
			return invalid("dependencies", "dependency %s of %s not found", dep, it.ID)
		}
	}
	// A cycle exists iff it.ID is reachable from one of its own dependencies.
	seen := map[string]bool{}
	stack := slices.Clone(it.Dependencies)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == it.ID {
			return invalid("dependencies", "adding %s would create a dependency cycle", it.ID)
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, graph[cur]...)
	}
	return nil
}

func validateNewWorkstream(ws *Workstream) error {
	switch {
	case ws.BacklogID == "":
		return invalid("backlog_id", "must not be empty")
	case ws.Status != WorkstreamRunning:
		return invalid("status", "new workstreams start RUNNING, got %q", ws.Status)
	case ws.EstimatedEffortHours <= 0:
		return invalid("estimated_effort_hours", "must be positive, got %g", ws.EstimatedEffortHours)
	case ws.StartedAt.IsZero():
		return invalid("started_at", "must be set")
	}
	return nil
}

// validateWorkstreamChange enforces the workstream transition rules.
func validateWorkstreamChange(old, next *Workstream) error {
	if old.Status.Terminal() {
		return invalid("status", "workstream %s is %s and can no longer change", old.ID, old.Status)
	}
	switch {
	case next.ID != old.ID:
		return invalid("id", "is immutable")
	case next.BacklogID != old.BacklogID:
		return invalid("backlog_id", "is immutable")
	case !next.StartedAt.Equal(old.StartedAt):
		return invalid("started_at", "is immutable")
	case next.EstimatedEffortHours != old.EstimatedEffortHours:
		return invalid("estimated_effort_hours", "is fixed at start")
	case !next.Status.Valid():
		return invalid("status", "unknown status %q", next.Status)
	case len(next.ProgressNotes) < len(old.ProgressNotes) ||
		!slices.Equal(next.ProgressNotes[:len(old.ProgressNotes)], old.ProgressNotes):
		return invalid("progress_notes", "are append-only")
	}
	if next.Status.Terminal() {
		if next.CompletedAt == nil {
			return invalid("completed_at", "required for %s workstreams", next.Status)
		}
		if next.CompletedAt.Before(next.StartedAt) {
			return invalid("completed_at", "precedes started_at")
		}
	} else if next.CompletedAt != nil {
		return invalid("completed_at", "set on a non-terminal workstream")
	}
	return nil
}

func validateDecision(d *Decision) error {
	switch {
	case d.ID == "":
		return invalid("id", "must not be empty")
	case !d.Action.Valid():
		return invalid("action", "unknown action %q", d.Action)
	case d.Target == "":
		return invalid("target", "must not be empty")
	case d.Confidence < 0 || d.Confidence > 1:
		return invalid("confidence", "must be within [0,1], got %g", d.Confidence)
	case !d.Mode.Valid():
		return invalid("mode", "unknown mode %q", d.Mode)
	}
	return nil
}

func validateOutcome(o *OutcomeRecord) error {
	switch {
	case o.WorkstreamID == "":
		return invalid("workstream_id", "must not be empty")
	case o.BacklogID == "":
		return invalid("backlog_id", "must not be empty")
	case o.EstimatedEffortHours <= 0:
		return invalid("estimated_effort_hours", "must be positive")
	case o.ActualDurationHours < 0:
		return invalid("actual_duration_hours", "must not be negative")
	case !o.ComplexityCategory.Valid():
		return invalid("complexity_category", "unknown category %q", o.ComplexityCategory)
	}
	return nil
}

// Closure describes how CompleteWorkstream finishes a workstream. The store
// applies all of it or none of it. The callbacks may run while the store
// holds a lock and must not call back into it.
type Closure struct {
	// Close moves the workstream to a terminal status.
	Close func(*Workstream) error
	// Item updates the workstream's backlog item. Nil leaves it alone.
	Item func(*BacklogItem) error
	// Outcome builds the outcome record from the closed workstream and the
	// updated item. Nil, or a nil record, records nothing.
	Outcome func(ws *Workstream, item *BacklogItem) (*OutcomeRecord, error)
}

// apply runs c against copies of ws and item and validates the result. The
// returned item is nil when c leaves it untouched.
func (c Closure) apply(ws *Workstream, item *BacklogItem) (*Workstream, *BacklogItem, *OutcomeRecord, error) {
	if c.Close == nil {
		return nil, nil, nil, invalid("status", "no closing transition for %s", ws.ID)
	}
	next := ws.Clone()
	if err := c.Close(&next); err != nil {
		return nil, nil, nil, err
	}
	if err := validateWorkstreamChange(ws, &next); err != nil {
		return nil, nil, nil, err
	}
	if !next.Status.Terminal() {
		return nil, nil, nil, invalid("status", "closing %s left it %s", ws.ID, next.Status)
	}
	next.Version = ws.Version + 1

	var nextItem *BacklogItem
	if c.Item != nil {
		it := item.Clone()
		if err := c.Item(&it); err != nil {
			return nil, nil, nil, err
		}
		normalizeItem(&it)
		switch {
		case it.ID != item.ID:
			return nil, nil, nil, invalid("id", "is immutable")
		case !slices.Equal(it.Dependencies, item.Dependencies):
			return nil, nil, nil, invalid("dependencies", "cannot change while closing %s", ws.ID)
		}
		if err := validateItem(&it); err != nil {
			return nil, nil, nil, err
		}
		it.CreatedAt = item.CreatedAt
		it.UpdatedAt = time.Now().UTC()
		it.Version = item.Version + 1
		nextItem = &it
	}

	if c.Outcome == nil {
		return &next, nextItem, nil, nil
	}
	view := item
	if nextItem != nil {
		view = nextItem
	}
	rec, err := c.Outcome(&next, view)
	if err != nil || rec == nil {
		return &next, nextItem, nil, err
	}
	o := *rec
	o.Tags = slices.Clone(o.Tags)
	o.BlockersEncountered = slices.Clone(o.BlockersEncountered)
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	if o.WorkstreamID != ws.ID {
		return nil, nil, nil, invalid("workstream_id", "outcome names %s while closing %s", o.WorkstreamID, ws.ID)
	}
	if err := validateOutcome(&o); err != nil {
		return nil, nil, nil, err
	}
	return &next, nextItem, &o, nil
}

// prepareWorkstream fills the defaults of a workstream about to start.
func prepareWorkstream(w *Workstream) {
	now := time.Now().UTC()
	if w.Status == "" {
		w.Status = WorkstreamRunning
	}
	if w.StartedAt.IsZero() {
		w.StartedAt = now
	}
	if w.LastActivityAt.IsZero() {
		w.LastActivityAt = w.StartedAt
	}
	w.CompletedAt = nil
	w.Version = 1
}

// fillFromItem copies title and estimate from the backlog item when unset.
func fillFromItem(w *Workstream, item *BacklogItem) {
	if w.Title == "" {
		w.Title = item.Title
	}
	if w.EstimatedEffortHours == 0 {
		w.EstimatedEffortHours = item.EstimatedEffortHours
	}
}
