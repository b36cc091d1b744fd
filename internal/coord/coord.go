// Package coord analyses running and ready work: cross-workstream
// dependencies, tag conflicts, stalls, blockers and a suggested execution
// order. Everything here is a pure function of a store snapshot.
package coord

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/imkarma/foreman/internal/capacity"
	"github.com/imkarma/foreman/internal/store"
)

// DefaultStallThreshold is how long a RUNNING workstream may go without
// progress before it counts as stalled.
const DefaultStallThreshold = 30 * time.Minute

// Dependency is an edge from an active workstream to an unfinished backlog
// item its own item depends on.
type Dependency struct {
	WorkstreamID string           `json:"workstream_id"`
	BacklogID    string           `json:"backlog_id"`
	DependsOn    string           `json:"depends_on"`
	Status       store.ItemStatus `json:"status"`
}

// Conflict is a pair of active workstreams whose items share tags.
type Conflict struct {
	First      string   `json:"first"`
	Second     string   `json:"second"`
	SharedTags []string `json:"shared_tags"`
	Severity   int      `json:"severity"`
}

// Stall is a workstream that has gone quiet for longer than the threshold.
type Stall struct {
	WorkstreamID string        `json:"workstream_id"`
	BacklogID    string        `json:"backlog_id"`
	Title        string        `json:"title"`
	Idle         time.Duration `json:"idle"`
	Threshold    time.Duration `json:"threshold"`
}

// Blocker is an active workstream whose item still has unfinished
// dependencies.
type Blocker struct {
	WorkstreamID string   `json:"workstream_id"`
	BacklogID    string   `json:"backlog_id"`
	Unmet        []string `json:"unmet"`
}

// Analysis is the result of one coordination pass.
type Analysis struct {
	Active         []store.Workstream `json:"active"`
	Dependencies   []Dependency       `json:"dependencies"`
	Conflicts      []Conflict         `json:"conflicts"`
	Stalled        []Stall            `json:"stalled"`
	Blockers       []Blocker          `json:"blockers"`
	ExecutionOrder []string           `json:"execution_order"`
	CapacityStatus string             `json:"capacity_status"`
	AnalyzedAt     time.Time          `json:"analyzed_at"`
}

// HasIssues reports whether anything needs a human's attention.
func (a *Analysis) HasIssues() bool {
	return len(a.Conflicts) > 0 || len(a.Stalled) > 0 || len(a.Blockers) > 0
}

// Analyzer holds the thresholds for an analysis. It has no mutable state
// and is safe for concurrent use.
type Analyzer struct {
	stallThreshold time.Duration
	capacity       int
}

// New returns an Analyzer. Non-positive values fall back to the defaults.
func New(stallThreshold time.Duration, max int) *Analyzer {
	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}
	if max <= 0 {
		max = store.DefaultOptions().Capacity
	}
	return &Analyzer{stallThreshold: stallThreshold, capacity: max}
}

// StallThreshold returns the configured threshold.
func (a *Analyzer) StallThreshold() time.Duration { return a.stallThreshold }

// Analyze runs every check against snap as of now.
func (a *Analyzer) Analyze(snap *store.Snapshot, now time.Time) *Analysis {
	items := index(snap.Items)
	active := snap.Running()
	return &Analysis{
		Active:         active,
		Dependencies:   dependencies(active, items),
		Conflicts:      DetectConflicts(active, snap.Items),
		Stalled:        DetectStalls(snap.Workstreams, now, a.stallThreshold),
		Blockers:       blockers(active, items),
		ExecutionOrder: ExecutionOrder(snap.Items),
		CapacityStatus: capacity.Format(len(active), a.capacity),
		AnalyzedAt:     now,
	}
}

func index(items []store.BacklogItem) map[string]*store.BacklogItem {
	m := make(map[string]*store.BacklogItem, len(items))
	for i := range items {
		m[items[i].ID] = &items[i]
	}
	return m
}

func dependencies(active []store.Workstream, items map[string]*store.BacklogItem) []Dependency {
	var out []Dependency
	for _, ws := range active {
		it, ok := items[ws.BacklogID]
		if !ok {
			continue
		}
		for _, dep := range it.Dependencies {
			d, ok := items[dep]
			if !ok {
				continue
			}
			if d.Status == store.ItemReady || d.Status == store.ItemInProgress {
				out = append(out, Dependency{
					WorkstreamID: ws.ID,
					BacklogID:    ws.BacklogID,
					DependsOn:    dep,
					Status:       d.Status,
				})
			}
		}
	}
	return out
}

// DetectConflicts pairs active workstreams whose items share at least one
// tag. Severity is the number of shared tags.
func DetectConflicts(active []store.Workstream, all []store.BacklogItem) []Conflict {
	items := index(all)
	sorted := slices.Clone(active)
	slices.SortFunc(sorted, func(x, y store.Workstream) int { return store.CompareIDs(x.ID, y.ID) })

	var out []Conflict
	for i := range sorted {
		a, ok := items[sorted[i].BacklogID]
		if !ok {
			continue
		}
		for j := i + 1; j < len(sorted); j++ {
			b, ok := items[sorted[j].BacklogID]
			if !ok {
				continue
			}
			shared := sharedTags(a.Tags, b.Tags)
			if len(shared) == 0 {
				continue
			}
			out = append(out, Conflict{
				First:      sorted[i].ID,
				Second:     sorted[j].ID,
				SharedTags: shared,
				Severity:   len(shared),
			})
		}
	}
	return out
}

func sharedTags(a, b []string) []string {
	var out []string
	for _, t := range a {
		if slices.Contains(b, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// DetectStalls returns RUNNING workstreams idle for strictly longer than
// threshold, in id order.
func DetectStalls(workstreams []store.Workstream, now time.Time, threshold time.Duration) []Stall {
	var out []Stall
	for _, ws := range workstreams {
		if ws.Status != store.WorkstreamRunning {
			continue
		}
		idle := now.Sub(ws.LastActivityAt)
		if idle > threshold {
			out = append(out, Stall{
				WorkstreamID: ws.ID,
				BacklogID:    ws.BacklogID,
				Title:        ws.Title,
				Idle:         idle,
				Threshold:    threshold,
			})
		}
	}
	slices.SortFunc(out, func(x, y Stall) int { return store.CompareIDs(x.WorkstreamID, y.WorkstreamID) })
	return out
}

func blockers(active []store.Workstream, items map[string]*store.BacklogItem) []Blocker {
	var out []Blocker
	for _, ws := range active {
		it, ok := items[ws.BacklogID]
		if !ok {
			continue
		}
		var unmet []string
		for _, dep := range it.Dependencies {
			if d, ok := items[dep]; !ok || d.Status != store.ItemDone {
				unmet = append(unmet, dep)
			}
		}
		if len(unmet) > 0 {
			out = append(out, Blocker{WorkstreamID: ws.ID, BacklogID: ws.BacklogID, Unmet: unmet})
		}
	}
	return out
}

// ExecutionOrder topologically sorts the READY items with Kahn's algorithm.
// Among items whose READY dependencies are all placed, those with no
// dependency outside the READY set left unfinished come first, then higher
// priority, then lower id. Items caught in a cycle are left out.
func ExecutionOrder(all []store.BacklogItem) []string {
	items := index(all)

	ready := make(map[string]*store.BacklogItem)
	for i := range all {
		if all[i].Status == store.ItemReady {
			ready[all[i].ID] = &all[i]
		}
	}

	indegree := make(map[string]int, len(ready))
	dependents := make(map[string][]string)
	waiting := make(map[string]bool)
	for id, it := range ready {
		indegree[id] = 0
		for _, dep := range it.Dependencies {
			if _, ok := ready[dep]; ok {
				indegree[id]++
				dependents[dep] = append(dependents[dep], id)
				continue
			}
			if d, ok := items[dep]; !ok || d.Status != store.ItemDone {
				waiting[id] = true
			}
		}
	}

	less := func(x, y string) int {
		if waiting[x] != waiting[y] {
			if waiting[x] {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(ready[x].Priority.Rank(), ready[y].Priority.Rank()); c != 0 {
			return c
		}
		return store.CompareIDs(x, y)
	}

	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(ready))
	for len(queue) > 0 {
		slices.SortFunc(queue, less)
		next := queue[0]
		queue = queue[1:]
		order = append(order, next)
		for _, child := range dependents[next] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	return order
}

// Position returns the 1-based position of id in order, or 0.
func Position(order []string, id string) int {
	return slices.Index(order, id) + 1
}

// Summary renders a one-line overview such as
// "3/5 active, 1 stalled, 2 conflicts, 0 blocked".
func (a *Analysis) Summary() string {
	return fmt.Sprintf("%s active, %d stalled, %d conflicts, %d blocked",
		a.CapacityStatus, len(a.Stalled), len(a.Conflicts), len(a.Blockers))
}
