package coord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/foreman/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func item(id string, p store.Priority, status store.ItemStatus, deps ...string) store.BacklogItem {
	return store.BacklogItem{
		ID:                   id,
		Title:                "item " + id,
		Priority:             p,
		Status:               status,
		EstimatedEffortHours: 2,
		Dependencies:         deps,
	}
}

func running(id, backlogID string, idle time.Duration) store.Workstream {
	return store.Workstream{
		ID:             id,
		BacklogID:      backlogID,
		Status:         store.WorkstreamRunning,
		StartedAt:      now.Add(-time.Hour),
		LastActivityAt: now.Add(-idle),
	}
}

func TestDetectStalls_Boundary(t *testing.T) {
	threshold := 30 * time.Minute
	ws := []store.Workstream{
		running("ws-001", "BL-001", threshold),
		running("ws-002", "BL-002", threshold+time.Microsecond),
	}
	stalls := DetectStalls(ws, now, threshold)
	require.Len(t, stalls, 1)
	assert.Equal(t, "ws-002", stalls[0].WorkstreamID)
	assert.Equal(t, threshold+time.Microsecond, stalls[0].Idle)
}

func TestDetectStalls_Scenario(t *testing.T) {
	ws := running("ws-1", "BL-1", 45*time.Minute)
	paused := running("ws-2", "BL-2", 2*time.Hour)
	paused.Status = store.WorkstreamPaused

	stalls := DetectStalls([]store.Workstream{ws, paused}, now, DefaultStallThreshold)
	require.Len(t, stalls, 1, "paused workstreams are not stalls")
	assert.Equal(t, "ws-1", stalls[0].WorkstreamID)
}

func TestDetectConflicts(t *testing.T) {
	items := []store.BacklogItem{
		{ID: "BL-001", Tags: []string{"api", "auth", "db"}},
		{ID: "BL-002", Tags: []string{"auth", "db"}},
		{ID: "BL-003", Tags: []string{"docs"}},
	}
	active := []store.Workstream{
		running("ws-003", "BL-003", 0),
		running("ws-002", "BL-002", 0),
		running("ws-001", "BL-001", 0),
	}
	conflicts := DetectConflicts(active, items)
	require.Len(t, conflicts, 1)
	assert.Equal(t, Conflict{First: "ws-001", Second: "ws-002", SharedTags: []string{"auth", "db"}, Severity: 2}, conflicts[0])
}

func TestExecutionOrder_RespectsDependencies(t *testing.T) {
	items := []store.BacklogItem{
		item("BL-001", store.PriorityLow, store.ItemReady),
		item("BL-002", store.PriorityHigh, store.ItemReady, "BL-001"),
		item("BL-003", store.PriorityMedium, store.ItemReady),
		item("BL-004", store.PriorityHigh, store.ItemReady, "BL-002", "BL-003"),
		item("BL-005", store.PriorityHigh, store.ItemDone),
		item("BL-006", store.PriorityLow, store.ItemReady, "BL-005"),
	}
	order := ExecutionOrder(items)
	require.Len(t, order, 5, "only READY items are ordered")

	pos := func(id string) int { return Position(order, id) }
	for _, it := range items {
		if it.Status != store.ItemReady {
			assert.Zero(t, pos(it.ID))
			continue
		}
		for _, dep := range it.Dependencies {
			if p := pos(dep); p > 0 {
				assert.Less(t, p, pos(it.ID), "%s must come after %s", it.ID, dep)
			}
		}
	}
	assert.Equal(t, []string{"BL-003", "BL-001", "BL-002", "BL-004", "BL-006"}, order)
}

func TestExecutionOrder_WaitingItemsLast(t *testing.T) {
	items := []store.BacklogItem{
		item("BL-001", store.PriorityHigh, store.ItemInProgress),
		item("BL-002", store.PriorityHigh, store.ItemReady, "BL-001"),
		item("BL-003", store.PriorityLow, store.ItemReady),
	}
	assert.Equal(t, []string{"BL-003", "BL-002"}, ExecutionOrder(items))
}

func TestExecutionOrder_NaturalIDTieBreak(t *testing.T) {
	items := []store.BacklogItem{
		item("BL-10", store.PriorityMedium, store.ItemReady),
		item("BL-2", store.PriorityMedium, store.ItemReady),
		item("BL-1", store.PriorityMedium, store.ItemReady),
	}
	assert.Equal(t, []string{"BL-1", "BL-2", "BL-10"}, ExecutionOrder(items))
}

func TestAnalyze(t *testing.T) {
	snap := &store.Snapshot{
		Items: []store.BacklogItem{
			item("BL-001", store.PriorityHigh, store.ItemInProgress),
			item("BL-002", store.PriorityMedium, store.ItemInProgress, "BL-001"),
			item("BL-003", store.PriorityMedium, store.ItemReady),
			item("BL-004", store.PriorityMedium, store.ItemInProgress),
		},
		Workstreams: []store.Workstream{
			running("ws-001", "BL-001", 5*time.Minute),
			running("ws-002", "BL-002", 45*time.Minute),
			{ID: "ws-003", BacklogID: "BL-004", Status: store.WorkstreamPaused, LastActivityAt: now.Add(-3 * time.Hour)},
		},
	}
	snap.Items[0].Tags = []string{"api"}
	snap.Items[1].Tags = []string{"api"}

	a := New(0, 5).Analyze(snap, now)

	assert.Len(t, a.Active, 2)
	assert.Equal(t, "2/5", a.CapacityStatus)
	assert.Equal(t, []Dependency{{WorkstreamID: "ws-002", BacklogID: "BL-002", DependsOn: "BL-001", Status: store.ItemInProgress}}, a.Dependencies)
	assert.Equal(t, []Blocker{{WorkstreamID: "ws-002", BacklogID: "BL-002", Unmet: []string{"BL-001"}}}, a.Blockers)
	require.Len(t, a.Conflicts, 1)
	assert.Equal(t, 1, a.Conflicts[0].Severity)
	require.Len(t, a.Stalled, 1)
	assert.Equal(t, "ws-002", a.Stalled[0].WorkstreamID)
	assert.Equal(t, []string{"BL-003"}, a.ExecutionOrder)
	assert.True(t, a.HasIssues())
	assert.Equal(t, "2/5 active, 1 stalled, 1 conflicts, 1 blocked", a.Summary())
}

func TestAnalyze_Empty(t *testing.T) {
	a := New(time.Minute, 3).Analyze(&store.Snapshot{}, now)
	assert.Equal(t, "0/3", a.CapacityStatus)
	assert.False(t, a.HasIssues())
	assert.Empty(t, a.ExecutionOrder)
}
