package recommend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/foreman/internal/complexity"
	"github.com/imkarma/foreman/internal/store"
)

func snap(items ...store.BacklogItem) *store.Snapshot {
	return &store.Snapshot{Items: items}
}

func ready(id string, p store.Priority, hours float64, deps ...string) store.BacklogItem {
	return store.BacklogItem{ID: id, Title: "Task " + id, Priority: p, EstimatedEffortHours: hours, Status: store.ItemReady, Dependencies: deps}
}

func TestRank_ScenarioDependencyGating(t *testing.T) {
	s := snap(
		ready("BL-1", store.PriorityHigh, 4),
		ready("BL-2", store.PriorityMedium, 8, "BL-1"),
	)
	recs := Rank(s, nil, nil, 1)
	require.Len(t, recs, 1)
	assert.Equal(t, "BL-1", recs[0].Item.ID)

	all := Rank(s, nil, nil, 0)
	require.Len(t, all, 1, "BL-2 is excluded, not down-ranked")
	assert.Equal(t, 1, all[0].BlockingCount)
}

func TestRank_Score(t *testing.T) {
	s := snap(
		store.BacklogItem{ID: "BL-001", Title: "Fix login", Priority: store.PriorityHigh, EstimatedEffortHours: 1, Status: store.ItemReady},
		ready("BL-002", store.PriorityMedium, 3, "BL-001"),
		ready("BL-003", store.PriorityLow, 3, "BL-001"),
		ready("BL-004", store.PriorityLow, 10),
	)
	recs := Rank(s, nil, nil, 0)
	require.Len(t, recs, 2)

	top := recs[0]
	assert.Equal(t, "BL-001", top.Item.ID)
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, store.ComplexitySimple, top.Complexity)
	assert.Equal(t, Components{Priority: 1, Blocking: 1, Ease: 1, Goal: 0}, top.Components)
	assert.Equal(t, 90.0, top.Score)
	assert.Equal(t, "Recommended because: high priority, unblocks 2 other items, quick win", top.Rationale)
	assert.Equal(t, 0.75, top.Confidence)

	low := recs[1]
	assert.Equal(t, "BL-004", low.Item.ID)
	assert.Equal(t, store.ComplexityComplex, low.Complexity)
	// 100 * (0.4*0.3 + 0 + 0.2*0.3 + 0)
	assert.InDelta(t, 18.0, low.Score, 1e-9)
}

func TestRank_Deterministic(t *testing.T) {
	var items []store.BacklogItem
	for _, id := range []string{"BL-10", "BL-2", "BL-1", "BL-7"} {
		items = append(items, ready(id, store.PriorityMedium, 3))
	}
	first := Rank(snap(items...), nil, nil, 0)
	for range 5 {
		assert.Equal(t, first, Rank(snap(items...), nil, nil, 0))
	}
	var ids []string
	for _, r := range first {
		ids = append(ids, r.Item.ID)
	}
	assert.Equal(t, []string{"BL-1", "BL-2", "BL-7", "BL-10"}, ids, "equal scores fall back to natural id order")
}

func TestRank_UnmetDependencyNeverSuggested(t *testing.T) {
	blocker := store.BacklogItem{ID: "BL-001", Title: "x", Priority: store.PriorityLow, EstimatedEffortHours: 40, Status: store.ItemInProgress}
	urgent := ready("BL-002", store.PriorityHigh, 1, "BL-001")
	urgent.Tags = []string{"growth"}
	for _, r := range Rank(snap(blocker, urgent), nil, []string{"growth"}, 0) {
		assert.NotEqual(t, "BL-002", r.Item.ID)
	}
}

func TestRank_GoalFit(t *testing.T) {
	a := ready("BL-001", store.PriorityMedium, 3)
	a.Title = "Speed up cold start"
	b := ready("BL-002", store.PriorityMedium, 3)
	b.Tags = []string{"offline"}

	goals := []string{"fast cold start for the mobile app", "offline mode"}
	recs := Rank(snap(a, b), nil, goals, 0)
	require.Len(t, recs, 2)

	byID := map[string]Recommendation{}
	for _, r := range recs {
		byID[r.Item.ID] = r
	}
	// "fast cold start mobile app": cold and start match.
	assert.InDelta(t, 0.4, byID["BL-001"].Components.Goal, 1e-9)
	assert.Equal(t, "offline mode", byID["BL-002"].MatchedGoal)
	assert.InDelta(t, 0.5, byID["BL-002"].Components.Goal, 1e-9)
	assert.Contains(t, byID["BL-002"].Rationale, `advances goal "offline mode"`)
	assert.Equal(t, "BL-002", recs[0].Item.ID)
}

type doubling struct{}

func (doubling) AdjustedEstimate(h float64, _ store.Complexity) float64 { return h * 2 }

func TestRank_UsesAdjustedEstimate(t *testing.T) {
	it := ready("BL-001", store.PriorityMedium, 1.5)
	raw := Rank(snap(it), nil, nil, 0)[0]
	adj := Rank(snap(it), doubling{}, nil, 0)[0]
	assert.Equal(t, store.ComplexitySimple, raw.Complexity)
	assert.Equal(t, store.ComplexityMedium, adj.Complexity)
	assert.Equal(t, 3.0, adj.AdjustedHours)
	assert.Greater(t, raw.Score, adj.Score)
}

func TestConfidence(t *testing.T) {
	it := &store.BacklogItem{Priority: store.PriorityMedium}
	assert.Equal(t, 0.5, confidence(it, store.ComplexityComplex))

	it = &store.BacklogItem{
		Priority:    store.PriorityHigh,
		Description: "Replace the hand-rolled retry loop in the sync client with a bounded exponential backoff and jitter, plus metrics.",
		Tags:        []string{"sync"},
	}
	assert.Equal(t, MaxConfidence, confidence(it, store.ComplexitySimple), "never above the cap")
}

func TestAlternatives(t *testing.T) {
	recs := Rank(snap(
		ready("BL-001", store.PriorityHigh, 1),
		ready("BL-002", store.PriorityMedium, 1),
	), nil, nil, 0)
	alts := Alternatives(recs, 3)
	require.Len(t, alts, 2)
	assert.Equal(t, "BL-001", alts[0].ID)
	assert.Equal(t, recs[0].Score, alts[0].Score)

	_, ok := Find(recs, "BL-002")
	assert.True(t, ok)
	_, ok = Find(recs, "BL-404")
	assert.False(t, ok)
}

type fixedSource struct{ est complexity.Estimator }

func (f fixedSource) Estimator(context.Context) (complexity.Estimator, error) { return f.est, nil }

func TestEngine_Suggest(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.DefaultOptions())
	for _, it := range []store.BacklogItem{
		{Title: "Write onboarding docs", Priority: store.PriorityLow, EstimatedEffortHours: 1},
		{Title: "Fix crash on save", Priority: store.PriorityHigh, EstimatedEffortHours: 1},
	} {
		_, err := s.CreateItem(ctx, it)
		require.NoError(t, err)
	}

	recs, err := New(s, nil, fixedSource{doubling{}}).Suggest(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "BL-002", recs[0].Item.ID)
	assert.Equal(t, 2.0, recs[0].AdjustedHours)
}
