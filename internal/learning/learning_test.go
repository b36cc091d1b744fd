package learning

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/foreman/internal/store"
)

func outcome(i int, est, actual float64, c store.Complexity) store.OutcomeRecord {
	return store.OutcomeRecord{
		WorkstreamID:         fmt.Sprintf("ws-%03d", i),
		BacklogID:            fmt.Sprintf("BL-%03d", i),
		EstimatedEffortHours: est,
		ActualDurationHours:  actual,
		Success:              true,
		ComplexityCategory:   c,
	}
}

// Ten outcomes running 15% over on average.
func scenarioD() []store.OutcomeRecord {
	var out []store.OutcomeRecord
	for i := range 8 {
		out = append(out, outcome(i+1, 10, 12, store.ComplexityComplex))
	}
	out = append(out, outcome(9, 10, 9.5, store.ComplexityComplex), outcome(10, 10, 9.5, store.ComplexityComplex))
	return out
}

func TestCompute_Scenario(t *testing.T) {
	m := Compute(scenarioD(), DefaultConfig())
	assert.Equal(t, 10, m.Samples)
	assert.InDelta(t, 0.15, m.MeanError, 1e-9)
	assert.InDelta(t, 0.2, m.MedianError, 1e-9)
	assert.InDelta(t, 0.8, m.UnderestimateRate, 1e-9)
	assert.InDelta(t, 0.2, m.OverestimateRate, 1e-9)
	assert.Greater(t, m.StdError, 0.0)
	require.Contains(t, m.ByComplexity, store.ComplexityComplex)
	tier := m.ByComplexity[store.ComplexityComplex]
	assert.Equal(t, 10, tier.Count)
	assert.InDelta(t, 0.8, tier.UnderestimateRate, 1e-9)
	assert.InDelta(t, 0.2, tier.OverestimateRate, 1e-9)

	patterns := DetectPatterns(scenarioD(), DefaultConfig())
	require.NotEmpty(t, patterns)
	assert.Equal(t, "chronic_underestimation", patterns[0].ID)
	assert.Equal(t, SeverityHigh, patterns[0].Severity)
	assert.Equal(t, 8, patterns[0].Occurrences)
	assert.Len(t, patterns[0].Examples, 3)
}

func TestCompute_TierRates(t *testing.T) {
	outcomes := []store.OutcomeRecord{
		outcome(1, 1, 0.5, store.ComplexitySimple),
		outcome(2, 1, 0.5, store.ComplexitySimple),
		outcome(3, 1, 2, store.ComplexitySimple),
		outcome(4, 4, 4, store.ComplexityMedium),
	}
	m := Compute(outcomes, DefaultConfig())
	assert.InDelta(t, 0.5, m.OverestimateRate, 1e-9)
	assert.InDelta(t, 0.25, m.UnderestimateRate, 1e-9)

	simple := m.ByComplexity[store.ComplexitySimple]
	assert.InDelta(t, 2.0/3, simple.OverestimateRate, 1e-9)
	assert.InDelta(t, 1.0/3, simple.UnderestimateRate, 1e-9)

	// Exact estimates count as neither.
	medium := m.ByComplexity[store.ComplexityMedium]
	assert.Zero(t, medium.OverestimateRate)
	assert.Zero(t, medium.UnderestimateRate)
	assert.NotContains(t, m.ByComplexity, store.ComplexityComplex)
}

func TestCompute_Empty(t *testing.T) {
	m := Compute(nil, DefaultConfig())
	assert.Zero(t, m.Samples)
	assert.Empty(t, m.ByComplexity)
	assert.Equal(t, 4.0, m.AdjustedEstimate(4, store.ComplexityMedium))
}

func TestChronicUnderestimation_NeedsFiveSamples(t *testing.T) {
	var four []store.OutcomeRecord
	for i := range 4 {
		four = append(four, outcome(i, 1, 2, store.ComplexitySimple))
	}
	for _, p := range DetectPatterns(four, DefaultConfig()) {
		assert.NotEqual(t, "chronic_underestimation", p.ID)
	}
}

func TestAdjustedEstimate(t *testing.T) {
	simple := []store.OutcomeRecord{
		outcome(1, 1, 1.5, store.ComplexitySimple),
		outcome(2, 1, 1.5, store.ComplexitySimple),
	}
	m := Compute(simple, DefaultConfig())
	assert.Equal(t, 1.0, m.AdjustedEstimate(1, store.ComplexitySimple), "two samples are not enough")

	simple = append(simple, outcome(3, 1, 1.5, store.ComplexitySimple))
	m = Compute(simple, DefaultConfig())
	assert.InDelta(t, 1.5, m.AdjustedEstimate(1, store.ComplexitySimple), 1e-9)
	assert.Equal(t, 4.0, m.AdjustedEstimate(4, store.ComplexityMedium), "other tiers untouched")

	var wild []store.OutcomeRecord
	for i := range 3 {
		wild = append(wild, outcome(i, 1, 10, store.ComplexityMedium))
	}
	assert.Equal(t, 9.0, Compute(wild, DefaultConfig()).AdjustedEstimate(3, store.ComplexityMedium), "clamped to 3x")

	var quick []store.OutcomeRecord
	for i := range 3 {
		quick = append(quick, outcome(i, 10, 1, store.ComplexityMedium))
	}
	assert.Equal(t, 2.0, Compute(quick, DefaultConfig()).AdjustedEstimate(4, store.ComplexityMedium), "clamped to 0.5x")
}

func TestDetectPatterns_FrequentBlockers(t *testing.T) {
	var outcomes []store.OutcomeRecord
	for i := range 12 {
		o := outcome(i, 2, 2, store.ComplexityMedium)
		o.Tags = []string{"payments"}
		outcomes = append(outcomes, o)
	}
	// Two blockers fall outside the last ten.
	outcomes[0].BlockersEncountered = []string{"api key missing"}
	outcomes[1].BlockersEncountered = []string{"flaky sandbox"}
	outcomes[5].BlockersEncountered = []string{"waiting on review"}
	outcomes[9].BlockersEncountered = []string{"schema unclear"}

	for _, p := range DetectPatterns(outcomes, DefaultConfig()) {
		assert.NotEqual(t, "blocker", p.Kind)
	}

	outcomes[11].BlockersEncountered = []string{"rate limited"}
	var found *RiskPattern
	for _, p := range DetectPatterns(outcomes, DefaultConfig()) {
		if p.Kind == "blocker" {
			found = &p
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "frequent_blockers_payments", found.ID)
	assert.Equal(t, 3, found.Occurrences)
	assert.Equal(t, []string{"ws-005", "ws-009", "ws-011"}, found.Examples)
}

func TestDetectPatterns_FailuresAndTiers(t *testing.T) {
	var outcomes []store.OutcomeRecord
	for i := range 10 {
		outcomes = append(outcomes, outcome(i, 2, 2, store.ComplexityMedium))
	}
	for i := range 3 {
		outcomes[i].Success = false
	}
	for i := range 4 {
		outcomes[i].ActualDurationHours = 3
		outcomes[i].ComplexityCategory = store.ComplexitySimple
	}

	ids := map[string]bool{}
	for _, p := range DetectPatterns(outcomes, DefaultConfig()) {
		ids[p.ID] = true
	}
	assert.True(t, ids["high_failure_rate"])
	assert.True(t, ids["SIMPLE_underestimation"])
	assert.False(t, ids["MEDIUM_underestimation"])
	assert.False(t, ids["chronic_underestimation"])
}

func TestSuggest(t *testing.T) {
	cfg := DefaultConfig()
	got := Suggest(Compute(scenarioD(), cfg), DetectPatterns(scenarioD(), cfg), cfg)
	require.NotEmpty(t, got)
	assert.Equal(t, "Estimates run 15% low; consider padding or decomposing further.", got[0])
	assert.Contains(t, got[1], "Chronic underestimation")

	var accurate []store.OutcomeRecord
	for i := range 5 {
		accurate = append(accurate, outcome(i, 2, 2, store.ComplexityMedium))
	}
	got = Suggest(Compute(accurate, cfg), nil, cfg)
	assert.Equal(t, []string{"Estimation accuracy is good; keep the current approach."}, got)

	assert.Empty(t, Suggest(Compute(accurate[:2], cfg), nil, cfg))
}

func completed(t *testing.T, s store.EntityStore, hours float64, tags ...string) *store.Workstream {
	t.Helper()
	ctx := context.Background()
	it, err := s.CreateItem(ctx, store.BacklogItem{Title: "Add export", EstimatedEffortHours: 4, Tags: tags})
	require.NoError(t, err)

	start := time.Now().UTC().Add(-time.Duration(hours * float64(time.Hour)))
	ws, err := s.StartWorkstream(ctx, store.Workstream{BacklogID: it.ID, StartedAt: start})
	require.NoError(t, err)

	ws, err = s.UpdateWorkstream(ctx, ws.ID, func(w *store.Workstream) error {
		end := start.Add(time.Duration(hours * float64(time.Hour)))
		w.Status = store.WorkstreamCompleted
		w.CompletedAt = &end
		return nil
	})
	require.NoError(t, err)
	return ws
}

func TestTracker_Record(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.DefaultOptions())
	tr := New(s, Config{})

	ws := completed(t, s, 5, "export")
	o, err := tr.Record(ctx, ws, Report{Success: true, Notes: []string{"started", "done"}, Blockers: []string{"missing fixture"}})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, o.ActualDurationHours, 1e-6)
	assert.Equal(t, 4.0, o.EstimatedEffortHours)
	assert.Equal(t, store.ComplexityMedium, o.ComplexityCategory)
	assert.Equal(t, []string{"export"}, o.Tags)
	assert.Equal(t, "done", o.Notes)

	_, err = tr.Record(ctx, ws, Report{Success: true})
	assert.True(t, errors.Is(err, store.ErrValidation), "second outcome for one workstream is rejected")

	m, err := tr.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Samples)
	assert.InDelta(t, 0.25, m.MeanError, 1e-6)
}

func TestOutcome_WithoutItem(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)
	ws := &store.Workstream{
		ID: "ws-007", BacklogID: "BL-007", Title: "Drop cache",
		Status: store.WorkstreamFailed, StartedAt: start, CompletedAt: &end,
		EstimatedEffortHours: 1,
	}
	o, err := Outcome(ws, nil, Report{Blockers: []string{"no access"}})
	require.NoError(t, err)
	assert.Equal(t, store.ComplexitySimple, o.ComplexityCategory, "falls back to the workstream estimate")
	assert.InDelta(t, 1.5, o.ActualDurationHours, 1e-9)
	assert.False(t, o.Success)
	assert.Empty(t, o.Tags)
	assert.Equal(t, []string{"no access"}, o.BlockersEncountered)
}

func TestTracker_RejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.DefaultOptions())
	it, err := s.CreateItem(ctx, store.BacklogItem{Title: "x", EstimatedEffortHours: 1})
	require.NoError(t, err)
	ws, err := s.StartWorkstream(ctx, store.Workstream{BacklogID: it.ID})
	require.NoError(t, err)

	_, err = New(s, Config{}).Record(ctx, ws, Report{Success: true})
	var ve *store.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)
}

func TestTracker_EstimatorUsesWindow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.DefaultOptions())
	for i := range 3 {
		o := outcome(i, 1, 3, store.ComplexitySimple)
		require.NoError(t, s.RecordOutcome(ctx, o))
	}
	for i := 3; i < 6; i++ {
		o := outcome(i, 1, 1, store.ComplexitySimple)
		require.NoError(t, s.RecordOutcome(ctx, o))
	}

	est, err := New(s, Config{Window: 3}).Estimator(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, est.AdjustedEstimate(2, store.ComplexitySimple), "old overruns fall out of the window")

	est, err = New(s, Config{Window: 6}).Estimator(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, est.AdjustedEstimate(2, store.ComplexitySimple), 1e-9)
}
