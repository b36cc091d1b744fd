// Package learning records workstream outcomes and turns them into
// estimation metrics, risk patterns and adjusted estimates.
package learning

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"time"

	"github.com/imkarma/foreman/internal/complexity"
	"github.com/imkarma/foreman/internal/store"
)

// Config holds the sample thresholds.
type Config struct {
	// Window is how many recent outcomes feed the metrics.
	Window int
	// MinSamples gates the project-wide patterns and suggestions.
	MinSamples int
	// CategoryMinSamples gates per-complexity adjustments and patterns.
	CategoryMinSamples int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{Window: 20, MinSamples: 5, CategoryMinSamples: 3}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.CategoryMinSamples <= 0 {
		c.CategoryMinSamples = d.CategoryMinSamples
	}
	return c
}

// Adjustment bounds relative to the raw estimate.
const (
	minAdjustment = 0.5
	maxAdjustment = 3.0
)

// Report is what the executor says about a finished workstream.
type Report struct {
	Success bool
	// DurationHours is used only when the workstream has no completion time.
	DurationHours float64
	Notes         []string
	Blockers      []string
}

// Tracker records outcomes and derives metrics from them.
type Tracker struct {
	store store.EntityStore
	cfg   Config
}

// New returns a Tracker backed by s.
func New(s store.EntityStore, cfg Config) *Tracker {
	return &Tracker{store: s, cfg: cfg.withDefaults()}
}

// Record writes the outcome of a terminal workstream.
func (t *Tracker) Record(ctx context.Context, ws *store.Workstream, rep Report) (*store.OutcomeRecord, error) {
	item, err := t.store.GetItem(ctx, ws.BacklogID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	o, err := Outcome(ws, item, rep)
	if err != nil {
		return nil, err
	}
	if err := t.store.RecordOutcome(ctx, *o); err != nil {
		return nil, fmt.Errorf("record outcome for %s: %w", ws.ID, err)
	}
	LogOutcome(o)
	return o, nil
}

// Outcome builds the outcome record of a terminal workstream without
// storing it. The complexity category comes from the item's raw estimate so
// that adjustments do not feed back into the categories they are computed
// from; item may be nil when the backlog entry is gone.
func Outcome(ws *store.Workstream, item *store.BacklogItem, rep Report) (*store.OutcomeRecord, error) {
	if !ws.Status.Terminal() {
		return nil, &store.ValidationError{Field: "status", Reason: fmt.Sprintf("workstream %s is %s, not terminal", ws.ID, ws.Status)}
	}
	o := &store.OutcomeRecord{
		WorkstreamID:         ws.ID,
		BacklogID:            ws.BacklogID,
		Title:                ws.Title,
		EstimatedEffortHours: ws.EstimatedEffortHours,
		ActualDurationHours:  actualHours(ws, rep),
		Success:              rep.Success,
		BlockersEncountered:  slices.Clone(rep.Blockers),
		ComplexityCategory:   complexity.FromHours(ws.EstimatedEffortHours),
		RecordedAt:           time.Now().UTC(),
	}
	if len(rep.Notes) > 0 {
		o.Notes = rep.Notes[len(rep.Notes)-1]
	}
	if item != nil {
		o.Tags = slices.Clone(item.Tags)
		o.ComplexityCategory = complexity.Base(item)
	}
	return o, nil
}

// LogOutcome writes the estimation error of a stored outcome to the log.
func LogOutcome(o *store.OutcomeRecord) {
	log.Printf("[learning] %s: estimated %.1fh, actual %.1fh (%+.0f%%)",
		o.WorkstreamID, o.EstimatedEffortHours, o.ActualDurationHours, o.EstimationError()*100)
}

func actualHours(ws *store.Workstream, rep Report) float64 {
	if ws.CompletedAt != nil {
		return ws.CompletedAt.Sub(ws.StartedAt).Hours()
	}
	return max(rep.DurationHours, 0)
}

// Outcomes returns the most recent outcomes inside the window, oldest first.
func (t *Tracker) Outcomes(ctx context.Context) ([]store.OutcomeRecord, error) {
	out, err := t.store.ListOutcomes(ctx, store.OutcomeFilter{Limit: t.cfg.Window})
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	return out, nil
}

// Metrics computes estimation accuracy over the window.
func (t *Tracker) Metrics(ctx context.Context) (*Metrics, error) {
	outcomes, err := t.Outcomes(ctx)
	if err != nil {
		return nil, err
	}
	return Compute(outcomes, t.cfg), nil
}

// RiskPatterns detects recurring problems in the window.
func (t *Tracker) RiskPatterns(ctx context.Context) ([]RiskPattern, error) {
	outcomes, err := t.Outcomes(ctx)
	if err != nil {
		return nil, err
	}
	return DetectPatterns(outcomes, t.cfg), nil
}

// Suggestions renders improvement hints from the metrics and patterns.
func (t *Tracker) Suggestions(ctx context.Context) ([]string, error) {
	outcomes, err := t.Outcomes(ctx)
	if err != nil {
		return nil, err
	}
	return Suggest(Compute(outcomes, t.cfg), DetectPatterns(outcomes, t.cfg), t.cfg), nil
}

// Estimator returns the current metrics as an estimate adjuster.
func (t *Tracker) Estimator(ctx context.Context) (complexity.Estimator, error) {
	m, err := t.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CategoryMetrics is the accuracy for one complexity tier.
type CategoryMetrics struct {
	Count             int     `json:"count"`
	MeanError         float64 `json:"mean_error"`
	MedianError       float64 `json:"median_error"`
	UnderestimateRate float64 `json:"underestimate_rate"`
	OverestimateRate  float64 `json:"overestimate_rate"`
}

// Metrics summarises estimation errors, (actual-estimated)/estimated, as
// fractions. Positive errors mean work ran long.
type Metrics struct {
	Samples           int                                  `json:"samples"`
	MeanError         float64                              `json:"mean_error"`
	MedianError       float64                              `json:"median_error"`
	StdError          float64                              `json:"std_error"`
	UnderestimateRate float64                              `json:"underestimate_rate"`
	OverestimateRate  float64                              `json:"overestimate_rate"`
	ByComplexity      map[store.Complexity]CategoryMetrics `json:"by_complexity"`

	categoryMinSamples int
}

// Compute derives metrics from outcomes. It is pure.
func Compute(outcomes []store.OutcomeRecord, cfg Config) *Metrics {
	cfg = cfg.withDefaults()
	m := &Metrics{
		ByComplexity:       make(map[store.Complexity]CategoryMetrics),
		categoryMinSamples: cfg.CategoryMinSamples,
	}
	if len(outcomes) == 0 {
		return m
	}

	errs := make([]float64, len(outcomes))
	byTier := make(map[store.Complexity][]float64)
	for i := range outcomes {
		e := outcomes[i].EstimationError()
		errs[i] = e
		byTier[outcomes[i].ComplexityCategory] = append(byTier[outcomes[i].ComplexityCategory], e)
	}

	m.Samples = len(errs)
	m.MeanError = mean(errs)
	m.MedianError = median(errs)
	m.StdError = stddev(errs)
	m.UnderestimateRate = fraction(errs, func(e float64) bool { return e > 0 })
	m.OverestimateRate = fraction(errs, func(e float64) bool { return e < 0 })

	for _, c := range store.Complexities {
		tier := byTier[c]
		if len(tier) == 0 {
			continue
		}
		m.ByComplexity[c] = CategoryMetrics{
			Count:             len(tier),
			MeanError:         mean(tier),
			MedianError:       median(tier),
			UnderestimateRate: fraction(tier, func(e float64) bool { return e > 0 }),
			OverestimateRate:  fraction(tier, func(e float64) bool { return e < 0 }),
		}
	}
	return m
}

// AdjustedEstimate scales hours by the tier's mean error once the tier has
// enough samples, clamped to between half and three times the raw value.
func (m *Metrics) AdjustedEstimate(hours float64, c store.Complexity) float64 {
	cm, ok := m.ByComplexity[c]
	if !ok || cm.Count < m.categoryMinSamples {
		return hours
	}
	adjusted := hours * (1 + cm.MeanError)
	return min(max(adjusted, hours*minAdjustment), hours*maxAdjustment)
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// stddev is the sample standard deviation; zero for fewer than two values.
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - mu) * (x - mu)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func fraction(xs []float64, pred func(float64) bool) float64 {
	var n int
	for _, x := range xs {
		if pred(x) {
			n++
		}
	}
	return float64(n) / float64(len(xs))
}

// Severity grades a risk pattern.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RiskPattern is a recurring problem seen in recent outcomes.
type RiskPattern struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"` // estimation, blocker, failure
	Description    string   `json:"description"`
	Occurrences    int      `json:"occurrences"`
	Severity       Severity `json:"severity"`
	Recommendation string   `json:"recommendation"`
	Examples       []string `json:"examples,omitempty"`
}

// Pattern thresholds.
const (
	chronicUnderRate      = 0.5
	blockerLookback       = 10
	blockersPerTag        = 3
	failureRate           = 0.2
	minFailures           = 3
	tierOverrunError      = 0.3
	tierOverrunShare      = 0.6
	maxPatternExampleSize = 3
)

// DetectPatterns applies the fixed pattern rules to outcomes (oldest
// first). It is pure.
func DetectPatterns(outcomes []store.OutcomeRecord, cfg Config) []RiskPattern {
	cfg = cfg.withDefaults()
	var out []RiskPattern

	if len(outcomes) >= cfg.MinSamples {
		var under []store.OutcomeRecord
		for _, o := range outcomes {
			if o.EstimationError() > 0 {
				under = append(under, o)
			}
		}
		rate := float64(len(under)) / float64(len(outcomes))
		if rate > chronicUnderRate {
			out = append(out, RiskPattern{
				ID:             "chronic_underestimation",
				Kind:           "estimation",
				Description:    fmt.Sprintf("Chronic underestimation: %.0f%% of work takes longer than estimated", rate*100),
				Occurrences:    len(under),
				Severity:       SeverityHigh,
				Recommendation: "Increase estimates by 30-50% or revisit how complexity is assessed",
				Examples:       examples(under),
			})
		}
	}

	out = append(out, blockerPatterns(outcomes)...)

	var failed []store.OutcomeRecord
	for _, o := range outcomes {
		if !o.Success {
			failed = append(failed, o)
		}
	}
	if len(failed) >= minFailures {
		rate := float64(len(failed)) / float64(len(outcomes))
		if rate > failureRate {
			out = append(out, RiskPattern{
				ID:             "high_failure_rate",
				Kind:           "failure",
				Description:    fmt.Sprintf("High failure rate: %.0f%% of workstreams fail", rate*100),
				Occurrences:    len(failed),
				Severity:       SeverityHigh,
				Recommendation: "Review the quality bar, tighten scoping or give agents more context",
				Examples:       examples(failed),
			})
		}
	}

	for _, c := range store.Complexities {
		var tier, over []store.OutcomeRecord
		for _, o := range outcomes {
			if o.ComplexityCategory != c {
				continue
			}
			tier = append(tier, o)
			if o.EstimationError() > tierOverrunError {
				over = append(over, o)
			}
		}
		if len(tier) < cfg.CategoryMinSamples {
			continue
		}
		if float64(len(over))/float64(len(tier)) > tierOverrunShare {
			out = append(out, RiskPattern{
				ID:             string(c) + "_underestimation",
				Kind:           "estimation",
				Description:    fmt.Sprintf("%s tasks consistently run over estimate", c),
				Occurrences:    len(over),
				Severity:       SeverityMedium,
				Recommendation: fmt.Sprintf("Increase estimates for %s tasks by 40-60%%", c),
				Examples:       examples(over),
			})
		}
	}
	return out
}

// blockerPatterns flags tags that collected at least three blockers in the
// last ten outcomes.
func blockerPatterns(outcomes []store.OutcomeRecord) []RiskPattern {
	recent := outcomes[max(len(outcomes)-blockerLookback, 0):]

	counts := make(map[string]int)
	seen := make(map[string][]string)
	for _, o := range recent {
		if len(o.BlockersEncountered) == 0 {
			continue
		}
		for _, tag := range o.Tags {
			counts[tag] += len(o.BlockersEncountered)
			seen[tag] = append(seen[tag], o.WorkstreamID)
		}
	}

	tags := make([]string, 0, len(counts))
	for tag, n := range counts {
		if n >= blockersPerTag {
			tags = append(tags, tag)
		}
	}
	slices.SortFunc(tags, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	var out []RiskPattern
	for _, tag := range tags {
		ex := seen[tag]
		out = append(out, RiskPattern{
			ID:             "frequent_blockers_" + tag,
			Kind:           "blocker",
			Description:    fmt.Sprintf("Frequent blockers on %q work: %d in the last %d outcomes", tag, counts[tag], len(recent)),
			Occurrences:    counts[tag],
			Severity:       SeverityMedium,
			Recommendation: "Resolve dependencies and unknowns before delegating " + tag + " work",
			Examples:       ex[:min(len(ex), maxPatternExampleSize)],
		})
	}
	return out
}

func examples(outcomes []store.OutcomeRecord) []string {
	var ids []string
	for _, o := range outcomes[:min(len(outcomes), maxPatternExampleSize)] {
		ids = append(ids, o.WorkstreamID)
	}
	return ids
}

// Suggestion thresholds.
const (
	notableMeanError = 0.10
	notableStdError  = 0.50
)

// Suggest turns metrics and patterns into human-readable hints.
func Suggest(m *Metrics, patterns []RiskPattern, cfg Config) []string {
	cfg = cfg.withDefaults()
	var out []string
	if m.Samples >= cfg.MinSamples {
		switch {
		case m.MeanError > notableMeanError:
			out = append(out, fmt.Sprintf("Estimates run %.0f%% low; consider padding or decomposing further.", m.MeanError*100))
		case m.MeanError < -notableMeanError:
			out = append(out, fmt.Sprintf("Estimates run %.0f%% high; work is finishing faster than planned.", -m.MeanError*100))
		}
		if m.StdError > notableStdError {
			out = append(out, "Estimation accuracy varies widely; split large items so estimates are easier to get right.")
		}
	}
	for _, p := range patterns {
		if p.Severity == SeverityHigh {
			out = append(out, p.Description+". "+p.Recommendation+".")
		}
	}
	if len(out) == 0 && m.Samples >= cfg.MinSamples {
		out = append(out, "Estimation accuracy is good; keep the current approach.")
	}
	return out
}
