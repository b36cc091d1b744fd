// Package recommend ranks ready backlog items with a transparent weighted
// score: priority 40%, unblocking impact 30%, ease 20% and goal fit 10%.
package recommend

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/imkarma/foreman/internal/complexity"
	"github.com/imkarma/foreman/internal/store"
)

// Component weights; they sum to 1.
const (
	WeightPriority = 0.4
	WeightBlocking = 0.3
	WeightEase     = 0.2
	WeightGoal     = 0.1
)

// MaxConfidence caps every confidence; a heuristic is never certain.
const MaxConfidence = 0.95

// Components are the normalised [0,1] inputs to a score.
type Components struct {
	Priority float64 `json:"priority"`
	Blocking float64 `json:"blocking"`
	Ease     float64 `json:"ease"`
	Goal     float64 `json:"goal"`
}

// Recommendation is a ranked, explained candidate.
type Recommendation struct {
	Item          store.BacklogItem `json:"item"`
	Rank          int               `json:"rank"`
	Score         float64           `json:"score"`
	Confidence    float64           `json:"confidence"`
	Rationale     string            `json:"rationale"`
	Complexity    store.Complexity  `json:"complexity"`
	AdjustedHours float64           `json:"adjusted_hours"`
	BlockingCount int               `json:"blocking_count"`
	MatchedGoal   string            `json:"matched_goal,omitempty"`
	Components    Components        `json:"components"`
}

// EstimatorSource supplies the learning-adjusted estimator.
type EstimatorSource interface {
	Estimator(ctx context.Context) (complexity.Estimator, error)
}

// Engine produces recommendations from the store.
type Engine struct {
	store     store.EntityStore
	goals     []string
	estimates EstimatorSource
}

// New returns an Engine. estimates may be nil, in which case raw estimates
// are used.
func New(s store.EntityStore, goals []string, estimates EstimatorSource) *Engine {
	return &Engine{store: s, goals: goals, estimates: estimates}
}

// Goals returns the configured project goals.
func (e *Engine) Goals() []string { return e.goals }

// Estimator returns the current estimate adjuster.
func (e *Engine) Estimator(ctx context.Context) (complexity.Estimator, error) {
	if e.estimates == nil {
		return complexity.Identity{}, nil
	}
	est, err := e.estimates.Estimator(ctx)
	if err != nil {
		return nil, fmt.Errorf("load estimator: %w", err)
	}
	return est, nil
}

// Suggest returns the top n recommendations; n <= 0 returns all.
func (e *Engine) Suggest(ctx context.Context, n int) ([]Recommendation, error) {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	est, err := e.Estimator(ctx)
	if err != nil {
		return nil, err
	}
	return Rank(snap, est, e.goals, n), nil
}

// Rank scores every READY item whose dependencies are all DONE and returns
// the best n (all when n <= 0), highest score first and lowest id on ties.
// It is pure.
func Rank(snap *store.Snapshot, est complexity.Estimator, goals []string, n int) []Recommendation {
	if est == nil {
		est = complexity.Identity{}
	}
	blocking := blockingCounts(snap.Items)
	maxBlocking := 1
	for _, c := range blocking {
		maxBlocking = max(maxBlocking, c)
	}
	keywords := goalKeywords(goals)

	var out []Recommendation
	for i := range snap.Items {
		it := &snap.Items[i]
		if it.Status != store.ItemReady || !depsDone(it, snap) {
			continue
		}
		tier, hours := complexity.Assess(it, est)
		goal, goalScore := goalFit(it, keywords)
		comp := Components{
			Priority: priorityScore(it.Priority),
			Blocking: float64(blocking[it.ID]) / float64(maxBlocking),
			Ease:     1 - complexity.Normalized(tier),
			Goal:     goalScore,
		}
		rec := Recommendation{
			Item:          it.Clone(),
			Score:         score(comp),
			Confidence:    confidence(it, tier),
			Complexity:    tier,
			AdjustedHours: hours,
			BlockingCount: blocking[it.ID],
			MatchedGoal:   goal,
			Components:    comp,
		}
		rec.Rationale = rationale(&rec)
		out = append(out, rec)
	}

	slices.SortFunc(out, func(a, b Recommendation) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return store.CompareIDs(a.Item.ID, b.Item.ID)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Find returns the recommendation for id, if it is a candidate.
func Find(recs []Recommendation, id string) (Recommendation, bool) {
	for _, r := range recs {
		if r.Item.ID == id {
			return r, true
		}
	}
	return Recommendation{}, false
}

// Alternatives converts the first k recommendations for a decision record.
func Alternatives(recs []Recommendation, k int) []store.Alternative {
	out := make([]store.Alternative, 0, min(k, len(recs)))
	for _, r := range recs[:min(k, len(recs))] {
		out = append(out, store.Alternative{ID: r.Item.ID, Score: r.Score, Confidence: r.Confidence})
	}
	return out
}

func depsDone(it *store.BacklogItem, snap *store.Snapshot) bool {
	for _, dep := range it.Dependencies {
		d, ok := snap.Item(dep)
		if !ok || d.Status != store.ItemDone {
			return false
		}
	}
	return true
}

// blockingCounts counts, per item, the READY items that depend on it.
func blockingCounts(items []store.BacklogItem) map[string]int {
	counts := make(map[string]int)
	for _, it := range items {
		if it.Status != store.ItemReady {
			continue
		}
		for _, dep := range it.Dependencies {
			counts[dep]++
		}
	}
	return counts
}

func priorityScore(p store.Priority) float64 {
	switch p {
	case store.PriorityHigh:
		return 1.0
	case store.PriorityLow:
		return 0.3
	default:
		return 0.6
	}
}

func score(c Components) float64 {
	s := 100 * (WeightPriority*c.Priority + WeightBlocking*c.Blocking + WeightEase*c.Ease + WeightGoal*c.Goal)
	return math.Round(s*100) / 100
}

func confidence(it *store.BacklogItem, tier store.Complexity) float64 {
	c := 0.5
	switch tier {
	case store.ComplexitySimple:
		c += 0.2
	case store.ComplexityMedium:
		c += 0.1
	}
	switch n := len(it.Description); {
	case n > 100:
		c += 0.15
	case n > 50:
		c += 0.1
	}
	if len(it.Tags) > 0 {
		c += 0.1
	}
	if it.Priority == store.PriorityHigh || it.Priority == store.PriorityLow {
		c += 0.05
	}
	return math.Round(min(c, MaxConfidence)*100) / 100
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"this": true, "that": true, "into": true, "our": true, "are": true,
}

type goalWords struct {
	goal  string
	words []string
}

func goalKeywords(goals []string) []goalWords {
	var out []goalWords
	for _, g := range goals {
		var words []string
		for _, w := range complexity.Words(g) {
			if len(w) >= 3 && !stopwords[w] && !slices.Contains(words, w) {
				words = append(words, w)
			}
		}
		if len(words) > 0 {
			out = append(out, goalWords{goal: g, words: words})
		}
	}
	return out
}

// goalFit returns the best-matching goal and the fraction of its keywords
// found in the item's tags, title or description.
func goalFit(it *store.BacklogItem, goals []goalWords) (string, float64) {
	text := complexity.Words(it.Title + " " + it.Description)
	for _, tag := range it.Tags {
		text = append(text, complexity.Words(tag)...)
	}
	var best string
	var bestScore float64
	for _, g := range goals {
		var hit int
		for _, w := range g.words {
			if slices.Contains(text, w) {
				hit++
			}
		}
		if s := float64(hit) / float64(len(g.words)); s > bestScore {
			best, bestScore = g.goal, s
		}
	}
	return best, bestScore
}

func rationale(r *Recommendation) string {
	type reason struct {
		weight float64
		text   string
	}
	var reasons []reason

	c := r.Components
	switch r.Item.Priority {
	case store.PriorityHigh:
		reasons = append(reasons, reason{WeightPriority * c.Priority, "high priority"})
	case store.PriorityLow:
		reasons = append(reasons, reason{WeightPriority * c.Priority, "low priority but ready"})
	default:
		reasons = append(reasons, reason{WeightPriority * c.Priority, "medium priority"})
	}
	if r.BlockingCount > 0 {
		noun := "items"
		if r.BlockingCount == 1 {
			noun = "item"
		}
		reasons = append(reasons, reason{WeightBlocking * c.Blocking, fmt.Sprintf("unblocks %d other %s", r.BlockingCount, noun)})
	}
	switch r.Complexity {
	case store.ComplexitySimple:
		reasons = append(reasons, reason{WeightEase * c.Ease, "quick win"})
	case store.ComplexityMedium:
		reasons = append(reasons, reason{WeightEase * c.Ease, "moderate effort"})
	default:
		reasons = append(reasons, reason{WeightEase * c.Ease, "complex but unblocked"})
	}
	if r.MatchedGoal != "" {
		reasons = append(reasons, reason{WeightGoal * c.Goal, fmt.Sprintf("advances goal %q", r.MatchedGoal)})
	}

	slices.SortStableFunc(reasons, func(a, b reason) int { return cmp.Compare(b.weight, a.weight) })
	texts := make([]string, len(reasons))
	for i, rs := range reasons {
		texts[i] = rs.text
	}
	return "Recommended because: " + strings.Join(texts, ", ")
}
