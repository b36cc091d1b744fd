// Package autopilot runs bounded decision cycles over the backlog: escalate
// stalled and conflicting work, then start the best-scoring ready item when
// there is room. Every decision is written to the decision log with its
// rationale and the alternatives that were considered.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imkarma/foreman/internal/capacity"
	"github.com/imkarma/foreman/internal/coord"
	"github.com/imkarma/foreman/internal/recommend"
	"github.com/imkarma/foreman/internal/store"
	"github.com/imkarma/foreman/internal/workstream"
)

// Defaults for a decision cycle.
const (
	DefaultMaxActions    = 3
	DefaultMinConfidence = 0.6
	DefaultAgentRole     = "builder"

	// Alternatives recorded with a START_WORK decision.
	alternativesConsidered = 3
)

// OutcomeCapacitySkipped annotates a START_WORK decision that lost a race
// for the last slot.
const OutcomeCapacitySkipped = "capacity exceeded, skipped"

// Config tunes the engine.
type Config struct {
	Enabled       bool
	MaxActions    int
	MinConfidence float64
	AgentRole     string
}

// DefaultConfig returns an enabled engine with the stock limits.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MaxActions:    DefaultMaxActions,
		MinConfidence: DefaultMinConfidence,
		AgentRole:     DefaultAgentRole,
	}
}

// Starter opens a workstream for a backlog item. *workstream.Manager
// satisfies it.
type Starter interface {
	Start(ctx context.Context, backlogID, role string) (*store.Workstream, error)
}

// Engine makes and applies decisions. It keeps no state between cycles.
type Engine struct {
	store    store.EntityStore
	analyzer *coord.Analyzer
	recs     *recommend.Engine
	capacity *capacity.Manager
	starter  Starter
	cfg      Config
	now      func() time.Time
}

// New returns an Engine. Zero config fields take their defaults.
func New(s store.EntityStore, analyzer *coord.Analyzer, recs *recommend.Engine, cm *capacity.Manager, starter Starter, cfg Config) *Engine {
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = DefaultMaxActions
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.AgentRole == "" {
		cfg.AgentRole = DefaultAgentRole
	}
	return &Engine{
		store:    s,
		analyzer: analyzer,
		recs:     recs,
		capacity: cm,
		starter:  starter,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether Run does anything.
func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// Run executes one cycle: analyze, decide, then execute or preview. In
// DRY_RUN mode no entity state changes; the decisions are still logged.
func (e *Engine) Run(ctx context.Context, mode store.Mode) ([]store.Decision, error) {
	if !mode.Valid() {
		return nil, &store.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	if !e.cfg.Enabled {
		log.Printf("[autopilot] disabled; skipping cycle")
		return nil, nil
	}

	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	now := e.now()
	analysis := e.analyzer.Analyze(snap, now)

	decisions, err := e.decide(ctx, snap, analysis, now)
	if err != nil {
		return nil, err
	}

	for i := range decisions {
		d := &decisions[i]
		d.Mode = mode
		if mode == store.ModeExecuted {
			d.Outcome = e.execute(ctx, d)
		}
		if err := e.store.AppendDecision(ctx, *d); err != nil {
			e.unlogged(ctx, d, err)
			return decisions[:i+1], fmt.Errorf("log decision %s: %w", d.ID, err)
		}
		log.Printf("[autopilot] %s %s %s (%.2f) %s", d.Mode, d.Action, d.Target, d.Confidence, d.Outcome)
	}
	return decisions, nil
}

// unlogged leaves a trace of a decision the log rejected. An executed
// decision may already have changed state, so its detail goes to the process
// log and to the target's event trail.
func (e *Engine) unlogged(ctx context.Context, d *store.Decision, err error) {
	log.Printf("[autopilot] decision %s not logged: %v: %s %s %s (%.2f) outcome %q",
		d.ID, err, d.Mode, d.Action, d.Target, d.Confidence, d.Outcome)
	if d.Mode != store.ModeExecuted {
		return
	}
	ev := store.Event{
		SubjectID: d.Target,
		Kind:      "autopilot",
		Content:   fmt.Sprintf("[%s] %s %s: %s", d.ID, d.Action, d.Target, d.Outcome),
		Timestamp: e.now(),
	}
	if err := e.store.RecordEvent(ctx, ev); err != nil {
		log.Printf("[autopilot] record %s on %s: %v", d.ID, d.Target, err)
	}
}

// Loop runs a cycle immediately and then every interval until ctx ends.
// Failed cycles are logged and the loop carries on.
func (e *Engine) Loop(ctx context.Context, interval time.Duration, mode store.Mode) error {
	if interval <= 0 {
		return &store.ValidationError{Field: "interval", Reason: "must be positive"}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.Run(ctx, mode); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[autopilot] cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// decide proposes at most MaxActions decisions: stalls, then conflicts,
// then one START_WORK.
func (e *Engine) decide(ctx context.Context, snap *store.Snapshot, a *coord.Analysis, now time.Time) ([]store.Decision, error) {
	var out []store.Decision
	full := func() bool { return len(out) >= e.cfg.MaxActions }

	for _, s := range a.Stalled {
		if full() {
			return out, nil
		}
		out = append(out, store.Decision{
			ID:        newID(),
			Timestamp: now,
			Action:    store.ActionEscalateStall,
			Target:    s.WorkstreamID,
			Rationale: fmt.Sprintf("Workstream %s (%s) appears stalled: no activity for %s (threshold %s). Requires human attention.",
				s.WorkstreamID, s.Title, fmtDuration(s.Idle), fmtDuration(s.Threshold)),
			Confidence: 1.0,
		})
	}

	for _, c := range a.Conflicts {
		if full() {
			return out, nil
		}
		out = append(out, store.Decision{
			ID:        newID(),
			Timestamp: now,
			Action:    store.ActionEscalateConflict,
			Target:    c.First,
			Rationale: fmt.Sprintf("Workstreams %s and %s both touch %s (severity %d). Requires human judgment.",
				c.First, c.Second, strings.Join(c.SharedTags, ", "), c.Severity),
			Confidence: ConflictConfidence(c.Severity),
		})
	}

	if full() {
		return out, nil
	}
	if ok, reason := capacity.Evaluate(len(a.Active), e.capacity.Max()); !ok {
		log.Printf("[autopilot] not starting new work: %s", reason)
		return out, nil
	}
	est, err := e.recs.Estimator(ctx)
	if err != nil {
		return nil, err
	}
	recs := recommend.Rank(snap, est, e.recs.Goals(), alternativesConsidered)
	if len(recs) == 0 {
		return out, nil
	}
	top := recs[0]
	if top.Confidence < e.cfg.MinConfidence {
		log.Printf("[autopilot] top recommendation %s below confidence threshold (%.2f < %.2f)",
			top.Item.ID, top.Confidence, e.cfg.MinConfidence)
		return out, nil
	}
	out = append(out, store.Decision{
		ID:              newID(),
		Timestamp:       now,
		Action:          store.ActionStartWork,
		Target:          top.Item.ID,
		Rationale:       fmt.Sprintf("Start %s: %s. %s (score %.1f).", top.Item.ID, top.Item.Title, top.Rationale, top.Score),
		Confidence:      top.Confidence,
		Alternatives:    recommend.Alternatives(recs, alternativesConsidered),
		OverrideCommand: "foreman pause " + top.Item.ID,
	})
	return out, nil
}

// execute applies one decision and returns its outcome annotation.
func (e *Engine) execute(ctx context.Context, d *store.Decision) string {
	switch d.Action {
	case store.ActionStartWork:
		return e.startWork(ctx, d)
	case store.ActionEscalateStall, store.ActionEscalateConflict:
		err := e.store.RecordEvent(ctx, store.Event{
			SubjectID: d.Target,
			Kind:      "escalation",
			Content:   fmt.Sprintf("[%s] %s", d.ID, d.Rationale),
			Timestamp: e.now(),
		})
		if err != nil {
			log.Printf("[autopilot] escalation %s: %v", d.ID, err)
			return "failed: " + err.Error()
		}
		return "escalated"
	default:
		return fmt.Sprintf("failed: unknown action %q", d.Action)
	}
}

func (e *Engine) startWork(ctx context.Context, d *store.Decision) string {
	if e.starter == nil {
		return "failed: no workstream starter configured"
	}
	ws, err := e.starter.Start(ctx, d.Target, e.cfg.AgentRole)
	switch {
	case err == nil:
		return "started " + ws.ID
	case errors.Is(err, store.ErrCapacityExceeded):
		log.Printf("[autopilot] %s: %v", d.ID, err)
		return OutcomeCapacitySkipped
	case errors.Is(err, workstream.ErrExecutorFailure) && ws != nil:
		return fmt.Sprintf("failed: %s: %v", ws.ID, err)
	default:
		log.Printf("[autopilot] %s: start %s: %v", d.ID, d.Target, err)
		return "failed: " + err.Error()
	}
}

// ConflictConfidence maps a conflict severity to a confidence: 0.5 plus 0.1
// per shared tag, capped at 0.95.
func ConflictConfidence(severity int) float64 {
	c := math.Min(0.5+0.1*float64(severity), 0.95)
	return math.Round(c*100) / 100
}

func newID() string {
	return "ap-" + uuid.New().String()[:8]
}

func fmtDuration(d time.Duration) string {
	if d >= time.Minute {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return d.Round(time.Second).String()
}
