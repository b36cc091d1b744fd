package pm

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imkarma/foreman/internal/coord"
	"github.com/imkarma/foreman/internal/delegation"
	"github.com/imkarma/foreman/internal/learning"
	"github.com/imkarma/foreman/internal/recommend"
	"github.com/imkarma/foreman/internal/store"
	"github.com/imkarma/foreman/internal/workstream"
)

// AddItem inserts a backlog item. Missing id, priority and status are filled
// in by the store.
func (s *Service) AddItem(ctx context.Context, item store.BacklogItem) (*store.BacklogItem, error) {
	return s.store.CreateItem(ctx, item)
}

// Item returns one backlog item.
func (s *Service) Item(ctx context.Context, id string) (*store.BacklogItem, error) {
	return s.store.GetItem(ctx, id)
}

// Items lists backlog items.
func (s *Service) Items(ctx context.Context, f store.ItemFilter) ([]store.BacklogItem, error) {
	return s.store.ListItems(ctx, f)
}

// BlockItem parks a READY item with a reason.
func (s *Service) BlockItem(ctx context.Context, id, reason string) (*store.BacklogItem, error) {
	if reason == "" {
		return nil, &store.ValidationError{Field: "blocked_reason", Reason: "must not be empty"}
	}
	it, err := s.store.UpdateItem(ctx, id, func(it *store.BacklogItem) error {
		if it.Status != store.ItemReady {
			return &store.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is %s, only READY items can be blocked", it.ID, it.Status)}
		}
		it.Status = store.ItemBlocked
		it.BlockedReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.event(ctx, id, "blocked", reason)
	return it, nil
}

// UnblockItem returns a BLOCKED item to READY. The answer, if any, is
// appended to the description so the next agent sees it.
func (s *Service) UnblockItem(ctx context.Context, id, answer string) (*store.BacklogItem, error) {
	var question string
	it, err := s.store.UpdateItem(ctx, id, func(it *store.BacklogItem) error {
		if it.Status != store.ItemBlocked {
			return &store.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is %s, not BLOCKED", it.ID, it.Status)}
		}
		question = it.BlockedReason
		if answer != "" {
			it.Description += fmt.Sprintf("\n\nQ: %s\nA: %s", question, answer)
		}
		it.Status = store.ItemReady
		it.BlockedReason = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	content := "unblocked"
	if answer != "" {
		content = "answered: " + answer
	}
	s.event(ctx, id, "unblocked", content)
	return it, nil
}

// StartWorkstream starts work on a backlog item. An empty role uses the
// autopilot's agent role.
func (s *Service) StartWorkstream(ctx context.Context, backlogID, role string) (*store.Workstream, error) {
	if role == "" {
		role = s.cfg.Autopilot.AgentRole
	}
	return s.workstreams.Start(ctx, backlogID, role)
}

// Workstream returns one workstream.
func (s *Service) Workstream(ctx context.Context, id string) (*store.Workstream, error) {
	return s.store.GetWorkstream(ctx, id)
}

// Workstreams lists workstreams.
func (s *Service) Workstreams(ctx context.Context, f store.WorkstreamFilter) ([]store.Workstream, error) {
	return s.store.ListWorkstreams(ctx, f)
}

// Status is the project overview.
type Status struct {
	Counts      map[store.ItemStatus]int   `json:"counts"`
	Blocked     []store.BacklogItem        `json:"blocked,omitempty"`
	Analysis    *coord.Analysis            `json:"analysis"`
	Suggestions []recommend.Recommendation `json:"suggestions"`
	TakenAt     time.Time                  `json:"taken_at"`
}

// Status analyzes coordination and ranks suggestions concurrently from one
// snapshot.
func (s *Service) Status(ctx context.Context, n int) (*Status, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	st := &Status{Counts: map[store.ItemStatus]int{}, TakenAt: snap.TakenAt}
	for _, it := range snap.Items {
		st.Counts[it.Status]++
		if it.Status == store.ItemBlocked {
			st.Blocked = append(st.Blocked, it)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st.Analysis = s.analyzer.Analyze(snap, s.now())
		return nil
	})
	g.Go(func() error {
		est, err := s.recs.Estimator(gctx)
		if err != nil {
			return err
		}
		st.Suggestions = recommend.Rank(snap, est, s.recs.Goals(), n)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return st, nil
}

// Coordinate runs the coordination analysis.
func (s *Service) Coordinate(ctx context.Context) (*coord.Analysis, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return s.analyzer.Analyze(snap, s.now()), nil
}

// CapacityStatus renders "active/max".
func (s *Service) CapacityStatus(ctx context.Context) (string, error) {
	return s.capacity.Status(ctx)
}

// CanStart reports whether another workstream fits.
func (s *Service) CanStart(ctx context.Context) (bool, string, error) {
	return s.capacity.CanStart(ctx, s.capacity.Max())
}

// Suggest returns the top n recommendations.
func (s *Service) Suggest(ctx context.Context, n int) ([]recommend.Recommendation, error) {
	return s.recs.Suggest(ctx, n)
}

// Prepare builds the delegation package for a backlog item.
func (s *Service) Prepare(ctx context.Context, backlogID string) (*delegation.Package, error) {
	return s.packages.Prepare(ctx, backlogID)
}

// Autopilot runs one decision cycle.
func (s *Service) Autopilot(ctx context.Context, mode store.Mode) ([]store.Decision, error) {
	return s.autopilot.Run(ctx, mode)
}

// AutopilotLoop repeats decision cycles every autopilot.interval until ctx
// ends.
func (s *Service) AutopilotLoop(ctx context.Context, mode store.Mode) error {
	interval := s.cfg.Autopilot.Interval.Std()
	if interval <= 0 {
		return &store.ValidationError{Field: "autopilot.interval", Reason: "set an interval to run on a schedule"}
	}
	return s.autopilot.Loop(ctx, interval, mode)
}

// Explain returns a decision and its readable account.
func (s *Service) Explain(ctx context.Context, id string) (*store.Decision, string, error) {
	return s.autopilot.Explain(ctx, id)
}

// Decisions lists logged decisions since a time, newest first.
func (s *Service) Decisions(ctx context.Context, since time.Time, limit int) ([]store.Decision, error) {
	return s.store.ListDecisions(ctx, store.DecisionFilter{Since: since, Limit: limit})
}

// Progress appends a note to a running workstream.
func (s *Service) Progress(ctx context.Context, id, note string) error {
	return s.workstreams.Progress(ctx, id, note)
}

// Pause pauses a workstream.
func (s *Service) Pause(ctx context.Context, id string) (*store.Workstream, error) {
	return s.workstreams.Pause(ctx, id)
}

// Resume resumes a paused workstream.
func (s *Service) Resume(ctx context.Context, id string) (*store.Workstream, error) {
	return s.workstreams.Resume(ctx, id)
}

// Kill signals the executor to abandon a workstream.
func (s *Service) Kill(ctx context.Context, id string) (*store.Workstream, error) {
	return s.workstreams.Kill(ctx, id)
}

// Complete closes a workstream by hand.
func (s *Service) Complete(ctx context.Context, id string, c workstream.Completion) (*store.Workstream, *store.OutcomeRecord, error) {
	return s.workstreams.Complete(ctx, id, c)
}

// ResolveWorkstream accepts either a workstream id or a backlog id and
// returns the id of the matching open workstream.
func (s *Service) ResolveWorkstream(ctx context.Context, id string) (string, error) {
	if ws, err := s.store.GetWorkstream(ctx, id); err == nil {
		return ws.ID, nil
	}
	open, err := s.store.ListWorkstreams(ctx, store.WorkstreamFilter{
		BacklogID: id,
		Status:    []store.WorkstreamStatus{store.WorkstreamRunning, store.WorkstreamPaused},
	})
	if err != nil {
		return "", err
	}
	if len(open) == 0 {
		return "", fmt.Errorf("no open workstream for %s: %w", id, store.ErrNotFound)
	}
	return open[0].ID, nil
}

// Metrics returns estimation accuracy over recent outcomes.
func (s *Service) Metrics(ctx context.Context) (*learning.Metrics, error) {
	return s.tracker.Metrics(ctx)
}

// RiskPatterns returns detected risk patterns.
func (s *Service) RiskPatterns(ctx context.Context) ([]learning.RiskPattern, error) {
	return s.tracker.RiskPatterns(ctx)
}

// Suggestions returns process improvement suggestions.
func (s *Service) Suggestions(ctx context.Context) ([]string, error) {
	return s.tracker.Suggestions(ctx)
}

// Outcomes returns recent outcome records.
func (s *Service) Outcomes(ctx context.Context) ([]store.OutcomeRecord, error) {
	return s.tracker.Outcomes(ctx)
}

// Events returns the audit trail of an item or workstream.
func (s *Service) Events(ctx context.Context, subjectID string) ([]store.Event, error) {
	return s.store.ListEvents(ctx, subjectID)
}

func (s *Service) event(ctx context.Context, subject, kind, content string) {
	if err := s.store.RecordEvent(ctx, store.Event{SubjectID: subject, Kind: kind, Content: content, Timestamp: s.now()}); err != nil {
		log.Printf("[pm] record %s event: %v", kind, err)
	}
}
