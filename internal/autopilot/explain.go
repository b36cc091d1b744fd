package autopilot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imkarma/foreman/internal/store"
)

// Explain returns a logged decision together with a readable account of it.
func (e *Engine) Explain(ctx context.Context, id string) (*store.Decision, string, error) {
	d, err := e.store.GetDecision(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return d, Format(d), nil
}

// Recent returns decisions logged since the given time, newest first.
func (e *Engine) Recent(ctx context.Context, since time.Time) ([]store.Decision, error) {
	return e.store.ListDecisions(ctx, store.DecisionFilter{Since: since})
}

// Format renders every field of a decision.
func Format(d *store.Decision) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision %s (%s)\n", d.ID, d.Mode)
	fmt.Fprintf(&sb, "Time:       %s\n", d.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Action:     %s %s\n", d.Action, d.Target)
	fmt.Fprintf(&sb, "Confidence: %.2f\n", d.Confidence)
	fmt.Fprintf(&sb, "Rationale:  %s\n", d.Rationale)
	if len(d.Alternatives) > 0 {
		sb.WriteString("Alternatives considered:\n")
		for i, a := range d.Alternatives {
			fmt.Fprintf(&sb, "  %d. %s (score %.1f, confidence %.2f)\n", i+1, a.ID, a.Score, a.Confidence)
		}
	}
	if d.OverrideCommand != "" {
		fmt.Fprintf(&sb, "Override:   %s\n", d.OverrideCommand)
	}
	outcome := d.Outcome
	if outcome == "" {
		outcome = "(not executed)"
	}
	fmt.Fprintf(&sb, "Outcome:    %s", outcome)
	return sb.String()
}
