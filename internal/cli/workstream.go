package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/pm"
	"github.com/imkarma/foreman/internal/store"
	"github.com/imkarma/foreman/internal/workstream"
)

var (
	completeFailed   bool
	completeHours    float64
	completeNotes    string
	completeBlockers string
)

var progressCmd = &cobra.Command{
	Use:   "progress [ws-or-item-id] [note]",
	Short: "Record a progress note on a workstream",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runProgress,
}

var pauseCmd = &cobra.Command{
	Use:   "pause [ws-or-item-id]",
	Short: "Pause a running workstream, freeing its slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSignal(cmd, args[0], (*pm.Service).Pause, "Paused")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [ws-or-item-id]",
	Short: "Resume a paused workstream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSignal(cmd, args[0], (*pm.Service).Resume, "Resumed")
	},
}

var killCmd = &cobra.Command{
	Use:   "kill [ws-or-item-id]",
	Short: "Ask the agent to abandon a workstream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSignal(cmd, args[0], (*pm.Service).Kill, "Kill requested for")
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete [ws-or-item-id]",
	Short: "Close a workstream and record its outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runComplete,
}

func init() {
	completeCmd.Flags().BoolVar(&completeFailed, "failed", false, "Record the work as failed")
	completeCmd.Flags().Float64Var(&completeHours, "hours", 0, "Actual hours, when not measured from start/finish")
	completeCmd.Flags().StringVar(&completeNotes, "notes", "", "Closing note")
	completeCmd.Flags().StringVar(&completeBlockers, "blockers", "", "Comma separated blockers encountered")
}

func runProgress(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		id, err := svc.ResolveWorkstream(ctx, args[0])
		if err != nil {
			return err
		}
		if err := svc.Progress(ctx, id, strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Printf("Noted on %s\n", bold(id))
		return nil
	})
}

type signalFunc func(*pm.Service, context.Context, string) (*store.Workstream, error)

func runSignal(cmd *cobra.Command, target string, fn signalFunc, verb string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		id, err := svc.ResolveWorkstream(ctx, target)
		if err != nil {
			return err
		}
		ws, err := fn(svc, ctx, id)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(ws)
		}
		fmt.Printf("%s %s (%s): %s\n", verb, bold(ws.ID), ws.BacklogID, workstreamColor(ws.Status)(ws.Status))
		return nil
	})
}

func runComplete(cmd *cobra.Command, args []string) error {
	c := workstream.Completion{
		Success:       !completeFailed,
		DurationHours: completeHours,
		Blockers:      splitList(completeBlockers),
	}
	if completeNotes != "" {
		c.Notes = []string{completeNotes}
	}
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		id, err := svc.ResolveWorkstream(ctx, args[0])
		if err != nil {
			return err
		}
		ws, rec, err := svc.Complete(ctx, id, c)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(rec)
		}
		fmt.Printf("%s %s (%s): %s\n", "Closed", bold(ws.ID), ws.BacklogID, workstreamColor(ws.Status)(ws.Status))
		if rec != nil {
			fmt.Printf("  estimated %.1fh, took %.1fh (%+.0f%%), %s\n",
				rec.EstimatedEffortHours, rec.ActualDurationHours, rec.EstimationError()*100, rec.ComplexityCategory)
		}
		return nil
	})
}
