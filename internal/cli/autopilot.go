package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/pm"
	"github.com/imkarma/foreman/internal/store"
)

var (
	autopilotExecute bool
	autopilotLoop    bool

	decisionsSince time.Duration
	decisionsLimit int
)

var autopilotCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Run one autopilot decision cycle",
	Long: `Escalates stalled and conflicting workstreams, then starts the best
recommendation when there is capacity. Without --execute nothing changes;
the decisions are only previewed and logged.

With --loop the cycle repeats every autopilot.interval until interrupted.`,
	RunE: runAutopilot,
}

var explainCmd = &cobra.Command{
	Use:   "explain [decision-id]",
	Short: "Explain an autopilot decision",
	Args:  cobra.ExactArgs(1),
	RunE:  runExplain,
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List recent autopilot decisions",
	RunE:  runDecisions,
}

func init() {
	autopilotCmd.Flags().BoolVarP(&autopilotExecute, "execute", "x", false, "Apply the decisions")
	autopilotCmd.Flags().BoolVar(&autopilotLoop, "loop", false, "Repeat every autopilot.interval")

	decisionsCmd.Flags().DurationVar(&decisionsSince, "since", 24*time.Hour, "How far back to look")
	decisionsCmd.Flags().IntVarP(&decisionsLimit, "limit", "n", 20, "Maximum decisions to show")
}

func runAutopilot(cmd *cobra.Command, args []string) error {
	mode := store.ModeDryRun
	if autopilotExecute {
		mode = store.ModeExecuted
	}
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		if !svc.Config().Autopilot.Enabled {
			fmt.Println(dim("Autopilot is disabled (autopilot.enabled: false)."))
			return nil
		}
		if autopilotLoop {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				if err := svc.WatchIndex(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "warning: file index not watched: %v\n", err)
				}
			}()
			fmt.Printf("Autopilot running every %s (%s). Ctrl+C to stop.\n", svc.Config().Autopilot.Interval, mode)
			return svc.AutopilotLoop(ctx, mode)
		}

		decisions, err := svc.Autopilot(ctx, mode)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(decisions)
		}
		printDecisions(decisions, mode)
		return nil
	})
}

func printDecisions(decisions []store.Decision, mode store.Mode) {
	if len(decisions) == 0 {
		fmt.Println(dim("No action needed."))
		return
	}
	label := "Preview"
	if mode == store.ModeExecuted {
		label = "Executed"
	}
	fmt.Println(bold(fmt.Sprintf("%s: %d decision(s)", label, len(decisions))))
	for _, d := range decisions {
		fmt.Printf("\n  %s %s %s  %s\n", actionSymbol(d.Action), bold(d.Action), d.Target, dim(d.ID))
		fmt.Printf("    %s\n", d.Rationale)
		fmt.Printf("    confidence %.2f", d.Confidence)
		if d.Outcome != "" {
			fmt.Printf("  → %s", d.Outcome)
		}
		fmt.Println()
		if d.OverrideCommand != "" {
			fmt.Printf("    override: %s\n", cyan(d.OverrideCommand))
		}
	}
	if mode == store.ModeDryRun {
		fmt.Printf("\nRun %s to apply.\n", cyan("foreman autopilot --execute"))
	}
}

func actionSymbol(a store.Action) string {
	switch a {
	case store.ActionStartWork:
		return green("▶")
	case store.ActionEscalateStall:
		return yellow("⏸")
	case store.ActionEscalateConflict:
		return red("⚠")
	default:
		return "?"
	}
}

func runExplain(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		d, text, err := svc.Explain(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(d)
		}
		fmt.Println(text)
		return nil
	})
}

func runDecisions(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		decisions, err := svc.Decisions(ctx, time.Now().Add(-decisionsSince), decisionsLimit)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(decisions)
		}
		if len(decisions) == 0 {
			fmt.Println(dim("No decisions in that window."))
			return nil
		}
		tw := newTable("ID", "Time", "Mode", "Action", "Target", "Conf", "Outcome")
		for _, d := range decisions {
			tw.AppendRow(table.Row{
				d.ID,
				d.Timestamp.Local().Format("01-02 15:04"),
				d.Mode,
				d.Action,
				d.Target,
				fmt.Sprintf("%.2f", d.Confidence),
				truncate(d.Outcome, 30),
			})
		}
		tw.Render()
		return nil
	})
}
