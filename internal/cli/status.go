package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/coord"
	"github.com/imkarma/foreman/internal/pm"
	"github.com/imkarma/foreman/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Quick status overview",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		st, err := svc.Status(ctx, 3)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(st)
		}

		total := 0
		for _, n := range st.Counts {
			total += n
		}
		if total == 0 {
			fmt.Printf("No items. Run: %s\n", cyan(`foreman add "title" --hours 2`))
			return nil
		}

		fmt.Println(bold(fmt.Sprintf("Items: %d total", total)))
		fmt.Printf("  %-14s %d\n", "ready:", st.Counts[store.ItemReady])
		fmt.Printf("  %-14s %s\n", "in_progress:", blue(st.Counts[store.ItemInProgress]))
		fmt.Printf("  %-14s %s\n", "blocked:", red(st.Counts[store.ItemBlocked]))
		fmt.Printf("  %-14s %s\n", "done:", green(st.Counts[store.ItemDone]))
		fmt.Printf("\n%s %s\n", bold("Capacity:"), st.Analysis.CapacityStatus)

		printActive(st.Analysis)
		printIssues(st.Analysis)

		if len(st.Blocked) > 0 {
			fmt.Printf("\n%s\n", bold(red("⚠  Blockers (need your input):")))
			for _, it := range st.Blocked {
				fmt.Printf("  %s: %s\n", yellow(it.ID), it.BlockedReason)
			}
		}

		if len(st.Suggestions) > 0 {
			fmt.Printf("\n%s\n", bold("Up next:"))
			for _, r := range st.Suggestions {
				fmt.Printf("  %d. %s %s (score %.1f)\n", r.Rank, yellow(r.Item.ID), r.Item.Title, r.Score)
			}
		}
		return nil
	})
}

func printActive(a *coord.Analysis) {
	if len(a.Active) == 0 {
		return
	}
	fmt.Printf("\n%s\n", bold("Active workstreams:"))
	for _, ws := range a.Active {
		fmt.Printf("  %s %s %s  %s\n", blue("●"), ws.ID, dim("("+ws.BacklogID+")"), truncate(ws.Title, 50))
	}
}

func printIssues(a *coord.Analysis) {
	for _, s := range a.Stalled {
		fmt.Printf("  %s %s stalled: no activity for %s\n", yellow("⏸"), s.WorkstreamID, fmtDuration(s.Idle))
	}
	for _, c := range a.Conflicts {
		fmt.Printf("  %s %s and %s overlap on %v (severity %d)\n", red("⚠"), c.First, c.Second, c.SharedTags, c.Severity)
	}
	for _, b := range a.Blockers {
		fmt.Printf("  %s %s waits on %v\n", magenta("⛔"), b.WorkstreamID, b.Unmet)
	}
}
