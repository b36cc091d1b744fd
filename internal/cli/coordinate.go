package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/pm"
)

var coordinateCmd = &cobra.Command{
	Use:   "coordinate",
	Short: "Analyze dependencies, conflicts and stalls across workstreams",
	RunE:  runCoordinate,
}

func runCoordinate(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		a, err := svc.Coordinate(ctx)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(a)
		}

		fmt.Println(bold(a.Summary()))
		printActive(a)

		if len(a.Dependencies) > 0 {
			fmt.Printf("\n%s\n", bold("Cross-workstream dependencies:"))
			tw := newTable("Workstream", "Item", "Depends on", "Status")
			for _, d := range a.Dependencies {
				tw.AppendRow(table.Row{d.WorkstreamID, d.BacklogID, d.DependsOn, d.Status})
			}
			tw.Render()
		}
		if a.HasIssues() {
			fmt.Printf("\n%s\n", bold("Issues:"))
			printIssues(a)
		} else {
			fmt.Printf("\n%s\n", green("No conflicts, stalls or blockers."))
		}
		if len(a.ExecutionOrder) > 0 {
			fmt.Printf("\n%s %s\n", bold("Execution order:"), strings.Join(a.ExecutionOrder, " → "))
		}
		return nil
	})
}
