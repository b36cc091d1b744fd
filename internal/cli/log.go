package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/pm"
)

var logCmd = &cobra.Command{
	Use:   "log [item-or-ws-id]",
	Short: "Show the event log for an item or workstream",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		id := args[0]
		events, err := svc.Events(ctx, id)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(events)
		}
		if len(events) == 0 {
			fmt.Printf("No events for %s\n", id)
			return nil
		}

		fmt.Printf("Events for %s:\n\n", id)
		for _, e := range events {
			fmt.Printf("  %s  %-12s %s\n", dim(e.Timestamp.Local().Format("2006-01-02 15:04:05")), e.Kind, e.Content)
		}
		return nil
	})
}
