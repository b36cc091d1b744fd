package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/pm"
	"github.com/imkarma/foreman/internal/store"
)

var startRole string

var startCmd = &cobra.Command{
	Use:   "start [id]",
	Short: "Start a workstream for a backlog item",
	Long: `Opens a RUNNING workstream for a READY item whose dependencies are done,
builds its delegation package and hands it to the configured agent.
The command waits until the agent reports back.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVarP(&startRole, "role", "r", "", "Agent role (default: autopilot.agent_role)")
}

func runStart(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		ws, err := svc.StartWorkstream(ctx, args[0], startRole)
		var cerr *store.CapacityError
		if errors.As(err, &cerr) {
			return fmt.Errorf("cannot start %s: at capacity: %d/%d", args[0], cerr.Active, cerr.Max)
		}
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(ws)
		}
		fmt.Printf("Started %s for %s: %s (%s)\n", bold(ws.ID), ws.BacklogID, ws.Title, ws.AgentRole)
		if !svc.Delegates() {
			fmt.Printf("  No agent configured; report with %s\n", cyan("foreman complete "+ws.ID))
		}
		return nil
	})
}
