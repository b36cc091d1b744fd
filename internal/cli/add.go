package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/pm"
	"github.com/imkarma/foreman/internal/store"
)

var (
	addPriority    string
	addDescription string
	addHours       float64
	addTags        string
	addDeps        string
)

var addCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Add a backlog item",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

func init() {
	addCmd.Flags().StringVarP(&addPriority, "priority", "p", "medium", "Priority: high, medium, low")
	addCmd.Flags().StringVarP(&addDescription, "desc", "d", "", "Description")
	addCmd.Flags().Float64VarP(&addHours, "hours", "e", 1, "Estimated effort in hours")
	addCmd.Flags().StringVarP(&addTags, "tags", "t", "", "Comma separated tags")
	addCmd.Flags().StringVar(&addDeps, "deps", "", "Comma separated ids this item depends on")
}

func runAdd(cmd *cobra.Command, args []string) error {
	priority, err := parsePriority(addPriority)
	if err != nil {
		return err
	}
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		it, err := svc.AddItem(ctx, store.BacklogItem{
			Title:                strings.Join(args, " "),
			Description:          addDescription,
			Priority:             priority,
			EstimatedEffortHours: addHours,
			Tags:                 splitList(addTags),
			Dependencies:         splitList(addDeps),
		})
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(it)
		}
		fmt.Printf("Created %s: %s [%s, %.1fh]\n", bold(it.ID), it.Title, priorityColor(it.Priority)(it.Priority), it.EstimatedEffortHours)
		return nil
	})
}
