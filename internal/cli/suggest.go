package cli

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/pm"
)

var suggestCount int

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Recommend what to work on next",
	RunE:  runSuggest,
}

var prepareCmd = &cobra.Command{
	Use:   "prepare [id]",
	Short: "Show the delegation package an agent would receive",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrepare,
}

func init() {
	suggestCmd.Flags().IntVarP(&suggestCount, "count", "n", 3, "Number of suggestions")
}

func runSuggest(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		recs, err := svc.Suggest(ctx, suggestCount)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(recs)
		}
		if len(recs) == 0 {
			fmt.Println(dim("Nothing is ready to start."))
			return nil
		}
		tw := newTable("#", "ID", "Title", "Score", "Confidence", "Complexity", "Est")
		for _, r := range recs {
			tw.AppendRow(table.Row{
				r.Rank,
				r.Item.ID,
				truncate(r.Item.Title, 40),
				fmt.Sprintf("%.1f", r.Score),
				fmt.Sprintf("%.2f", r.Confidence),
				r.Complexity,
				fmt.Sprintf("%.1fh", r.AdjustedHours),
			})
		}
		tw.Render()
		fmt.Println()
		for _, r := range recs {
			fmt.Printf("  %s %s\n", yellow(r.Item.ID), r.Rationale)
		}
		return nil
	})
}

func runPrepare(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		pkg, err := svc.Prepare(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(pkg)
		}
		fmt.Println(pkg.Prompt())
		return nil
	})
}
