package cli

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/learning"
	"github.com/imkarma/foreman/internal/pm"
	"github.com/imkarma/foreman/internal/store"
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Show estimation accuracy, risk patterns and suggestions",
	RunE:  runLearn,
}

type learnReport struct {
	Metrics     *learning.Metrics      `json:"metrics"`
	Patterns    []learning.RiskPattern `json:"patterns"`
	Suggestions []string               `json:"suggestions"`
}

func runLearn(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		var rep learnReport
		var err error
		if rep.Metrics, err = svc.Metrics(ctx); err != nil {
			return err
		}
		if rep.Patterns, err = svc.RiskPatterns(ctx); err != nil {
			return err
		}
		if rep.Suggestions, err = svc.Suggestions(ctx); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(rep)
		}

		m := rep.Metrics
		if m.Samples == 0 {
			fmt.Println(dim("No completed workstreams yet."))
			return nil
		}
		fmt.Println(bold(fmt.Sprintf("Estimation accuracy over %d outcomes", m.Samples)))
		fmt.Printf("  mean error %+.0f%%, median %+.0f%%, std %.0f%%\n", m.MeanError*100, m.MedianError*100, m.StdError*100)
		fmt.Printf("  underestimated %.0f%%, overestimated %.0f%%\n\n", m.UnderestimateRate*100, m.OverestimateRate*100)

		tw := newTable("Complexity", "Samples", "Mean", "Median", "Under", "Over")
		for _, c := range store.Complexities {
			cm, ok := m.ByComplexity[c]
			if !ok {
				continue
			}
			tw.AppendRow(table.Row{
				c, cm.Count,
				fmt.Sprintf("%+.0f%%", cm.MeanError*100),
				fmt.Sprintf("%+.0f%%", cm.MedianError*100),
				fmt.Sprintf("%.0f%%", cm.UnderestimateRate*100),
				fmt.Sprintf("%.0f%%", cm.OverestimateRate*100),
			})
		}
		tw.Render()

		if len(rep.Patterns) > 0 {
			fmt.Printf("\n%s\n", bold("Risk patterns:"))
			for _, p := range rep.Patterns {
				sev := yellow(p.Severity)
				if p.Severity == learning.SeverityHigh {
					sev = red(p.Severity)
				}
				fmt.Printf("  [%s] %s\n", sev, p.Description)
				fmt.Printf("         → %s\n", p.Recommendation)
			}
		}
		if len(rep.Suggestions) > 0 {
			fmt.Printf("\n%s\n", bold("Suggestions:"))
			for _, s := range rep.Suggestions {
				fmt.Printf("  • %s\n", s)
			}
		}
		return nil
	})
}
