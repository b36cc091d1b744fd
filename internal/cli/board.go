package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/pm"
	"github.com/imkarma/foreman/internal/store"
)

var (
	listStatus string
	listTag    string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backlog items",
	RunE:  runList,
}

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Show the backlog as a kanban board",
	RunE:  runBoard,
}

func init() {
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Filter by status: ready, in_progress, blocked, done")
	listCmd.Flags().StringVarP(&listTag, "tag", "t", "", "Filter by tag")
}

func runList(cmd *cobra.Command, args []string) error {
	var f store.ItemFilter
	if listStatus != "" {
		st := store.ItemStatus(strings.ToUpper(listStatus))
		if !st.Valid() {
			return fmt.Errorf("invalid status %q", listStatus)
		}
		f.Status = []store.ItemStatus{st}
	}
	f.Tag = listTag

	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		items, err := svc.Items(ctx, f)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println(dim("No items."))
			return nil
		}
		tw := newTable("ID", "Title", "Priority", "Est", "Status", "Tags", "Deps")
		for _, it := range items {
			tw.AppendRow(table.Row{
				it.ID,
				truncate(it.Title, 40),
				priorityColor(it.Priority)(it.Priority),
				fmt.Sprintf("%.1fh", it.EstimatedEffortHours),
				statusColor(it.Status)(it.Status),
				strings.Join(it.Tags, ","),
				strings.Join(it.Dependencies, ","),
			})
		}
		tw.Render()
		return nil
	})
}

func runBoard(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *pm.Service) error {
		items, err := svc.Items(ctx, store.ItemFilter{})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Printf("%s Add an item: %s\n", dim("Board is empty."), cyan(`foreman add "title" --hours 2`))
			return nil
		}
		printBoard(items)
		return nil
	})
}

func printBoard(items []store.BacklogItem) {
	type col struct {
		status store.ItemStatus
		label  string
	}
	order := []col{
		{store.ItemReady, "READY"},
		{store.ItemInProgress, "IN PROGRESS"},
		{store.ItemBlocked, "BLOCKED"},
		{store.ItemDone, "DONE"},
	}
	columns := map[store.ItemStatus][]store.BacklogItem{}
	for _, it := range items {
		columns[it.Status] = append(columns[it.Status], it)
	}

	const colWidth = 28
	var header, sep strings.Builder
	maxRows := 0
	for _, c := range order {
		label := fmt.Sprintf(" %s (%d)", c.label, len(columns[c.status]))
		header.WriteString(statusColor(c.status)(bold(padRight(label, colWidth))))
		sep.WriteString(strings.Repeat("─", colWidth))
		maxRows = max(maxRows, len(columns[c.status]))
	}
	fmt.Println(header.String())
	fmt.Println(dim(sep.String()))

	for i := 0; i < maxRows; i++ {
		var line, detail strings.Builder
		for _, c := range order {
			list := columns[c.status]
			if i >= len(list) {
				line.WriteString(strings.Repeat(" ", colWidth))
				detail.WriteString(strings.Repeat(" ", colWidth))
				continue
			}
			it := list[i]
			title := truncate(it.Title, colWidth-len(it.ID)-3)
			line.WriteString(" " + priorityColor(it.Priority)(it.ID) + " " + padRight(title, colWidth-len(it.ID)-2))

			text := ""
			if len(it.Tags) > 0 {
				text = "[" + strings.Join(it.Tags, ",") + "]"
			}
			if it.Status == store.ItemBlocked && it.BlockedReason != "" {
				text = "⚠ " + it.BlockedReason
			}
			detail.WriteString("    " + dim(padRight(truncate(text, colWidth-5), colWidth-4)))
		}
		fmt.Println(line.String())
		fmt.Println(detail.String())
		fmt.Println()
	}

	blocked := columns[store.ItemBlocked]
	if len(blocked) > 0 {
		fmt.Println(bold(red("⚠  Blockers (need your input)")))
		for _, it := range blocked {
			fmt.Printf("  %s: %s\n", yellow(it.ID), it.BlockedReason)
			fmt.Printf("       → %s\n", cyan(fmt.Sprintf("foreman unblock %s \"your answer\"", it.ID)))
		}
		fmt.Println()
	}

	fmt.Printf("%s", bold(fmt.Sprintf("%d items", len(items))))
	if n := len(columns[store.ItemDone]); n > 0 {
		fmt.Printf("  %s", green(fmt.Sprintf("✓ %d done", n)))
	}
	if n := len(columns[store.ItemInProgress]); n > 0 {
		fmt.Printf("  %s", blue(fmt.Sprintf("● %d in progress", n)))
	}
	if n := len(blocked); n > 0 {
		fmt.Printf("  %s", red(fmt.Sprintf("⚠ %d blocked", n)))
	}
	fmt.Println()
}
