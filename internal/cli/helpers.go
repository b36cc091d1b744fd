package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"github.com/imkarma/foreman/internal/pm"
	"github.com/imkarma/foreman/internal/store"
)

var (
	bold    = color.New(color.Bold).SprintFunc()
	dim     = color.New(color.Faint).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	blue    = color.New(color.FgBlue).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
)

// withService opens the project in --dir and closes it after fn returns.
// Delegated work is waited for before closing.
func withService(ctx context.Context, fn func(context.Context, *pm.Service) error) error {
	svc, err := pm.Open(viper.GetString("dir"))
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := fn(ctx, svc); err != nil {
		return err
	}
	if svc.Delegates() {
		printResults(svc)
	}
	return nil
}

// printResults waits for delegated workstreams and reports how they ended.
func printResults(svc *pm.Service) {
	results := svc.Wait()
	if len(results) == 0 {
		return
	}
	fmt.Println()
	for _, r := range results {
		switch r.Status {
		case "done":
			fmt.Printf("  %s %s (%s) done in %s\n", green("✓"), r.WorkstreamID, r.BacklogID, r.Duration.Round(time.Second))
		case "blocked":
			fmt.Printf("  %s %s (%s) blocked: %s\n", yellow("⚠"), r.WorkstreamID, r.BacklogID, r.Blocked)
			fmt.Printf("       → %s\n", cyan(fmt.Sprintf("foreman unblock %s \"your answer\"", r.BacklogID)))
		default:
			reason := ""
			if r.Error != nil {
				reason = ": " + r.Error.Error()
			}
			fmt.Printf("  %s %s (%s) failed%s\n", red("✗"), r.WorkstreamID, r.BacklogID, reason)
		}
	}
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}

func parsePriority(s string) (store.Priority, error) {
	p := store.Priority(strings.ToUpper(s))
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q (high, medium, low)", s)
	}
	return p, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func priorityColor(p store.Priority) func(a ...any) string {
	switch p {
	case store.PriorityHigh:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	case store.PriorityLow:
		return dim
	default:
		return yellow
	}
}

func statusColor(s store.ItemStatus) func(a ...any) string {
	switch s {
	case store.ItemInProgress:
		return blue
	case store.ItemBlocked:
		return red
	case store.ItemDone:
		return green
	default:
		return fmt.Sprint
	}
}

func workstreamColor(s store.WorkstreamStatus) func(a ...any) string {
	switch s {
	case store.WorkstreamRunning:
		return blue
	case store.WorkstreamPaused:
		return yellow
	case store.WorkstreamCompleted:
		return green
	default:
		return red
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

func padRight(s string, width int) string {
	r := []rune(s)
	if len(r) >= width {
		return string(r[:width])
	}
	return s + strings.Repeat(" ", width-len(r))
}

func fmtDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return d.Round(time.Second).String()
	}
}
