package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/imkarma/foreman/internal/store"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle   = lipgloss.NewStyle().Foreground(clrDim)

	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)

	columnSelectedStyle = columnStyle.BorderForeground(clrHighlight)

	cursorStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)

	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrHighlight).
			Padding(1, 2).
			Width(60)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(clrYellow)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

func priorityStyle(p store.Priority) lipgloss.Style {
	switch p {
	case store.PriorityHigh:
		return lipgloss.NewStyle().Foreground(clrRed)
	case store.PriorityMedium:
		return lipgloss.NewStyle().Foreground(clrYellow)
	default:
		return lipgloss.NewStyle().Foreground(clrBlue)
	}
}

func actionStyle(a store.Action) lipgloss.Style {
	switch a {
	case store.ActionStartWork:
		return lipgloss.NewStyle().Bold(true).Foreground(clrGreen)
	case store.ActionEscalateStall:
		return lipgloss.NewStyle().Bold(true).Foreground(clrYellow)
	default:
		return lipgloss.NewStyle().Bold(true).Foreground(clrRed)
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var content string
	switch m.screen {
	case screenDetail:
		content = m.viewScroll("foreman " + m.detailID)
	case screenDecisions:
		content = m.viewScroll("foreman autopilot")
	default:
		content = m.viewBoard()
	}
	if m.answering {
		content += "\n" + m.viewAnswer()
	}
	return content
}

// ════════════════════════════════════════════════
// BOARD VIEW
// ════════════════════════════════════════════════

func (m Model) viewBoard() string {
	var b strings.Builder

	header := titleStyle.Render("foreman")
	if m.status != nil && m.status.Analysis != nil {
		header += dimStyle.Render("  " + m.status.Analysis.CapacityStatus)
	}
	if m.refreshing {
		header += " " + m.spinner.View()
	}
	b.WriteString(header + "\n\n")

	colWidth := 28
	if m.width > 0 {
		colWidth = m.width/len(columns) - 2
		if colWidth < 18 {
			colWidth = 18
		}
	}
	rows := 8
	if m.height > 0 {
		rows = m.height/2 - 4
		if rows < 3 {
			rows = 3
		}
	}

	cols := make([]string, len(columns))
	for i, s := range columns {
		cols[i] = m.viewColumn(i, s, colWidth, rows)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cols...) + "\n")

	b.WriteString(m.viewIssues())
	b.WriteString(m.viewSuggestions())

	if m.statusMsg != "" {
		b.WriteString("\n")
		if strings.HasPrefix(strings.ToLower(m.statusMsg), "failed") {
			b.WriteString(errorStyle.Render("  " + m.statusMsg))
		} else {
			b.WriteString(statusStyle.Render("  " + m.statusMsg))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n" + footer(
		"←→↑↓", "move",
		"enter", "detail",
		"s", "start",
		"p", "pause/resume",
		"u", "answer",
		"a", "autopilot",
		"q", "quit",
	))
	return b.String()
}

func (m Model) viewColumn(idx int, status store.ItemStatus, width, rows int) string {
	items := m.board[idx]
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s (%d)", status, len(items))) + "\n")

	// Scroll the window so the cursor stays visible.
	start := 0
	if idx == m.col && m.row >= rows {
		start = m.row - rows + 1
	}
	for i := start; i < len(items) && i < start+rows; i++ {
		it := items[i]
		line := priorityStyle(it.Priority).Render("●") + " " + it.ID + " " + truncate(it.Title, width-len(it.ID)-4)
		if idx == m.col && i == m.row {
			line = cursorStyle.Render("▸ ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	if len(items) == 0 {
		b.WriteString(dimStyle.Render("  empty") + "\n")
	}

	style := columnStyle
	if idx == m.col {
		style = columnSelectedStyle
	}
	return style.Width(width).Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) viewIssues() string {
	if m.status == nil || m.status.Analysis == nil {
		return ""
	}
	a := m.status.Analysis
	var b strings.Builder
	if len(a.Active) > 0 {
		b.WriteString("\n" + titleStyle.Render("Active") + "\n")
		for _, ws := range a.Active {
			idle := time.Since(ws.LastActivityAt).Round(time.Minute)
			fmt.Fprintf(&b, "  %s %s %s %s\n", ws.ID, ws.BacklogID, truncate(ws.Title, 40), dimStyle.Render(fmt.Sprintf("%s, idle %s", ws.Status, idle)))
		}
	}
	if !a.HasIssues() {
		return b.String()
	}
	b.WriteString("\n" + titleStyle.Render("Issues") + "\n")
	for _, s := range a.Stalled {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  ⏸ %s (%s) stalled for %s", s.WorkstreamID, s.BacklogID, s.Idle.Round(time.Minute))) + "\n")
	}
	for _, c := range a.Conflicts {
		b.WriteString(errorStyle.Render(fmt.Sprintf("  ⚠ %s and %s share %s", c.First, c.Second, strings.Join(c.SharedTags, ", "))) + "\n")
	}
	for _, bl := range a.Blockers {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  ⛔ %s waits on %s", bl.BacklogID, strings.Join(bl.Unmet, ", "))) + "\n")
	}
	return b.String()
}

func (m Model) viewSuggestions() string {
	if m.status == nil || len(m.status.Suggestions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n" + titleStyle.Render("Next up") + "\n")
	for _, r := range m.status.Suggestions {
		fmt.Fprintf(&b, "  %d. %s %s %s\n", r.Rank, r.Item.ID, truncate(r.Item.Title, 40),
			dimStyle.Render(fmt.Sprintf("score %.1f, confidence %.2f", r.Score, r.Confidence)))
	}
	return b.String()
}

// ════════════════════════════════════════════════
// SCROLLING VIEWS: item detail and autopilot preview
// ════════════════════════════════════════════════

func (m Model) viewScroll(title string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %3.0f%%", m.viewport.ScrollPercent()*100)) + "\n\n")
	b.WriteString(m.viewport.View() + "\n\n")
	b.WriteString(footer("↑↓", "scroll", "esc", "back", "ctrl+c", "quit"))
	return b.String()
}

func (m Model) viewAnswer() string {
	title := "Answer"
	if it := m.selected(); it != nil {
		title = "Answer " + it.ID
		if it.BlockedReason != "" {
			title += ": " + it.BlockedReason
		}
	}
	return popupStyle.Render(titleStyle.Render(truncate(title, 54)) + "\n\n" + m.answerInput.View() + "\n\n" +
		footer("enter", "submit", "esc", "cancel"))
}

func footer(pairs ...string) string {
	var parts []string
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, footerKeyStyle.Render(pairs[i])+footerDescStyle.Render(" "+pairs[i+1]))
	}
	return strings.Join(parts, "  ")
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
