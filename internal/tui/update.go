package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/foreman/internal/store"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.answering {
			return m.handleAnswerKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vw := m.width - 4
		vh := m.height - 6
		if vw < 20 {
			vw = 20
		}
		if vh < 6 {
			vh = 6
		}
		m.viewport.Width = vw
		m.viewport.Height = vh
		return m, nil

	case boardLoadedMsg:
		m.refreshing = false
		if msg.err != nil {
			m.setStatus("Failed to refresh: " + msg.err.Error())
			return m, nil
		}
		m.rebuildBoard(msg.items)
		m.status = msg.status
		return m, nil

	case detailLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load " + msg.id + ": " + msg.err.Error())
			return m, nil
		}
		m.detailID = msg.id
		m.viewport.SetContent(msg.content)
		m.viewport.GotoTop()
		m.screen = screenDetail
		return m, nil

	case decisionsMsg:
		if msg.err != nil {
			m.setStatus("Autopilot failed: " + msg.err.Error())
			return m, nil
		}
		m.viewport.SetContent(renderDecisions(msg.decisions))
		m.viewport.GotoTop()
		m.screen = screenDecisions
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.setStatus("Failed: " + msg.err.Error())
		} else {
			m.setStatus(msg.msg)
		}
		m.refreshing = true
		return m, m.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		cmds := []tea.Cmd{tickCmd()}
		if m.statusMsg != "" && time.Since(m.statusTime) > statusTTL {
			m.statusMsg = ""
		}
		if !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.refresh())
		}
		return m, tea.Batch(cmds...)
	}

	if m.screen != screenBoard {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "q":
		if m.screen == screenBoard {
			m.quitting = true
			return m, tea.Quit
		}
		m.screen = screenBoard
		return m, nil
	case "esc":
		m.screen = screenBoard
		return m, nil
	}

	if m.screen != screenBoard {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m.handleBoardKey(msg)
}

func (m Model) handleBoardKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "h", "left":
		m.col--
		m.clampCursor()
	case "l", "right", "tab":
		m.col++
		m.clampCursor()
	case "k", "up":
		m.row--
		m.clampCursor()
	case "j", "down":
		m.row++
		m.clampCursor()

	case "enter", " ":
		if it := m.selected(); it != nil {
			return m, m.loadDetail(*it)
		}

	case "s":
		it := m.selected()
		if it == nil || it.Status != store.ItemReady {
			m.setStatus("Select a READY item to start.")
			return m, nil
		}
		return m, m.startItem(it.ID)

	case "p":
		it := m.selected()
		if it == nil || it.Status != store.ItemInProgress {
			m.setStatus("Select an IN_PROGRESS item to pause or resume.")
			return m, nil
		}
		return m, m.togglePause(it.ID)

	case "u":
		it := m.selected()
		if it == nil || it.Status != store.ItemBlocked {
			m.setStatus("Select a BLOCKED item to answer.")
			return m, nil
		}
		m.answering = true
		m.answerInput.Reset()
		m.answerInput.Focus()
		return m, textinput.Blink

	case "a":
		m.setStatus("Previewing autopilot...")
		return m, m.previewAutopilot()

	case "r":
		if !m.refreshing {
			m.refreshing = true
			return m, m.refresh()
		}
	}
	return m, nil
}

func (m Model) handleAnswerKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.answering = false
		m.answerInput.Blur()
		return m, nil
	case tea.KeyEnter:
		answer := strings.TrimSpace(m.answerInput.Value())
		it := m.selected()
		m.answering = false
		m.answerInput.Blur()
		if answer == "" || it == nil {
			return m, nil
		}
		return m, m.unblock(it.ID, answer)
	}
	var cmd tea.Cmd
	m.answerInput, cmd = m.answerInput.Update(msg)
	return m, cmd
}

func renderDecisions(decisions []store.Decision) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Autopilot preview") + "\n\n")
	if len(decisions) == 0 {
		b.WriteString(dimStyle.Render("No action needed.") + "\n")
		return b.String()
	}
	for _, d := range decisions {
		fmt.Fprintf(&b, "%s %s  %s\n", actionStyle(d.Action).Render(string(d.Action)), d.Target, dimStyle.Render(fmt.Sprintf("confidence %.2f", d.Confidence)))
		fmt.Fprintf(&b, "  %s\n", d.Rationale)
		for i, alt := range d.Alternatives {
			fmt.Fprintf(&b, "  %s\n", dimStyle.Render(fmt.Sprintf("%d. %s (score %.1f)", i+1, alt.ID, alt.Score)))
		}
		if d.OverrideCommand != "" {
			fmt.Fprintf(&b, "  override: %s\n", d.OverrideCommand)
		}
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("Run `foreman autopilot --execute` to apply."))
	return b.String()
}
