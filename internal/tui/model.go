package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/foreman/internal/delegation"
	"github.com/imkarma/foreman/internal/pm"
	"github.com/imkarma/foreman/internal/store"
)

// Service is what the dashboard needs from the project manager.
type Service interface {
	Items(ctx context.Context, f store.ItemFilter) ([]store.BacklogItem, error)
	Status(ctx context.Context, n int) (*pm.Status, error)
	Events(ctx context.Context, subjectID string) ([]store.Event, error)
	Prepare(ctx context.Context, backlogID string) (*delegation.Package, error)
	StartWorkstream(ctx context.Context, backlogID, role string) (*store.Workstream, error)
	UnblockItem(ctx context.Context, id, answer string) (*store.BacklogItem, error)
	ResolveWorkstream(ctx context.Context, id string) (string, error)
	Pause(ctx context.Context, id string) (*store.Workstream, error)
	Resume(ctx context.Context, id string) (*store.Workstream, error)
	Autopilot(ctx context.Context, mode store.Mode) ([]store.Decision, error)
}

type screen int

const (
	screenBoard screen = iota
	screenDetail
	screenDecisions
)

// Board columns, left to right.
var columns = []store.ItemStatus{
	store.ItemReady,
	store.ItemInProgress,
	store.ItemBlocked,
	store.ItemDone,
}

const (
	refreshInterval = 3 * time.Second
	statusTTL       = 5 * time.Second
	suggestionCount = 3
)

// Model is the bubbletea model for the dashboard.
type Model struct {
	ctx context.Context
	svc Service

	width, height int
	screen        screen
	quitting      bool

	board  [][]store.BacklogItem
	col    int
	row    int
	status *pm.Status

	detailID string
	viewport viewport.Model
	spinner  spinner.Model

	answering   bool
	answerInput textinput.Model

	refreshing bool
	statusMsg  string
	statusTime time.Time
}

// New creates the dashboard model.
func New(ctx context.Context, svc Service) Model {
	ai := textinput.New()
	ai.Placeholder = "Your answer..."
	ai.CharLimit = 500
	ai.Width = 56

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = dimStyle

	return Model{
		ctx:         ctx,
		svc:         svc,
		board:       make([][]store.BacklogItem, len(columns)),
		viewport:    viewport.New(80, 20),
		spinner:     sp,
		answerInput: ai,
		refreshing:  true,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd(), m.spinner.Tick)
}

// --- Messages ---

type boardLoadedMsg struct {
	items  []store.BacklogItem
	status *pm.Status
	err    error
}

type detailLoadedMsg struct {
	id      string
	content string
	err     error
}

type actionDoneMsg struct {
	msg string
	err error
}

type decisionsMsg struct {
	decisions []store.Decision
	err       error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// --- Commands ---

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		items, err := m.svc.Items(m.ctx, store.ItemFilter{})
		if err != nil {
			return boardLoadedMsg{err: err}
		}
		st, err := m.svc.Status(m.ctx, suggestionCount)
		return boardLoadedMsg{items: items, status: st, err: err}
	}
}

func (m Model) loadDetail(it store.BacklogItem) tea.Cmd {
	id := it.ID
	return func() tea.Msg {
		events, err := m.svc.Events(m.ctx, id)
		if err != nil {
			return detailLoadedMsg{id: id, err: err}
		}
		var b strings.Builder
		b.WriteString(titleStyle.Render("Events") + "\n")
		if len(events) == 0 {
			b.WriteString(dimStyle.Render("  none") + "\n")
		}
		for _, e := range events {
			fmt.Fprintf(&b, "  %s  %-12s %s\n", dimStyle.Render(e.Timestamp.Local().Format("01-02 15:04")), e.Kind, e.Content)
		}
		if it.Status != store.ItemReady {
			return detailLoadedMsg{id: id, content: b.String()}
		}
		if pkg, err := m.svc.Prepare(m.ctx, id); err == nil {
			b.WriteString("\n" + titleStyle.Render("Delegation brief") + "\n\n")
			b.WriteString(pkg.Prompt())
		}
		return detailLoadedMsg{id: id, content: b.String()}
	}
}

func (m Model) startItem(id string) tea.Cmd {
	return func() tea.Msg {
		ws, err := m.svc.StartWorkstream(m.ctx, id, "")
		if err != nil {
			return actionDoneMsg{err: fmt.Errorf("start %s: %w", id, err)}
		}
		return actionDoneMsg{msg: fmt.Sprintf("Started %s for %s", ws.ID, id)}
	}
}

func (m Model) togglePause(id string) tea.Cmd {
	return func() tea.Msg {
		wsID, err := m.svc.ResolveWorkstream(m.ctx, id)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		ws, err := m.svc.Pause(m.ctx, wsID)
		if errors.Is(err, store.ErrValidation) {
			// Already paused: resume instead.
			ws, err = m.svc.Resume(m.ctx, wsID)
		}
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{msg: fmt.Sprintf("%s is %s", ws.ID, ws.Status)}
	}
}

func (m Model) unblock(id, answer string) tea.Cmd {
	return func() tea.Msg {
		if _, err := m.svc.UnblockItem(m.ctx, id, answer); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{msg: id + " unblocked"}
	}
}

func (m Model) previewAutopilot() tea.Cmd {
	return func() tea.Msg {
		d, err := m.svc.Autopilot(m.ctx, store.ModeDryRun)
		return decisionsMsg{decisions: d, err: err}
	}
}

// --- Helpers ---

func (m *Model) rebuildBoard(items []store.BacklogItem) {
	board := make([][]store.BacklogItem, len(columns))
	for _, it := range items {
		for i, s := range columns {
			if it.Status == s {
				board[i] = append(board[i], it)
			}
		}
	}
	m.board = board
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.col < 0 {
		m.col = 0
	}
	if m.col >= len(columns) {
		m.col = len(columns) - 1
	}
	n := len(m.board[m.col])
	if m.row >= n {
		m.row = n - 1
	}
	if m.row < 0 {
		m.row = 0
	}
}

func (m Model) selected() *store.BacklogItem {
	items := m.board[m.col]
	if m.row < 0 || m.row >= len(items) {
		return nil
	}
	return &items[m.row]
}

func (m *Model) setStatus(msg string) {
	m.statusMsg = msg
	m.statusTime = time.Now()
}
