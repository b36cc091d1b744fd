package store

import (
	"slices"
	"time"
)

// Priority ranks a backlog item.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank orders priorities for tie-breaking: HIGH sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// ItemStatus is the lifecycle state of a backlog item.
type ItemStatus string

const (
	ItemReady      ItemStatus = "READY"
	ItemInProgress ItemStatus = "IN_PROGRESS"
	ItemDone       ItemStatus = "DONE"
	ItemBlocked    ItemStatus = "BLOCKED"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemReady, ItemInProgress, ItemDone, ItemBlocked:
		return true
	}
	return false
}

// WorkstreamStatus is the lifecycle state of a workstream.
type WorkstreamStatus string

const (
	WorkstreamRunning   WorkstreamStatus = "RUNNING"
	WorkstreamPaused    WorkstreamStatus = "PAUSED"
	WorkstreamCompleted WorkstreamStatus = "COMPLETED"
	WorkstreamFailed    WorkstreamStatus = "FAILED"
)

func (s WorkstreamStatus) Valid() bool {
	switch s {
	case WorkstreamRunning, WorkstreamPaused, WorkstreamCompleted, WorkstreamFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s WorkstreamStatus) Terminal() bool {
	return s == WorkstreamCompleted || s == WorkstreamFailed
}

// Complexity is the coarse effort tier used for scoring and learning.
type Complexity string

const (
	ComplexitySimple  Complexity = "SIMPLE"
	ComplexityMedium  Complexity = "MEDIUM"
	ComplexityComplex Complexity = "COMPLEX"
)

// Complexities lists every tier from easiest to hardest.
var Complexities = []Complexity{ComplexitySimple, ComplexityMedium, ComplexityComplex}

func (c Complexity) Valid() bool {
	return slices.Contains(Complexities, c)
}

// Action is the kind of step the autopilot decided to take.
type Action string

const (
	ActionStartWork        Action = "START_WORK"
	ActionEscalateStall    Action = "ESCALATE_STALL"
	ActionEscalateConflict Action = "ESCALATE_CONFLICT"
)

func (a Action) Valid() bool {
	switch a {
	case ActionStartWork, ActionEscalateStall, ActionEscalateConflict:
		return true
	}
	return false
}

// Mode says whether a decision was only previewed or actually carried out.
type Mode string

const (
	ModeDryRun   Mode = "DRY_RUN"
	ModeExecuted Mode = "EXECUTED"
)

func (m Mode) Valid() bool {
	return m == ModeDryRun || m == ModeExecuted
}

// Signal is an advisory instruction for the executor running a workstream.
type Signal string

const (
	SignalNone  Signal = ""
	SignalPause Signal = "pause"
	SignalKill  Signal = "kill"
)

// BacklogItem is a unit of work waiting to be done.
type BacklogItem struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	Priority             Priority   `json:"priority"`
	EstimatedEffortHours float64    `json:"estimated_effort_hours"`
	Status               ItemStatus `json:"status"`
	Tags                 []string   `json:"tags,omitempty"`
	Dependencies         []string   `json:"dependencies,omitempty"`
	BlockedReason        string     `json:"blocked_reason,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	Version              int64      `json:"version"`
}

// HasTag reports whether the item carries tag.
func (b *BacklogItem) HasTag(tag string) bool {
	return slices.Contains(b.Tags, tag)
}

// Clone returns a deep copy so callers can mutate without aliasing stored slices.
func (b BacklogItem) Clone() BacklogItem {
	b.Tags = slices.Clone(b.Tags)
	b.Dependencies = slices.Clone(b.Dependencies)
	return b
}

// Workstream is an active or finished execution of one backlog item.
type Workstream struct {
	ID                   string           `json:"id"`
	BacklogID            string           `json:"backlog_id"`
	Title                string           `json:"title"`
	Status               WorkstreamStatus `json:"status"`
	AgentRole            string           `json:"agent_role"`
	StartedAt            time.Time        `json:"started_at"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
	LastActivityAt       time.Time        `json:"last_activity_at"`
	ProgressNotes        []string         `json:"progress_notes,omitempty"`
	EstimatedEffortHours float64          `json:"estimated_effort_hours"`
	Signal               Signal           `json:"signal,omitempty"`
	Version              int64            `json:"version"`
}

func (w Workstream) Clone() Workstream {
	w.ProgressNotes = slices.Clone(w.ProgressNotes)
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		w.CompletedAt = &t
	}
	return w
}

// Elapsed returns how long the workstream ran, or has been running as of now.
func (w *Workstream) Elapsed(now time.Time) time.Duration {
	if w.CompletedAt != nil {
		return w.CompletedAt.Sub(w.StartedAt)
	}
	return now.Sub(w.StartedAt)
}

// Alternative is one candidate the autopilot considered for a decision.
type Alternative struct {
	ID         string  `json:"id"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Decision is an immutable record of one autopilot action.
type Decision struct {
	ID              string        `json:"id"`
	Timestamp       time.Time     `json:"timestamp"`
	Action          Action        `json:"action"`
	Target          string        `json:"target"`
	Rationale       string        `json:"rationale"`
	Confidence      float64       `json:"confidence"`
	Alternatives    []Alternative `json:"alternatives,omitempty"`
	OverrideCommand string        `json:"override_command,omitempty"`
	Mode            Mode          `json:"mode"`
	Outcome         string        `json:"outcome,omitempty"`
}

// OutcomeRecord captures how a finished workstream compared to its estimate.
type OutcomeRecord struct {
	WorkstreamID         string     `json:"workstream_id"`
	BacklogID            string     `json:"backlog_id"`
	Title                string     `json:"title,omitempty"`
	Tags                 []string   `json:"tags,omitempty"`
	EstimatedEffortHours float64    `json:"estimated_effort_hours"`
	ActualDurationHours  float64    `json:"actual_duration_hours"`
	Success              bool       `json:"success"`
	BlockersEncountered  []string   `json:"blockers_encountered,omitempty"`
	ComplexityCategory   Complexity `json:"complexity_category"`
	Notes                string     `json:"notes,omitempty"`
	RecordedAt           time.Time  `json:"recorded_at"`
}

// EstimationError is (actual - estimated) / estimated; positive means the
// work took longer than planned.
func (o *OutcomeRecord) EstimationError() float64 {
	if o.EstimatedEffortHours <= 0 {
		return 0
	}
	return (o.ActualDurationHours - o.EstimatedEffortHours) / o.EstimatedEffortHours
}

// Event represents something that happened to an item or workstream.
type Event struct {
	ID        int64     `json:"id"`
	SubjectID string    `json:"subject_id"`
	Kind      string    `json:"kind"` // created, started, progress, signal, completed, failed, escalation
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time copy of the items and workstreams.
type Snapshot struct {
	Items       []BacklogItem
	Workstreams []Workstream
	TakenAt     time.Time
}

// Item looks up a backlog item in the snapshot.
func (s *Snapshot) Item(id string) (BacklogItem, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return BacklogItem{}, false
}

// Running returns the RUNNING workstreams in the snapshot.
func (s *Snapshot) Running() []Workstream {
	var out []Workstream
	for _, ws := range s.Workstreams {
		if ws.Status == WorkstreamRunning {
			out = append(out, ws)
		}
	}
	return out
}
