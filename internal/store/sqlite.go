package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the durable EntityStore backed by a single SQLite file.
type SQLite struct {
	db   *sql.DB
	opts Options
}

var _ EntityStore = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at dbPath and applies pending migrations.
func OpenSQLite(dbPath string, opts Options) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Immediate transactions take the write lock up front so that the
	// capacity check and the insert it guards cannot interleave across processes.
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, opts: opts.withDefaults()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Capacity returns the RUNNING workstream limit enforced on start and resume.
func (s *SQLite) Capacity() int {
	return s.opts.Capacity
}

var migrations = []string{
	`
	CREATE TABLE items (
		id                      TEXT PRIMARY KEY,
		title                   TEXT NOT NULL,
		description             TEXT NOT NULL DEFAULT '',
		priority                TEXT NOT NULL,
		estimated_effort_hours  REAL NOT NULL,
		status                  TEXT NOT NULL,
		tags                    TEXT NOT NULL DEFAULT '[]',
		dependencies            TEXT NOT NULL DEFAULT '[]',
		blocked_reason          TEXT NOT NULL DEFAULT '',
		created_at              TEXT NOT NULL,
		updated_at              TEXT NOT NULL,
		version                 INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE workstreams (
		id                      TEXT PRIMARY KEY,
		backlog_id              TEXT NOT NULL REFERENCES items(id),
		title                   TEXT NOT NULL,
		status                  TEXT NOT NULL,
		agent_role              TEXT NOT NULL DEFAULT '',
		started_at              TEXT NOT NULL,
		completed_at            TEXT,
		last_activity_at        TEXT NOT NULL,
		progress_notes          TEXT NOT NULL DEFAULT '[]',
		estimated_effort_hours  REAL NOT NULL,
		signal                  TEXT NOT NULL DEFAULT '',
		version                 INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX idx_workstreams_backlog ON workstreams(backlog_id);
	CREATE INDEX idx_workstreams_status ON workstreams(status);

	CREATE TABLE decisions (
		seq               INTEGER PRIMARY KEY AUTOINCREMENT,
		id                TEXT NOT NULL UNIQUE,
		timestamp         TEXT NOT NULL,
		action            TEXT NOT NULL,
		target            TEXT NOT NULL,
		rationale         TEXT NOT NULL DEFAULT '',
		confidence        REAL NOT NULL,
		alternatives      TEXT NOT NULL DEFAULT '[]',
		override_command  TEXT NOT NULL DEFAULT '',
		mode              TEXT NOT NULL,
		outcome           TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE outcomes (
		seq                     INTEGER PRIMARY KEY AUTOINCREMENT,
		workstream_id           TEXT NOT NULL UNIQUE,
		backlog_id              TEXT NOT NULL,
		title                   TEXT NOT NULL DEFAULT '',
		tags                    TEXT NOT NULL DEFAULT '[]',
		estimated_effort_hours  REAL NOT NULL,
		actual_duration_hours   REAL NOT NULL,
		success                 INTEGER NOT NULL,
		blockers                TEXT NOT NULL DEFAULT '[]',
		complexity              TEXT NOT NULL,
		notes                   TEXT NOT NULL DEFAULT '',
		recorded_at             TEXT NOT NULL
	);

	CREATE TABLE events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_id  TEXT NOT NULL,
		kind        TEXT NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		timestamp   TEXT NOT NULL
	);
	CREATE INDEX idx_events_subject ON events(subject_id);

	CREATE TABLE counters (
		name   TEXT PRIMARY KEY,
		value  INTEGER NOT NULL
	);
	`,
}

// migrate applies every migration newer than the recorded schema version,
// each inside its own transaction.
func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		applied_at  TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", version, err)
		}
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			version, formatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", version, err)
		}
	}
	return nil
}

// inTx runs fn in a transaction, rolling back on any error.
func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ioErr("commit", err)
	}
	return nil
}

// --- Backlog items ---

const itemColumns = `id, title, description, priority, estimated_effort_hours, status, tags, dependencies, blocked_reason, created_at, updated_at, version`

// CreateItem inserts a new item, assigning the next BL-### id when none is given.
func (s *SQLite) CreateItem(ctx context.Context, item BacklogItem) (*BacklogItem, error) {
	now := time.Now().UTC()
	it := item.Clone()
	normalizeItem(&it)
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	it.Version = 1

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if it.ID == "" {
			id, err := nextID(ctx, tx, ItemPrefix)
			if err != nil {
				return err
			}
			it.ID = id
		} else if err := bumpCounter(ctx, tx, ItemPrefix, it.ID); err != nil {
			return err
		}
		if err := validateItem(&it); err != nil {
			return err
		}
		graph, err := loadGraph(ctx, tx)
		if err != nil {
			return err
		}
		if _, exists := graph[it.ID]; exists {
			return invalid("id", "%s already exists", it.ID)
		}
		if err := checkGraph(&it, graph); err != nil {
			return err
		}
		if err := insertItem(ctx, tx, &it); err != nil {
			return err
		}
		return insertEvent(ctx, tx, Event{SubjectID: it.ID, Kind: "created", Content: "Item created: " + it.Title})
	})
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// GetItem returns a single backlog item by id.
func (s *SQLite) GetItem(ctx context.Context, id string) (*BacklogItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("item", id)
	}
	return it, err
}

// ListItems returns items matching f in natural id order.
func (s *SQLite) ListItems(ctx context.Context, f ItemFilter) ([]BacklogItem, error) {
	return queryItems(ctx, s.db, f)
}

// PutItem replaces an item wholesale, inserting it if it does not exist.
// A non-zero Version must match the stored version.
func (s *SQLite) PutItem(ctx context.Context, item BacklogItem) (*BacklogItem, error) {
	now := time.Now().UTC()
	it := item.Clone()
	normalizeItem(&it)
	if err := validateItem(&it); err != nil {
		return nil, err
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		graph, err := loadGraph(ctx, tx)
		if err != nil {
			return err
		}
		if err := checkGraph(&it, graph); err != nil {
			return err
		}

		cur, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, it.ID))
		if errors.Is(err, ErrNotFound) {
			if it.CreatedAt.IsZero() {
				it.CreatedAt = now
			}
			it.UpdatedAt = now
			it.Version = 1
			if err := bumpCounter(ctx, tx, ItemPrefix, it.ID); err != nil {
				return err
			}
			return insertItem(ctx, tx, &it)
		}
		if err != nil {
			return err
		}
		if it.Version != 0 && it.Version != cur.Version {
			return fmt.Errorf("put item %s at version %d (stored %d): %w", it.ID, it.Version, cur.Version, ErrConflict)
		}
		it.CreatedAt = cur.CreatedAt
		it.UpdatedAt = now
		it.Version = cur.Version + 1
		return updateItem(ctx, tx, &it, cur.Version)
	})
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// UpdateItem applies mutate to the current item under compare-and-swap.
func (s *SQLite) UpdateItem(ctx context.Context, id string, mutate func(*BacklogItem) error) (*BacklogItem, error) {
	var out BacklogItem
	err := retryCAS(ctx, s.opts, func() error {
		cur, err := s.GetItem(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		normalizeItem(&next)
		if next.ID != cur.ID {
			return invalid("id", "is immutable")
		}
		if err := validateItem(&next); err != nil {
			return err
		}
		next.CreatedAt = cur.CreatedAt
		next.UpdatedAt = time.Now().UTC()
		next.Version = cur.Version + 1

		return s.inTx(ctx, func(tx *sql.Tx) error {
			if !slices.Equal(next.Dependencies, cur.Dependencies) {
				graph, err := loadGraph(ctx, tx)
				if err != nil {
					return err
				}
				if err := checkGraph(&next, graph); err != nil {
					return err
				}
			}
			if err := updateItem(ctx, tx, &next, cur.Version); err != nil {
				return err
			}
			out = next
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("update item %s: %w", id, err)
	}
	return &out, nil
}

func insertItem(ctx context.Context, tx *sql.Tx, it *BacklogItem) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Title, it.Description, string(it.Priority), it.EstimatedEffortHours, string(it.Status),
		encodeJSON(it.Tags), encodeJSON(it.Dependencies), it.BlockedReason,
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt), it.Version,
	)
	if err != nil {
		return ioErr("insert item", err)
	}
	return nil
}

// updateItem writes it only if the stored version still equals expected.
func updateItem(ctx context.Context, tx *sql.Tx, it *BacklogItem, expected int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE items SET title = ?, description = ?, priority = ?, estimated_effort_hours = ?, status = ?,
		 tags = ?, dependencies = ?, blocked_reason = ?, updated_at = ?, version = ?
		 WHERE id = ? AND version = ?`,
		it.Title, it.Description, string(it.Priority), it.EstimatedEffortHours, string(it.Status),
		encodeJSON(it.Tags), encodeJSON(it.Dependencies), it.BlockedReason, formatTime(it.UpdatedAt), it.Version,
		it.ID, expected,
	)
	if err != nil {
		return ioErr("update item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errStale
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryItems(ctx context.Context, q queryer, f ItemFilter) ([]BacklogItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+itemColumns+` FROM items`)
	if err != nil {
		return nil, ioErr("query items", err)
	}
	defer rows.Close()

	var items []BacklogItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if f.match(it) {
			items = append(items, *it)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("query items", err)
	}
	slices.SortFunc(items, func(a, b BacklogItem) int { return CompareIDs(a.ID, b.ID) })
	return items, nil
}

// loadGraph returns every item id mapped to its dependencies.
func loadGraph(ctx context.Context, tx *sql.Tx) (map[string][]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, dependencies FROM items`)
	if err != nil {
		return nil, ioErr("load dependency graph", err)
	}
	defer rows.Close()

	graph := map[string][]string{}
	for rows.Next() {
		var id, deps string
		if err := rows.Scan(&id, &deps); err != nil {
			return nil, ioErr("scan dependency graph", err)
		}
		graph[id] = decodeList(deps)
	}
	return graph, rows.Err()
}

// --- Workstreams ---

const workstreamColumns = `id, backlog_id, title, status, agent_role, started_at, completed_at, last_activity_at, progress_notes, estimated_effort_hours, signal, version`

// StartWorkstream atomically checks capacity and the one-active-workstream
// rule, inserts ws as RUNNING and moves its backlog item to IN_PROGRESS.
func (s *SQLite) StartWorkstream(ctx context.Context, ws Workstream) (*Workstream, error) {
	w := ws.Clone()
	prepareWorkstream(&w)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, w.BacklogID))
		if errors.Is(err, ErrNotFound) {
			return notFound("item", w.BacklogID)
		}
		if err != nil {
			return err
		}
		fillFromItem(&w, item)
		if err := validateNewWorkstream(&w); err != nil {
			return err
		}

		var open int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workstreams WHERE backlog_id = ? AND status IN (?, ?)`,
			w.BacklogID, string(WorkstreamRunning), string(WorkstreamPaused),
		).Scan(&open); err != nil {
			return ioErr("count open workstreams", err)
		}
		if open > 0 {
			return invalid("backlog_id", "%s already has an active workstream", w.BacklogID)
		}
		if err := s.checkCapacity(ctx, tx); err != nil {
			return err
		}

		if w.ID == "" {
			if w.ID, err = nextID(ctx, tx, WorkstreamPrefix); err != nil {
				return err
			}
		} else if err := bumpCounter(ctx, tx, WorkstreamPrefix, w.ID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workstreams (`+workstreamColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.BacklogID, w.Title, string(w.Status), w.AgentRole, formatTime(w.StartedAt), nil,
			formatTime(w.LastActivityAt), encodeJSON(w.ProgressNotes), w.EstimatedEffortHours, string(w.Signal), w.Version,
		); err != nil {
			return ioErr("insert workstream", err)
		}

		item.Status = ItemInProgress
		item.BlockedReason = ""
		item.UpdatedAt = w.StartedAt
		expected := item.Version
		item.Version++
		if err := updateItem(ctx, tx, item, expected); err != nil {
			return err
		}
		return insertEvent(ctx, tx, Event{
			SubjectID: w.BacklogID,
			Kind:      "started",
			Content:   fmt.Sprintf("Workstream %s started (role: %s)", w.ID, w.AgentRole),
		})
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// checkCapacity fails with a CapacityError when RUNNING workstreams are at the limit.
func (s *SQLite) checkCapacity(ctx context.Context, tx *sql.Tx) error {
	var running int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workstreams WHERE status = ?`, string(WorkstreamRunning),
	).Scan(&running); err != nil {
		return ioErr("count running workstreams", err)
	}
	if running >= s.opts.Capacity {
		return &CapacityError{Active: running, Max: s.opts.Capacity}
	}
	return nil
}

// GetWorkstream returns a single workstream by id.
func (s *SQLite) GetWorkstream(ctx context.Context, id string) (*Workstream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workstreamColumns+` FROM workstreams WHERE id = ?`, id)
	ws, err := scanWorkstream(row)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("workstream", id)
	}
	return ws, err
}

// ListWorkstreams returns workstreams matching f in natural id order.
func (s *SQLite) ListWorkstreams(ctx context.Context, f WorkstreamFilter) ([]Workstream, error) {
	return queryWorkstreams(ctx, s.db, f)
}

// UpdateWorkstream applies mutate under compare-and-swap. Terminal
// workstreams are immutable, and resuming into RUNNING re-checks capacity.
func (s *SQLite) UpdateWorkstream(ctx context.Context, id string, mutate func(*Workstream) error) (*Workstream, error) {
	var out Workstream
	err := retryCAS(ctx, s.opts, func() error {
		cur, err := s.GetWorkstream(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		if err := validateWorkstreamChange(cur, &next); err != nil {
			return err
		}
		next.Version = cur.Version + 1

		return s.inTx(ctx, func(tx *sql.Tx) error {
			if next.Status == WorkstreamRunning && cur.Status != WorkstreamRunning {
				if err := s.checkCapacity(ctx, tx); err != nil {
					return err
				}
			}
			if err := updateWorkstream(ctx, tx, &next, cur.Version); err != nil {
				return err
			}
			out = next
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("update workstream %s: %w", id, err)
	}
	return &out, nil
}

// CompleteWorkstream applies c in one transaction.
func (s *SQLite) CompleteWorkstream(ctx context.Context, id string, c Closure) (*Workstream, *OutcomeRecord, error) {
	var out Workstream
	var rec *OutcomeRecord
	err := retryCAS(ctx, s.opts, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			cur, err := scanWorkstream(tx.QueryRowContext(ctx, `SELECT `+workstreamColumns+` FROM workstreams WHERE id = ?`, id))
			if errors.Is(err, ErrNotFound) {
				return notFound("workstream", id)
			}
			if err != nil {
				return err
			}
			item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, cur.BacklogID))
			if errors.Is(err, ErrNotFound) {
				return notFound("item", cur.BacklogID)
			}
			if err != nil {
				return err
			}

			ws, it, o, err := c.apply(cur, item)
			if err != nil {
				return err
			}
			if err := updateWorkstream(ctx, tx, ws, cur.Version); err != nil {
				return err
			}
			if it != nil {
				if err := updateItem(ctx, tx, it, item.Version); err != nil {
					return err
				}
			}
			if o != nil {
				if err := insertOutcome(ctx, tx, o); err != nil {
					return err
				}
			}
			out, rec = *ws, o
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("complete workstream %s: %w", id, err)
	}
	return &out, rec, nil
}

// updateWorkstream writes ws only if the stored version still equals expected.
func updateWorkstream(ctx context.Context, tx *sql.Tx, ws *Workstream, expected int64) error {
	var completed any
	if ws.CompletedAt != nil {
		completed = formatTime(*ws.CompletedAt)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE workstreams SET title = ?, status = ?, agent_role = ?, completed_at = ?, last_activity_at = ?,
		 progress_notes = ?, signal = ?, version = ?
		 WHERE id = ? AND version = ?`,
		ws.Title, string(ws.Status), ws.AgentRole, completed, formatTime(ws.LastActivityAt),
		encodeJSON(ws.ProgressNotes), string(ws.Signal), ws.Version,
		ws.ID, expected,
	)
	if err != nil {
		return ioErr("update workstream", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errStale
	}
	return nil
}

func queryWorkstreams(ctx context.Context, q queryer, f WorkstreamFilter) ([]Workstream, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+workstreamColumns+` FROM workstreams`)
	if err != nil {
		return nil, ioErr("query workstreams", err)
	}
	defer rows.Close()

	var out []Workstream
	for rows.Next() {
		ws, err := scanWorkstream(rows)
		if err != nil {
			return nil, err
		}
		if f.match(ws) {
			out = append(out, *ws)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("query workstreams", err)
	}
	slices.SortFunc(out, func(a, b Workstream) int { return CompareIDs(a.ID, b.ID) })
	return out, nil
}

// --- Decisions ---

const decisionColumns = `id, timestamp, action, target, rationale, confidence, alternatives, override_command, mode, outcome`

// AppendDecision adds d to the decision log and trims the log to the retention limit.
func (s *SQLite) AppendDecision(ctx context.Context, d Decision) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	if err := validateDecision(&d); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions WHERE id = ?`, d.ID).Scan(&n); err != nil {
			return ioErr("check decision", err)
		}
		if n > 0 {
			return invalid("id", "decision %s already recorded", d.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO decisions (`+decisionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, formatTime(d.Timestamp), string(d.Action), d.Target, d.Rationale, d.Confidence,
			encodeJSON(d.Alternatives), d.OverrideCommand, string(d.Mode), d.Outcome,
		); err != nil {
			return ioErr("insert decision", err)
		}
		if s.opts.DecisionRetention > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM decisions WHERE seq NOT IN (SELECT seq FROM decisions ORDER BY seq DESC LIMIT ?)`,
				s.opts.DecisionRetention,
			); err != nil {
				return ioErr("trim decisions", err)
			}
		}
		return nil
	})
}

// GetDecision returns a logged decision by id.
func (s *SQLite) GetDecision(ctx context.Context, id string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("decision", id)
	}
	return d, err
}

// ListDecisions returns logged decisions, newest first.
func (s *SQLite) ListDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions`
	var args []any
	if !f.Since.IsZero() {
		query += ` WHERE timestamp >= ?`
		args = append(args, formatTime(f.Since))
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioErr("query decisions", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, ioErr("scan decision", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// --- Outcomes ---

const outcomeColumns = `workstream_id, backlog_id, title, tags, estimated_effort_hours, actual_duration_hours, success, blockers, complexity, notes, recorded_at`

// RecordOutcome stores the outcome of a finished workstream. Each workstream
// gets exactly one record.
func (s *SQLite) RecordOutcome(ctx context.Context, o OutcomeRecord) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	if err := validateOutcome(&o); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertOutcome(ctx, tx, &o)
	})
}

// insertOutcome adds o unless its workstream already has a record.
func insertOutcome(ctx context.Context, tx *sql.Tx, o *OutcomeRecord) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcomes WHERE workstream_id = ?`, o.WorkstreamID).Scan(&n); err != nil {
		return ioErr("check outcome", err)
	}
	if n > 0 {
		return invalid("workstream_id", "outcome for %s already recorded", o.WorkstreamID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outcomes (`+outcomeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.WorkstreamID, o.BacklogID, o.Title, encodeJSON(o.Tags), o.EstimatedEffortHours, o.ActualDurationHours,
		o.Success, encodeJSON(o.BlockersEncountered), string(o.ComplexityCategory), o.Notes, formatTime(o.RecordedAt),
	); err != nil {
		return ioErr("insert outcome", err)
	}
	return nil
}

// ListOutcomes returns recorded outcomes oldest first.
func (s *SQLite) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]OutcomeRecord, error) {
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outcomeColumns+` FROM (
			SELECT seq, `+outcomeColumns+` FROM outcomes ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, ioErr("query outcomes", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var o OutcomeRecord
		var tags, blockers, complexity, recorded string
		if err := rows.Scan(&o.WorkstreamID, &o.BacklogID, &o.Title, &tags, &o.EstimatedEffortHours,
			&o.ActualDurationHours, &o.Success, &blockers, &complexity, &o.Notes, &recorded); err != nil {
			return nil, ioErr("scan outcome", err)
		}
		o.Tags = decodeList(tags)
		o.BlockersEncountered = decodeList(blockers)
		o.ComplexityCategory = Complexity(complexity)
		o.RecordedAt = parseTime(recorded)
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Events ---

// RecordEvent appends an audit event.
func (s *SQLite) RecordEvent(ctx context.Context, e Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, e)
	})
}

// ListEvents returns events for subjectID in order, or all events when subjectID is empty.
func (s *SQLite) ListEvents(ctx context.Context, subjectID string) ([]Event, error) {
	query := `SELECT id, subject_id, kind, content, timestamp FROM events`
	var args []any
	if subjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioErr("get events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Kind, &e.Content, &ts); err != nil {
			return nil, ioErr("scan event", err)
		}
		e.Timestamp = parseTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (subject_id, kind, content, timestamp) VALUES (?, ?, ?, ?)`,
		e.SubjectID, e.Kind, e.Content, formatTime(e.Timestamp),
	); err != nil {
		return ioErr("insert event", err)
	}
	return nil
}

// Snapshot reads all items and workstreams in one transaction.
func (s *SQLite) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if snap.Items, err = queryItems(ctx, tx, ItemFilter{}); err != nil {
			return err
		}
		if snap.Workstreams, err = queryWorkstreams(ctx, tx, WorkstreamFilter{}); err != nil {
			return err
		}
		snap.TakenAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// --- id counters ---

// nextID allocates the next monotonic id for prefix.
func nextID(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	var n int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`, prefix,
	).Scan(&n)
	if err != nil {
		return "", ioErr("allocate id", err)
	}
	return FormatID(prefix, n), nil
}

// bumpCounter keeps generated ids ahead of caller-supplied ones.
func bumpCounter(ctx context.Context, tx *sql.Tx, prefix, id string) error {
	n, ok := idNumber(prefix, id)
	if !ok {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = MAX(value, excluded.value)`, prefix, n,
	); err != nil {
		return ioErr("bump id counter", err)
	}
	return nil
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*BacklogItem, error) {
	var it BacklogItem
	var priority, status, tags, deps, created, updated string
	err := row.Scan(&it.ID, &it.Title, &it.Description, &priority, &it.EstimatedEffortHours, &status,
		&tags, &deps, &it.BlockedReason, &created, &updated, &it.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioErr("scan item", err)
	}
	it.Priority = Priority(priority)
	it.Status = ItemStatus(status)
	it.Tags = decodeList(tags)
	it.Dependencies = decodeList(deps)
	it.CreatedAt = parseTime(created)
	it.UpdatedAt = parseTime(updated)
	return &it, nil
}

func scanWorkstream(row rowScanner) (*Workstream, error) {
	var ws Workstream
	var status, started, last, notes, signal string
	var completed sql.NullString
	err := row.Scan(&ws.ID, &ws.BacklogID, &ws.Title, &status, &ws.AgentRole, &started, &completed,
		&last, &notes, &ws.EstimatedEffortHours, &signal, &ws.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioErr("scan workstream", err)
	}
	ws.Status = WorkstreamStatus(status)
	ws.StartedAt = parseTime(started)
	ws.LastActivityAt = parseTime(last)
	ws.ProgressNotes = decodeList(notes)
	ws.Signal = Signal(signal)
	if completed.Valid {
		t := parseTime(completed.String)
		ws.CompletedAt = &t
	}
	return &ws, nil
}

func scanDecision(row rowScanner) (*Decision, error) {
	var d Decision
	var ts, action, alts, mode string
	if err := row.Scan(&d.ID, &ts, &action, &d.Target, &d.Rationale, &d.Confidence, &alts,
		&d.OverrideCommand, &mode, &d.Outcome); err != nil {
		return nil, err
	}
	d.Timestamp = parseTime(ts)
	d.Action = Action(action)
	d.Mode = Mode(mode)
	if err := json.Unmarshal([]byte(alts), &d.Alternatives); err != nil {
		return nil, fmt.Errorf("decode alternatives: %w", err)
	}
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func decodeList(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}
