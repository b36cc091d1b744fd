package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSQLite creates a temporary SQLite store for testing.
func testSQLite(t *testing.T, opts Options) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"), opts)
	require.NoError(t, err, "open store")
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs fn against both implementations.
func forEachStore(t *testing.T, opts Options, fn func(t *testing.T, s EntityStore)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) { fn(t, testSQLite(t, opts)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory(opts)) })
}

func mustCreate(t *testing.T, s EntityStore, item BacklogItem) *BacklogItem {
	t.Helper()
	if item.EstimatedEffortHours == 0 {
		item.EstimatedEffortHours = 2
	}
	if item.Title == "" {
		item.Title = "item " + item.ID
	}
	it, err := s.CreateItem(context.Background(), item)
	require.NoError(t, err, "CreateItem(%s)", item.ID)
	return it
}

func finish(t *testing.T, s EntityStore, wsID string, status WorkstreamStatus) {
	t.Helper()
	_, err := s.UpdateWorkstream(context.Background(), wsID, func(ws *Workstream) error {
		now := time.Now().UTC()
		ws.Status = status
		ws.CompletedAt = &now
		return nil
	})
	require.NoError(t, err, "finish %s", wsID)
}

func TestOpenSQLite_CreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "foreman.db")

	s, err := OpenSQLite(dbPath, Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, 5, s.Capacity(), "default capacity")
}

func TestOpenSQLite_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "foreman.db")
	ctx := context.Background()

	s, err := OpenSQLite(dbPath, Options{})
	require.NoError(t, err)
	_, err = s.CreateItem(ctx, BacklogItem{Title: "persist me", EstimatedEffortHours: 1})
	require.NoError(t, err)
	s.Close()

	s, err = OpenSQLite(dbPath, Options{})
	require.NoError(t, err, "reopen")
	defer s.Close()

	it, err := s.GetItem(ctx, "BL-001")
	require.NoError(t, err)
	assert.Equal(t, "persist me", it.Title)

	next, err := s.CreateItem(ctx, BacklogItem{Title: "second", EstimatedEffortHours: 1})
	require.NoError(t, err)
	assert.Equal(t, "BL-002", next.ID, "counter survives reopen")
}

func TestCreateItem_AssignsSequentialIDs(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		first := mustCreate(t, s, BacklogItem{Title: "one"})
		second := mustCreate(t, s, BacklogItem{Title: "two"})
		assert.Equal(t, "BL-001", first.ID)
		assert.Equal(t, "BL-002", second.ID)
		assert.EqualValues(t, 1, first.Version)
	})
}

func TestCreateItem_Defaults(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		it := mustCreate(t, s, BacklogItem{Title: "  spaced  ", Tags: []string{"API", "api", " ui "}})
		assert.Equal(t, PriorityMedium, it.Priority)
		assert.Equal(t, ItemReady, it.Status)
		assert.Equal(t, "spaced", it.Title)
		assert.Equal(t, []string{"api", "ui"}, it.Tags)
	})
}

func TestCreateItem_ExplicitIDBumpsCounter(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		mustCreate(t, s, BacklogItem{ID: "BL-010"})
		next := mustCreate(t, s, BacklogItem{})
		assert.Equal(t, "BL-011", next.ID)

		_, err := s.CreateItem(context.Background(), BacklogItem{ID: "BL-010", Title: "dup", EstimatedEffortHours: 1})
		assert.ErrorIs(t, err, ErrValidation, "duplicate id")
	})
}

func TestCreateItem_Validation(t *testing.T) {
	cases := []struct {
		name string
		item BacklogItem
	}{
		{"empty title", BacklogItem{EstimatedEffortHours: 1}},
		{"zero effort", BacklogItem{Title: "x"}},
		{"negative effort", BacklogItem{Title: "x", EstimatedEffortHours: -1}},
		{"bad priority", BacklogItem{Title: "x", EstimatedEffortHours: 1, Priority: "URGENT"}},
		{"bad status", BacklogItem{Title: "x", EstimatedEffortHours: 1, Status: "WAITING"}},
		{"unknown dependency", BacklogItem{Title: "x", EstimatedEffortHours: 1, Dependencies: []string{"BL-999"}}},
		{"self dependency", BacklogItem{ID: "BL-5", Title: "x", EstimatedEffortHours: 1, Dependencies: []string{"BL-5"}}},
	}
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		for _, tc := range cases {
			_, err := s.CreateItem(context.Background(), tc.item)
			assert.ErrorIs(t, err, ErrValidation, tc.name)
			var ve *ValidationError
			if assert.ErrorAs(t, err, &ve, tc.name) {
				assert.NotEmpty(t, ve.Reason, tc.name)
			}
		}
	})
}

func TestUpdateItem_RejectsCycle(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		mustCreate(t, s, BacklogItem{ID: "BL-1"})
		mustCreate(t, s, BacklogItem{ID: "BL-2", Dependencies: []string{"BL-1"}})
		mustCreate(t, s, BacklogItem{ID: "BL-3", Dependencies: []string{"BL-2"}})

		_, err := s.UpdateItem(ctx, "BL-1", func(it *BacklogItem) error {
			it.Dependencies = []string{"BL-3"}
			return nil
		})
		require.ErrorIs(t, err, ErrValidation)

		it, err := s.GetItem(ctx, "BL-1")
		require.NoError(t, err)
		assert.Empty(t, it.Dependencies, "rejected update must not persist")

		_, err = s.PutItem(ctx, BacklogItem{ID: "BL-2", Title: "again", EstimatedEffortHours: 1, Dependencies: []string{"BL-3"}})
		assert.ErrorIs(t, err, ErrValidation, "cycle via PutItem")
	})
}

func TestUpdateItem_NotFound(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		_, err := s.UpdateItem(context.Background(), "BL-404", func(*BacklogItem) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateItem_BumpsVersion(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		it := mustCreate(t, s, BacklogItem{})
		updated, err := s.UpdateItem(context.Background(), it.ID, func(b *BacklogItem) error {
			b.Priority = PriorityHigh
			return nil
		})
		require.NoError(t, err)
		assert.EqualValues(t, 2, updated.Version)
		assert.Equal(t, PriorityHigh, updated.Priority)
		assert.True(t, updated.CreatedAt.Equal(it.CreatedAt), "created_at must not change on update")
	})
}

func TestUpdateItem_ConflictAfterRetries(t *testing.T) {
	opts := Options{MaxRetries: 3, Backoff: time.Millisecond}
	forEachStore(t, opts, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{})

		attempts := 0
		_, err := s.UpdateItem(ctx, it.ID, func(b *BacklogItem) error {
			attempts++
			// Another writer wins every race.
			cur, err := s.GetItem(ctx, it.ID)
			require.NoError(t, err)
			_, err = s.PutItem(ctx, *cur)
			require.NoError(t, err, "competing PutItem")
			b.Description = "lost"
			return nil
		})
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, 4, attempts, "1 attempt + 3 retries")
	})
}

func TestPutItem_VersionConflict(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{})
		stale := *it

		it.Title = "fresh"
		_, err := s.PutItem(ctx, *it)
		require.NoError(t, err)

		stale.Title = "stale"
		_, err = s.PutItem(ctx, stale)
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestUpdateItem_ConcurrentWriters(t *testing.T) {
	forEachStore(t, Options{MaxRetries: 3, Backoff: time.Millisecond}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{})

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateItem(ctx, it.ID, func(b *BacklogItem) error {
					b.Tags = append(b.Tags, fmt.Sprintf("w%d", i))
					return nil
				})
				switch {
				case err == nil:
					mu.Lock()
					succeeded++
					mu.Unlock()
				case !errors.Is(err, ErrConflict):
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		final, err := s.GetItem(ctx, it.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1+succeeded, final.Version)
		assert.Len(t, final.Tags, succeeded, "no lost updates")
	})
}

func TestStartWorkstream_MovesItemInProgress(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{Title: "Build API", EstimatedEffortHours: 3})

		ws, err := s.StartWorkstream(ctx, Workstream{BacklogID: it.ID, AgentRole: "builder"})
		require.NoError(t, err)
		assert.Equal(t, "ws-001", ws.ID)
		assert.Equal(t, WorkstreamRunning, ws.Status)
		assert.Equal(t, "Build API", ws.Title)
		assert.Equal(t, 3.0, ws.EstimatedEffortHours)
		assert.True(t, ws.LastActivityAt.Equal(ws.StartedAt), "last activity starts at started_at")

		got, err := s.GetItem(ctx, it.ID)
		require.NoError(t, err)
		assert.Equal(t, ItemInProgress, got.Status)

		stored, err := s.GetWorkstream(ctx, ws.ID)
		require.NoError(t, err)
		assert.True(t, stored.StartedAt.Equal(ws.StartedAt), "started_at round trip: %v vs %v", stored.StartedAt, ws.StartedAt)
	})
}

func TestStartWorkstream_RejectsSecondActive(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{})
		ws, err := s.StartWorkstream(ctx, Workstream{BacklogID: it.ID})
		require.NoError(t, err)

		_, err = s.StartWorkstream(ctx, Workstream{BacklogID: it.ID})
		assert.ErrorIs(t, err, ErrValidation, "second active workstream")

		finish(t, s, ws.ID, WorkstreamFailed)
		_, err = s.StartWorkstream(ctx, Workstream{BacklogID: it.ID})
		assert.NoError(t, err, "restart after terminal workstream")
	})
}

func TestStartWorkstream_UnknownItem(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		_, err := s.StartWorkstream(context.Background(), Workstream{BacklogID: "BL-404"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStartWorkstream_Capacity(t *testing.T) {
	forEachStore(t, Options{Capacity: 2}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		for range 3 {
			mustCreate(t, s, BacklogItem{})
		}
		for _, id := range []string{"BL-001", "BL-002"} {
			_, err := s.StartWorkstream(ctx, Workstream{BacklogID: id})
			require.NoError(t, err, "start %s", id)
		}

		_, err := s.StartWorkstream(ctx, Workstream{BacklogID: "BL-003"})
		var ce *CapacityError
		require.ErrorAs(t, err, &ce)
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assert.Equal(t, "at capacity: 2/2", ce.Error())

		it, err := s.GetItem(ctx, "BL-003")
		require.NoError(t, err)
		assert.Equal(t, ItemReady, it.Status, "rejected start must leave the item READY")
	})
}

func TestUpdateWorkstream_TerminalImmutable(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{})
		ws, err := s.StartWorkstream(ctx, Workstream{BacklogID: it.ID})
		require.NoError(t, err)
		finish(t, s, ws.ID, WorkstreamCompleted)

		_, err = s.UpdateWorkstream(ctx, ws.ID, func(w *Workstream) error {
			w.ProgressNotes = append(w.ProgressNotes, "late note")
			return nil
		})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestUpdateWorkstream_Rules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Workstream)
	}{
		{"truncate notes", func(w *Workstream) { w.ProgressNotes = nil }},
		{"rewrite note", func(w *Workstream) { w.ProgressNotes = []string{"changed"} }},
		{"change estimate", func(w *Workstream) { w.EstimatedEffortHours = 99 }},
		{"change backlog", func(w *Workstream) { w.BacklogID = "BL-999" }},
		{"terminal without completed_at", func(w *Workstream) { w.Status = WorkstreamCompleted }},
		{"completed_at while running", func(w *Workstream) { now := time.Now(); w.CompletedAt = &now }},
	}
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{})
		ws, err := s.StartWorkstream(ctx, Workstream{BacklogID: it.ID, ProgressNotes: []string{"first"}})
		require.NoError(t, err)
		for _, tc := range cases {
			_, err := s.UpdateWorkstream(ctx, ws.ID, func(w *Workstream) error {
				tc.mutate(w)
				return nil
			})
			assert.ErrorIs(t, err, ErrValidation, tc.name)
		}
	})
}

func TestUpdateWorkstream_ResumeChecksCapacity(t *testing.T) {
	forEachStore(t, Options{Capacity: 1}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		mustCreate(t, s, BacklogItem{})
		mustCreate(t, s, BacklogItem{})

		first, err := s.StartWorkstream(ctx, Workstream{BacklogID: "BL-001"})
		require.NoError(t, err)
		_, err = s.UpdateWorkstream(ctx, first.ID, func(w *Workstream) error {
			w.Status = WorkstreamPaused
			return nil
		})
		require.NoError(t, err, "pause")
		_, err = s.StartWorkstream(ctx, Workstream{BacklogID: "BL-002"})
		require.NoError(t, err, "start with the paused slot free")

		_, err = s.UpdateWorkstream(ctx, first.ID, func(w *Workstream) error {
			w.Status = WorkstreamRunning
			return nil
		})
		assert.ErrorIs(t, err, ErrCapacityExceeded, "resume")
	})
}

// closeAs returns a closure that finishes a workstream with status and moves
// its item to itemStatus.
func closeAs(status WorkstreamStatus, itemStatus ItemStatus, note string) Closure {
	return Closure{
		Close: func(ws *Workstream) error {
			now := time.Now().UTC()
			ws.Status = status
			ws.CompletedAt = &now
			ws.ProgressNotes = append(ws.ProgressNotes, note)
			return nil
		},
		Item: func(it *BacklogItem) error {
			it.Status = itemStatus
			return nil
		},
		Outcome: func(ws *Workstream, it *BacklogItem) (*OutcomeRecord, error) {
			return &OutcomeRecord{
				WorkstreamID:         ws.ID,
				BacklogID:            it.ID,
				Tags:                 it.Tags,
				EstimatedEffortHours: ws.EstimatedEffortHours,
				ActualDurationHours:  1,
				Success:              status == WorkstreamCompleted,
				ComplexityCategory:   ComplexitySimple,
				Notes:                note,
			}, nil
		},
	}
}

func TestCompleteWorkstream_AllWritesLand(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{Tags: []string{"api"}})
		ws, err := s.StartWorkstream(ctx, Workstream{BacklogID: it.ID})
		require.NoError(t, err)

		done, rec, err := s.CompleteWorkstream(ctx, ws.ID, closeAs(WorkstreamCompleted, ItemDone, "merged"))
		require.NoError(t, err)
		assert.Equal(t, WorkstreamCompleted, done.Status)
		assert.Equal(t, ws.Version+1, done.Version)
		require.NotNil(t, rec)
		assert.Equal(t, []string{"api"}, rec.Tags)
		assert.False(t, rec.RecordedAt.IsZero())

		stored, err := s.GetWorkstream(ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, WorkstreamCompleted, stored.Status)
		require.NotNil(t, stored.CompletedAt)
		assert.Equal(t, []string{"merged"}, stored.ProgressNotes)

		item, err := s.GetItem(ctx, it.ID)
		require.NoError(t, err)
		assert.Equal(t, ItemDone, item.Status)

		outcomes, err := s.ListOutcomes(ctx, OutcomeFilter{})
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.Equal(t, "merged", outcomes[0].Notes)

		_, _, err = s.CompleteWorkstream(ctx, ws.ID, closeAs(WorkstreamFailed, ItemReady, "again"))
		assert.ErrorIs(t, err, ErrValidation, "a terminal workstream closes once")
	})
}

func TestCompleteWorkstream_FailureWritesNothing(t *testing.T) {
	cases := []struct {
		name  string
		alter func(c *Closure)
	}{
		{"item step fails", func(c *Closure) {
			c.Item = func(it *BacklogItem) error {
				it.Status = ItemDone
				return ErrConflict
			}
		}},
		{"invalid item", func(c *Closure) {
			c.Item = func(it *BacklogItem) error {
				it.Status = "SHIPPED"
				return nil
			}
		}},
		{"outcome fails", func(c *Closure) {
			c.Outcome = func(*Workstream, *BacklogItem) (*OutcomeRecord, error) {
				return nil, errors.New("disk full")
			}
		}},
		{"invalid outcome", func(c *Closure) {
			build := c.Outcome
			c.Outcome = func(ws *Workstream, it *BacklogItem) (*OutcomeRecord, error) {
				o, err := build(ws, it)
				o.ComplexityCategory = "HUGE"
				return o, err
			}
		}},
		{"still running", func(c *Closure) {
			c.Close = func(ws *Workstream) error {
				ws.ProgressNotes = append(ws.ProgressNotes, "not done")
				return nil
			}
		}},
	}
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{})
		ws, err := s.StartWorkstream(ctx, Workstream{BacklogID: it.ID})
		require.NoError(t, err)

		for _, tc := range cases {
			c := closeAs(WorkstreamCompleted, ItemDone, "merged")
			tc.alter(&c)
			_, _, err := s.CompleteWorkstream(ctx, ws.ID, c)
			require.Error(t, err, tc.name)

			stored, err := s.GetWorkstream(ctx, ws.ID)
			require.NoError(t, err)
			assert.Equal(t, WorkstreamRunning, stored.Status, tc.name)
			assert.Equal(t, ws.Version, stored.Version, tc.name)
			assert.Empty(t, stored.ProgressNotes, tc.name)

			item, err := s.GetItem(ctx, it.ID)
			require.NoError(t, err)
			assert.Equal(t, ItemInProgress, item.Status, tc.name)

			outcomes, err := s.ListOutcomes(ctx, OutcomeFilter{})
			require.NoError(t, err)
			assert.Empty(t, outcomes, tc.name)
		}

		// The untouched workstream still closes cleanly.
		_, rec, err := s.CompleteWorkstream(ctx, ws.ID, closeAs(WorkstreamFailed, ItemReady, "gave up"))
		require.NoError(t, err)
		assert.False(t, rec.Success)
	})
}

func TestCompleteWorkstream_DuplicateOutcomeRollsBack(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{})
		ws, err := s.StartWorkstream(ctx, Workstream{BacklogID: it.ID})
		require.NoError(t, err)
		require.NoError(t, s.RecordOutcome(ctx, OutcomeRecord{
			WorkstreamID:         ws.ID,
			BacklogID:            it.ID,
			EstimatedEffortHours: 2,
			ComplexityCategory:   ComplexitySimple,
		}))

		_, _, err = s.CompleteWorkstream(ctx, ws.ID, closeAs(WorkstreamCompleted, ItemDone, "merged"))
		require.ErrorIs(t, err, ErrValidation)

		stored, err := s.GetWorkstream(ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, WorkstreamRunning, stored.Status)
		item, err := s.GetItem(ctx, it.ID)
		require.NoError(t, err)
		assert.Equal(t, ItemInProgress, item.Status)
	})
}

func TestCompleteWorkstream_WithoutOutcome(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{})
		ws, err := s.StartWorkstream(ctx, Workstream{BacklogID: it.ID})
		require.NoError(t, err)

		c := closeAs(WorkstreamFailed, ItemBlocked, "stuck")
		c.Item = func(it *BacklogItem) error {
			it.Status = ItemBlocked
			it.BlockedReason = "which region?"
			return nil
		}
		c.Outcome = nil
		_, rec, err := s.CompleteWorkstream(ctx, ws.ID, c)
		require.NoError(t, err)
		assert.Nil(t, rec)

		item, err := s.GetItem(ctx, it.ID)
		require.NoError(t, err)
		assert.Equal(t, ItemBlocked, item.Status)
		assert.Equal(t, "which region?", item.BlockedReason)

		outcomes, err := s.ListOutcomes(ctx, OutcomeFilter{})
		require.NoError(t, err)
		assert.Empty(t, outcomes)

		_, _, err = s.CompleteWorkstream(ctx, "ws-404", c)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// TestCapacityInvariant_RandomInterleavings drives concurrent starts and
// completions and checks that RUNNING never exceeds capacity.
func TestCapacityInvariant_RandomInterleavings(t *testing.T) {
	const capacity = 3
	forEachStore(t, Options{Capacity: capacity, Backoff: time.Millisecond}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		for range 12 {
			mustCreate(t, s, BacklogItem{})
		}

		var wg sync.WaitGroup
		for g := range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rng := rand.New(rand.NewPCG(uint64(g), 42))
				for range 25 {
					if rng.IntN(2) == 0 {
						id := FormatID(ItemPrefix, int64(rng.IntN(12)+1))
						_, err := s.StartWorkstream(ctx, Workstream{BacklogID: id})
						if err != nil && !errors.Is(err, ErrCapacityExceeded) && !errors.Is(err, ErrValidation) {
							t.Errorf("start %s: %v", id, err)
						}
					} else {
						running, _ := s.ListWorkstreams(ctx, WorkstreamFilter{Status: []WorkstreamStatus{WorkstreamRunning}})
						if len(running) > 0 {
							ws := running[rng.IntN(len(running))]
							_, _, err := s.CompleteWorkstream(ctx, ws.ID, closeAs(WorkstreamCompleted, ItemDone, "done"))
							if err != nil && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrConflict) {
								t.Errorf("complete %s: %v", ws.ID, err)
							}
						}
					}
					running, _ := s.ListWorkstreams(ctx, WorkstreamFilter{Status: []WorkstreamStatus{WorkstreamRunning}})
					if len(running) > capacity {
						t.Errorf("capacity invariant broken: %d running", len(running))
					}
				}
			}()
		}
		wg.Wait()

		// Every closed workstream has exactly one outcome.
		closed, err := s.ListWorkstreams(ctx, WorkstreamFilter{Status: []WorkstreamStatus{WorkstreamCompleted}})
		require.NoError(t, err)
		outcomes, err := s.ListOutcomes(ctx, OutcomeFilter{})
		require.NoError(t, err)
		assert.Len(t, outcomes, len(closed))
	})
}

func TestDecisions_AppendAndList(t *testing.T) {
	forEachStore(t, Options{DecisionRetention: 3}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)
		for i := range 5 {
			d := Decision{
				ID:           fmt.Sprintf("ap-%d", i),
				Timestamp:    base.Add(time.Duration(i) * time.Minute),
				Action:       ActionStartWork,
				Target:       "BL-001",
				Confidence:   0.8,
				Alternatives: []Alternative{{ID: "BL-001", Score: 70, Confidence: 0.8}},
				Mode:         ModeDryRun,
			}
			require.NoError(t, s.AppendDecision(ctx, d))
		}

		all, err := s.ListDecisions(ctx, DecisionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3, "newest 3 decisions")
		assert.Equal(t, "ap-4", all[0].ID)
		assert.Equal(t, "ap-2", all[2].ID)
		require.Len(t, all[0].Alternatives, 1)
		assert.Equal(t, 70.0, all[0].Alternatives[0].Score)

		recent, err := s.ListDecisions(ctx, DecisionFilter{Since: base.Add(3 * time.Minute)})
		require.NoError(t, err)
		assert.Len(t, recent, 2)

		_, err = s.GetDecision(ctx, "ap-0")
		assert.ErrorIs(t, err, ErrNotFound, "trimmed decision")

		err = s.AppendDecision(ctx, Decision{ID: "ap-4", Action: ActionStartWork, Target: "x", Mode: ModeDryRun})
		assert.ErrorIs(t, err, ErrValidation, "duplicate decision")
		err = s.AppendDecision(ctx, Decision{ID: "bad", Action: "DANCE", Target: "x", Mode: ModeDryRun})
		assert.ErrorIs(t, err, ErrValidation, "unknown action")
	})
}

func TestRecordOutcome_ExactlyOnce(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		o := OutcomeRecord{
			WorkstreamID:         "ws-001",
			BacklogID:            "BL-001",
			Tags:                 []string{"api"},
			EstimatedEffortHours: 2,
			ActualDurationHours:  3,
			Success:              true,
			BlockersEncountered:  []string{"waiting on review"},
			ComplexityCategory:   ComplexitySimple,
		}
		require.NoError(t, s.RecordOutcome(ctx, o))
		assert.ErrorIs(t, s.RecordOutcome(ctx, o), ErrValidation, "second outcome")

		got, err := s.ListOutcomes(ctx, OutcomeFilter{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Success)
		assert.Equal(t, []string{"waiting on review"}, got[0].BlockersEncountered)
		assert.Equal(t, 0.5, got[0].EstimationError())
	})
}

func TestListOutcomes_LimitKeepsMostRecent(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			require.NoError(t, s.RecordOutcome(ctx, OutcomeRecord{
				WorkstreamID:         FormatID(WorkstreamPrefix, int64(i)),
				BacklogID:            "BL-001",
				EstimatedEffortHours: 1,
				ActualDurationHours:  float64(i),
				ComplexityCategory:   ComplexitySimple,
			}))
		}
		got, err := s.ListOutcomes(ctx, OutcomeFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "ws-004", got[0].WorkstreamID)
		assert.Equal(t, "ws-005", got[1].WorkstreamID)
	})
}

func TestEvents(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		it := mustCreate(t, s, BacklogItem{Title: "Audit me"})
		_, err := s.StartWorkstream(ctx, Workstream{BacklogID: it.ID})
		require.NoError(t, err)
		require.NoError(t, s.RecordEvent(ctx, Event{SubjectID: "ws-001", Kind: "progress", Content: "halfway"}))

		events, err := s.ListEvents(ctx, it.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "created", events[0].Kind)
		assert.Equal(t, "started", events[1].Kind)

		all, err := s.ListEvents(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestSnapshot(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, s EntityStore) {
		ctx := context.Background()
		mustCreate(t, s, BacklogItem{ID: "BL-10"})
		mustCreate(t, s, BacklogItem{ID: "BL-2"})
		_, err := s.StartWorkstream(ctx, Workstream{BacklogID: "BL-2"})
		require.NoError(t, err)

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Items, 2)
		assert.Equal(t, "BL-2", snap.Items[0].ID, "natural id order")
		assert.Len(t, snap.Running(), 1)

		it, ok := snap.Item("BL-2")
		require.True(t, ok)
		assert.Equal(t, ItemInProgress, it.Status)
	})
}

func TestCompareIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"BL-2", "BL-10", -1},
		{"BL-010", "BL-9", 1},
		{"BL-1", "BL-1", 0},
		{"BL-1", "ws-1", -1},
		{"alpha", "beta", -1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CompareIDs(tc.a, tc.b), "CompareIDs(%q, %q)", tc.a, tc.b)
	}
}
