package worker

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/foreman/internal/agent"
	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/coord"
	"github.com/imkarma/foreman/internal/delegation"
	"github.com/imkarma/foreman/internal/learning"
	"github.com/imkarma/foreman/internal/recommend"
	"github.com/imkarma/foreman/internal/store"
	"github.com/imkarma/foreman/internal/workstream"
)

// scriptRunner replies with the next scripted output on each call.
type scriptRunner struct {
	name    string
	mu      sync.Mutex
	outputs []string
	prompts []string
	block   bool // wait for cancellation instead of replying
}

func (s *scriptRunner) Run(ctx context.Context, req agent.Request) (*agent.Response, error) {
	if s.block {
		<-ctx.Done()
		return &agent.Response{ExitCode: -1}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	out := s.outputs[0]
	if len(s.outputs) > 1 {
		s.outputs = s.outputs[1:]
	}
	code := 0
	if strings.HasPrefix(out, "EXIT ") {
		code = 2
	}
	return &agent.Response{Output: out, ExitCode: code, Duration: 0.1}, nil
}

func (s *scriptRunner) Name() string { return s.name }
func (s *scriptRunner) Mode() string { return "cli" }

type recorder struct {
	mu       sync.Mutex
	progress []string
	reports  map[string]workstream.Completion
}

func (r *recorder) Progress(_ context.Context, id, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, id+": "+note)
	return nil
}

func (r *recorder) Report(_ context.Context, id string, c workstream.Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports == nil {
		r.reports = map[string]workstream.Completion{}
	}
	r.reports[id] = c
	return nil
}

func newPool(t *testing.T, builder, reviewer *scriptRunner, loops int) *Pool {
	t.Helper()
	return newPoolN(t, builder, reviewer, loops, 2)
}

func newPoolN(t *testing.T, builder, reviewer *scriptRunner, loops, workers int) *Pool {
	t.Helper()
	cfg := Config{
		WorkDir:    t.TempDir(),
		MaxWorkers: workers,
		MaxLoops:   loops,
		Builder:    Agent{Name: "builder", Config: config.Agent{Mode: "cli", Cmd: "true", Role: "builder"}},
	}
	cfg.RunsDir = filepath.Join(cfg.WorkDir, ".foreman", "runs")
	if reviewer != nil {
		cfg.Reviewer = &Agent{Name: "reviewer", Config: config.Agent{Mode: "cli", Cmd: "true", Role: "reviewer"}}
	}
	p := New(cfg)
	p.newRunner = func(name string, _ config.Agent) (agent.Runner, error) {
		if name == "reviewer" {
			return reviewer, nil
		}
		return builder, nil
	}
	return p
}

func pkgFor(id string) *delegation.Package {
	return &delegation.Package{
		Item:      store.BacklogItem{ID: "BL-" + id, Title: "Task " + id},
		AgentRole: "builder",
	}
}

func ws(id string) *store.Workstream {
	return &store.Workstream{ID: "ws-" + id, BacklogID: "BL-" + id, Title: "Task " + id}
}

func TestPool_Success(t *testing.T) {
	builder := &scriptRunner{name: "builder", outputs: []string{"done\nNOTES: added the queue\nBLOCKERS: flaky ci"}}
	p := newPool(t, builder, nil, 1)
	rec := &recorder{}

	h, err := p.Start(context.Background(), ws("001"), pkgFor("001"), rec)
	require.NoError(t, err)
	assert.Equal(t, "ws-001", h.WorkstreamID)
	assert.Equal(t, p.cfg.WorkDir, h.WorkDir)
	results := p.Wait()

	require.Len(t, results, 1)
	assert.Equal(t, "done", results[0].Status)
	c := rec.reports["ws-001"]
	assert.True(t, c.Success)
	assert.Equal(t, []string{"flaky ci"}, c.Blockers)
	assert.Equal(t, []string{"ws-001: added the queue"}, rec.progress)
	assert.Contains(t, builder.prompts[0], "**BL-001: Task 001**")
	assert.FileExists(t, filepath.Join(p.cfg.RunsDir, "ws-001-build-1.md"), "saved transcript")
	assert.Zero(t, p.Busy(), "all slots released")
}

func TestPool_Blocked(t *testing.T) {
	builder := &scriptRunner{name: "builder", outputs: []string{"BLOCKED: which bucket region?"}}
	p := newPool(t, builder, nil, 1)
	rec := &recorder{}

	_, err := p.Start(context.Background(), ws("002"), pkgFor("002"), rec)
	require.NoError(t, err)
	p.Wait()

	c := rec.reports["ws-002"]
	assert.False(t, c.Success)
	assert.Equal(t, "which bucket region?", c.Blocked)
}

func TestPool_NonZeroExit(t *testing.T) {
	builder := &scriptRunner{name: "builder", outputs: []string{"EXIT boom"}}
	p := newPool(t, builder, nil, 1)
	rec := &recorder{}

	_, err := p.Start(context.Background(), ws("003"), pkgFor("003"), rec)
	require.NoError(t, err)
	results := p.Wait()
	assert.Equal(t, "failed", results[0].Status)
	assert.False(t, rec.reports["ws-003"].Success)
}

func TestPool_ReviewLoop(t *testing.T) {
	builder := &scriptRunner{name: "builder", outputs: []string{"first try", "second try"}}
	reviewer := &scriptRunner{name: "reviewer", outputs: []string{
		"VERDICT: REJECT\nCOMMENTS:\n- queue.go:12: missing bounds check",
		"VERDICT: APPROVE",
	}}
	p := newPool(t, builder, reviewer, 3)
	rec := &recorder{}

	_, err := p.Start(context.Background(), ws("004"), pkgFor("004"), rec)
	require.NoError(t, err)
	results := p.Wait()

	require.Equal(t, "done", results[0].Status, "done after the second round")
	require.Len(t, builder.prompts, 2)
	assert.Contains(t, builder.prompts[1], "queue.go:12: missing bounds check", "second round carries the review feedback")
	assert.Contains(t, reviewer.prompts[0], "Code Reviewer")
}

func TestPool_ReviewNeverApproves(t *testing.T) {
	builder := &scriptRunner{name: "builder", outputs: []string{"try"}}
	reviewer := &scriptRunner{name: "reviewer", outputs: []string{"VERDICT: REJECT\nCOMMENTS:\n- nope"}}
	p := newPool(t, builder, reviewer, 2)
	rec := &recorder{}

	_, err := p.Start(context.Background(), ws("005"), pkgFor("005"), rec)
	require.NoError(t, err)
	results := p.Wait()
	require.Equal(t, "failed", results[0].Status)
	log := results[0].Log
	assert.Equal(t, "not approved after 2 rounds", log[len(log)-1])
}

func TestPool_KillCancelsAgent(t *testing.T) {
	builder := &scriptRunner{name: "builder", block: true}
	p := newPool(t, builder, nil, 1)
	rec := &recorder{}

	_, err := p.Start(context.Background(), ws("006"), pkgFor("006"), rec)
	require.NoError(t, err)
	p.Signal("ws-006", store.SignalPause)
	assert.True(t, p.Paused("ws-006"), "pause is recorded")
	p.Signal("ws-006", store.SignalKill)

	done := make(chan []Result)
	go func() { done <- p.Wait() }()
	select {
	case results := <-done:
		assert.Equal(t, "failed", results[0].Status)
		assert.ErrorIs(t, results[0].Error, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("kill did not stop the agent")
	}
}

func TestPool_NoFreeSlots(t *testing.T) {
	builder := &scriptRunner{name: "builder", block: true}
	p := newPool(t, builder, nil, 1)
	rec := &recorder{}
	ctx := context.Background()

	for _, id := range []string{"007", "008"} {
		_, err := p.Start(ctx, ws(id), pkgFor(id), rec)
		require.NoError(t, err, "Start %s", id)
	}
	assert.Equal(t, p.Slots(), p.Busy())
	_, err := p.Start(ctx, ws("009"), pkgFor("009"), rec)
	assert.ErrorIs(t, err, ErrNoSlots)

	p.Signal("ws-007", store.SignalKill)
	p.Signal("ws-008", store.SignalKill)
	p.Wait()
}

func TestPool_MissingPackage(t *testing.T) {
	p := newPool(t, &scriptRunner{name: "builder"}, nil, 1)
	_, err := p.Start(context.Background(), ws("010"), nil, &recorder{})
	assert.ErrorContains(t, err, "no delegation package")
}

// A paused workstream frees store capacity while its agent keeps the worker.
// Starting more work must be refused up front rather than recorded as a
// failed run.
func TestPool_PausedWorkKeepsWorker(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.Options{Capacity: 1})
	for _, title := range []string{"Sync queue", "Retry policy"} {
		_, err := s.CreateItem(ctx, store.BacklogItem{Title: title, EstimatedEffortHours: 2})
		require.NoError(t, err)
	}
	tracker := learning.New(s, learning.DefaultConfig())
	packages := delegation.New(s, recommend.New(s, nil, tracker), coord.New(0, s.Capacity()), nil, delegation.Project{Name: "atlas"})
	p := newPoolN(t, &scriptRunner{name: "builder", block: true}, nil, 1, 1)
	m := workstream.New(s, packages, p, tracker)

	first, err := m.Start(ctx, "BL-001", "builder")
	require.NoError(t, err)
	_, err = m.Pause(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, p.Paused(first.ID))

	_, err = m.Start(ctx, "BL-002", "builder")
	require.ErrorIs(t, err, store.ErrCapacityExceeded)
	assert.NotErrorIs(t, err, workstream.ErrExecutorFailure)

	it, err := s.GetItem(ctx, "BL-002")
	require.NoError(t, err)
	assert.Equal(t, store.ItemReady, it.Status)
	outcomes, err := s.ListOutcomes(ctx, store.OutcomeFilter{})
	require.NoError(t, err)
	assert.Empty(t, outcomes, "a refused start records no outcome")

	// Once the paused agent is gone the worker is free again.
	_, err = m.Kill(ctx, first.ID)
	require.NoError(t, err)
	p.Wait()

	second, err := m.Start(ctx, "BL-002", "builder")
	require.NoError(t, err)
	assert.Equal(t, store.WorkstreamRunning, second.Status)

	_, err = m.Kill(ctx, second.ID)
	require.NoError(t, err)
	p.Wait()

	outcomes, err = s.ListOutcomes(ctx, store.OutcomeFilter{})
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
}
