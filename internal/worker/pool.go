// Package worker executes delegated workstreams. A bounded pool of
// goroutines runs the builder agent (and optionally a reviewer) for each
// workstream, in its own git worktree when configured, and reports the
// outcome back asynchronously.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/imkarma/foreman/internal/agent"
	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/delegation"
	"github.com/imkarma/foreman/internal/git"
	"github.com/imkarma/foreman/internal/store"
	"github.com/imkarma/foreman/internal/workstream"
)

var _ workstream.SlotCounter = (*Pool)(nil)

// Result holds the outcome of a single workstream execution.
type Result struct {
	WorkstreamID string
	BacklogID    string
	Status       string // "done", "blocked", "failed"
	Blocked      string
	Blockers     []string
	Duration     time.Duration
	Error        error
	Log          []string
}

// Agent names a configured agent.
type Agent struct {
	Name   string
	Config config.Agent
}

// Config holds configuration for creating a worker pool.
type Config struct {
	WorkDir    string
	RunsDir    string // agent transcripts; empty disables saving
	MaxWorkers int
	MaxLoops   int // builder/reviewer rounds when a reviewer is set
	Worktrees  bool
	Builder    Agent
	Reviewer   *Agent
}

// RunnerFactory builds agent runners. Tests substitute fakes.
type RunnerFactory func(name string, cfg config.Agent) (agent.Runner, error)

// ErrNoSlots means every worker is busy.
var ErrNoSlots = errors.New("no free worker slots")

// Pool runs workstreams in the background, at most MaxWorkers at a time.
type Pool struct {
	cfg       Config
	newRunner RunnerFactory
	sem       chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	paused  map[string]bool
	results []Result
}

// New creates a worker pool.
func New(cfg Config) *Pool {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.MaxLoops < 1 {
		cfg.MaxLoops = 1
	}
	if cfg.Worktrees && !git.New(cfg.WorkDir).IsGitRepo() {
		log.Printf("[worker] %s is not a git repo; running without worktrees", cfg.WorkDir)
		cfg.Worktrees = false
	}
	return &Pool{
		cfg:       cfg,
		newRunner: agent.NewRunner,
		sem:       make(chan struct{}, cfg.MaxWorkers),
		cancels:   map[string]context.CancelFunc{},
		paused:    map[string]bool{},
	}
}

// Start launches ws in the background and returns at once. It fails when
// the agents cannot be built or every slot is busy.
func (p *Pool) Start(ctx context.Context, ws *store.Workstream, pkg *delegation.Package, r workstream.Reporter) (workstream.Handle, error) {
	if pkg == nil {
		return workstream.Handle{}, fmt.Errorf("workstream %s has no delegation package", ws.ID)
	}
	builder, err := p.newRunner(p.cfg.Builder.Name, p.cfg.Builder.Config)
	if err != nil {
		return workstream.Handle{}, fmt.Errorf("create builder: %w", err)
	}
	var reviewer agent.Runner
	if p.cfg.Reviewer != nil {
		if reviewer, err = p.newRunner(p.cfg.Reviewer.Name, p.cfg.Reviewer.Config); err != nil {
			return workstream.Handle{}, fmt.Errorf("create reviewer: %w", err)
		}
	}

	select {
	case p.sem <- struct{}{}:
	default:
		return workstream.Handle{}, fmt.Errorf("%w (%d busy)", ErrNoSlots, cap(p.sem))
	}

	workDir, cleanup := p.prepareDir(ctx, ws.ID)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancels[ws.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer cancel()
		defer cleanup()

		res := p.execute(runCtx, ws, pkg, builder, reviewer, workDir, r)

		p.mu.Lock()
		delete(p.cancels, ws.ID)
		delete(p.paused, ws.ID)
		p.results = append(p.results, res)
		p.mu.Unlock()

		c := workstream.Completion{
			Success:       res.Status == "done",
			DurationHours: res.Duration.Hours(),
			Notes:         res.Log,
			Blockers:      res.Blockers,
			Blocked:       res.Blocked,
		}
		if err := r.Report(context.Background(), ws.ID, c); err != nil {
			log.Printf("[worker] report %s: %v", ws.ID, err)
		}
	}()

	return workstream.Handle{WorkstreamID: ws.ID, WorkDir: workDir}, nil
}

// Signal relays pause and kill. Kill cancels the running agent; pause is
// advisory and only recorded.
func (p *Pool) Signal(workstreamID string, sig store.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch sig {
	case store.SignalKill:
		if cancel, ok := p.cancels[workstreamID]; ok {
			log.Printf("[worker] killing %s", workstreamID)
			cancel()
		}
	case store.SignalPause:
		p.paused[workstreamID] = true
	case store.SignalNone:
		delete(p.paused, workstreamID)
	}
}

// Wait blocks until every started workstream has reported back.
func (p *Pool) Wait() []Result {
	p.wg.Wait()
	return p.Results()
}

// Results returns the outcomes collected so far.
func (p *Pool) Results() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Result, len(p.results))
	copy(out, p.results)
	return out
}

// Paused reports whether a pause was requested for the workstream.
func (p *Pool) Paused(workstreamID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused[workstreamID]
}

// Busy returns how many workers are occupied. A paused workstream keeps its
// worker until the agent returns.
func (p *Pool) Busy() int { return len(p.sem) }

// Slots returns the worker limit.
func (p *Pool) Slots() int { return cap(p.sem) }

// prepareDir gives the workstream its own worktree when enabled, falling
// back to the shared working directory.
func (p *Pool) prepareDir(ctx context.Context, id string) (string, func()) {
	if !p.cfg.Worktrees || p.cfg.Builder.Config.Mode != "cli" {
		return p.cfg.WorkDir, func() {}
	}
	repo := git.New(p.cfg.WorkDir)
	base, err := repo.BaseBranch(ctx)
	if err != nil {
		log.Printf("[worker] %s: %v; using shared workdir", id, err)
		return p.cfg.WorkDir, func() {}
	}
	path := git.WorktreePath(p.cfg.WorkDir, id)
	if err := repo.AddWorktree(ctx, path, git.BranchName(id), base); err != nil {
		log.Printf("[worker] %s: %v; using shared workdir", id, err)
		return p.cfg.WorkDir, func() {}
	}
	// The branch outlives the worktree so finished work can be merged.
	return path, func() {
		bg := context.Background()
		if err := repo.RemoveWorktree(bg, path); err != nil {
			log.Printf("[worker] %s: %v", id, err)
		}
		os.RemoveAll(path)
		repo.PruneWorktrees(bg)
	}
}

// execute runs the builder, then the reviewer if one is configured, for up
// to MaxLoops rounds. Progress notes are relayed as they arrive.
func (p *Pool) execute(ctx context.Context, ws *store.Workstream, pkg *delegation.Package, builder, reviewer agent.Runner, workDir string, r workstream.Reporter) Result {
	start := time.Now()
	res := Result{WorkstreamID: ws.ID, BacklogID: ws.BacklogID}
	logf := func(format string, args ...any) {
		res.Log = append(res.Log, fmt.Sprintf(format, args...))
	}
	finish := func(status string, err error) Result {
		res.Status, res.Error, res.Duration = status, err, time.Since(start)
		return res
	}

	prompt := pkg.Prompt()
	for round := 1; round <= p.cfg.MaxLoops; round++ {
		resp, err := builder.Run(ctx, agent.Request{WorkstreamID: ws.ID, Prompt: prompt, WorkDir: workDir})
		if err != nil {
			logf("%s failed: %v", builder.Name(), err)
			return finish("failed", err)
		}
		p.saveRun(ws.ID, "build", round, resp.Output)

		parsed := agent.Parse(resp.Output)
		for _, n := range parsed.Notes {
			if err := r.Progress(ctx, ws.ID, n); err != nil {
				log.Printf("[worker] progress %s: %v", ws.ID, err)
			}
		}
		res.Blockers = append(res.Blockers, parsed.Blockers...)
		if parsed.Blocked != "" {
			res.Blocked = parsed.Blocked
			logf("BLOCKED: %s", parsed.Blocked)
			return finish("blocked", nil)
		}
		if !resp.OK() {
			logf("%s exited with code %d", builder.Name(), resp.ExitCode)
			return finish("failed", resp.Error)
		}
		logf("%s finished round %d in %.1fs", builder.Name(), round, resp.Duration)

		if reviewer == nil {
			p.commit(ctx, ws, workDir, logf)
			return finish("done", nil)
		}

		rresp, err := reviewer.Run(ctx, agent.Request{WorkstreamID: ws.ID, Prompt: pkg.As("reviewer").Prompt(), WorkDir: workDir})
		if err != nil {
			logf("%s failed: %v", reviewer.Name(), err)
			return finish("failed", err)
		}
		p.saveRun(ws.ID, "review", round, rresp.Output)

		review := agent.ParseReview(rresp.Output)
		switch review.Verdict {
		case "APPROVE":
			logf("approved by %s", reviewer.Name())
			p.commit(ctx, ws, workDir, logf)
			return finish("done", nil)
		case "REJECT":
			logf("rejected by %s (round %d)", reviewer.Name(), round)
			prompt = pkg.Prompt() + "\n\n" + feedback(review.Comments)
		default:
			logf("no verdict from %s (round %d)", reviewer.Name(), round)
		}
	}
	logf("not approved after %d rounds", p.cfg.MaxLoops)
	return finish("failed", nil)
}

func feedback(comments []string) string {
	var sb strings.Builder
	sb.WriteString("## Review feedback\nThe previous attempt was rejected. Address every point:")
	for _, c := range comments {
		sb.WriteString("\n- ")
		sb.WriteString(c)
	}
	return sb.String()
}

// commit records the agent's work on the workstream branch. Only isolated
// worktrees are committed; the shared tree belongs to the user.
func (p *Pool) commit(ctx context.Context, ws *store.Workstream, workDir string, logf func(string, ...any)) {
	if workDir == p.cfg.WorkDir {
		return
	}
	ok, err := git.New(workDir).CommitAll(ctx, fmt.Sprintf("foreman: %s %s", ws.ID, ws.Title))
	switch {
	case err != nil:
		logf("commit failed: %v", err)
	case ok:
		logf("committed to %s", git.BranchName(ws.ID))
	}
}

func (p *Pool) saveRun(id, stage string, round int, output string) {
	if p.cfg.RunsDir == "" {
		return
	}
	if err := os.MkdirAll(p.cfg.RunsDir, 0755); err != nil {
		log.Printf("[worker] %v", err)
		return
	}
	path := filepath.Join(p.cfg.RunsDir, fmt.Sprintf("%s-%s-%d.md", id, stage, round))
	if err := os.WriteFile(path, []byte(output), 0644); err != nil {
		log.Printf("[worker] save run: %v", err)
	}
}
