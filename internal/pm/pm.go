// Package pm is the command surface of foreman. A Service wires the store,
// the analysis engines, the workstream lifecycle and the autopilot together
// from a project's .foreman/ directory.
package pm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/imkarma/foreman/internal/autopilot"
	"github.com/imkarma/foreman/internal/capacity"
	"github.com/imkarma/foreman/internal/config"
	"github.com/imkarma/foreman/internal/coord"
	"github.com/imkarma/foreman/internal/delegation"
	"github.com/imkarma/foreman/internal/index"
	"github.com/imkarma/foreman/internal/learning"
	"github.com/imkarma/foreman/internal/recommend"
	"github.com/imkarma/foreman/internal/store"
	"github.com/imkarma/foreman/internal/worker"
	"github.com/imkarma/foreman/internal/workstream"
)

// DirName is the per-project state directory.
const DirName = ".foreman"

// ErrNotInitialized means the project has no .foreman/ directory yet.
var ErrNotInitialized = errors.New("foreman not initialized; run: foreman init")

// Path returns a path inside dir/.foreman/.
func Path(dir string, parts ...string) string {
	return filepath.Join(append([]string{dir, DirName}, parts...)...)
}

// Service exposes every foreman operation.
type Service struct {
	dir         string
	cfg         *config.Config
	store       store.EntityStore
	tracker     *learning.Tracker
	recs        *recommend.Engine
	analyzer    *coord.Analyzer
	capacity    *capacity.Manager
	packages    *delegation.Builder
	workstreams *workstream.Manager
	autopilot   *autopilot.Engine
	index       *index.FileIndex
	pool        *worker.Pool
	now         func() time.Time
}

// New wires a Service over an open store. idx and exec may be nil.
func New(cfg *config.Config, s store.EntityStore, idx *index.FileIndex, exec workstream.Executor) *Service {
	tracker := learning.New(s, learning.Config{
		Window:             cfg.Learning.Window,
		MinSamples:         cfg.Learning.MinSamples,
		CategoryMinSamples: cfg.Learning.CategoryMinSamples,
	})
	recs := recommend.New(s, cfg.Project.Goals, tracker)
	analyzer := coord.New(cfg.StallThreshold.Std(), cfg.Capacity)
	cm := capacity.New(s, cfg.Capacity)

	var artifacts delegation.ArtifactIndex
	if idx != nil {
		artifacts = idx
	}
	packages := delegation.New(s, recs, analyzer, artifacts, delegation.Project{
		Name:       cfg.Project.Name,
		Type:       cfg.Project.Type,
		Goals:      cfg.Project.Goals,
		QualityBar: cfg.Project.QualityBar,
	})
	workstreams := workstream.New(s, packages, exec, tracker)
	ap := autopilot.New(s, analyzer, recs, cm, workstreams, autopilot.Config{
		Enabled:       cfg.Autopilot.Enabled,
		MaxActions:    cfg.Autopilot.MaxActions,
		MinConfidence: cfg.Autopilot.MinConfidence,
		AgentRole:     cfg.Autopilot.AgentRole,
	})

	svc := &Service{
		cfg:         cfg,
		store:       s,
		tracker:     tracker,
		recs:        recs,
		analyzer:    analyzer,
		capacity:    cm,
		packages:    packages,
		workstreams: workstreams,
		autopilot:   ap,
		index:       idx,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if p, ok := exec.(*worker.Pool); ok {
		svc.pool = p
	}
	if idx != nil {
		svc.dir = idx.Root()
	}
	return svc
}

// Open loads dir/.foreman/config.yaml, opens the database and builds the
// agent executor from the configured agents.
func Open(dir string) (*Service, error) {
	dbPath := Path(dir, "foreman.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, ErrNotInitialized
	}
	cfg, err := config.Load(Path(dir, "config.yaml"))
	if err != nil {
		return nil, err
	}
	s, err := store.OpenSQLite(dbPath, storeOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var exec workstream.Executor
	if pool := newPool(dir, cfg); pool != nil {
		exec = pool
	}
	svc := New(cfg, s, index.New(dir), exec)
	svc.dir = dir
	return svc, nil
}

// Init creates dir/.foreman/ with cfg (the default config when nil) and an
// empty database.
func Init(dir string, cfg *config.Config) error {
	if _, err := os.Stat(Path(dir)); err == nil {
		return fmt.Errorf("foreman already initialized in this directory (%s/ exists)", DirName)
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := os.MkdirAll(Path(dir, cfg.Worker.RunsDir), 0755); err != nil {
		return fmt.Errorf("create %s: %w", DirName, err)
	}
	if err := config.Save(Path(dir, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	s, err := store.OpenSQLite(Path(dir, "foreman.db"), storeOptions(cfg))
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	return s.Close()
}

func storeOptions(cfg *config.Config) store.Options {
	return store.Options{
		Capacity:          cfg.Capacity,
		MaxRetries:        cfg.Store.MaxRetries,
		Backoff:           cfg.Store.Backoff.Std(),
		DecisionRetention: cfg.Store.DecisionRetention,
	}
}

// newPool builds the executor, or returns nil when no agent fills the
// autopilot's role.
func newPool(dir string, cfg *config.Config) *worker.Pool {
	name, builder, ok := cfg.AgentForRole(cfg.Autopilot.AgentRole)
	if !ok {
		log.Printf("[pm] no %s agent configured; workstreams will not be delegated", cfg.Autopilot.AgentRole)
		return nil
	}
	wc := worker.Config{
		WorkDir:    dir,
		MaxWorkers: cfg.Capacity,
		MaxLoops:   3,
		Worktrees:  cfg.Worker.Worktrees,
		Builder:    worker.Agent{Name: name, Config: builder},
	}
	if cfg.Worker.RunsDir != "" {
		wc.RunsDir = cfg.Worker.RunsDir
		if !filepath.IsAbs(wc.RunsDir) {
			wc.RunsDir = Path(dir, wc.RunsDir)
		}
	}
	if rname, reviewer, ok := cfg.AgentForRole("reviewer"); ok {
		wc.Reviewer = &worker.Agent{Name: rname, Config: reviewer}
	}
	return worker.New(wc)
}

// Close releases the store. Call Wait first to let delegated work finish.
func (s *Service) Close() error { return s.store.Close() }

// Wait blocks until every delegated workstream has reported back.
func (s *Service) Wait() []worker.Result {
	if s.pool == nil {
		return nil
	}
	return s.pool.Wait()
}

// Config returns the loaded configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Dir returns the project directory.
func (s *Service) Dir() string { return s.dir }

// Delegates reports whether started workstreams are handed to an agent.
func (s *Service) Delegates() bool { return s.pool != nil }

// WatchIndex keeps the artifact index fresh until ctx ends.
func (s *Service) WatchIndex(ctx context.Context) error {
	if s.index == nil {
		return nil
	}
	return s.index.Watch(ctx)
}
