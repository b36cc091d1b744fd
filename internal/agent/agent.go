// Package agent runs AI agents against a delegation prompt. CLI agents are
// spawned as processes; API agents are called over the provider's SDK or
// HTTP API.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/imkarma/foreman/internal/config"
)

// Request is one agent invocation for a workstream.
type Request struct {
	WorkstreamID string
	Prompt       string // rendered delegation package
	WorkDir      string // repo root or the workstream's worktree
	TimeoutSec   int    // overrides the agent's configured timeout when > 0
}

// deadline resolves the timeout for req under cfg.
func (req Request) deadline(cfg config.Agent) time.Duration {
	if req.TimeoutSec > 0 {
		return time.Duration(req.TimeoutSec) * time.Second
	}
	return time.Duration(cfg.DefaultTimeout()) * time.Second
}

// Response is an agent's answer. A failed run still carries whatever
// output the agent produced before failing.
type Response struct {
	Output   string
	ExitCode int
	Duration float64 // seconds
	Error    error
}

// OK reports whether the agent exited cleanly.
func (r *Response) OK() bool { return r.ExitCode == 0 && r.Error == nil }

// Runner executes a delegation prompt with one configured agent.
type Runner interface {
	Run(ctx context.Context, req Request) (*Response, error)
	Name() string
	Mode() string
}

// NewRunner builds the runner for an agent entry from config.yaml.
func NewRunner(name string, cfg config.Agent) (Runner, error) {
	switch cfg.Mode {
	case "cli":
		return NewCLIRunner(name, cfg), nil
	case "api":
		return NewAPIRunner(name, cfg)
	default:
		return nil, fmt.Errorf("agent %s: unknown mode %q", name, cfg.Mode)
	}
}
