package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/imkarma/foreman/internal/config"
)

// CLIRunner spawns an external CLI agent (claude, gemini, codex, ...) with
// the prompt as its last argument.
type CLIRunner struct {
	name string
	cfg  config.Agent
}

// NewCLIRunner creates a runner that spawns CLI processes.
func NewCLIRunner(name string, cfg config.Agent) *CLIRunner {
	return &CLIRunner{name: name, cfg: cfg}
}

func (r *CLIRunner) Name() string { return r.name }
func (r *CLIRunner) Mode() string { return "cli" }

// Run executes cmd + effective args + prompt in req.WorkDir. A non-zero
// exit is reported in the Response, not as an error; only timeouts and
// cancellation return an error.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	args := append(r.cfg.EffectiveArgs(), req.Prompt)

	timeout := req.deadline(r.cfg)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Cmd, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), "FOREMAN_WORKSTREAM="+req.WorkstreamID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	resp := &Response{
		Output:   stdout.String(),
		Duration: time.Since(start).Seconds(),
	}
	if err == nil {
		return resp, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		resp.ExitCode = -1
		resp.Error = fmt.Errorf("agent %s timed out after %s", r.name, timeout)
		return resp, resp.Error
	case errors.Is(ctx.Err(), context.Canceled):
		resp.ExitCode = -1
		resp.Error = fmt.Errorf("agent %s cancelled: %w", r.name, ctx.Err())
		return resp, resp.Error
	}

	var exitErr *exec.ExitError
	resp.ExitCode = -1
	if errors.As(err, &exitErr) {
		resp.ExitCode = exitErr.ExitCode()
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		resp.Error = fmt.Errorf("agent %s exited with code %d: %s", r.name, resp.ExitCode, msg)
	} else {
		resp.Error = fmt.Errorf("agent %s exited with code %d: %w", r.name, resp.ExitCode, err)
	}
	// Partial output may still carry BLOCKED: or NOTES: lines.
	return resp, nil
}

// CLIAvailable checks if the CLI command exists in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
