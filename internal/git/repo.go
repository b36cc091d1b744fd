// Package git wraps the git commands foreman needs: listing tracked files
// for the project index and giving each workstream its own worktree and
// branch so parallel agents do not trample each other.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Repo runs git commands in a working directory.
type Repo struct {
	workDir string
}

// New creates a Repo for the given working directory.
func New(workDir string) *Repo {
	return &Repo{workDir: workDir}
}

// Dir returns the working directory.
func (r *Repo) Dir() string { return r.workDir }

func (r *Repo) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.workDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

func (r *Repo) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(out)))
	}
	return nil
}

// IsGitRepo checks if the working directory is inside a git work tree.
func (r *Repo) IsGitRepo() bool {
	out, err := r.output(context.Background(), "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// CurrentBranch returns the name of the checked-out branch.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("get current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// BaseBranch detects the main/master branch name.
func (r *Repo) BaseBranch(ctx context.Context) (string, error) {
	for _, name := range []string{"main", "master"} {
		if r.BranchExists(ctx, name) {
			return name, nil
		}
	}
	return r.CurrentBranch(ctx)
}

// BranchExists checks if a branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	return r.run(ctx, "rev-parse", "--verify", "--quiet", branch) == nil
}

// BranchName is the branch a workstream's agent commits to, e.g.
// foreman/ws-003.
func BranchName(workstreamID string) string {
	return "foreman/" + workstreamID
}

// LsFiles returns tracked and untracked-but-not-ignored files relative to
// the working directory.
func (r *Repo) LsFiles(ctx context.Context) ([]string, error) {
	out, err := r.output(ctx, "ls-files", "--cached", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, filepath.ToSlash(line))
		}
	}
	return files, nil
}

// HasUncommittedChanges checks for changes in the working tree.
func (r *Repo) HasUncommittedChanges(ctx context.Context) bool {
	out, err := r.output(ctx, "status", "--porcelain")
	return err == nil && strings.TrimSpace(out) != ""
}

// CommitAll stages everything and commits. It reports false when there was
// nothing to commit.
func (r *Repo) CommitAll(ctx context.Context, message string) (bool, error) {
	if err := r.run(ctx, "add", "-A"); err != nil {
		return false, err
	}
	// Exit status 0 means nothing is staged.
	if r.run(ctx, "diff", "--cached", "--quiet") == nil {
		return false, nil
	}
	if err := r.run(ctx, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// DiffStat summarises the changes on branch since it left base.
func (r *Repo) DiffStat(ctx context.Context, base, branch string) (string, error) {
	out, err := r.output(ctx, "diff", "--stat", base+"..."+branch)
	if err != nil {
		return "", fmt.Errorf("diff stat: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// WorktreePath returns where a workstream's worktree lives.
func WorktreePath(baseDir, workstreamID string) string {
	return filepath.Join(baseDir, ".foreman", "worktrees", workstreamID)
}

// AddWorktree creates a worktree at path on a new branch cut from base.
// If the branch already exists it is checked out instead.
func (r *Repo) AddWorktree(ctx context.Context, path, branch, base string) error {
	args := []string{"worktree", "add", path, branch}
	if !r.BranchExists(ctx, branch) {
		args = []string{"worktree", "add", "-b", branch, path, base}
	}
	if err := r.run(ctx, args...); err != nil {
		return fmt.Errorf("add worktree: %w", err)
	}
	return nil
}

// RemoveWorktree removes a worktree, discarding local changes.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	if err := r.run(ctx, "worktree", "remove", path, "--force"); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// ListWorktrees returns the paths of all worktrees, the main one included.
func (r *Repo) ListWorktrees(ctx context.Context) ([]string, error) {
	out, err := r.output(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// PruneWorktrees removes stale worktree references.
func (r *Repo) PruneWorktrees(ctx context.Context) error {
	return r.run(ctx, "worktree", "prune")
}
