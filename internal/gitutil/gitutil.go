// Package gitutil provisions per-agent workspaces: a plain temp directory
// when no repository context is supplied, or a git worktree checked out
// onto a fresh branch when one is.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wardhq/ward/internal/werr"
)

const workspaceRootPrefix = "workspace-"

// TempWorkspace creates a plain temp directory for agents with no
// repository context.
func TempWorkspace(agentID string) (string, error) {
	dir, err := os.MkdirTemp("", workspaceRootPrefix+agentID+"-")
	if err != nil {
		return "", werr.TransientIO("create temp workspace").Wrap(err)
	}
	return dir, nil
}

// ProvisionWorktree runs `git fetch origin` inside the local repository at
// repoURL, creates a branch named ward/<agentID> based on baseBranch (HEAD
// when empty), and adds a worktree for it in a fresh per-agent temp
// directory, returning that directory's path.
func ProvisionWorktree(ctx context.Context, repoURL, baseBranch, agentID string) (string, error) {
	dir, err := os.MkdirTemp("", workspaceRootPrefix+agentID+"-")
	if err != nil {
		return "", werr.TransientIO("create worktree parent dir").Wrap(err)
	}

	branch := "ward/" + agentID
	if err := run(ctx, repoURL, "fetch", "origin"); err != nil {
		return "", werr.Spawn("git fetch").Wrap(err)
	}
	base := baseBranch
	if base == "" {
		base = "HEAD"
	}
	if err := run(ctx, repoURL, "worktree", "add", "-b", branch, dir, base); err != nil {
		return "", werr.Spawn("git worktree add").Wrap(err)
	}
	return dir, nil
}

// RemoveWorktree removes the worktree at dir from repoURL's bookkeeping and
// deletes the directory from disk.
func RemoveWorktree(ctx context.Context, repoURL, dir string) error {
	if err := run(ctx, repoURL, "worktree", "remove", "--force", dir); err != nil {
		return werr.TransientIO("git worktree remove").Wrap(err)
	}
	return nil
}

// MaxBranchSeqNum scans repoURL's branches matching ward/w<N> and returns
// the highest N found, or 0 if none, so branch numbering resumes past
// whatever already exists.
func MaxBranchSeqNum(ctx context.Context, repoURL string) (int, error) {
	out, err := output(ctx, repoURL, "branch", "--list", "ward/w*")
	if err != nil {
		return 0, werr.Spawn("git branch --list").Wrap(err)
	}
	highest := 0
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "*"))
		line = strings.TrimSpace(line)
		const prefix = "ward/w"
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(line, prefix)); err == nil && n > highest {
			highest = n
		}
	}
	return highest, nil
}

// CurrentBranch returns the checked-out branch name of the repository at
// dir.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := output(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", werr.Spawn("git rev-parse").Wrap(err)
	}
	return strings.TrimSpace(out), nil
}

const defaultGitTimeout = time.Minute

func run(ctx context.Context, dir string, args ...string) error {
	_, err := output(ctx, dir, args...)
	return err
}

func output(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultGitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // args are fixed or validated upstream.
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// WorkspaceBase returns the path prefix shared by ad hoc agent workspaces
// (<tmp>/workspace-), used by the startup stale-workspace sweep.
func WorkspaceBase() string {
	return filepath.Join(os.TempDir(), "workspace-")
}
