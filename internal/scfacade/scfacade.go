// Package scfacade implements the source-control facade (spec.md §6):
// mirror maintenance and worktree lifecycle, backed by shelling out to
// the git CLI.
//
// No example repo in the retrieval pack wraps git with a porcelain
// library (no go-git dependency appears anywhere in the pack), so
// this is grounded instead in the teacher's own precedent for
// wrapping a system CLI tool via os/exec and parsing its stdout
// (pkg/runtime/containerd.go's GetContainerIP, which shells out to
// nsenter/ip). See DESIGN.md for the full justification.
package scfacade

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cuemby/agentctl/internal/log"
)

// Facade implements the four source-control operations spec.md §6
// names.
type Facade struct {
	workspaceRoot string
}

// New creates a facade rooted at workspaceRoot, the parent directory
// for mirrors and worktrees (the configured workspaceRoot option).
func New(workspaceRoot string) *Facade {
	return &Facade{workspaceRoot: workspaceRoot}
}

func (f *Facade) mirrorPath(owner, name string) string {
	return filepath.Join(f.workspaceRoot, "mirrors", owner, name+".git")
}

func (f *Facade) worktreePath(owner, name, sessionID string) string {
	return filepath.Join(f.workspaceRoot, "worktrees", owner, name, sessionID)
}

func (f *Facade) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// EnsureMirror clones owner/name as a bare mirror if absent, or
// fetches into it if present, returning the remote's default branch.
func (f *Facade) EnsureMirror(ctx context.Context, owner, name, remoteURL string) (defaultBranch string, err error) {
	logger := log.WithComponent("scfacade")
	mirror := f.mirrorPath(owner, name)

	if _, statErr := os.Stat(mirror); os.IsNotExist(statErr) {
		if err := os.MkdirAll(filepath.Dir(mirror), 0o755); err != nil {
			return "", fmt.Errorf("creating mirror parent dir: %w", err)
		}
		logger.Info().Str("owner", owner).Str("name", name).Msg("cloning mirror")
		if _, err := f.run(ctx, f.workspaceRoot, "clone", "--mirror", remoteURL, mirror); err != nil {
			return "", err
		}
	} else {
		if _, err := f.run(ctx, mirror, "fetch", "--prune"); err != nil {
			return "", err
		}
	}

	return f.DefaultBranchOf(ctx, owner, name)
}

// DefaultBranchOf reports the mirror's default branch.
func (f *Facade) DefaultBranchOf(ctx context.Context, owner, name string) (string, error) {
	mirror := f.mirrorPath(owner, name)
	out, err := f.run(ctx, mirror, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving default branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HeadRevisionOf reports the current commit sha branchName points at
// in the mirror, for caching a session's head revision (spec.md §3).
func (f *Facade) HeadRevisionOf(ctx context.Context, owner, name, branchName string) (string, error) {
	mirror := f.mirrorPath(owner, name)
	out, err := f.run(ctx, mirror, "rev-parse", branchName)
	if err != nil {
		return "", fmt.Errorf("resolving head revision of %s: %w", branchName, err)
	}
	return strings.TrimSpace(out), nil
}

// CreateWorktree creates a working tree for sessionID on branchName,
// based on baseBranch. If branchName already exists it is reused
// (e.g. a resumed session); if the target worktree path already
// exists from a crashed prior session it is forcibly removed and
// recreated, per spec.md §4.5's provisioning step 2.
func (f *Facade) CreateWorktree(ctx context.Context, owner, name, sessionID, baseBranch, branchName string) (path string, err error) {
	mirror := f.mirrorPath(owner, name)
	path = f.worktreePath(owner, name, sessionID)

	if _, statErr := os.Stat(path); statErr == nil {
		log.WithComponent("scfacade").Warn().Str("path", path).Msg("stale worktree path from a crashed session, recreating")
		if _, err := f.run(ctx, mirror, "worktree", "remove", "--force", path); err != nil {
			log.WithComponent("scfacade").Debug().Err(err).Msg("worktree remove of stale path failed, continuing")
		}
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("removing stale worktree path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating worktree parent dir: %w", err)
	}

	branchExists := false
	if _, err := f.run(ctx, mirror, "show-ref", "--verify", "--quiet", "refs/heads/"+branchName); err == nil {
		branchExists = true
	}

	if branchExists {
		if _, err := f.run(ctx, mirror, "worktree", "add", path, branchName); err != nil {
			return "", err
		}
	} else {
		if _, err := f.run(ctx, mirror, "worktree", "add", "-b", branchName, path, baseBranch); err != nil {
			return "", err
		}
	}

	return path, nil
}

// RemoveWorktree removes the worktree for sessionID. It is
// idempotent: removing an already-absent worktree is not an error,
// matching the collaborator-idempotence expectation of spec.md §5.
func (f *Facade) RemoveWorktree(ctx context.Context, owner, name, sessionID string) error {
	mirror := f.mirrorPath(owner, name)
	path := f.worktreePath(owner, name, sessionID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if _, err := f.run(ctx, mirror, "worktree", "remove", "--force", path); err != nil {
		log.WithComponent("scfacade").Warn().Err(err).Str("path", path).Msg("git worktree remove failed, removing directory directly")
	}
	return os.RemoveAll(path)
}
