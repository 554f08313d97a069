// Package vcs shells out to git and the platform CLI to give each
// session an isolated worktree and to turn finished work into a pull
// request.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/common/logger"
)

// Config holds the adapter's directories, remote names, and timeouts.
type Config struct {
	WorktreesDir  string
	DefaultBranch string
	Remote        string
	Timeout       time.Duration
	PushTimeout   time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PushTimeout == 0 {
		cfg.PushTimeout = 120 * time.Second
	}
	return cfg
}

// Worktree describes one entry of `git worktree list`.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Head   string `json:"head"`
}

// Adapter runs git and gh subprocesses. Operations that touch a
// repository's shared metadata are serialized by a per-repo lock;
// operations on distinct worktrees are independent.
type Adapter struct {
	cfg        Config
	logger     *logger.Logger
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// New creates the adapter and ensures the worktrees root exists.
func New(cfg Config, log *logger.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if cfg.WorktreesDir == "" {
		return nil, fmt.Errorf("worktrees dir is required")
	}
	if err := os.MkdirAll(cfg.WorktreesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees dir: %w", err)
	}
	return &Adapter{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "vcs")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// getRepoLock returns a mutex for the given repository path.
func (a *Adapter) getRepoLock(repoDir string) *sync.Mutex {
	a.repoLockMu.Lock()
	defer a.repoLockMu.Unlock()

	if lock, exists := a.repoLocks[repoDir]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	a.repoLocks[repoDir] = lock
	return lock
}

// git runs a git command in dir with the given timeout, returning its
// combined output. Failures carry the captured output in the error.
func (a *Adapter) git(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// CreateWorktree creates branch off the remote default branch and adds a
// worktree for it under the worktrees root. An existing valid worktree
// for the branch is reused.
func (a *Adapter) CreateWorktree(ctx context.Context, repoDir, branch, base string) (string, error) {
	lock := a.getRepoLock(repoDir)
	lock.Lock()
	defer lock.Unlock()

	if base == "" {
		base = a.cfg.DefaultBranch
	}
	path := filepath.Join(a.cfg.WorktreesDir, branch)

	if a.isValidWorktree(path) {
		a.logger.Debug("reusing existing worktree",
			zap.String("branch", branch),
			zap.String("path", path))
		return path, nil
	}

	// Freshen the remote default so the branch starts from its tip.
	// Local-only repositories have no remote; that is not fatal.
	if _, err := a.git(ctx, repoDir, a.cfg.Timeout, "fetch", "--prune", a.cfg.Remote); err != nil {
		a.logger.Warn("git fetch failed, branching from local base",
			zap.String("base", base),
			zap.Error(err))
	}

	baseRef := base
	remoteRef := a.cfg.Remote + "/" + base
	if _, err := a.git(ctx, repoDir, a.cfg.Timeout, "rev-parse", "--verify", remoteRef); err == nil {
		baseRef = remoteRef
	}

	if _, err := a.git(ctx, repoDir, a.cfg.Timeout,
		"worktree", "add", "-b", branch, path, baseRef); err != nil {
		return "", err
	}

	a.logger.Info("created worktree",
		zap.String("branch", branch),
		zap.String("base", baseRef),
		zap.String("path", path))
	return path, nil
}

// CommitAndPush stages everything in the worktree, commits, pushes the
// branch, and returns the head commit sha. A clean tree still pushes so
// commits made by the agent itself reach the remote.
func (a *Adapter) CommitAndPush(ctx context.Context, worktreeDir, message string) (string, error) {
	if _, err := a.git(ctx, worktreeDir, a.cfg.Timeout, "add", "-A"); err != nil {
		return "", err
	}

	if out, err := a.git(ctx, worktreeDir, a.cfg.Timeout, "commit", "-m", message); err != nil {
		if !strings.Contains(out, "nothing to commit") {
			return "", err
		}
	}

	if _, err := a.git(ctx, worktreeDir, a.cfg.PushTimeout,
		"push", "-u", a.cfg.Remote, "HEAD"); err != nil {
		return "", err
	}

	sha, err := a.git(ctx, worktreeDir, a.cfg.Timeout, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

// CreatePR opens a pull request for the worktree's branch via the
// platform CLI and returns its URL.
func (a *Adapter) CreatePR(ctx context.Context, worktreeDir, title, body string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.PushTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gh", "pr", "create", "--title", title, "--body", body)
	cmd.Dir = worktreeDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh pr create: %w: %s", err, strings.TrimSpace(string(output)))
	}

	// gh prints the PR URL as the last line of stdout.
	lines := strings.Fields(strings.TrimSpace(string(output)))
	if len(lines) == 0 {
		return "", fmt.Errorf("gh pr create produced no output")
	}
	url := lines[len(lines)-1]

	a.logger.Info("created pull request", zap.String("url", url))
	return url, nil
}

// RemoveWorktree removes a worktree directory and prunes stale entries.
// A missing path is success; removal is expected to be best-effort.
func (a *Adapter) RemoveWorktree(ctx context.Context, repoDir, worktreePath string) error {
	lock := a.getRepoLock(repoDir)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		// Still prune in case git holds a stale entry.
		_, _ = a.git(ctx, repoDir, a.cfg.Timeout, "worktree", "prune")
		return nil
	}

	if _, err := a.git(ctx, repoDir, a.cfg.Timeout,
		"worktree", "remove", "--force", worktreePath); err != nil {
		a.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("path", worktreePath),
			zap.Error(err))
		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}
	}

	_, _ = a.git(ctx, repoDir, a.cfg.Timeout, "worktree", "prune")
	return nil
}

// DeleteBranch deletes a branch from the repository. With localOnly
// false the remote branch is deleted as well.
func (a *Adapter) DeleteBranch(ctx context.Context, repoDir, branch string, localOnly bool) error {
	lock := a.getRepoLock(repoDir)
	lock.Lock()
	defer lock.Unlock()

	if _, err := a.git(ctx, repoDir, a.cfg.Timeout, "branch", "-D", branch); err != nil {
		return err
	}
	if !localOnly {
		if _, err := a.git(ctx, repoDir, a.cfg.PushTimeout,
			"push", a.cfg.Remote, "--delete", branch); err != nil {
			return err
		}
	}
	return nil
}

// ListWorktrees parses `git worktree list --porcelain` for the repo.
// The main checkout is included; callers filter by the worktrees root
// or branch set as needed.
func (a *Adapter) ListWorktrees(ctx context.Context, repoDir string) ([]Worktree, error) {
	output, err := a.git(ctx, repoDir, a.cfg.Timeout, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var worktrees []Worktree
	var current Worktree
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Worktree{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees, nil
}

// WorktreesRoot returns the directory worktrees are created under.
func (a *Adapter) WorktreesRoot() string {
	return a.cfg.WorktreesDir
}

// isValidWorktree checks for a worktree-style .git file at path.
func (a *Adapter) isValidWorktree(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}
