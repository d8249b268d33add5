// Package workspace wraps the repository/workspace collaborator: isolated
// per-(task, repository) checkouts, branch creation, merge with conflict
// reporting, and upstream push. The orchestrator only depends on the Manager
// interface; the git implementation shells out.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mfinley/taskmill/internal/task"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command.
type ExecGit struct{}

func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// MergeResult reports a merge attempt. Conflicts lists unmerged paths when
// Success is false.
type MergeResult struct {
	Success   bool
	Conflicts []string
}

// Manager is the workspace collaborator consumed by phases.
type Manager interface {
	// Prepare returns an isolated checkout of repo for taskID, cloning or
	// refreshing as needed.
	Prepare(taskID string, repo task.Repository) (string, error)
	// CreateBranch creates and checks out a branch in the workspace.
	CreateBranch(path, branch string) error
	// Merge merges branch into the repository's default branch.
	Merge(path, defaultBranch, branch string) (*MergeResult, error)
	// Push pushes a branch upstream.
	Push(path, branch string) error
}

// GitManager implements Manager over real git checkouts under root.
type GitManager struct {
	git  GitRunner
	root string // root/<taskID>/<repoID>
}

// NewGitManager creates a GitManager rooted at root.
func NewGitManager(git GitRunner, root string) *GitManager {
	return &GitManager{git: git, root: root}
}

// Prepare clones the repository into the task's workspace, or refreshes an
// existing checkout.
func (m *GitManager) Prepare(taskID string, repo task.Repository) (string, error) {
	if taskID == "" || repo.ID == "" {
		return "", fmt.Errorf("prepare requires task and repository ids")
	}
	path := filepath.Join(m.root, taskID, repo.ID)

	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		// Best-effort refresh; a stale checkout is still usable
		_, _ = m.git.Run(path, "fetch", "origin")
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir workspace: %w", err)
	}
	if _, err := m.git.Run("", "clone", repo.URL, path); err != nil {
		return "", fmt.Errorf("clone %s: %w", repo.Name, err)
	}
	return path, nil
}

// CreateBranch creates and checks out branch from the current HEAD.
func (m *GitManager) CreateBranch(path, branch string) error {
	branch = SanitizeBranch(branch)
	if _, err := m.git.Run(path, "checkout", "-b", branch); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			_, err = m.git.Run(path, "checkout", branch)
		}
		if err != nil {
			return fmt.Errorf("create branch %q: %w", branch, err)
		}
	}
	return nil
}

// Merge merges branch into defaultBranch. On conflict the merge is aborted
// and the unmerged paths are returned.
func (m *GitManager) Merge(path, defaultBranch, branch string) (*MergeResult, error) {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	if _, err := m.git.Run(path, "checkout", defaultBranch); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", defaultBranch, err)
	}
	if _, err := m.git.Run(path, "merge", "--no-ff", branch); err != nil {
		out, listErr := m.git.Run(path, "diff", "--name-only", "--diff-filter=U")
		_, _ = m.git.Run(path, "merge", "--abort")
		if listErr != nil {
			return nil, fmt.Errorf("merge %s: %w", branch, err)
		}
		var conflicts []string
		for _, line := range strings.Split(out, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				conflicts = append(conflicts, line)
			}
		}
		return &MergeResult{Success: false, Conflicts: conflicts}, nil
	}
	return &MergeResult{Success: true}, nil
}

// Push pushes branch to origin.
func (m *GitManager) Push(path, branch string) error {
	if _, err := m.git.Run(path, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push %q: %w", branch, err)
	}
	return nil
}

var branchSanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// SanitizeBranch makes a string safe to use as a git branch name.
func SanitizeBranch(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	s = branchSanitizeRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-/")
	if s == "" {
		s = "work"
	}
	return s
}
