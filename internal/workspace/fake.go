package workspace

import (
	"path/filepath"
	"sync"

	"github.com/mfinley/taskmill/internal/task"
)

// Fake is an in-memory Manager for tests. Merges succeed unless a branch is
// listed in Conflicts.
type Fake struct {
	mu         sync.Mutex
	Root       string
	Branches   []string
	Merged     []string
	Pushed     []string
	Conflicts  map[string][]string // branch -> conflicting paths
	PrepareErr error
}

// Prepare returns a deterministic path without touching the filesystem.
func (f *Fake) Prepare(taskID string, repo task.Repository) (string, error) {
	if f.PrepareErr != nil {
		return "", f.PrepareErr
	}
	root := f.Root
	if root == "" {
		root = "/tmp/taskmill-fake"
	}
	return filepath.Join(root, taskID, repo.ID), nil
}

func (f *Fake) CreateBranch(path, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Branches = append(f.Branches, branch)
	return nil
}

func (f *Fake) Merge(path, defaultBranch, branch string) (*MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if paths, ok := f.Conflicts[branch]; ok {
		return &MergeResult{Success: false, Conflicts: paths}, nil
	}
	f.Merged = append(f.Merged, branch)
	return &MergeResult{Success: true}, nil
}

func (f *Fake) Push(path, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.Branches {
		if b == branch {
			f.Pushed = append(f.Pushed, branch)
			return nil
		}
	}
	f.Pushed = append(f.Pushed, branch)
	return nil
}

// MergedOrder returns the merge order, for asserting dependency sequencing.
func (f *Fake) MergedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Merged))
	copy(out, f.Merged)
	return out
}

var _ Manager = (*Fake)(nil)
