// Package artifact persists per-attempt phase artifacts on disk: rendered
// prompts, raw agent output, and derived analyses. Raw output in particular
// must survive a phase failure so the fixer can attempt recovery from it.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store manages phase artifacts under a base directory.
type Store struct {
	baseDir string // defaults to ~/.taskmill/artifacts
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.taskmill/artifacts, creating the
// directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".taskmill", "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) attemptDir(taskID, phase string, attempt int) string {
	return filepath.Join(s.baseDir, taskID, phase, fmt.Sprintf("attempt-%d", attempt))
}

// SavePrompt writes the rendered prompt for a phase attempt.
func (s *Store) SavePrompt(taskID, phase string, attempt int, prompt string) error {
	return WriteAtomic(filepath.Join(s.attemptDir(taskID, phase, attempt), "prompt.md"), []byte(prompt))
}

// SaveRawOutput writes the raw agent output for a phase attempt.
func (s *Store) SaveRawOutput(taskID, phase string, attempt int, output string) error {
	return WriteAtomic(filepath.Join(s.attemptDir(taskID, phase, attempt), "output.txt"), []byte(output))
}

// GetRawOutput reads the raw agent output for a phase attempt.
func (s *Store) GetRawOutput(taskID, phase string, attempt int) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.attemptDir(taskID, phase, attempt), "output.txt"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveAnalysis writes a derived analysis JSON for a phase.
func (s *Store) SaveAnalysis(taskID, phase string, v interface{}) error {
	return WriteJSON(filepath.Join(s.baseDir, taskID, phase, "analysis.json"), v)
}

// GetAnalysis reads a phase's analysis JSON into v.
func (s *Store) GetAnalysis(taskID, phase string, v interface{}) error {
	return ReadJSON(filepath.Join(s.baseDir, taskID, phase, "analysis.json"), v)
}
