package comfyui

import (
	"fmt"
	"log/slog"
	"os"
)

// scratch is the temporary-file area owned by a single pipeline run. Every
// directory handed out by subdir lives under root, so one Release reclaims
// everything the run staged, success or not.
type scratch struct {
	root string
}

func newScratch() (*scratch, error) {
	root, err := os.MkdirTemp("", "miner-task-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create task scratch dir: %w", err)
	}
	return &scratch{root: root}, nil
}

func (s *scratch) subdir() (string, error) {
	dir, err := os.MkdirTemp(s.root, "params-*")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch subdir: %w", err)
	}
	return dir, nil
}

func (s *scratch) Release() {
	if err := os.RemoveAll(s.root); err != nil {
		slog.Warn("failed to remove task scratch dir", "dir", s.root, "error", err)
	}
}
