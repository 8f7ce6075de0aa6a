package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// RunBaseDir resolves the default base directory for run artifacts.
// Preference order:
// 1. $XDG_STATE_HOME/voidbox/runs
// 2. ~/.local/state/voidbox/runs
// 3. $XDG_RUNTIME_DIR/voidbox/runs
func RunBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "voidbox", "runs"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "voidbox", "runs"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "voidbox", "runs"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "voidbox", "runs"), nil
	}
	return "", errors.New("unable to resolve run directory from XDG state/runtime or home")
}
