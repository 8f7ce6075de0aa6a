package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for voidbox state.
// Preference order:
// 1. $XDG_STATE_HOME/voidbox
// 2. ~/.local/state/voidbox
// 3. $XDG_RUNTIME_DIR/voidbox
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "voidbox"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "voidbox"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "voidbox"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "voidbox"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}
