package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/the-void-ia/void-box/internal/runtimeconfig"
	"gopkg.in/yaml.v3"
)

// ConfigInitCommand writes runtimeconfig.Default() to disk, so a fresh
// checkout gets a usable config.yaml without hand-authoring one.
type ConfigInitCommand struct {
	Path  string `help:"Destination config path (defaults to the standard XDG location)"`
	Force bool   `help:"Overwrite an existing config file"`
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	path := c.Path
	if path == "" {
		var err error
		path, err = runtimeconfig.Path()
		if err != nil {
			return fmt.Errorf("resolve default config path: %w", err)
		}
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(ctx.CWD, path)
	}

	if !c.Force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("check %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	b, err := yaml.Marshal(runtimeconfig.Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	_, err = fmt.Fprintf(ctx.Stdout, "wrote default config to %s\n", path)
	return err
}
