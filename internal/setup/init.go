// Package setup handles cairn workspace initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/msageha/cairn/internal/fsutil"
	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/templates"
)

// Run initializes the .cairn/ directory structure inside root. It refuses to touch a
// workspace that already has a configuration file.
func Run(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve workspace dir: %w", err)
	}
	cfgPath := model.ConfigPath(absRoot)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return fmt.Errorf("read config template: %w", err)
	}
	cfg, err := model.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("config template: %w", err)
	}

	base := filepath.Join(absRoot, model.StateDirName)
	dirs := []string{
		filepath.Join(base, "locks"),
		filepath.Join(base, "state"),
		filepath.Join(base, "quarantine"),
		resolve(absRoot, cfg.Paths.AgentsDir),
		resolve(absRoot, cfg.Paths.LogsDir),
		resolve(absRoot, cfg.Paths.TasksDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := fsutil.AtomicWrite(cfgPath, data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return copyAgents(resolve(absRoot, cfg.Paths.AgentsDir))
}

// copyAgents writes the embedded instruction files, leaving existing ones alone.
func copyAgents(dst string) error {
	return fs.WalkDir(templates.FS, "agents", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		target := filepath.Join(dst, path.Base(p))
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		data, err := fs.ReadFile(templates.FS, p)
		if err != nil {
			return fmt.Errorf("read template %s: %w", p, err)
		}
		if err := fsutil.AtomicWrite(target, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		return nil
	})
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
