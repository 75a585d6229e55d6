package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/msageha/cairn/internal/model"
	"github.com/msageha/cairn/internal/registry"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	root := t.TempDir()
	if err := Run(root); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, d := range []string{".cairn/agents", ".cairn/logs", ".cairn/locks", ".cairn/state", ".cairn/quarantine", "Tasks"} {
		info, err := os.Stat(filepath.Join(root, d))
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestRun_ConfigLoadsWithAgentInstructions(t *testing.T) {
	root := t.TempDir()
	if err := Run(root); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := model.LoadConfig(model.ConfigPath(root))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.History.Enabled {
		t.Error("history should be enabled by default")
	}

	reg, err := registry.Load(cfg, root, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	if reg.Len() != len(cfg.Agents) {
		t.Fatalf("expected %d agents, got %d", len(cfg.Agents), reg.Len())
	}
	for _, a := range reg.Agents() {
		if a.Instructions == "" {
			t.Errorf("agent %s has no instructions", a.Code)
		}
	}
}

func TestRun_AlreadyInitialized(t *testing.T) {
	root := t.TempDir()
	if err := Run(root); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := Run(root); err == nil {
		t.Fatal("expected error on second Run")
	}
}

func TestRun_KeepsExistingInstructions(t *testing.T) {
	root := t.TempDir()
	custom := filepath.Join(root, ".cairn", "agents", "SUM.md")
	if err := os.MkdirAll(filepath.Dir(custom), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(custom, []byte("mine\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Run(root); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(custom)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "mine\n" {
		t.Errorf("existing instructions overwritten: %q", data)
	}
	if _, err := os.Stat(filepath.Join(root, ".cairn", "agents", "WR.md")); err != nil {
		t.Errorf("WR.md not written: %v", err)
	}
}
