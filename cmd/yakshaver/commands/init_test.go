package commands

import (
	"os"
	"strings"
	"testing"

	"github.com/SSWConsulting/yakshaver/internal/config"
)

func TestInitCommand_CreatesConfigAndStateDir(t *testing.T) {
	setupHome(t)

	out, err := executeCommand(t, "init")
	if err != nil {
		t.Fatalf("init error: %v", err)
	}
	if !strings.Contains(out, "YakShaver initialized!") {
		t.Fatalf("unexpected output: %s", out)
	}

	if _, err := os.Stat(config.ConfigPath()); err != nil {
		t.Fatalf("expected config file at %s: %v", config.ConfigPath(), err)
	}
	cfg := config.DefaultConfig()
	if _, err := os.Stat(cfg.DataDir()); err != nil {
		t.Fatalf("expected state dir at %s: %v", cfg.DataDir(), err)
	}

	out, err = executeCommand(t, "init")
	if err != nil {
		t.Fatalf("second init error: %v", err)
	}
	if !strings.Contains(out, "Config already exists") {
		t.Fatalf("expected existing config message, got: %s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.HasPrefix(out, "yakshaver ") {
		t.Fatalf("unexpected output: %s", out)
	}
}
