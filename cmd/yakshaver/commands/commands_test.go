package commands

import (
	"bytes"
	"testing"
)

// setupHome points the config directory at a temp dir.
func setupHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("YAKSHAVER_HOME", dir)
	return dir
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"init", "run", "serve", "approval", "settings", "mcp", "version"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected subcommand %q", name)
		}
	}
}
