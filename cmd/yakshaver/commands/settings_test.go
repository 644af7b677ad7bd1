package commands

import (
	"regexp"
	"strings"
	"testing"
)

func TestSettingsCommands_ModeAndWhitelist(t *testing.T) {
	setupHome(t)

	if _, err := executeCommand(t, "settings", "mode", "turbo"); err == nil {
		t.Fatal("expected invalid mode error")
	}
	out, err := executeCommand(t, "settings", "mode", "Wait")
	if err != nil {
		t.Fatalf("mode error: %v", err)
	}
	if !strings.Contains(out, "Approval mode set to wait.") {
		t.Fatalf("unexpected output: %s", out)
	}

	out, err = executeCommand(t, "settings", "whitelist", "add", "github__create_issue")
	if err != nil {
		t.Fatalf("whitelist add error: %v", err)
	}
	match := regexp.MustCompile(`Whitelisted github__create_issue \(id ([^)]+)\)`).FindStringSubmatch(out)
	if match == nil {
		t.Fatalf("unexpected output: %s", out)
	}
	id := match[1]

	out, err = executeCommand(t, "settings", "show")
	if err != nil {
		t.Fatalf("show error: %v", err)
	}
	for _, want := range []string{"approval_mode: wait", "server_name: github", "tool_name: create_issue", "backend: file"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	if _, err := executeCommand(t, "settings", "whitelist", "remove", id); err != nil {
		t.Fatalf("whitelist remove error: %v", err)
	}
	if _, err := executeCommand(t, "settings", "whitelist", "remove", id); err == nil {
		t.Fatal("expected error removing an unknown entry")
	}

	out, err = executeCommand(t, "settings", "show")
	if err != nil {
		t.Fatalf("show error: %v", err)
	}
	if !strings.Contains(out, "whitelist: []") {
		t.Fatalf("expected empty whitelist, got:\n%s", out)
	}
}

func TestSplitToolIdentifier(t *testing.T) {
	cases := []struct {
		server, name       string
		wantServer, wantTo string
	}{
		{"", "web_fetch", "", "web_fetch"},
		{"", "github__create_issue", "github", "create_issue"},
		{"github", "create_issue", "github", "create_issue"},
		{"", "__odd", "", "__odd"},
	}
	for _, tc := range cases {
		server, name := splitToolIdentifier(tc.server, tc.name)
		if server != tc.wantServer || name != tc.wantTo {
			t.Fatalf("splitToolIdentifier(%q, %q) = %q, %q", tc.server, tc.name, server, name)
		}
	}
}
