package version

import "testing"

func TestString_IncludesShortCommit(t *testing.T) {
	oldVersion, oldCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = oldVersion, oldCommit })

	Version = "v1.2.3"
	Commit = "0123456789abcdef"
	if got := String(); got != "v1.2.3 (0123456789ab)" {
		t.Fatalf("expected %q, got %q", "v1.2.3 (0123456789ab)", got)
	}

	Commit = ""
	if got := String(); got != "v1.2.3" {
		t.Fatalf("expected %q, got %q", "v1.2.3", got)
	}
}
