package version

import (
	"runtime/debug"
	"strings"
)

var (
	// Version is set at build time with -ldflags, falling back to the
	// module version embedded by go install.
	Version = "dev"
	// Commit is the VCS revision, when known.
	Commit = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	if Commit == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				Commit = s.Value
			}
		}
	}
}

// String renders version and short commit for display.
func String() string {
	commit := strings.TrimSpace(Commit)
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		return Version
	}
	return Version + " (" + commit + ")"
}
