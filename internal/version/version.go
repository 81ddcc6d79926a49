// Package version holds build-time version information for the reachyrag
// binary. The variables are populated via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/reachyrag-go/internal/version.Version=v0.3.0 \
//	                    -X github.com/54b3r/reachyrag-go/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/reachyrag-go/internal/version.BuildDate=2026-01-01"
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	// Version is the semantic version of the binary. Defaults to "dev".
	Version = "dev"
	// Commit is the short git SHA. Defaults to the VCS stamp from the Go
	// toolchain, or "unknown".
	Commit = "unknown"
	// BuildDate is the UTC build date (RFC3339). Defaults to "unknown".
	BuildDate = "unknown"
)

// String renders the version line printed by `reachyrag version`.
func String() string {
	commit, date := Commit, BuildDate
	if commit == "unknown" {
		if rev, when := vcsStamp(); rev != "" {
			commit, date = rev, when
		}
	}
	return fmt.Sprintf("reachyrag %s (commit: %s, built: %s)", Version, commit, date)
}

// vcsStamp reads the revision the toolchain embeds in module builds.
func vcsStamp() (rev, when string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	when = BuildDate
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value[:min(7, len(s.Value))]
		case "vcs.time":
			when = s.Value
		}
	}
	return rev, when
}
