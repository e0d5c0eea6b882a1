// Package version reports build metadata for the strata binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Info contains version and build information
type Info struct {
	Version   string    `json:"version" yaml:"version"`
	GitCommit string    `json:"git_commit" yaml:"git_commit"`
	BuildTime time.Time `json:"build_time" yaml:"build_time"`
	GoVersion string    `json:"go_version" yaml:"go_version"`
	Platform  string    `json:"platform" yaml:"platform"`
	Dirty     bool      `json:"dirty,omitempty" yaml:"dirty,omitempty"`
}

// Set at build time with -ldflags "-X github.com/conneroisu/strata/internal/version.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// Get returns the build information of the running binary.
func Get() Info {
	return Info{
		Version:   version(),
		GitCommit: commit(),
		BuildTime: parseTime(BuildTime),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Dirty:     setting("vcs.modified") == "true",
	}
}

func version() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if info, ok := readBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func commit() string {
	if GitCommit != "" && GitCommit != "unknown" {
		return GitCommit
	}
	if rev := setting("vcs.revision"); rev != "" {
		return rev
	}
	return "unknown"
}

func setting(key string) string {
	info, ok := readBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

// Short returns "v1.2.3 (abcdef1)", "dev-abcdef1" or the bare version.
func Short() string {
	v, c := version(), commit()
	if c == "unknown" || len(c) < 7 {
		return v
	}
	if v == "dev" {
		return "dev-" + c[:7]
	}
	return fmt.Sprintf("%s (%s)", v, c[:7])
}

// String renders every known field, one per line.
func (i Info) String() string {
	parts := []string{"Version: " + i.Version}
	if i.GitCommit != "unknown" {
		commit := i.GitCommit
		if i.Dirty {
			commit += " (dirty)"
		}
		parts = append(parts, "Commit: "+commit)
	}
	if !i.BuildTime.IsZero() {
		parts = append(parts, "Built: "+i.BuildTime.Format(time.RFC3339))
	}
	parts = append(parts, "Go: "+i.GoVersion, "Platform: "+i.Platform)
	return strings.Join(parts, "\n")
}

// IsRelease reports whether this is a tagged build.
func IsRelease() bool {
	v := version()
	return v != "dev" && !strings.HasPrefix(v, "dev-")
}

func parseTime(s string) time.Time {
	if s == "" || s == "unknown" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
