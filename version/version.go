// Package version reports the flowgraph build.
//
// Version, Commit and BuildTime are stamped at link time:
//
//	go build -ldflags "-X github.com/kbukum/flowgraph/version.Version=1.2.0" ./cmd/flowctl
//
// Unstamped builds fall back to the VCS settings recorded by the Go toolchain.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// Info describes the running binary.
type Info struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit,omitempty"`
	GoVersion string    `json:"go_version"`
	BuiltAt   time.Time `json:"built_at,omitzero"`
	Dirty     bool      `json:"dirty"`
}

// Get collects the build information.
func Get() Info {
	return resolve(Version, Commit, BuildTime, readBuildInfo())
}

// Short returns "version" or "version-commit", with a "-dirty" suffix for
// builds from a modified tree.
func Short() string {
	return Get().String()
}

func (i Info) String() string {
	parts := []string{i.Version}
	if i.Commit != "" {
		parts = append(parts, i.Commit)
	}
	if i.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "-")
}

func readBuildInfo() *debug.BuildInfo {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return bi
}

func resolve(version, commit, buildTime string, bi *debug.BuildInfo) Info {
	info := Info{Version: version, Commit: commit}
	if t, err := time.Parse(time.RFC3339, buildTime); err == nil {
		info.BuiltAt = t
	}
	if bi == nil {
		return info
	}
	info.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = shortCommit(s.Value)
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		case "vcs.time":
			if info.BuiltAt.IsZero() {
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					info.BuiltAt = t
				}
			}
		}
	}
	return info
}

func shortCommit(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
