// Package version exposes build-time version metadata (spec.md §6.5
// `jailctl version`), adapted from the teacher's version package: the
// same ldflags-populated vars plus whatever the Go toolchain embedded
// in the binary via runtime/debug.
package version

import (
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

var (
	// Populated via -ldflags at build time.
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is the full version picture for this binary.
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the version information for the running binary.
func Get() Info {
	buildInfo, ok := debug.ReadBuildInfo()
	info := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if ok {
		info.BuildInfo = buildInfo
	}
	return info
}

// Equal reports whether v and other describe the same build, compared
// by git commit and module build metadata rather than wall-clock
// fields alone.
func (v Info) Equal(other Info) bool {
	if v.BuildInfo != nil {
		if other.BuildInfo == nil {
			return false
		}
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			!cmp.Equal(v.BuildInfo.Deps, other.BuildInfo.Deps) ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion {
			return false
		}
	}
	if v.BuildTime != other.BuildTime ||
		v.GitBranch != other.GitBranch ||
		v.GitCommit != other.GitCommit ||
		v.GitRepo != other.GitRepo {
		return false
	}
	return true
}
