package internal

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (

	// Name of the daemon, used for logging groups, paths, and the CLI.
	Name = "roled"

	// String to indicate an undefined variable
	defaultUndefined = "(undefined)"

	// String to indicate a local (non-pipeline) build
	defaultLocalBuild = "(local)"

	// Main branch name used in version strings
	mainBranch = "main"

	// Length of the commit hash shown for local builds
	shortCommitLength = 12
)

var (
	version   = "" // Version number (e.g., "1.2.3")
	stage     = "" // Development stage or git branch (e.g., "staging", "main")
	gitCommit = "" // Git commit hash (e.g., "a1b2c3d4")

	rawQuiet   = "false" // Whether to enable quiet mode
	rawDebug   = "false" // Whether to enable debug mode
	rawVerbose = "false" // Whether to enable verbose logging
)

// Identifies the running binary.
type BuildInfo struct {
	Version   string // Release version without a "v" prefix, or "(undefined)".
	Stage     string // Branch or stage the binary was built from, or "(undefined)".
	Commit    string // Source revision, or "(undefined)".
	Arch      string // GOARCH of the binary.
	GoVersion string // Toolchain that built the binary.
	Local     bool   // Whether the pipeline variables were left unset.
	Modified  bool   // Whether a local build had uncommitted changes.
}

// Returns the build information of the running binary.
//
// Pipeline builds set version, stage, and commit via linker flags. When the
// commit is missing, the revision recorded by the Go toolchain is used
// instead, so local builds from a checkout still name their source.
func Build() BuildInfo {
	info := BuildInfo{
		Version:   normalize(version),
		Stage:     normalize(stage),
		Commit:    strings.TrimSpace(gitCommit),
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		Local:     isLocal(),
	}

	if info.Version != defaultUndefined {
		info.Version = strings.TrimPrefix(info.Version, "v")
	}

	if info.Commit == "" {
		info.Commit, info.Modified = vcsRevision()
	}
	if info.Commit == "" {
		info.Commit = defaultUndefined
	}

	return info
}

// Returns the version without its "v" prefix, or "(undefined)".
func Version() string {
	return Build().Version
}

// Returns a detailed version string.
//
// Pipeline builds are formatted as "<version>+<stage> <git-commit> [<arch>]",
// where the stage is omitted for the main branch. Local builds are
// "(local)", followed by the toolchain revision when one was recorded.
func VersionString() string {
	return Build().String()
}

func (b BuildInfo) String() string {
	if b.Local {
		if b.Commit == defaultUndefined {
			return defaultLocalBuild
		}
		commit := b.Commit
		if len(commit) > shortCommitLength {
			commit = commit[:shortCommitLength]
		}
		if b.Modified {
			commit += "-dirty"
		}
		return fmt.Sprintf("%s %s [%s]", defaultLocalBuild, commit, b.Arch)
	}

	s := b.Stage
	if s == mainBranch {
		s = ""
	} else {
		s = "+" + s
	}

	return fmt.Sprintf("%s%s %s [%s]", b.Version, s, b.Commit, b.Arch)
}

// Trims and lowercases a linker variable, mapping empty to "(undefined)".
func normalize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultUndefined
	}
	return strings.ToLower(v)
}

// A build is local if any of the version, git commit, or stage variables are
// unset.
func isLocal() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(gitCommit) == "" ||
		strings.TrimSpace(stage) == ""
}

// Returns the VCS revision stamped by the Go toolchain, if any.
func vcsRevision() (revision string, modified bool) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	return revision, modified
}
