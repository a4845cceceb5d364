// Package buildinfo carries the version identity of a Reeve binary.
// Release builds stamp the exported variables through -ldflags -X;
// everything else in the module reads them from here.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped by the build. The zero values identify a from-source dev build.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Uptime reports how long this process has been running, in whole seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is the value Reeve sends in outbound User-Agent headers.
func UserAgent() string {
	return "reeve/" + Version
}

// String renders a one-line identity for startup logging.
func String() string {
	return fmt.Sprintf("Reeve %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// Info collects build and runtime facts for the version endpoint and CLI.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}
