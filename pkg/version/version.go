// Package version derives the build identity meetingd reports at
// startup.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName identifies this binary in version strings.
const AppName = "meetingd"

// commit is injected with
// -ldflags "-X github.com/Einzieg/AI-meeting/pkg/version.commit=<sha>"
// for builds without VCS metadata, such as images built from a source
// tarball.
var commit string

var (
	resolveOnce sync.Once
	resolved    string
)

// Commit returns the short revision this binary was built from. The
// linker stamp wins over VCS build info; with neither, it is "dev".
func Commit() string {
	resolveOnce.Do(func() {
		resolved = shorten(resolve())
	})
	return resolved
}

// Full returns "meetingd/<commit>" for startup logging and request
// metadata.
func Full() string {
	return AppName + "/" + Commit()
}

func resolve() string {
	if commit != "" {
		return commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
