// Package version derives the daemon's version string from build
// metadata. An -ldflags override wins, then VCS stamps from
// debug.ReadBuildInfo, then "dev".
package version

import (
	"runtime/debug"
	"sync"
)

// AppName prefixes version strings in log lines and health responses.
const AppName = "ksid"

// commit is set via -ldflags for builds where no .git directory is
// available (container builds, source tarballs):
//
//	go build -ldflags "-X github.com/ksi-project/ksi/pkg/version.commit=$SHA"
var commit string

// Full returns "ksid/<commit>", with "-dirty" appended when the
// working tree carried local modifications at build time. Test
// binaries and non-git builds report "ksid/dev".
var Full = sync.OnceValue(func() string {
	return AppName + "/" + resolve()
})

func resolve() string {
	if commit != "" {
		return short(commit)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "dev"
	}
	if dirty {
		return short(rev) + "-dirty"
	}
	return short(rev)
}

// short truncates a revision to the familiar 8-character form.
func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
