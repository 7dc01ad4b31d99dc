// Package version reports build information for the listener binary.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/tandem-realtime/internal/version.Version=1.2.0 \
//	                   -X github.com/rickgao/tandem-realtime/internal/version.Commit=$(git rev-parse --short HEAD)"
//
// Unset values fall back to the VCS stamp the Go toolchain embeds.
package version

import (
	"runtime/debug"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is a snapshot of build metadata.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
	Modified  bool // Built from a dirty tree
}

// Get returns build metadata, filling gaps from debug.ReadBuildInfo.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	return fill(info, bi.Settings)
}

func fill(info Info, settings []debug.BuildSetting) Info {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && s.Value != "" {
				info.Commit = s.Value
				if len(info.Commit) > 12 {
					info.Commit = info.Commit[:12]
				}
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String formats the info for -version output.
func (i Info) String() string {
	s := i.Version + " (" + i.Commit
	if i.Modified {
		s += "-dirty"
	}
	return s + ") built " + i.BuildTime
}

// String returns the formatted version of the running binary.
func String() string {
	return Get().String()
}
