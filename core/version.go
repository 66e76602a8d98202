package core

import "strings"

// Build metadata, injected with:
//
//	go build -ldflags "-X zimage_gateway/core.Version=$(git describe --tags --always) \
//	  -X zimage_gateway/core.GitCommit=$(git rev-parse --short HEAD) \
//	  -X zimage_gateway/core.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" .
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionInfo returns e.g. "v1.0.0 (built 2024-01-15T10:30:00Z, commit abc1234)".
func VersionInfo() string {
	return Version + " (built " + BuildTime + ", commit " + GitCommit + ")"
}

// BuildLdflags assembles the -ldflags value for the given metadata, skipping
// empty fields.
func BuildLdflags(version, buildTime, gitCommit string) string {
	var flags []string
	add := func(name, value string) {
		if value != "" {
			flags = append(flags, "-X zimage_gateway/core."+name+"="+value)
		}
	}
	add("Version", version)
	add("BuildTime", buildTime)
	add("GitCommit", gitCommit)
	return strings.Join(flags, " ")
}
