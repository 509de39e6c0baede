// Package version reports the build version of the shardq binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/shardq"

// buildVersion is set via -ldflags "-X pkt.systems/shardq/internal/version.buildVersion=...".
var buildVersion = ""

// Info is printed by `shardq version`.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// Get collects build information for the running binary.
func Get() Info {
	return Info{
		Version:   Current(),
		Module:    Module(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Current returns the best available version string: the ldflags value, the
// module version, a pseudo version built from VCS stamps, or a placeholder.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(info.Settings); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if p := strings.TrimSpace(info.Main.Path); p != "" {
			return p
		}
	}
	return defaultModule
}

func pseudoVersion(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	rev, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if rev == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + rev
	if vcs["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
