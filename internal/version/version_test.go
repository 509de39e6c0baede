package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoVersionFromVCS(t *testing.T) {
	t.Parallel()

	got := pseudoVersion([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-02-03T04:05:06Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	if got != "v0.0.0-20260203040506-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if pseudoVersion(nil) != "" {
		t.Fatal("expected empty pseudo version without vcs stamps")
	}
}

func TestGetFillsPlatform(t *testing.T) {
	t.Parallel()

	info := Get()
	if info.Version == "" || info.Module == "" {
		t.Fatalf("incomplete info %+v", info)
	}
	if !strings.Contains(info.Platform, "/") || !strings.HasPrefix(info.GoVersion, "go") {
		t.Fatalf("unexpected runtime fields %+v", info)
	}
}
