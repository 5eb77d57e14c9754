package version

import (
	"runtime/debug"
	"testing"
)

func TestFromBuildInfo(t *testing.T) {
	t.Parallel()
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	var info Info
	fromBuildInfo(&info, bi)
	if info.Version != "v0.3.1" || info.BuildTime != "2026-01-02T03:04:05Z" || !info.Modified {
		t.Fatalf("unexpected info %+v", info)
	}
	if got, want := info.String(), "v0.3.1 (0123456789ab-dirty)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestLdflagsWin(t *testing.T) {
	t.Parallel()
	info := Info{Version: "v1.0.0", Commit: "abc"}
	fromBuildInfo(&info, &debug.BuildInfo{
		Main:     debug.Module{Version: "v0.0.1"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "def"}},
	})
	if info.Version != "v1.0.0" || info.Commit != "abc" {
		t.Fatalf("ldflags values overridden: %+v", info)
	}
}

func TestDevelBuild(t *testing.T) {
	t.Parallel()
	var info Info
	fromBuildInfo(&info, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if info.Version != "" {
		t.Fatalf("(devel) should not be used as a version, got %q", info.Version)
	}
	if got := (Info{Version: "devel"}).String(); got != "devel" {
		t.Fatalf("String() = %q", got)
	}
}
