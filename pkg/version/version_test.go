package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	if got, want := v.String(), "Version: 1.2.3-rc1\nBuild: abcdef"; got != want {
		t.Fatalf("got %q, expected %q", got, want)
	}
	if !strings.HasPrefix(WdbgVersion.String(), "Version: "+WdbgVersion.Major+".") {
		t.Fatalf("unexpected version %q", WdbgVersion.String())
	}
}

func TestBuildInfo(t *testing.T) {
	if !strings.Contains(BuildInfo(), "go") {
		t.Fatalf("no go version in %q", BuildInfo())
	}
}

func TestFormatModules(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/go-delve/wdbg", Version: "(devel)"},
		Deps: []*debug.Module{
			{Path: "github.com/sirupsen/logrus", Version: "v1.9.3", Sum: "h1:abc"},
			{Path: "golang.org/x/sys", Version: "v0.12.0", Replace: &debug.Module{Path: "../sys"}},
		},
	}
	lines := strings.Split(strings.TrimSuffix(formatModules(info), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", lines)
	}
	if f := strings.Fields(lines[0]); f[0] != "mod" || f[1] != "github.com/go-delve/wdbg" {
		t.Errorf("unexpected main module line %q", lines[0])
	}
	if f := strings.Fields(lines[1]); len(f) != 4 || f[3] != "h1:abc" {
		t.Errorf("unexpected dependency line %q", lines[1])
	}
	if !strings.Contains(lines[2], "=> ../sys") {
		t.Errorf("replacement not shown in %q", lines[2])
	}
}
