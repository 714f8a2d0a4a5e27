package version

import (
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

func init() {
	buildInfo = moduleBuildInfo
}

// moduleBuildInfo lists the main module and the dependencies linked into
// the binary, one per line, in columns.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}
	return formatModules(info)
}

func formatModules(info *debug.BuildInfo) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 8, 1, ' ', 0)
	writeModule(w, "mod", &info.Main)
	for _, dep := range info.Deps {
		writeModule(w, "dep", dep)
	}
	w.Flush()
	return b.String()
}

func writeModule(w *tabwriter.Writer, kind string, m *debug.Module) {
	line := []string{" " + kind, m.Path, m.Version, m.Sum}
	if r := m.Replace; r != nil {
		line = append(line, "=>", r.Path, r.Version, r.Sum)
	}
	w.Write([]byte(strings.Join(line, "\t") + "\n"))
}
