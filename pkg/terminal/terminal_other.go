//go:build !windows

package terminal

import (
	"io"
	"os"
)

// Terminals outside of Windows interpret ANSI escapes themselves.
func getColorableWriter(f *os.File) io.Writer {
	return f
}
