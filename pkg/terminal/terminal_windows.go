package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"golang.org/x/sys/windows"
)

// getColorableWriter returns a writer for f that understands the ANSI
// color escapes. Virtual terminal processing is switched on when the
// console supports it, older consoles get escapes translated by
// go-colorable.
func getColorableWriter(f *os.File) io.Writer {
	if strings.ToLower(os.Getenv("ConEmuANSI")) == "on" {
		return f
	}

	h := windows.Handle(f.Fd())
	var mode uint32
	if err := windows.GetConsoleMode(h, &mode); err != nil {
		return f
	}
	if mode&windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING != 0 {
		return f
	}
	if windows.SetConsoleMode(h, mode|windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING) == nil {
		return f
	}
	return colorable.NewColorable(f)
}
