package terminal

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// getColorableWriter returns a writer for stdout that understands ANSI
// escapes on every platform, or nil if stdout is not a terminal.
func getColorableWriter() io.Writer {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return nil
	}
	return colorable.NewColorableStdout()
}
