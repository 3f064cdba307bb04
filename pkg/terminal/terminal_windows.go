package terminal

import (
	"io"

	"github.com/mattn/go-colorable"
)

// getColorableWriter returns a writer that translates the ANSI escape
// codes used by the terminal into console calls.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
