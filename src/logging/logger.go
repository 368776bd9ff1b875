package logging

import (
	"io"
	"log"
	"os"
)

var output io.Writer = os.Stdout

// SetOutput changes where loggers created afterwards write.
func SetOutput(w io.Writer) {
	if w != nil {
		output = w
	}
}

// Output is the current process log destination.
func Output() io.Writer { return output }

// New returns a component logger in the "[component] message" format used
// across the process.
func New(component string) *log.Logger {
	return log.New(output, "["+component+"] ", log.LstdFlags|log.Lmsgprefix)
}
