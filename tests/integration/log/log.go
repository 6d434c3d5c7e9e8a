//go:build integration

package log

import (
	"fmt"
	"os"
)

// Status prints a status message for immediate display during tests.
func Status(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Output prints the output of a command run in the VM, indented under its status line.
func Output(output string) {
	if output == "" {
		return
	}
	_, _ = fmt.Fprintf(os.Stdout, "    %s\n", output)
}
