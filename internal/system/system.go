package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrTimeout is returned when a command does not finish within its timeout
var ErrTimeout = errors.New("command timed out")

// Command describes one external program invocation
type Command struct {
	// Name is the executable to run
	Name string
	// Args are the arguments passed to the executable
	Args []string
	// Env holds extra KEY=VALUE pairs appended to the current environment
	Env []string
	// Dir is the working directory, empty for the current one
	Dir string
	// Stdin is fed to the process when set
	Stdin io.Reader
	// Timeout bounds the run time, zero means no limit beyond the context
	Timeout time.Duration
}

// String renders the command line for logs
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds what a finished command produced
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Output returns stdout and stderr trimmed and joined, for error messages
func (r *Result) Output() string {
	return strings.TrimSpace(string(r.Stdout) + string(r.Stderr))
}

// Stream identifies which pipe a streamed line came from
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// LineFunc receives output lines of a streamed command as they are produced
type LineFunc func(stream Stream, line string)

// Runner runs external commands
type Runner interface {
	// Run executes the command and collects its output.
	// A non-zero exit status is reported through Result.ExitCode, not as an error;
	// errors are reserved for commands that could not run or timed out.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// Stream executes the command and calls fn for every output line.
	// It returns the exit status with the same error semantics as Run.
	Stream(ctx context.Context, cmd Command, fn LineFunc) (int, error)
}

// ExitError describes a command that finished with a non-zero status
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d (output: %q)", e.Command, e.Code, e.Output)
}

// Check runs cmd and turns a non-zero exit status into an *ExitError
func Check(ctx context.Context, r Runner, cmd Command) (*Result, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	if res.ExitCode != 0 {
		return res, &ExitError{Command: cmd.String(), Code: res.ExitCode, Output: res.Output()}
	}
	return res, nil
}
