// Package systemtest provides a scripted system.Runner for tests.
package systemtest

import (
	"context"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/kriansa/ventoy-writer/internal/system"
)

// Response is what a scripted command returns
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err is returned instead of a result, e.g. system.ErrTimeout
	Err error
	// Hook runs before the response is returned
	Hook func(cmd system.Command)
}

// Call records one invocation
type Call struct {
	Command system.Command
	Stdin   string
}

// Line is the rendered command line of the call
func (c Call) Line() string {
	return c.Command.String()
}

type handler struct {
	match func(system.Command) bool
	resp  Response
}

// Runner is a fake system.Runner answering from registered responses.
// Unmatched commands succeed with empty output.
type Runner struct {
	mu       sync.Mutex
	handlers []handler
	calls    []Call
}

// New creates an empty fake runner
func New() *Runner {
	return &Runner{}
}

// On registers a response for commands whose name or any argument equals word.
// Elevated commands match on the wrapped program as well. Earlier registrations win.
func (r *Runner) On(word string, resp Response) *Runner {
	return r.OnMatch(func(cmd system.Command) bool {
		return cmd.Name == word || slices.Contains(cmd.Args, word)
	}, resp)
}

// OnMatch registers a response for commands accepted by match
func (r *Runner) OnMatch(match func(system.Command) bool, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler{match: match, resp: resp})
	return r
}

// Calls returns every recorded invocation in order
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Lines returns the rendered command lines of every invocation
func (r *Runner) Lines() []string {
	var lines []string
	for _, c := range r.Calls() {
		lines = append(lines, c.Line())
	}
	return lines
}

// Called reports whether any invocation contained word as name or argument
func (r *Runner) Called(word string) bool {
	for _, c := range r.Calls() {
		if c.Command.Name == word || slices.Contains(c.Command.Args, word) {
			return true
		}
	}
	return false
}

func (r *Runner) respond(cmd system.Command) Response {
	var stdin string
	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		stdin = string(data)
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{Command: cmd, Stdin: stdin})
	var resp Response
	for _, h := range r.handlers {
		if h.match(cmd) {
			resp = h.resp
			break
		}
	}
	r.mu.Unlock()

	if resp.Hook != nil {
		resp.Hook(cmd)
	}
	return resp
}

// Run implements system.Runner
func (r *Runner) Run(ctx context.Context, cmd system.Command) (*system.Result, error) {
	resp := r.respond(cmd)
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &system.Result{
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
		ExitCode: resp.ExitCode,
	}, nil
}

// Stream implements system.Runner, replaying stdout then stderr line by line
func (r *Runner) Stream(ctx context.Context, cmd system.Command, fn system.LineFunc) (int, error) {
	resp := r.respond(cmd)
	if resp.Err != nil {
		return -1, resp.Err
	}
	for _, line := range splitLines(resp.Stdout) {
		fn(system.Stdout, line)
	}
	for _, line := range splitLines(resp.Stderr) {
		fn(system.Stderr, line)
	}
	return resp.ExitCode, nil
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
