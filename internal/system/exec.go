package system

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kriansa/ventoy-writer/internal/log"
)

const (
	// maxLineLength caps a streamed line; longer output is forwarded in chunks
	maxLineLength = 64 * 1024
	// waitDelay bounds how long Wait blocks on output pipes held open by
	// children of a killed process
	waitDelay = 5 * time.Second
)

// ExecRunner implements Runner with os/exec
type ExecRunner struct{}

// NewExecRunner creates a Runner backed by real processes
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) command(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = waitDelay
	return cmd
}

func withTimeout(ctx context.Context, c Command) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return context.WithCancel(ctx)
}

// exitStatus maps the error of a finished process to an exit code
func exitStatus(ctx context.Context, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1, ErrTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
	}
	return -1, err
}

// Run executes the command and collects its output
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	ctx, cancel := withTimeout(ctx, c)
	defer cancel()

	log.Debug("running command", "cmd", c.String())

	var stdout, stderr bytes.Buffer
	cmd := r.command(ctx, c)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	code, err := exitStatus(ctx, cmd.Run())
	if err != nil {
		return nil, err
	}

	log.Debug("command finished", "cmd", c.Name, "exit", code)
	return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: code}, nil
}

// Stream executes the command, forwarding every stdout and stderr line to fn
func (r *ExecRunner) Stream(ctx context.Context, c Command, fn LineFunc) (int, error) {
	ctx, cancel := withTimeout(ctx, c)
	defer cancel()

	log.Debug("streaming command", "cmd", c.String())

	cmd := r.command(ctx, c)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", c.Name, err)
	}

	// Both pipes must be drained before Wait; fn sees one line at a time
	var mu sync.Mutex
	locked := func(stream Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		fn(stream, line)
	}

	var g errgroup.Group
	g.Go(func() error { return scanLines(stdout, Stdout, locked) })
	g.Go(func() error { return scanLines(stderr, Stderr, locked) })
	scanErr := g.Wait()

	code, err := exitStatus(ctx, cmd.Wait())
	if err != nil {
		return -1, err
	}
	if scanErr != nil {
		log.Warn("reading command output", "cmd", c.Name, "error", scanErr)
	}

	log.Debug("command finished", "cmd", c.Name, "exit", code)
	return code, nil
}

// scanLines forwards every line of r to fn. The pipe is drained even when
// reading fails so the process never blocks on a full pipe.
func scanLines(r io.Reader, stream Stream, fn LineFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxLineLength), 2*maxLineLength)
	scanner.Split(splitLines)
	for scanner.Scan() {
		fn(stream, scanner.Text())
	}

	err := scanner.Err()
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
	}
	return err
}

// splitLines is bufio.ScanLines that also breaks on a lone \r, as progress
// output redraws its line, and cuts lines longer than maxLineLength
func splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 && i < maxLineLength {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// Wait for the byte after \r to tell \r\n apart
		return 0, nil, nil
	}

	if len(data) >= maxLineLength {
		return maxLineLength, data[:maxLineLength], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
