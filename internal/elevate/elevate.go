package elevate

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/kriansa/ventoy-writer/internal/system"
)

const (
	// MethodPkexec runs commands through polkit's pkexec
	MethodPkexec = "pkexec"
	// MethodSudo runs commands through non-interactive sudo
	MethodSudo = "sudo"
	// MethodNone runs commands as-is, for when the tool already runs as root
	MethodNone = "none"

	// DefaultDisplay is used when DISPLAY is not set
	DefaultDisplay = ":0"
)

// Exit codes pkexec uses when authorization does not happen
const (
	exitAuthCancelled = 126
	exitAuthFailed    = 127
)

var (
	// ErrAuthCancelled is returned when the user dismissed the authentication dialog
	ErrAuthCancelled = errors.New("authentication cancelled")
	// ErrAuthFailed is returned when the user could not be authenticated
	ErrAuthFailed = errors.New("authentication failed")
)

// Elevator wraps commands so they run with administrative rights
type Elevator struct {
	method  string
	display string
}

// New creates an Elevator for the given method. An empty display falls back to
// $DISPLAY and then to DefaultDisplay.
func New(method, display string) (*Elevator, error) {
	switch method {
	case MethodPkexec, MethodSudo, MethodNone:
	default:
		return nil, fmt.Errorf("unknown elevation method: %s (use 'pkexec', 'sudo' or 'none')", method)
	}

	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		display = DefaultDisplay
	}

	return &Elevator{method: method, display: display}, nil
}

// Method returns the configured elevation method
func (e *Elevator) Method() string {
	return e.method
}

// Wrap returns cmd rewritten to run through the elevation agent
func (e *Elevator) Wrap(cmd system.Command) system.Command {
	var prefix []string
	switch e.method {
	case MethodPkexec:
		// The system agent shows the dialog; it needs the display of the session
		prefix = []string{"--disable-internal-agent", "env", "DISPLAY=" + e.display}
		cmd.Env = append(slices.Clip(cmd.Env), "DISPLAY="+e.display)
	case MethodSudo:
		prefix = []string{"-n"}
	default:
		return cmd
	}

	cmd.Args = append(append(prefix, cmd.Name), cmd.Args...)
	cmd.Name = e.method
	return cmd
}

// Classify maps the exit code of an elevated command to an error.
// Codes other than the authorization ones are reported through *system.ExitError.
func (e *Elevator) Classify(cmd system.Command, res *system.Result) error {
	if res.ExitCode == 0 {
		return nil
	}
	if e.method == MethodPkexec {
		switch res.ExitCode {
		case exitAuthCancelled:
			return ErrAuthCancelled
		case exitAuthFailed:
			return ErrAuthFailed
		}
	}
	return &system.ExitError{Command: cmd.String(), Code: res.ExitCode, Output: res.Output()}
}

// ClassifyCode is Classify for streamed commands where only the code is known
func (e *Elevator) ClassifyCode(cmd system.Command, code int) error {
	return e.Classify(cmd, &system.Result{ExitCode: code})
}

// InvokingUser returns the uid and gid of the user behind the current process,
// looking through sudo and pkexec when running as root.
func InvokingUser() (uid, gid int) {
	uid, gid = os.Getuid(), os.Getgid()
	if uid != 0 {
		return uid, gid
	}

	if id, ok := envInt("SUDO_UID"); ok {
		uid = id
		if g, ok := envInt("SUDO_GID"); ok {
			gid = g
		}
		return uid, gid
	}

	if id, ok := envInt("PKEXEC_UID"); ok {
		// pkexec does not export the gid; the primary group usually matches
		return id, id
	}

	return uid, gid
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
