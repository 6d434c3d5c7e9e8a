package system

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kriansa/ventoy-writer/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup(false)
	os.Exit(m.Run())
}

func TestExecRunner_Run(t *testing.T) {
	r := NewExecRunner()

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2; exit 3"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "out" {
		t.Errorf("Stdout = %q, want %q", got, "out")
	}
	if got := strings.TrimSpace(string(res.Stderr)); got != "err" {
		t.Errorf("Stderr = %q, want %q", got, "err")
	}
}

func TestExecRunner_RunStdinAndEnv(t *testing.T) {
	r := NewExecRunner()

	res, err := r.Run(context.Background(), Command{
		Name:  "sh",
		Args:  []string{"-c", "read a; read b; echo $a$b$GREETING"},
		Env:   []string{"GREETING=hi"},
		Stdin: strings.NewReader("y\ny\n"),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "yyhi" {
		t.Errorf("Stdout = %q, want %q", got, "yyhi")
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	r := NewExecRunner()

	_, err := r.Run(context.Background(), Command{Name: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Run() error = %v, want ErrTimeout", err)
	}
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := NewExecRunner()

	if _, err := r.Run(context.Background(), Command{Name: "definitely-not-a-real-binary"}); err == nil {
		t.Error("Run() expected error for missing binary")
	}
}

func TestExecRunner_Stream(t *testing.T) {
	r := NewExecRunner()

	var stdout, stderr []string
	code, err := r.Stream(context.Background(),
		Command{Name: "sh", Args: []string{"-c", "echo one; echo two; echo bad >&2; exit 126"}},
		func(stream Stream, line string) {
			if stream == Stdout {
				stdout = append(stdout, line)
			} else {
				stderr = append(stderr, line)
			}
		})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if code != 126 {
		t.Errorf("exit code = %d, want 126", code)
	}
	if strings.Join(stdout, ",") != "one,two" {
		t.Errorf("stdout lines = %v", stdout)
	}
	if strings.Join(stderr, ",") != "bad" {
		t.Errorf("stderr lines = %v", stderr)
	}
}

func TestExecRunner_StreamLongLine(t *testing.T) {
	r := NewExecRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	script := `head -c 2097152 /dev/zero | tr '\0' x; echo; head -c 512000 /dev/zero | tr '\0' y; echo; echo finished`

	var lines []string
	code, err := r.Stream(ctx, Command{Name: "sh", Args: []string{"-c", script}},
		func(stream Stream, line string) {
			if stream == Stdout {
				lines = append(lines, line)
			}
		})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	total := 0
	for _, line := range lines {
		if len(line) > maxLineLength {
			t.Fatalf("line of %d bytes, want at most %d", len(line), maxLineLength)
		}
		total += len(line)
	}
	if total != 2097152+512000+len("finished") {
		t.Errorf("forwarded %d bytes", total)
	}
	if lines[len(lines)-1] != "finished" {
		t.Errorf("last line = %.20q, want finished", lines[len(lines)-1])
	}
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "newlines", input: "one\ntwo\n", want: []string{"one", "two"}},
		{name: "carriage returns", input: "10%\r20%\rdone\n", want: []string{"10%", "20%", "done"}},
		{name: "crlf", input: "one\r\ntwo\r\n", want: []string{"one", "two"}},
		{name: "no trailing newline", input: "one\ntwo", want: []string{"one", "two"}},
		{name: "trailing carriage return", input: "one\r", want: []string{"one"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			err := scanLines(strings.NewReader(tt.input), Stdout, func(_ Stream, line string) {
				got = append(got, line)
			})
			if err != nil {
				t.Fatalf("scanLines() error = %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("lines = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	r := NewExecRunner()

	_, err := Check(context.Background(), r, Command{Name: "sh", Args: []string{"-c", "echo nope; exit 2"}})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Check() error = %v, want *ExitError", err)
	}
	if exitErr.Code != 2 || exitErr.Output != "nope" {
		t.Errorf("ExitError = %+v", exitErr)
	}

	if _, err := Check(context.Background(), r, Command{Name: "true"}); err != nil {
		t.Errorf("Check(true) error = %v", err)
	}
}
