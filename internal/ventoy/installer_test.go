package ventoy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/kriansa/ventoy-writer/internal/elevate"
	"github.com/kriansa/ventoy-writer/internal/progress"
	"github.com/kriansa/ventoy-writer/internal/system"
	"github.com/kriansa/ventoy-writer/internal/system/systemtest"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func makeArchive(t *testing.T, entries []tarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Typeflag: e.typeflag, Linkname: e.linkname}
		switch e.typeflag {
		case tar.TypeDir:
			hdr.Mode = 0o755
		case tar.TypeReg:
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func ventoyArchive(t *testing.T) []byte {
	return makeArchive(t, []tarEntry{
		{name: "ventoy-1.1.05/", typeflag: tar.TypeDir},
		{name: "ventoy-1.1.05/Ventoy2Disk.sh", body: "#!/bin/sh\necho installing\n", typeflag: tar.TypeReg},
		{name: "ventoy-1.1.05/tool/", typeflag: tar.TypeDir},
		{name: "ventoy-1.1.05/tool/VentoyWorker.sh", body: "#!/bin/sh\n", typeflag: tar.TypeReg},
		{name: "ventoy-1.1.05/ventoy.sh", typeflag: tar.TypeSymlink, linkname: "Ventoy2Disk.sh"},
	})
}

func serveArchive(t *testing.T, archive []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
		w.Write(archive)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestInstaller(t *testing.T, runner system.Runner, url string) (*Installer, string) {
	t.Helper()

	elevator, err := elevate.New(elevate.MethodPkexec, ":0")
	if err != nil {
		t.Fatal(err)
	}
	tempRoot := t.TempDir()

	return NewInstaller(runner, elevator,
		WithRelease(Release{Version: DefaultVersion, URL: url}),
		WithTempRoot(tempRoot),
	), tempRoot
}

func TestInstaller_DownloadAndInstall(t *testing.T) {
	server := serveArchive(t, ventoyArchive(t))
	runner := systemtest.New().On("bash", systemtest.Response{
		Stdout: "Ventoy2Disk  1.1.05\nInstall Ventoy to /dev/sdb successfully finished.\n",
		Stderr: "mkexfatfs: warning\n",
		Hook: func(cmd system.Command) {
			// The script must be executable by the time it runs
			info, err := os.Stat(filepath.Join(cmd.Args[len(cmd.Args)-2], installScript))
			if err != nil || info.Mode().Perm() != 0o755 {
				t.Errorf("script not executable: %v", err)
			}
		},
	})
	installer, tempRoot := newTestInstaller(t, runner, server.URL+"/ventoy-1.1.05-linux.tar.gz")

	rec := &progress.Recorder{}
	if err := installer.DownloadAndInstall(context.Background(), "/dev/sdb", rec); err != nil {
		t.Fatalf("DownloadAndInstall() error = %v", err)
	}

	calls := runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 command, got %v", runner.Lines())
	}
	cmd := calls[0].Command
	if cmd.Name != "pkexec" || cmd.Args[len(cmd.Args)-1] != "/dev/sdb" || !slices.Contains(cmd.Args, "bash") {
		t.Errorf("unexpected command %q", calls[0].Line())
	}
	if calls[0].Stdin != "y\ny\n" {
		t.Errorf("stdin = %q, want two confirmations", calls[0].Stdin)
	}

	percents := rec.Percents()
	if last := percents[len(percents)-1]; last != 100 {
		t.Errorf("last percent = %d, want 100", last)
	}
	for _, p := range percents[:slices.Index(percents, extractStart)] {
		if p > downloadDone {
			t.Errorf("download reported %d%%, above %d%%", p, downloadDone)
		}
	}
	if !slices.IsSorted(percents) {
		t.Errorf("percents not monotonic: %v", percents)
	}

	logs := rec.Logs()
	if !slices.Contains(logs, "Install Ventoy to /dev/sdb successfully finished.") {
		t.Errorf("stdout not forwarded: %v", logs)
	}
	if !slices.Contains(logs, "Error: mkexfatfs: warning") {
		t.Errorf("stderr not prefixed: %v", logs)
	}

	left, err := os.ReadDir(tempRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("temp dir not cleaned up: %v", left)
	}
}

func TestInstaller_ExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantErr  error
		wantCode int
	}{
		{name: "cancelled", code: 126, wantErr: elevate.ErrAuthCancelled},
		{name: "auth failed", code: 127, wantErr: elevate.ErrAuthFailed},
		{name: "script failed", code: 1, wantCode: 1},
		{name: "disk busy", code: 5, wantCode: 5},
	}

	server := serveArchive(t, ventoyArchive(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := systemtest.New().On("bash", systemtest.Response{ExitCode: tt.code})
			installer, _ := newTestInstaller(t, runner, server.URL)

			rec := &progress.Recorder{}
			err := installer.DownloadAndInstall(context.Background(), "/dev/sdb", rec)
			if err == nil {
				t.Fatal("DownloadAndInstall() expected error")
			}

			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantCode != 0 {
				var exitErr *ExitError
				if !errors.As(err, &exitErr) || exitErr.Code != tt.wantCode {
					t.Errorf("error = %v, want exit code %d", err, tt.wantCode)
				}
			}
			if slices.Contains(rec.Percents(), 100) {
				t.Error("failed install reported 100%")
			}
		})
	}
}

func TestInstaller_DownloadFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	runner := systemtest.New()
	installer, _ := newTestInstaller(t, runner, server.URL)

	err := installer.DownloadAndInstall(context.Background(), "/dev/sdb", progress.Discard)
	if !errors.Is(err, ErrDownloadFailed) {
		t.Errorf("error = %v, want %v", err, ErrDownloadFailed)
	}
	if len(runner.Calls()) != 0 {
		t.Errorf("installer ran after failed download: %v", runner.Lines())
	}
}

func TestInstaller_ExtractionFailures(t *testing.T) {
	tests := []struct {
		name    string
		archive func(t *testing.T) []byte
	}{
		{
			name:    "not gzip",
			archive: func(*testing.T) []byte { return []byte("<html>maintenance</html>") },
		},
		{
			name: "no ventoy directory",
			archive: func(t *testing.T) []byte {
				return makeArchive(t, []tarEntry{{name: "README", body: "hi", typeflag: tar.TypeReg}})
			},
		},
		{
			name: "missing script",
			archive: func(t *testing.T) []byte {
				return makeArchive(t, []tarEntry{{name: "ventoy-1.1.05/", typeflag: tar.TypeDir}})
			},
		},
		{
			name: "path traversal",
			archive: func(t *testing.T) []byte {
				return makeArchive(t, []tarEntry{{name: "../escaped.sh", body: "rm -rf /", typeflag: tar.TypeReg}})
			},
		},
		{
			name: "link traversal",
			archive: func(t *testing.T) []byte {
				return makeArchive(t, []tarEntry{
					{name: "ventoy-1.1.05/", typeflag: tar.TypeDir},
					{name: "ventoy-1.1.05/Ventoy2Disk.sh", typeflag: tar.TypeSymlink, linkname: "../../../etc/passwd"},
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := serveArchive(t, tt.archive(t))
			runner := systemtest.New()
			installer, tempRoot := newTestInstaller(t, runner, server.URL)

			err := installer.DownloadAndInstall(context.Background(), "/dev/sdb", progress.Discard)
			if !errors.Is(err, ErrExtractionFailed) {
				t.Errorf("error = %v, want %v", err, ErrExtractionFailed)
			}
			if len(runner.Calls()) != 0 {
				t.Errorf("installer ran: %v", runner.Lines())
			}
			if _, err := os.Stat(filepath.Join(tempRoot, "escaped.sh")); err == nil {
				t.Error("archive wrote outside the temp dir")
			}
		})
	}
}
