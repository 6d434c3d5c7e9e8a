package ventoy

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kriansa/ventoy-writer/internal/elevate"
	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/progress"
	"github.com/kriansa/ventoy-writer/internal/system"
	"github.com/kriansa/ventoy-writer/internal/version"
)

const (
	installScript = "Ventoy2Disk.sh"
	toolDirPrefix = "ventoy-"
	archiveName   = "ventoy.tar.gz"

	// The script asks twice before wiping the disk
	confirmations = "y\ny\n"

	// Progress milestones of an installation
	downloadDone  = 50
	extractStart  = 60
	installStart  = 70
	installFinish = 100
)

var (
	// ErrDownloadFailed is returned when the release archive cannot be fetched
	ErrDownloadFailed = errors.New("failed to download ventoy")
	// ErrExtractionFailed is returned when the archive is unusable
	ErrExtractionFailed = errors.New("failed to extract ventoy")
)

// ExitError is returned when Ventoy2Disk.sh exits with an unexpected status
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("ventoy installation failed with return code %d", e.Code)
}

// Installer downloads Ventoy and installs it on a device
type Installer struct {
	runner   system.Runner
	elevator *elevate.Elevator
	client   *http.Client
	release  Release
	tempRoot string
}

// InstallerOption is a functional option for Installer
type InstallerOption func(*Installer)

// WithHTTPClient sets the client used to download archives
func WithHTTPClient(c *http.Client) InstallerOption {
	return func(i *Installer) {
		i.client = c
	}
}

// WithRelease sets the release to install
func WithRelease(r Release) InstallerOption {
	return func(i *Installer) {
		i.release = r
	}
}

// WithTempRoot sets where the archive is downloaded and extracted
func WithTempRoot(dir string) InstallerOption {
	return func(i *Installer) {
		i.tempRoot = dir
	}
}

// NewInstaller creates an Installer for the default release
func NewInstaller(runner system.Runner, elevator *elevate.Elevator, opts ...InstallerOption) *Installer {
	i := &Installer{
		runner:   runner,
		elevator: elevator,
		client:   http.DefaultClient,
		release:  DefaultRelease(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Release returns the release the installer downloads
func (i *Installer) Release() Release {
	return i.release
}

// DownloadAndInstall fetches the release archive, unpacks it and runs the
// installer script against device. Everything on the device is erased.
func (i *Installer) DownloadAndInstall(ctx context.Context, device string, r progress.Reporter) error {
	dir, err := os.MkdirTemp(i.tempRoot, "ventoy_")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("unable to remove temp dir", "path", dir, "error", err)
		}
	}()

	progress.Status(r, progress.PhaseDownloading, "Downloading Ventoy...")
	progress.Log(r, "Starting Ventoy download...")

	archive, err := i.download(ctx, dir, r)
	if err != nil {
		progress.Log(r, fmt.Sprintf("Download error: %v", err))
		return err
	}

	progress.Status(r, progress.PhaseExtracting, "Extracting Ventoy...")
	toolDir, err := extract(archive, dir, r)
	if err != nil {
		progress.Log(r, fmt.Sprintf("Extraction error: %v", err))
		return err
	}

	progress.Percent(r, progress.PhaseInstalling, installStart)
	progress.Status(r, progress.PhaseInstalling, "Installing Ventoy...")
	progress.Log(r, "Starting Ventoy installation...")

	if err := i.install(ctx, toolDir, device, r); err != nil {
		return err
	}

	progress.Percent(r, progress.PhaseInstalling, installFinish)
	log.Info("ventoy installed", "device", device, "version", i.release.Version)
	return nil
}

// download streams the release archive into dir, reporting 0-50%
func (i *Installer) download(ctx context.Context, dir string, r progress.Reporter) (string, error) {
	progress.Log(r, "Downloading from: "+i.release.URL)
	progress.Percent(r, progress.PhaseDownloading, 0)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.release.URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: GET %s: %s", ErrDownloadFailed, i.release.URL, resp.Status)
	}

	if resp.ContentLength > 0 {
		progress.Log(r, fmt.Sprintf("Downloading %s...", humanize.IBytes(uint64(resp.ContentLength))))
	}

	path := filepath.Join(dir, archiveName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer f.Close()

	counter := &downloadCounter{total: resp.ContentLength, reporter: r, last: -1}
	if _, err := io.Copy(f, io.TeeReader(resp.Body, counter)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	progress.Percent(r, progress.PhaseDownloading, downloadDone)
	log.Debug("downloaded ventoy", "url", i.release.URL, "bytes", counter.received)
	return path, nil
}

// downloadCounter maps received bytes onto 0-50% and reports changes only
type downloadCounter struct {
	total    int64
	received int64
	last     int
	reporter progress.Reporter
}

func (c *downloadCounter) Write(p []byte) (int, error) {
	c.received += int64(len(p))
	if c.total <= 0 {
		return len(p), nil
	}
	pct := int(min(c.received, c.total) * downloadDone / c.total)
	if pct != c.last {
		c.last = pct
		progress.Percent(c.reporter, progress.PhaseDownloading, pct)
	}
	return len(p), nil
}

// extract unpacks the archive into dir and returns the ventoy-* directory
func extract(archive, dir string, r progress.Reporter) (string, error) {
	progress.Percent(r, progress.PhaseExtracting, extractStart)
	progress.Log(r, "Download completed, extracting archive...")

	if err := untar(archive, dir); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	progress.Log(r, "Archive extracted successfully")

	toolDir, err := findToolDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	progress.Log(r, "Ventoy extracted to: "+toolDir)
	return toolDir, nil
}

func untar(archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	root := filepath.Clean(dir)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target := filepath.Join(root, hdr.Name)
		if !within(root, target) {
			return fmt.Errorf("illegal path in archive: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			link := hdr.Linkname
			if !filepath.IsAbs(link) {
				link = filepath.Join(filepath.Dir(target), link)
			}
			if !within(root, filepath.Clean(link)) {
				return fmt.Errorf("illegal link in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			log.Debug("skipping archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func findToolDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), toolDirPrefix) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", errors.New("ventoy directory not found in archive")
}

// install runs Ventoy2Disk.sh through the elevation agent, answering its prompts
func (i *Installer) install(ctx context.Context, toolDir, device string, r progress.Reporter) error {
	script := filepath.Join(toolDir, installScript)
	if _, err := os.Stat(script); err != nil {
		progress.Log(r, installScript+" not found")
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	if err := os.Chmod(script, 0o755); err != nil {
		return fmt.Errorf("make %s executable: %w", installScript, err)
	}

	cmd := i.elevator.Wrap(system.Command{
		Name: "bash",
		Args: []string{"-c", `cd "$1" && exec bash ./` + installScript + ` -i "$2"`, "ventoy-writer", toolDir, device},
		// The script reads its confirmations from stdin
		Stdin: strings.NewReader(confirmations),
	})

	if i.elevator.Method() != elevate.MethodNone {
		progress.Log(r, "Requesting administrator privileges...")
	}
	progress.Log(r, fmt.Sprintf("Running: %s %s -i %s (with auto-confirmation)", i.elevator.Method(), script, device))
	log.Debug("running installer", "cmd", cmd.String())

	code, err := i.runner.Stream(ctx, cmd, func(stream system.Stream, line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		if stream == system.Stderr {
			line = "Error: " + line
		}
		progress.Log(r, line)
	})
	if err != nil {
		return fmt.Errorf("run %s: %w", installScript, err)
	}

	err = i.elevator.ClassifyCode(cmd, code)
	var exitErr *system.ExitError
	switch {
	case err == nil:
		progress.Log(r, "Ventoy installation completed successfully")
		return nil
	case errors.Is(err, elevate.ErrAuthCancelled):
		progress.Log(r, "Authentication was cancelled by user")
		return err
	case errors.Is(err, elevate.ErrAuthFailed):
		progress.Log(r, "Authentication failed - incorrect password")
		return err
	case errors.As(err, &exitErr):
		progress.Log(r, fmt.Sprintf("Ventoy installation failed with return code %d", exitErr.Code))
		return &ExitError{Code: exitErr.Code}
	default:
		return err
	}
}
