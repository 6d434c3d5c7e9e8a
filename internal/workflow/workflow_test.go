package workflow

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/kriansa/ventoy-writer/internal/blockdev"
	"github.com/kriansa/ventoy-writer/internal/copier"
	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/mount"
	"github.com/kriansa/ventoy-writer/internal/progress"
	"github.com/kriansa/ventoy-writer/internal/source"
	"github.com/kriansa/ventoy-writer/internal/ventoy"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	log.Setup(false)
	os.Exit(m.Run())
}

type fakeEnumerator struct {
	devices []blockdev.BlockDevice
}

func (f fakeEnumerator) List(context.Context) []blockdev.BlockDevice {
	return f.devices
}

var usbStick = fakeEnumerator{devices: []blockdev.BlockDevice{{Path: "/dev/sdb", SizeStr: "14.4G", Model: "Cruzer"}}}

type fakeLocator struct {
	partition string
	err       error
}

func (f fakeLocator) FindTargetPartition(context.Context, string) (string, error) {
	return f.partition, f.err
}

type fakeMounts struct {
	mu         sync.Mutex
	dir        string
	mountErr   error
	unmountErr error
	mounted    []string
	unmounted  int
	released   []string
}

func (f *fakeMounts) Mount(_ context.Context, partition string) (*mount.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mountErr != nil {
		return nil, f.mountErr
	}
	f.mounted = append(f.mounted, partition)
	return &mount.Session{Partition: partition, MountPoint: f.dir}, nil
}

func (f *fakeMounts) Unmount(context.Context, *mount.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmounted++
	return f.unmountErr
}

func (f *fakeMounts) ReleaseDevice(_ context.Context, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, device)
	return nil
}

type fakeInstaller struct {
	err     error
	entered chan struct{}
	proceed chan struct{}
	devices []string
}

func (f *fakeInstaller) DownloadAndInstall(_ context.Context, device string, r progress.Reporter) error {
	f.devices = append(f.devices, device)
	if f.entered != nil {
		close(f.entered)
		<-f.proceed
	}
	progress.Percent(r, progress.PhaseInstalling, 100)
	return f.err
}

func writeImage(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRunner(t *testing.T, mounts *fakeMounts, locator fakeLocator, installer *fakeInstaller) *Runner {
	t.Helper()
	return New(Dependencies{
		Devices:   usbStick,
		Locator:   locator,
		Mounts:    mounts,
		Installer: installer,
		Images:    source.NewOpener(),
		FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
	})
}

func run(t *testing.T, r *Runner, op Operation) (*progress.Recorder, progress.Event) {
	t.Helper()
	rec := &progress.Recorder{}
	r.Run(context.Background(), op, rec)
	if len(rec.Events) == 0 {
		t.Fatal("no events")
	}
	last := rec.Events[len(rec.Events)-1]
	if last.Kind != progress.KindFinished {
		t.Fatalf("last event = %+v, want finished", last)
	}
	return rec, last
}

func TestWriteImages(t *testing.T) {
	mounts := &fakeMounts{dir: t.TempDir()}
	r := newRunner(t, mounts, fakeLocator{partition: "/dev/sdb1"}, nil)

	first := writeImage(t, "debian.iso", 3*copier.BlockSize)
	second := writeImage(t, "arch.iso", copier.BlockSize/2)

	rec, finished := run(t, r, r.WriteImages("/dev/sdb", []string{first, second}))

	if !finished.Succeeded() || finished.Message != "Successfully copied 2 file(s)" {
		t.Fatalf("finished = %+v", finished)
	}
	for _, name := range []string{"debian.iso", "arch.iso"} {
		if _, err := os.Stat(filepath.Join(mounts.dir, name)); err != nil {
			t.Errorf("%s not copied: %v", name, err)
		}
	}

	percents := rec.Percents()
	if !slices.IsSorted(percents) || percents[len(percents)-1] != 100 {
		t.Errorf("percents = %v", percents)
	}
	if !slices.Contains(percents, 50) {
		t.Errorf("first image should end at 50%%: %v", percents)
	}

	logs := rec.Logs()
	for _, want := range []string{"Found Ventoy partition: /dev/sdb1", "Copying arch.iso (2/2)...", "Successfully copied arch.iso"} {
		if !slices.Contains(logs, want) {
			t.Errorf("missing log %q in %v", want, logs)
		}
	}
	if mounts.unmounted != 1 {
		t.Errorf("unmounted %d times, want 1", mounts.unmounted)
	}
}

func TestWriteImages_Failures(t *testing.T) {
	image := writeImage(t, "debian.iso", 1024)

	tests := []struct {
		name          string
		device        string
		images        []string
		locator       fakeLocator
		mountErr      error
		unmountErr    error
		freeSpace     uint64
		wantErr       error
		wantMessage   string
		wantMounted   bool
		wantUnmounted int
	}{
		{
			name:        "invalid image",
			device:      "/dev/sdb",
			images:      []string{filepath.Join(t.TempDir(), "missing.iso")},
			wantErr:     source.ErrInvalidImage,
			wantMessage: "Invalid image selection",
		},
		{
			name:        "unknown device",
			device:      "/dev/sda",
			images:      []string{image},
			wantErr:     ErrDeviceNotFound,
			wantMessage: "Device not found",
		},
		{
			name:        "no ventoy partition",
			device:      "/dev/sdb",
			images:      []string{image},
			locator:     fakeLocator{err: ventoy.ErrPartitionNotFound},
			wantErr:     ventoy.ErrPartitionNotFound,
			wantMessage: "Could not find Ventoy partition",
		},
		{
			name:        "mount fails",
			device:      "/dev/sdb",
			images:      []string{image},
			locator:     fakeLocator{partition: "/dev/sdb1"},
			mountErr:    mount.ErrMountFailed,
			wantErr:     mount.ErrMountFailed,
			wantMessage: "Failed to mount Ventoy partition",
		},
		{
			name:          "not enough space",
			device:        "/dev/sdb",
			images:        []string{image},
			locator:       fakeLocator{partition: "/dev/sdb1"},
			freeSpace:     10,
			wantErr:       ErrInsufficientSpace,
			wantMessage:   "Not enough space on Ventoy partition",
			wantMounted:   true,
			wantUnmounted: 1,
		},
		{
			name:          "unmount fails",
			device:        "/dev/sdb",
			images:        []string{image},
			locator:       fakeLocator{partition: "/dev/sdb1"},
			unmountErr:    mount.ErrUnmountFailed,
			wantErr:       mount.ErrUnmountFailed,
			wantMessage:   "Failed to unmount Ventoy partition",
			wantMounted:   true,
			wantUnmounted: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mounts := &fakeMounts{dir: t.TempDir(), mountErr: tt.mountErr, unmountErr: tt.unmountErr}
			r := newRunner(t, mounts, tt.locator, nil)
			if tt.freeSpace != 0 {
				r.deps.FreeSpace = func(string) (uint64, error) { return tt.freeSpace, nil }
			}

			_, finished := run(t, r, r.WriteImages(tt.device, tt.images))

			if !errors.Is(finished.Err, tt.wantErr) {
				t.Errorf("error = %v, want %v", finished.Err, tt.wantErr)
			}
			if finished.Message != tt.wantMessage || finished.Phase != progress.PhaseFailed {
				t.Errorf("finished = %+v, want message %q", finished, tt.wantMessage)
			}
			if got := len(mounts.mounted) > 0; got != tt.wantMounted {
				t.Errorf("mounted = %v, want %v", got, tt.wantMounted)
			}
			if mounts.unmounted != tt.wantUnmounted {
				t.Errorf("unmounted %d times, want %d", mounts.unmounted, tt.wantUnmounted)
			}
		})
	}
}

func TestWriteImages_ReplacedFilesCountAsFree(t *testing.T) {
	mounts := &fakeMounts{dir: t.TempDir()}
	r := newRunner(t, mounts, fakeLocator{partition: "/dev/sdb1"}, nil)
	r.deps.FreeSpace = func(string) (uint64, error) { return 100, nil }

	image := writeImage(t, "debian.iso", 1000)
	if err := os.WriteFile(filepath.Join(mounts.dir, "debian.iso"), make([]byte, 950), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, finished := run(t, r, r.WriteImages("/dev/sdb", []string{image})); !finished.Succeeded() {
		t.Errorf("finished = %+v", finished)
	}
}

func TestWriteImages_Cancelled(t *testing.T) {
	mounts := &fakeMounts{dir: t.TempDir()}
	r := newRunner(t, mounts, fakeLocator{partition: "/dev/sdb1"}, nil)
	image := writeImage(t, "debian.iso", 1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx, r.WriteImages("/dev/sdb", []string{image}), progress.Discard)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want %v", err, context.Canceled)
	}
	if mounts.unmounted != 1 {
		t.Errorf("cancelled copy left the partition mounted")
	}
}

func TestInstallVentoy(t *testing.T) {
	mounts := &fakeMounts{}
	installer := &fakeInstaller{}
	r := newRunner(t, mounts, fakeLocator{}, installer)

	_, finished := run(t, r, r.InstallVentoy("/dev/sdb"))

	if !finished.Succeeded() || finished.Message != "Ventoy installed successfully" {
		t.Errorf("finished = %+v", finished)
	}
	if !slices.Equal(mounts.released, []string{"/dev/sdb"}) {
		t.Errorf("released = %v", mounts.released)
	}
	if !slices.Equal(installer.devices, []string{"/dev/sdb"}) {
		t.Errorf("installed on %v", installer.devices)
	}
}

func TestInstallVentoy_Failures(t *testing.T) {
	tests := []struct {
		name        string
		device      string
		err         error
		wantMessage string
	}{
		{"unknown device", "/dev/sda", nil, "Device not found"},
		{"download", "/dev/sdb", ventoy.ErrDownloadFailed, "Failed to download Ventoy"},
		{"script exit", "/dev/sdb", &ventoy.ExitError{Code: 1}, "Ventoy installation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRunner(t, &fakeMounts{}, fakeLocator{}, &fakeInstaller{err: tt.err})

			_, finished := run(t, r, r.InstallVentoy(tt.device))
			if finished.Succeeded() || finished.Message != tt.wantMessage {
				t.Errorf("finished = %+v, want %q", finished, tt.wantMessage)
			}
		})
	}
}

func TestRunner_DeviceBusy(t *testing.T) {
	installer := &fakeInstaller{entered: make(chan struct{}), proceed: make(chan struct{})}
	mounts := &fakeMounts{dir: t.TempDir()}
	r := newRunner(t, mounts, fakeLocator{partition: "/dev/sdb1"}, installer)

	events := r.Start(context.Background(), r.InstallVentoy("/dev/sdb"))
	<-installer.entered

	image := writeImage(t, "debian.iso", 10)
	err := r.Run(context.Background(), r.WriteImages("/dev/sdb", []string{image}), progress.Discard)
	if !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("concurrent operation error = %v, want %v", err, ErrDeviceBusy)
	}
	if len(mounts.mounted) != 0 {
		t.Error("busy device was mounted")
	}

	close(installer.proceed)
	var last progress.Event
	for e := range events {
		last = e
	}
	if !last.Succeeded() {
		t.Errorf("install finished = %+v", last)
	}

	// The lock is released once the first operation is done
	if err := r.Run(context.Background(), r.WriteImages("/dev/sdb", []string{image}), progress.Discard); err != nil {
		t.Errorf("operation after release error = %v", err)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrDeviceBusy, "Device is busy with another operation"},
		{copier.ErrCopyFailed, "Failed to copy images"},
		{ventoy.ErrExtractionFailed, "Failed to extract Ventoy"},
		{context.Canceled, "Operation cancelled"},
		{errors.New("boom"), "Operation failed"},
	}

	for _, tt := range tests {
		if got := Describe(tt.err); got != tt.want {
			t.Errorf("Describe(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
