// Package workflow runs the install and write operations in the background and
// reports their progress as events.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kriansa/ventoy-writer/internal/blockdev"
	"github.com/kriansa/ventoy-writer/internal/copier"
	"github.com/kriansa/ventoy-writer/internal/elevate"
	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/mount"
	"github.com/kriansa/ventoy-writer/internal/progress"
	"github.com/kriansa/ventoy-writer/internal/size"
	"github.com/kriansa/ventoy-writer/internal/source"
	"github.com/kriansa/ventoy-writer/internal/ventoy"
)

// eventBuffer lets a worker run ahead of a slow consumer
const eventBuffer = 64

var (
	// ErrDeviceNotFound is returned for devices that are not attached USB disks
	ErrDeviceNotFound = errors.New("usb device not found")
	// ErrInsufficientSpace is returned when the images do not fit on the partition
	ErrInsufficientSpace = errors.New("not enough space on ventoy partition")
)

// Locator finds the partition images are copied to
type Locator interface {
	FindTargetPartition(ctx context.Context, device string) (string, error)
}

// Mounter mounts and releases partitions
type Mounter interface {
	Mount(ctx context.Context, partition string) (*mount.Session, error)
	Unmount(ctx context.Context, s *mount.Session) error
	ReleaseDevice(ctx context.Context, device string) error
}

// Installer installs Ventoy on a device
type Installer interface {
	DownloadAndInstall(ctx context.Context, device string, r progress.Reporter) error
}

// Images opens and checks image sources
type Images interface {
	Open(ctx context.Context, location string) (*source.Image, error)
	Validate(ctx context.Context, locations []string) error
	TotalSize(ctx context.Context, locations []string) (int64, error)
}

// Dependencies are the components operations are built from
type Dependencies struct {
	Devices   blockdev.Enumerator
	Locator   Locator
	Mounts    Mounter
	Installer Installer
	Images    Images
	// FreeSpace reports the free bytes below a directory. Defaults to copier.AvailableSpace.
	FreeSpace func(dir string) (uint64, error)
}

// Operation is a unit of work. It returns the message shown on success.
type Operation func(ctx context.Context, r progress.Reporter) (string, error)

// Runner runs operations one goroutine each, with one operation per device
type Runner struct {
	deps  Dependencies
	locks *DeviceLocks
}

// New creates a Runner
func New(deps Dependencies) *Runner {
	if deps.FreeSpace == nil {
		deps.FreeSpace = copier.AvailableSpace
	}
	return &Runner{deps: deps, locks: NewDeviceLocks()}
}

// Start runs op in a new goroutine. Events flow through the returned channel,
// which is closed after the KindFinished event. The consumer must drain it.
func (r *Runner) Start(ctx context.Context, op Operation) <-chan progress.Event {
	events := make(chan progress.Event, eventBuffer)

	go func() {
		defer close(events)
		reporter := progress.ReporterFunc(func(e progress.Event) {
			events <- e
		})

		msg, err := op(ctx, reporter)
		if err != nil {
			log.Error("operation failed", "error", err)
			msg = Describe(err)
		}
		events <- progress.Finished(msg, err)
	}()

	return events
}

// Run starts op and forwards its events to r, returning the operation error
func (r *Runner) Run(ctx context.Context, op Operation, rep progress.Reporter) error {
	var err error
	for e := range r.Start(ctx, op) {
		rep.Report(e)
		if e.Kind == progress.KindFinished {
			err = e.Err
		}
	}
	return err
}

// Describe turns an operation error into the message shown to the user
func Describe(err error) string {
	var exitErr *ventoy.ExitError
	switch {
	case errors.Is(err, ErrDeviceBusy):
		return "Device is busy with another operation"
	case errors.Is(err, ErrDeviceNotFound):
		return "Device not found"
	case errors.Is(err, source.ErrInvalidImage):
		return "Invalid image selection"
	case errors.Is(err, ventoy.ErrPartitionNotFound):
		return "Could not find Ventoy partition"
	case errors.Is(err, elevate.ErrAuthCancelled):
		return "Authentication was cancelled by user"
	case errors.Is(err, elevate.ErrAuthFailed):
		return "Authentication failed - incorrect password"
	case errors.Is(err, mount.ErrMountFailed):
		return "Failed to mount Ventoy partition"
	case errors.Is(err, mount.ErrUnmountFailed):
		return "Failed to unmount Ventoy partition"
	case errors.Is(err, ErrInsufficientSpace):
		return "Not enough space on Ventoy partition"
	case errors.Is(err, copier.ErrCopyFailed):
		return "Failed to copy images"
	case errors.Is(err, ventoy.ErrDownloadFailed):
		return "Failed to download Ventoy"
	case errors.Is(err, ventoy.ErrExtractionFailed):
		return "Failed to extract Ventoy"
	case errors.As(err, &exitErr):
		return "Ventoy installation failed"
	case errors.Is(err, context.Canceled):
		return "Operation cancelled"
	default:
		return "Operation failed"
	}
}

// checkDevice makes sure device is an attached USB disk, so a typo never
// reaches a system disk
func (r *Runner) checkDevice(ctx context.Context, device string) error {
	for _, d := range r.deps.Devices.List(ctx) {
		if d.Path == device {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", device, ErrDeviceNotFound)
}

// InstallVentoy returns the operation erasing device and installing Ventoy on it
func (r *Runner) InstallVentoy(device string) Operation {
	return func(ctx context.Context, rep progress.Reporter) (string, error) {
		release, err := r.locks.Acquire(device)
		if err != nil {
			return "", err
		}
		defer release()

		if err := r.checkDevice(ctx, device); err != nil {
			return "", err
		}

		if err := r.deps.Mounts.ReleaseDevice(ctx, device); err != nil {
			return "", fmt.Errorf("release %s: %w", device, err)
		}

		if err := r.deps.Installer.DownloadAndInstall(ctx, device, rep); err != nil {
			return "", err
		}

		return "Ventoy installed successfully", nil
	}
}

// WriteImages returns the operation copying images onto the Ventoy partition of device
func (r *Runner) WriteImages(device string, images []string) Operation {
	return func(ctx context.Context, rep progress.Reporter) (_ string, err error) {
		if err := r.deps.Images.Validate(ctx, images); err != nil {
			return "", err
		}

		release, err := r.locks.Acquire(device)
		if err != nil {
			return "", err
		}
		defer release()

		if err := r.checkDevice(ctx, device); err != nil {
			return "", err
		}

		progress.Log(rep, "Starting file copy operation...")
		progress.Status(rep, progress.PhaseMounting, "Looking for Ventoy partition...")

		partition, err := r.deps.Locator.FindTargetPartition(ctx, device)
		if err != nil {
			return "", err
		}
		progress.Log(rep, "Found Ventoy partition: "+partition)

		session, err := r.deps.Mounts.Mount(ctx, partition)
		if err != nil {
			return "", err
		}
		progress.Log(rep, "Mounted Ventoy partition at: "+session.MountPoint)

		defer func() {
			progress.Status(rep, progress.PhaseCleanup, "Unmounting Ventoy partition...")
			// A cancelled copy must still unmount
			if uerr := r.deps.Mounts.Unmount(context.WithoutCancel(ctx), session); uerr != nil {
				progress.Log(rep, fmt.Sprintf("Failed to unmount %s: %v", session.MountPoint, uerr))
				err = errors.Join(err, uerr)
			}
		}()

		if err := r.checkSpace(ctx, images, session.MountPoint); err != nil {
			return "", err
		}

		for i, location := range images {
			if err := r.copyImage(ctx, rep, location, session.MountPoint, i, len(images)); err != nil {
				return "", err
			}
		}

		return fmt.Sprintf("Successfully copied %d file(s)", len(images)), nil
	}
}

// checkSpace compares the image sizes against the free space, counting files
// that are about to be replaced as free
func (r *Runner) checkSpace(ctx context.Context, images []string, dir string) error {
	needed, err := r.deps.Images.TotalSize(ctx, images)
	if err != nil {
		return fmt.Errorf("size images: %w", err)
	}
	for _, location := range images {
		if info, err := os.Stat(filepath.Join(dir, source.BaseName(location))); err == nil {
			needed -= info.Size()
		}
	}

	free, err := r.deps.FreeSpace(dir)
	if err != nil {
		log.Warn("unable to check free space", "path", dir, "error", err)
		return nil
	}

	if needed > 0 && uint64(needed) > free {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientSpace, size.Format(uint64(needed)), size.Format(free))
	}
	return nil
}

func (r *Runner) copyImage(ctx context.Context, rep progress.Reporter, location, dir string, index, total int) error {
	img, err := r.deps.Images.Open(ctx, location)
	if err != nil {
		return fmt.Errorf("%w: %w", copier.ErrCopyFailed, err)
	}
	defer img.Close()

	progress.Status(rep, progress.PhaseCopying, fmt.Sprintf("Copying %s...", img.Name))
	progress.Log(rep, fmt.Sprintf("Copying %s (%d/%d)...", img.Name, index+1, total))

	src := copier.Source{Name: img.Name, Size: img.Size, Reader: img}
	err = copier.Copy(ctx, src, dir, func(pct int) {
		progress.Percent(rep, progress.PhaseCopying, (index*100+pct)/total)
	})
	if err != nil {
		progress.Log(rep, fmt.Sprintf("Failed to copy %s", img.Name))
		return err
	}

	progress.Percent(rep, progress.PhaseCopying, (index+1)*100/total)
	progress.Log(rep, fmt.Sprintf("Successfully copied %s", img.Name))
	return nil
}
