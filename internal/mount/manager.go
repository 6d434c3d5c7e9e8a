package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kriansa/ventoy-writer/internal/blockdev"
	"github.com/kriansa/ventoy-writer/internal/elevate"
	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/procfs"
	"github.com/kriansa/ventoy-writer/internal/system"
)

const (
	// DefaultFilesystem is the filesystem Ventoy formats its data partition with
	DefaultFilesystem = "exfat"
	// DefaultMountTimeout bounds the elevated mount, including the password prompt
	DefaultMountTimeout = 30 * time.Second
	// DefaultFixupTimeout bounds each ownership or permission repair
	DefaultFixupTimeout = 15 * time.Second

	mountDirPrefix = "ventoy_mount_"
	writeTestFile  = ".test_write"
)

var (
	// ErrMountFailed is returned when a partition cannot be mounted
	ErrMountFailed = errors.New("failed to mount ventoy partition")
	// ErrUnmountFailed is returned when a mount point stays mounted after umount
	ErrUnmountFailed = errors.New("failed to unmount ventoy partition")
	// ErrWriteVerification reports a mount point the user cannot write to.
	// It is logged, never returned by Mount.
	ErrWriteVerification = errors.New("mount point is not writable")
)

// Session is a partition mounted by the Manager
type Session struct {
	Partition  string `json:"partition"`
	MountPoint string `json:"mountpoint"`
}

// Manager mounts Ventoy partitions on private temp directories and keeps
// track of them until they are unmounted
type Manager struct {
	mounter      Mounter
	runner       system.Runner
	elevator     *elevate.Elevator
	tempRoot     string
	fsType       string
	mountsPath   string
	partsPath    string
	mountTimeout time.Duration
	fixupTimeout time.Duration
	uid, gid     int

	mu       sync.Mutex
	sessions map[string]*Session // keyed by mount point
}

// Option is a functional option for Manager
type Option func(*Manager)

// WithTempRoot sets the directory mount points are created in
func WithTempRoot(dir string) Option {
	return func(m *Manager) {
		m.tempRoot = dir
	}
}

// WithFilesystem sets the filesystem type passed to mount
func WithFilesystem(fsType string) Option {
	return func(m *Manager) {
		m.fsType = fsType
	}
}

// WithTimeouts sets the mount and fixup timeouts
func WithTimeouts(mount, fixup time.Duration) Option {
	return func(m *Manager) {
		m.mountTimeout = mount
		m.fixupTimeout = fixup
	}
}

// WithOwner sets the user that owns the mounted files
func WithOwner(uid, gid int) Option {
	return func(m *Manager) {
		m.uid, m.gid = uid, gid
	}
}

// WithMountsPath sets the mount table to verify mounts against (for testing)
func WithMountsPath(path string) Option {
	return func(m *Manager) {
		m.mountsPath = path
	}
}

// WithPartitionsPath sets the kernel partition table used to find the
// partitions of a device (for testing)
func WithPartitionsPath(path string) Option {
	return func(m *Manager) {
		m.partsPath = path
	}
}

// WithMounter replaces the command based mounter
func WithMounter(mounter Mounter) Option {
	return func(m *Manager) {
		m.mounter = mounter
	}
}

// NewManager creates a mount Manager
func NewManager(runner system.Runner, elevator *elevate.Elevator, opts ...Option) *Manager {
	uid, gid := elevate.InvokingUser()
	m := &Manager{
		runner:       runner,
		elevator:     elevator,
		tempRoot:     os.TempDir(),
		fsType:       DefaultFilesystem,
		mountsPath:   procfs.DefaultMountsPath,
		partsPath:    procfs.DefaultPartitionsPath,
		mountTimeout: DefaultMountTimeout,
		fixupTimeout: DefaultFixupTimeout,
		uid:          uid,
		gid:          gid,
		sessions:     make(map[string]*Session),
	}

	for _, opt := range opts {
		opt(m)
	}

	// Mount points are created below the resolved root so they match the mount table
	if root, err := procfs.ResolvePath(m.tempRoot); err == nil {
		m.tempRoot = root
	}

	if m.mounter == nil {
		m.mounter = NewCommandMounter(runner, elevator, m.tempRoot, m.mountsPath, m.mountTimeout)
	}

	return m
}

// Mount mounts partition on a fresh temp directory owned by the invoking user.
// On failure the directory is removed and no session is returned.
func (m *Manager) Mount(ctx context.Context, partition string) (*Session, error) {
	dir, err := os.MkdirTemp(m.tempRoot, mountDirPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: create mount point: %w", ErrMountFailed, err)
	}

	options := fmt.Sprintf("uid=%d,gid=%d,umask=0022", m.uid, m.gid)
	if err := m.mounter.Mount(ctx, partition, dir, m.fsType, options); err != nil {
		if rmErr := os.Remove(dir); rmErr != nil {
			log.Warn("unable to remove mount point", "path", dir, "error", rmErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrMountFailed, err)
	}

	m.repairOwnership(ctx, dir)

	if err := verifyWritable(dir); err != nil {
		log.Warn("mount point not writable, relaxing permissions", "path", dir, "error", err)
		if err := m.fixup(ctx, "chmod", "-R", "777", dir); err != nil {
			log.Warn("unable to relax permissions", "path", dir, "error", err)
		}
	}

	s := &Session{Partition: partition, MountPoint: dir}
	m.mu.Lock()
	m.sessions[dir] = s
	m.mu.Unlock()

	log.Info("mounted ventoy partition", "partition", partition, "mountpoint", dir)
	return s, nil
}

// repairOwnership hands the files over to the invoking user. The mount options
// usually take care of it; failures here are not fatal.
func (m *Manager) repairOwnership(ctx context.Context, dir string) {
	owner := strconv.Itoa(m.uid) + ":" + strconv.Itoa(m.gid)
	err := m.fixup(ctx, "chown", "-R", owner, dir)
	if err == nil {
		return
	}

	log.Warn("unable to change ownership, falling back to chmod", "path", dir, "error", err)
	if err := m.fixup(ctx, "chmod", "-R", "755", dir); err != nil {
		log.Warn("unable to change permissions", "path", dir, "error", err)
	}
}

func (m *Manager) fixup(ctx context.Context, name string, args ...string) error {
	cmd := m.elevator.Wrap(system.Command{Name: name, Args: args, Timeout: m.fixupTimeout})
	res, err := m.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	return m.elevator.Classify(cmd, res)
}

// verifyWritable writes and removes a scratch file in dir
func verifyWritable(dir string) error {
	path := filepath.Join(dir, writeTestFile)
	if err := os.WriteFile(path, []byte("test"), 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteVerification, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteVerification, err)
	}
	return nil
}

// Unmount unmounts a session and removes its directory. The session stays
// registered when the directory is still mounted afterwards. Unmounting a
// session twice is not an error.
func (m *Manager) Unmount(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}

	mounted, err := m.mounter.IsMounted(s.MountPoint)
	if err != nil {
		return fmt.Errorf("check mount point: %w", err)
	}

	if mounted {
		umountErr := m.mounter.Unmount(ctx, s.MountPoint)

		mounted, err = m.mounter.IsMounted(s.MountPoint)
		if err != nil {
			return fmt.Errorf("check mount point: %w", err)
		}
		if mounted {
			if umountErr == nil {
				umountErr = errors.New("still mounted")
			}
			return fmt.Errorf("%w: %s: %w", ErrUnmountFailed, s.MountPoint, umountErr)
		}
		if umountErr != nil {
			log.Warn("umount reported an error but the mount point is gone", "path", s.MountPoint, "error", umountErr)
		}
	}

	m.mu.Lock()
	delete(m.sessions, s.MountPoint)
	m.mu.Unlock()

	if err := os.Remove(s.MountPoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("unable to remove mount point", "path", s.MountPoint, "error", err)
	}

	log.Info("unmounted ventoy partition", "partition", s.Partition, "mountpoint", s.MountPoint)
	return nil
}

// Active returns the registered sessions ordered by mount point
func (m *Manager) Active() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MountPoint < out[j].MountPoint })
	return out
}

// Cleanup unmounts every registered session
func (m *Manager) Cleanup(ctx context.Context) error {
	var errs []error
	for _, s := range m.Active() {
		if err := m.Unmount(ctx, &s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseDevice unmounts device and every mounted partition of it, e.g. the
// ones the desktop automounted, so the device can be reformatted
func (m *Manager) ReleaseDevice(ctx context.Context, device string) error {
	parts, err := blockdev.Partitions(m.partsPath, device)
	if err != nil {
		log.Warn("unable to read partition table, using the mount table only", "device", device, "error", err)
	}

	mounts, err := procfs.DeviceMounts(m.mountsPath, device, parts...)
	if err != nil {
		return fmt.Errorf("read mount table: %w", err)
	}

	var errs []error
	for _, mnt := range mounts {
		log.Info("unmounting partition", "partition", mnt.Device, "mountpoint", mnt.MountPoint)

		m.mu.Lock()
		s, ours := m.sessions[mnt.MountPoint]
		m.mu.Unlock()

		if ours {
			err = m.Unmount(ctx, s)
		} else {
			err = m.mounter.Unmount(ctx, mnt.MountPoint)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
