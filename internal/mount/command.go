package mount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kriansa/ventoy-writer/internal/elevate"
	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/procfs"
	"github.com/kriansa/ventoy-writer/internal/system"
)

// CommandMounter implements Mounter by running mount(8) and umount(8)
// through the elevation agent
type CommandMounter struct {
	runner     system.Runner
	elevator   *elevate.Elevator
	basePath   string // Mount targets must live below it
	mountsPath string
	timeout    time.Duration
}

// NewCommandMounter creates a mounter restricted to targets below basePath
func NewCommandMounter(runner system.Runner, elevator *elevate.Elevator, basePath, mountsPath string, timeout time.Duration) *CommandMounter {
	return &CommandMounter{
		runner:     runner,
		elevator:   elevator,
		basePath:   basePath,
		mountsPath: mountsPath,
		timeout:    timeout,
	}
}

// Mount mounts the source device to the target directory
func (m *CommandMounter) Mount(ctx context.Context, source, target, fsType, options string) error {
	// Validate target is under base path. Both are compared the way the
	// kernel records them, with symlinks resolved.
	absTarget, err := procfs.ResolvePath(target)
	if err != nil {
		return err
	}

	absBase, err := procfs.ResolvePath(m.basePath)
	if err != nil {
		return err
	}

	if !strings.HasPrefix(absTarget, absBase+"/") {
		return fmt.Errorf("mount target %q is not under base path %q", target, m.basePath)
	}

	log.Debug("mounting filesystem", "source", source, "target", target, "type", fsType, "options", options)

	args := []string{"-t", fsType}
	if options != "" {
		args = append(args, "-o", options)
	}
	args = append(args, source, absTarget)

	if err := m.run(ctx, system.Command{Name: "mount", Args: args, Timeout: m.timeout}); err != nil {
		return fmt.Errorf("mount %s to %s: %w", source, target, err)
	}

	log.Debug("mounted successfully", "source", source, "target", target)
	return nil
}

// Unmount unmounts the target directory
func (m *CommandMounter) Unmount(ctx context.Context, target string) error {
	log.Debug("unmounting", "target", target)

	if err := m.run(ctx, system.Command{Name: "umount", Args: []string{target}, Timeout: m.timeout}); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}

	log.Debug("unmounted successfully", "target", target)
	return nil
}

// IsMounted checks if the target is mounted
func (m *CommandMounter) IsMounted(target string) (bool, error) {
	mounted, err := procfs.IsMountPoint(m.mountsPath, target)
	if err != nil {
		return false, fmt.Errorf("unable to parse mounts: %w", err)
	}
	return mounted, nil
}

func (m *CommandMounter) run(ctx context.Context, cmd system.Command) error {
	wrapped := m.elevator.Wrap(cmd)
	res, err := m.runner.Run(ctx, wrapped)
	if err != nil {
		return err
	}
	return m.elevator.Classify(wrapped, res)
}
