package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/kriansa/ventoy-writer/internal/blockdev"
	"github.com/kriansa/ventoy-writer/internal/config"
	"github.com/kriansa/ventoy-writer/internal/elevate"
	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/mount"
	"github.com/kriansa/ventoy-writer/internal/source"
	"github.com/kriansa/ventoy-writer/internal/system"
	"github.com/kriansa/ventoy-writer/internal/validation"
	"github.com/kriansa/ventoy-writer/internal/ventoy"
	"github.com/kriansa/ventoy-writer/internal/workflow"
)

// app holds the components built from the configuration
type app struct {
	cfg      *config.Config
	runner   system.Runner
	elevator *elevate.Elevator
	devices  blockdev.Enumerator
	locator  *ventoy.Locator
	mounts   *mount.Manager
	images   *source.Opener
}

func newApp(cmd *cli.Command) (*app, error) {
	// Setup logging
	log.Setup(cmd.Bool("verbose"))

	// Load config file
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Merge CLI flags (CLI takes precedence)
	cfg.Merge(cmd.String("backend"), cmd.String("elevator"), cmd.Bool("latest"))

	// Apply defaults
	cfg.ApplyDefaults()

	// Validate config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Debug("configuration loaded",
		"backend", cfg.Backend,
		"elevator", cfg.Elevator,
		"ventoy_version", cfg.VentoyVersion,
		"temp_dir", cfg.TempDir,
	)

	elevator, err := elevate.New(cfg.Elevator, cfg.Display)
	if err != nil {
		return nil, fmt.Errorf("create elevator: %w", err)
	}

	runner := system.NewExecRunner()
	devices, err := blockdev.NewEnumerator(cfg.Backend, runner)
	if err != nil {
		return nil, fmt.Errorf("create device enumerator: %w", err)
	}

	return &app{
		cfg:      cfg,
		runner:   runner,
		elevator: elevator,
		devices:  devices,
		locator:  ventoy.NewLocator(runner),
		mounts: mount.NewManager(runner, elevator,
			mount.WithTempRoot(cfg.TempDir),
			mount.WithFilesystem(cfg.Filesystem),
			mount.WithTimeouts(cfg.MountTimeout.Duration, cfg.FixupTimeout.Duration),
			mount.WithOwner(elevate.InvokingUser()),
		),
		images: source.NewOpener(source.WithSFTPConfig(source.SFTPConfig{
			User:         cfg.SFTP.User,
			IdentityFile: cfg.SFTP.IdentityFile,
			KnownHosts:   cfg.SFTP.KnownHosts,
		})),
	}, nil
}

// close releases whatever is still mounted and the enumerator connection
func (a *app) close(ctx context.Context) {
	if err := a.mounts.Cleanup(context.WithoutCancel(ctx)); err != nil {
		log.Warn("cleanup failed", "error", err)
	}
	if c, ok := a.devices.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("failed to close device enumerator", "error", err)
		}
	}
}

// release picks the Ventoy release to install. A failed GitHub lookup falls
// back to the configured version.
func (a *app) release(ctx context.Context) (ventoy.Release, error) {
	if a.cfg.ResolveLatest {
		rel, err := ventoy.NewReleaseResolver(nil).Latest(ctx)
		if err == nil {
			return rel, nil
		}
		log.Warn("unable to resolve latest release, using configured version",
			"version", a.cfg.VentoyVersion, "error", err)
	}
	return ventoy.NewRelease(a.cfg.VentoyVersion, a.cfg.ReleaseURL)
}

func (a *app) workflow(ctx context.Context) (*workflow.Runner, error) {
	rel, err := a.release(ctx)
	if err != nil {
		return nil, fmt.Errorf("select ventoy release: %w", err)
	}

	return workflow.New(workflow.Dependencies{
		Devices: a.devices,
		Locator: a.locator,
		Mounts:  a.mounts,
		Installer: ventoy.NewInstaller(a.runner, a.elevator,
			ventoy.WithRelease(rel),
			ventoy.WithTempRoot(a.cfg.TempDir),
		),
		Images: a.images,
	}), nil
}

// withApp builds the app for an action and tears it down afterwards
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(ctx)
		return fn(ctx, cmd, a)
	}
}

var errUsage = errors.New("missing arguments")

func deviceArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() != 1 {
		return "", fmt.Errorf("%w: expected <device>", errUsage)
	}
	device := cmd.Args().First()
	if err := validation.ValidateDevicePath(device); err != nil {
		return "", err
	}
	return device, nil
}
