package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/ventoy-writer/config.toml"
	// DefaultBackend is the default device enumeration backend
	DefaultBackend = "lsblk"
	// DefaultElevator is the default way of gaining administrative rights
	DefaultElevator = "pkexec"
	// DefaultVentoyVersion is the Ventoy release installed unless configured otherwise
	DefaultVentoyVersion = "1.1.05"
	// DefaultFilesystem is the filesystem of the Ventoy data partition
	DefaultFilesystem = "exfat"
	// DefaultMountTimeout bounds the elevated mount, password prompt included
	DefaultMountTimeout = 30 * time.Second
	// DefaultFixupTimeout bounds each ownership or permission repair
	DefaultFixupTimeout = 15 * time.Second
)

var (
	backends    = []string{"lsblk", "udisks", "ghw"}
	elevators   = []string{"pkexec", "sudo", "none"}
	filesystems = []string{"exfat", "vfat", "ntfs", "ntfs3"}
)

// Duration is a time.Duration written as a string, e.g. "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// SFTP holds how remote images are fetched
type SFTP struct {
	// User is used for sftp:// URLs without one
	User string `toml:"user"`
	// IdentityFile is the private key offered to servers
	IdentityFile string `toml:"identity_file"`
	// KnownHosts is the file server keys are verified against
	KnownHosts string `toml:"known_hosts"`
}

// Config holds the tool configuration
type Config struct {
	// Backend is how USB devices are listed: "lsblk", "udisks" or "ghw"
	Backend string `toml:"backend"`
	// Elevator is how privileged commands run: "pkexec", "sudo" or "none"
	Elevator string `toml:"elevator"`
	// Display is passed to pkexec so the authentication dialog shows up
	Display string `toml:"display"`
	// VentoyVersion is the release to install
	VentoyVersion string `toml:"ventoy_version"`
	// ReleaseURL overrides the download URL; {version} is replaced
	ReleaseURL string `toml:"release_url"`
	// ResolveLatest installs the latest GitHub release instead of VentoyVersion
	ResolveLatest bool `toml:"resolve_latest"`
	// TempDir is where downloads and mount points are created
	TempDir string `toml:"temp_dir"`
	// Filesystem is the type passed to mount for the data partition
	Filesystem   string   `toml:"filesystem"`
	MountTimeout Duration `toml:"mount_timeout"`
	FixupTimeout Duration `toml:"fixup_timeout"`
	SFTP         SFTP     `toml:"sftp"`
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values. Empty CLI values are ignored.
func (c *Config) Merge(backend, elevator string, latest bool) {
	if backend != "" {
		c.Backend = backend
	}
	if elevator != "" {
		c.Elevator = elevator
	}
	if latest {
		c.ResolveLatest = true
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.Elevator == "" {
		c.Elevator = DefaultElevator
	}
	if c.VentoyVersion == "" {
		c.VentoyVersion = DefaultVentoyVersion
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.Filesystem == "" {
		c.Filesystem = DefaultFilesystem
	}
	if c.MountTimeout.Duration == 0 {
		c.MountTimeout.Duration = DefaultMountTimeout
	}
	if c.FixupTimeout.Duration == 0 {
		c.FixupTimeout.Duration = DefaultFixupTimeout
	}
}

// Validate validates the configuration
// Note: the release URL is only checked when the archive is downloaded
func (c *Config) Validate() error {
	if !slices.Contains(backends, c.Backend) {
		return fmt.Errorf("backend must be one of %v, got %q", backends, c.Backend)
	}

	if !slices.Contains(elevators, c.Elevator) {
		return fmt.Errorf("elevator must be one of %v, got %q", elevators, c.Elevator)
	}

	if _, err := semver.NewVersion(c.VentoyVersion); err != nil {
		return fmt.Errorf("ventoy_version %q is not a valid version: %w", c.VentoyVersion, err)
	}

	if !slices.Contains(filesystems, c.Filesystem) {
		return fmt.Errorf("filesystem must be one of %v, got %q", filesystems, c.Filesystem)
	}

	if !filepath.IsAbs(c.TempDir) {
		return fmt.Errorf("temp_dir must be an absolute path, got %q", c.TempDir)
	}

	if c.MountTimeout.Duration < 0 || c.FixupTimeout.Duration < 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	return nil
}
