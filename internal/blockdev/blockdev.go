package blockdev

import (
	"context"
	"fmt"

	"github.com/kriansa/ventoy-writer/internal/system"
)

const (
	// BackendLsblk enumerates devices by parsing lsblk output
	BackendLsblk = "lsblk"
	// BackendUDisks enumerates devices through UDisks2 on the system bus
	BackendUDisks = "udisks"
	// BackendGHW enumerates devices from sysfs through ghw
	BackendGHW = "ghw"

	unknown = "Unknown"
)

// BlockDevice is a removable USB disk
type BlockDevice struct {
	// Path is the device node, e.g. /dev/sdb
	Path string `json:"path"`
	// Size is the size in bytes
	Size uint64 `json:"size"`
	// SizeGB is the size in binary gigabytes, rounded to two decimals
	SizeGB float64 `json:"size_gb"`
	// SizeStr is the size as reported by the backend, e.g. "14.4G"
	SizeStr string `json:"size_str"`
	Model   string `json:"model"`
	Vendor  string `json:"vendor"`
	// MountPoint is empty when the disk itself is not mounted
	MountPoint string      `json:"mountpoint,omitempty"`
	Partitions []Partition `json:"partitions"`
}

// Partition is a partition of a BlockDevice
type Partition struct {
	Path       string `json:"path"`
	Size       uint64 `json:"size"`
	SizeStr    string `json:"size_str"`
	MountPoint string `json:"mountpoint,omitempty"`
	Label      string `json:"label,omitempty"`
	FSType     string `json:"fstype,omitempty"`
}

// Enumerator lists USB block devices
type Enumerator interface {
	// List returns the USB disks currently attached.
	// It never fails: problems are logged and yield an empty list.
	List(ctx context.Context) []BlockDevice
}

// NewEnumerator creates an Enumerator for the given backend
func NewEnumerator(backend string, runner system.Runner) (Enumerator, error) {
	switch backend {
	case BackendLsblk:
		return NewLsblkEnumerator(runner), nil
	case BackendUDisks:
		return NewDBusEnumerator()
	case BackendGHW:
		return NewGHWEnumerator(), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s (use 'lsblk', 'udisks' or 'ghw')", backend)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
