package blockdev

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/procfs"
	"github.com/kriansa/ventoy-writer/internal/size"
)

var wholeDiskName = regexp.MustCompile(`^sd[a-z]+$`)

// SysfsScanner finds USB disks from the kernel partition table and sysfs.
// It is the fallback used when lsblk is unavailable, so it reports no
// partitions and no mount points.
type SysfsScanner struct {
	procRoot string
	sysRoot  string
}

// NewSysfsScanner creates a scanner over the live /proc and /sys
func NewSysfsScanner() *SysfsScanner {
	return NewSysfsScannerAt("/proc", "/sys")
}

// NewSysfsScannerAt creates a scanner over alternative proc and sys roots
func NewSysfsScannerAt(procRoot, sysRoot string) *SysfsScanner {
	return &SysfsScanner{procRoot: procRoot, sysRoot: sysRoot}
}

// List returns the whole USB disks found in the partition table
func (s *SysfsScanner) List(_ context.Context) []BlockDevice {
	entries, err := procfs.ParsePartitions(filepath.Join(s.procRoot, "partitions"))
	if err != nil {
		log.Warn("unable to read partition table", "error", err)
		return []BlockDevice{}
	}

	devices := []BlockDevice{}
	for _, e := range entries {
		if !wholeDiskName.MatchString(e.Name) || !s.isUSB(e.Name) {
			continue
		}

		bytes := e.SizeBytes()
		devices = append(devices, BlockDevice{
			Path:       "/dev/" + e.Name,
			Size:       bytes,
			SizeGB:     size.ToGigabytes(bytes),
			SizeStr:    size.Format(bytes),
			Model:      s.model(e.Name),
			Vendor:     unknown,
			Partitions: []Partition{},
		})
	}

	return devices
}

// isUSB reports whether the sysfs entry of a disk resolves below a USB controller
func (s *SysfsScanner) isUSB(name string) bool {
	resolved, err := filepath.EvalSymlinks(filepath.Join(s.sysRoot, "block", name))
	if err != nil {
		return false
	}
	return strings.Contains(resolved, "usb")
}

func (s *SysfsScanner) model(name string) string {
	data, err := os.ReadFile(filepath.Join(s.sysRoot, "block", name, "device", "model"))
	if err != nil {
		return unknown
	}
	return orUnknown(strings.TrimSpace(string(data)))
}

// Partitions returns the kernel partitions of a device, e.g. /dev/sdb1 for /dev/sdb
func Partitions(partitionsPath, device string) ([]string, error) {
	entries, err := procfs.ParsePartitions(partitionsPath)
	if err != nil {
		return nil, err
	}

	var parts []string
	for _, e := range entries {
		path := "/dev/" + e.Name
		if procfs.IsPartitionOf(path, device) {
			parts = append(parts, path)
		}
	}
	return parts, nil
}
