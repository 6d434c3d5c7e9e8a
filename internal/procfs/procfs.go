package procfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	// DefaultMountsPath is the kernel mount table
	DefaultMountsPath = "/proc/mounts"
	// DefaultPartitionsPath is the kernel partition table
	DefaultPartitionsPath = "/proc/partitions"
)

// Mount is an entry of the mount table
type Mount struct {
	Device     string
	MountPoint string
	FSType     string
	Options    string
}

// BlockEntry is an entry of the partition table
type BlockEntry struct {
	Major int
	Minor int
	// Blocks is the size in 1 KiB blocks
	Blocks uint64
	Name   string
}

// SizeBytes returns the entry size in bytes
func (e BlockEntry) SizeBytes() uint64 {
	return e.Blocks * 1024
}

// ParseMounts parses a file in /proc/mounts format
func ParseMounts(path string) ([]Mount, error) {
	var mounts []Mount
	err := scanFile(path, func(line string) {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return
		}
		mounts = append(mounts, Mount{
			Device:     unescapeField(fields[0]),
			MountPoint: unescapeField(fields[1]),
			FSType:     fields[2],
			Options:    fields[3],
		})
	})
	return mounts, err
}

// ParsePartitions parses a file in /proc/partitions format
//
//	major minor  #blocks  name
//
//	   8       16   15138816 sdb
//	   8       17   15073280 sdb1
func ParsePartitions(path string) ([]BlockEntry, error) {
	var entries []BlockEntry
	err := scanFile(path, func(line string) {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return
		}
		// Skips the header line as well
		major, err := strconv.Atoi(fields[0])
		if err != nil {
			return
		}
		minor, err := strconv.Atoi(fields[1])
		if err != nil {
			return
		}
		blocks, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return
		}
		entries = append(entries, BlockEntry{Major: major, Minor: minor, Blocks: blocks, Name: fields[3]})
	})
	return entries, err
}

// IsMountPoint reports whether dir appears as a mount point in the mount table at path.
// The kernel records mount points with symlinks resolved, so dir is resolved too.
func IsMountPoint(path, dir string) (bool, error) {
	absDir, err := ResolvePath(dir)
	if err != nil {
		return false, err
	}

	mounts, err := ParseMounts(path)
	if err != nil {
		return false, err
	}

	for _, m := range mounts {
		if m.MountPoint == absDir {
			return true, nil
		}
	}
	return false, nil
}

// ResolvePath returns dir as the kernel reports it: absolute, with symlinks
// resolved. A dir that no longer exists is only made absolute.
func ResolvePath(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("get absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absDir); err == nil {
		return resolved, nil
	}
	return absDir, nil
}

// DeviceMounts returns the mount entries of device itself and of its partitions,
// e.g. /dev/sdb (a stick without partition table), /dev/sdb1 and /dev/sdb2 for
// /dev/sdb. Mounts of the extra devices are returned as well.
func DeviceMounts(path, device string, extra ...string) ([]Mount, error) {
	mounts, err := ParseMounts(path)
	if err != nil {
		return nil, err
	}

	var found []Mount
	for _, m := range mounts {
		if m.Device == device || IsPartitionOf(m.Device, device) || slices.Contains(extra, m.Device) {
			found = append(found, m)
		}
	}
	return found, nil
}

// IsPartitionOf reports whether part names a partition of disk:
// /dev/sdb1 of /dev/sdb, /dev/nvme0n1p2 of /dev/nvme0n1, /dev/mmcblk0p1 of /dev/mmcblk0
func IsPartitionOf(part, disk string) bool {
	rest, ok := strings.CutPrefix(part, disk)
	if !ok || rest == "" {
		return false
	}
	rest = strings.TrimPrefix(rest, "p")
	if rest == "" {
		return false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func scanFile(path string, fn func(line string)) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// unescapeField unescapes special characters in mount fields
// /proc/mounts escapes spaces as \040, tabs as \011, etc.
func unescapeField(s string) string {
	s = strings.ReplaceAll(s, "\\040", " ")
	s = strings.ReplaceAll(s, "\\011", "\t")
	s = strings.ReplaceAll(s, "\\012", "\n")
	s = strings.ReplaceAll(s, "\\134", "\\")
	return s
}
