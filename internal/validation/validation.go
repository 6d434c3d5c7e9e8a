package validation

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const (
	// MaxImageNameLength is the longest file name exFAT accepts
	MaxImageNameLength = 255

	isoExtension = ".iso"
)

// devicePathPattern matches whole disk nodes: /dev/sdb, /dev/nvme0n1, /dev/mmcblk0, /dev/vdb
var devicePathPattern = regexp.MustCompile(`^/dev/(sd[a-z]+|vd[a-z]+|nvme[0-9]+n[0-9]+|mmcblk[0-9]+)$`)

// ValidateDevicePath validates that path names a whole disk, not a partition
func ValidateDevicePath(path string) error {
	if path == "" {
		return fmt.Errorf("device path is required")
	}

	if !devicePathPattern.MatchString(path) {
		return fmt.Errorf("invalid device %q: expected a whole disk such as /dev/sdb", path)
	}

	return nil
}

// ValidateImageName validates the base name an image gets on the Ventoy partition:
// - Ends with .iso (any case)
// - Between 5 and 255 characters
// - No path separators or NUL bytes
func ValidateImageName(name string) error {
	if name == "" {
		return fmt.Errorf("image name is required")
	}

	if len(name) > MaxImageNameLength {
		return fmt.Errorf("image name must be at most %d characters", MaxImageNameLength)
	}

	if strings.ContainsAny(name, "/\x00") || name != path.Base(name) {
		return fmt.Errorf("image name %q must not contain path separators", name)
	}

	ext := strings.ToLower(path.Ext(name))
	if ext != isoExtension || len(name) == len(isoExtension) {
		return fmt.Errorf("image %q is not an ISO file", name)
	}

	return nil
}
