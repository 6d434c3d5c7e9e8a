// Package ventoy finds, installs and inspects Ventoy on USB disks.
package ventoy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kriansa/ventoy-writer/internal/blockdev"
	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/system"
)

const (
	dataMarker = "ventoy"
	efiMarker  = "efi"
	// EFILabel is the label Ventoy gives to its EFI system partition
	EFILabel = "VTOYEFI"
)

// ErrPartitionNotFound is returned when a device has no Ventoy data partition
var ErrPartitionNotFound = errors.New("ventoy partition not found")

// Locator finds Ventoy partitions on a device
type Locator struct {
	runner system.Runner
}

// NewLocator creates a Locator
func NewLocator(runner system.Runner) *Locator {
	return &Locator{runner: runner}
}

// Info describes the Ventoy state of a device
type Info struct {
	Device     string                  `json:"device"`
	Installed  bool                    `json:"installed"`
	Partitions []blockdev.ListingEntry `json:"partitions"`
}

// FindTargetPartition returns the path of the data partition images are copied to
func (l *Locator) FindTargetPartition(ctx context.Context, device string) (string, error) {
	entries, err := blockdev.Listing(ctx, l.runner, device)
	if err != nil {
		return "", fmt.Errorf("find ventoy partition: %w", err)
	}

	target, ok := SelectTarget(entries)
	if !ok {
		return "", fmt.Errorf("%s: %w", device, ErrPartitionNotFound)
	}

	log.Debug("found ventoy partition", "device", device, "partition", target.Path(), "size", target.Size)
	return target.Path(), nil
}

// HasVentoy reports whether the device carries a Ventoy partition.
// Listing failures count as not installed.
func (l *Locator) HasVentoy(ctx context.Context, device string) bool {
	entries, err := blockdev.Listing(ctx, l.runner, device)
	if err != nil {
		log.Warn("unable to list device", "device", device, "error", err)
		return false
	}
	return hasVentoy(entries)
}

// Info describes a device. Once Ventoy is detected every partition of the
// device is listed, including ones added next to the Ventoy pair.
func (l *Locator) Info(ctx context.Context, device string) (*Info, error) {
	entries, err := blockdev.Listing(ctx, l.runner, device)
	if err != nil {
		return nil, fmt.Errorf("ventoy info: %w", err)
	}

	info := &Info{Device: device, Installed: hasVentoy(entries), Partitions: []blockdev.ListingEntry{}}
	if !info.Installed {
		return info, nil
	}

	for _, e := range entries {
		if e.Type == "part" {
			info.Partitions = append(info.Partitions, e)
		}
	}
	return info, nil
}

// IsCandidate reports whether a label names a Ventoy data partition:
// it mentions Ventoy and is not the EFI partition
func IsCandidate(label string) bool {
	lower := strings.ToLower(label)
	return strings.Contains(lower, dataMarker) && !strings.Contains(lower, efiMarker)
}

// SelectTarget picks the data partition among listing entries.
// The largest candidate wins; on equal or unknown sizes the first one is kept.
func SelectTarget(entries []blockdev.ListingEntry) (blockdev.ListingEntry, bool) {
	var (
		best  blockdev.ListingEntry
		found bool
	)
	for _, e := range entries {
		if !IsCandidate(e.Label) {
			continue
		}
		if !found || e.SizeBytes() > best.SizeBytes() {
			best, found = e, true
		}
	}
	return best, found
}

func isVentoyLabel(label string) bool {
	return strings.Contains(strings.ToLower(label), dataMarker) || label == EFILabel
}

func hasVentoy(entries []blockdev.ListingEntry) bool {
	for _, e := range entries {
		if isVentoyLabel(e.Label) {
			return true
		}
	}
	return false
}
