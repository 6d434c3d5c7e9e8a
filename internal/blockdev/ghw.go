package blockdev

import (
	"context"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"

	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/size"
)

// GHWEnumerator implements Enumerator by reading sysfs through ghw,
// without calling any external tool
type GHWEnumerator struct {
	load func() (*block.Info, error)
}

// NewGHWEnumerator creates a ghw based Enumerator
func NewGHWEnumerator() *GHWEnumerator {
	return &GHWEnumerator{
		load: func() (*block.Info, error) {
			return block.New(ghw.WithDisableTools())
		},
	}
}

// List returns the disks whose bus path goes through USB
func (e *GHWEnumerator) List(_ context.Context) []BlockDevice {
	log.Debug("listing usb devices", "backend", BackendGHW)

	info, err := e.load()
	if err != nil {
		log.Warn("unable to read block devices", "error", err)
		return []BlockDevice{}
	}

	return devicesFromGHW(info)
}

func devicesFromGHW(info *block.Info) []BlockDevice {
	devices := []BlockDevice{}
	if info == nil {
		return devices
	}

	for _, d := range info.Disks {
		if d == nil || d.Name == "" || !strings.Contains(d.BusPath, "usb") {
			continue
		}

		device := BlockDevice{
			Path:       "/dev/" + d.Name,
			Size:       d.SizeBytes,
			SizeGB:     size.ToGigabytes(d.SizeBytes),
			SizeStr:    size.Format(d.SizeBytes),
			Model:      orUnknown(strings.TrimSpace(d.Model)),
			Vendor:     orUnknown(strings.TrimSpace(d.Vendor)),
			Partitions: []Partition{},
		}

		for _, p := range d.Partitions {
			if p == nil {
				continue
			}
			label := p.FilesystemLabel
			if label == "unknown" {
				label = ""
			}
			fsType := p.Type
			if fsType == "unknown" {
				fsType = ""
			}
			device.Partitions = append(device.Partitions, Partition{
				Path:       "/dev/" + p.Name,
				Size:       p.SizeBytes,
				SizeStr:    size.Format(p.SizeBytes),
				MountPoint: p.MountPoint,
				Label:      label,
				FSType:     fsType,
			})
		}

		devices = append(devices, device)
	}

	return devices
}
