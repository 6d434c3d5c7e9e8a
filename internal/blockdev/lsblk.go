package blockdev

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/size"
	"github.com/kriansa/ventoy-writer/internal/system"
)

// lsblkColumns are requested for enumeration
const lsblkColumns = "NAME,SIZE,TYPE,MOUNTPOINT,MODEL,VENDOR,TRAN,LABEL,FSTYPE"

// LsblkEnumerator implements Enumerator using lsblk, falling back to sysfs
type LsblkEnumerator struct {
	runner   system.Runner
	fallback *SysfsScanner
}

// LsblkOption is a functional option for LsblkEnumerator
type LsblkOption func(*LsblkEnumerator)

// WithFallback replaces the sysfs scanner used when lsblk is unusable
func WithFallback(s *SysfsScanner) LsblkOption {
	return func(e *LsblkEnumerator) {
		e.fallback = s
	}
}

// NewLsblkEnumerator creates an lsblk based Enumerator
func NewLsblkEnumerator(runner system.Runner, opts ...LsblkOption) *LsblkEnumerator {
	e := &LsblkEnumerator{
		runner:   runner,
		fallback: NewSysfsScanner(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lsblk runs lsblk with a stable locale and returns stdout
func lsblk(ctx context.Context, runner system.Runner, args ...string) ([]byte, error) {
	res, err := system.Check(ctx, runner, system.Command{
		Name: "lsblk",
		Args: args,
		Env:  []string{"LC_ALL=C"},
	})
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// List returns the USB disks reported by lsblk
func (e *LsblkEnumerator) List(ctx context.Context) []BlockDevice {
	log.Debug("listing usb devices", "backend", BackendLsblk)

	output, err := lsblk(ctx, e.runner, "-J", "-o", lsblkColumns)
	if err != nil {
		log.Warn("lsblk failed, falling back to sysfs", "error", err)
		return e.fallback.List(ctx)
	}

	devices, err := parseLsblkJSON(output)
	if err != nil {
		log.Warn("unable to parse lsblk output, falling back to sysfs", "error", err)
		return e.fallback.List(ctx)
	}

	return devices
}

// jsonString accepts strings, numbers and null, since lsblk versions differ
type jsonString string

func (s *jsonString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = jsonString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = jsonString(num.String())
	return nil
}

func (s jsonString) trimmed() string {
	return strings.TrimSpace(string(s))
}

type lsblkDevice struct {
	Name       jsonString    `json:"name"`
	Size       jsonString    `json:"size"`
	Type       jsonString    `json:"type"`
	MountPoint jsonString    `json:"mountpoint"`
	Model      jsonString    `json:"model"`
	Vendor     jsonString    `json:"vendor"`
	Tran       jsonString    `json:"tran"`
	Label      jsonString    `json:"label"`
	FSType     jsonString    `json:"fstype"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

// parseLsblkJSON parses the output of lsblk -J
// Example:
//
//	{"blockdevices": [
//	  {"name":"sdb", "size":"14.4G", "type":"disk", "mountpoint":null, "model":"Cruzer",
//	   "vendor":"SanDisk ", "tran":"usb", "children": [
//	     {"name":"sdb1", "size":"14.4G", "type":"part", "mountpoint":null, "label":"Ventoy"}
//	  ]}
//	]}
func parseLsblkJSON(data []byte) ([]BlockDevice, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode lsblk json: %w", err)
	}
	if out.BlockDevices == nil {
		return nil, fmt.Errorf("decode lsblk json: missing blockdevices")
	}

	devices := []BlockDevice{}
	for _, d := range out.BlockDevices {
		if d.Type.trimmed() != "disk" || d.Tran.trimmed() != "usb" || d.Name.trimmed() == "" {
			continue
		}

		sizeStr := d.Size.trimmed()
		device := BlockDevice{
			Path:       "/dev/" + d.Name.trimmed(),
			Size:       size.ParseBytes(sizeStr),
			SizeGB:     size.Parse(sizeStr, size.Gigabytes),
			SizeStr:    orUnknown(sizeStr),
			Model:      orUnknown(d.Model.trimmed()),
			Vendor:     orUnknown(d.Vendor.trimmed()),
			MountPoint: d.MountPoint.trimmed(),
			Partitions: []Partition{},
		}

		for _, c := range d.Children {
			if c.Type.trimmed() != "part" {
				continue
			}
			device.Partitions = append(device.Partitions, Partition{
				Path:       "/dev/" + c.Name.trimmed(),
				Size:       size.ParseBytes(c.Size.trimmed()),
				SizeStr:    c.Size.trimmed(),
				MountPoint: c.MountPoint.trimmed(),
				Label:      c.Label.trimmed(),
				FSType:     c.FSType.trimmed(),
			})
		}

		devices = append(devices, device)
	}

	return devices, nil
}

// ListingEntry is one row of the tree listing of a device
type ListingEntry struct {
	// Name is the kernel name with tree glyphs removed, e.g. sdb1
	Name  string `json:"name"`
	Size  string `json:"size"`
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

// Path is the device node of the entry
func (e ListingEntry) Path() string {
	return "/dev/" + e.Name
}

// SizeBytes is the parsed size of the entry
func (e ListingEntry) SizeBytes() uint64 {
	return size.ParseBytes(e.Size)
}

// Listing returns the tree listing of a device and its partitions
func Listing(ctx context.Context, runner system.Runner, device string) ([]ListingEntry, error) {
	output, err := lsblk(ctx, runner, "-n", "-o", "NAME,SIZE,TYPE,LABEL", device)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", device, err)
	}
	return ParseListing(string(output)), nil
}

// treeGlyphs are the prefixes lsblk draws in front of child devices,
// in both the unicode and the ASCII (-i) variants
const treeGlyphs = "├└│─|`- \t"

// StripTreeGlyphs removes tree drawing characters around a device name
func StripTreeGlyphs(name string) string {
	return strings.Trim(name, treeGlyphs)
}

// ParseListing parses the output of lsblk -n -o NAME,SIZE,TYPE,LABEL
// Example output:
//
//	sdb      14.4G disk
//	├─sdb1   14.4G part Ventoy
//	└─sdb2     32M part VTOYEFI
//
// The label is the last column so labels containing spaces are kept whole.
func ParseListing(output string) []ListingEntry {
	var entries []ListingEntry

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		// Nested children are drawn with more than one glyph group, e.g. "│ └─"
		fields := strings.Fields(strings.TrimLeft(scanner.Text(), treeGlyphs))
		if len(fields) < 3 {
			continue
		}

		name := StripTreeGlyphs(fields[0])

		entries = append(entries, ListingEntry{
			Name:  name,
			Size:  fields[1],
			Type:  fields[2],
			Label: strings.Join(fields[3:], " "),
		})
	}

	return entries
}
