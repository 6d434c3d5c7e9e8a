package blockdev

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/size"
)

const (
	// DBus service and interface constants
	udisksService     = "org.freedesktop.UDisks2"
	udisksRootPath    = "/org/freedesktop/UDisks2"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	udisksBlockInterface      = "org.freedesktop.UDisks2.Block"
	udisksDriveInterface      = "org.freedesktop.UDisks2.Drive"
	udisksPartitionInterface  = "org.freedesktop.UDisks2.Partition"
	udisksFilesystemInterface = "org.freedesktop.UDisks2.Filesystem"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// DBusEnumerator implements Enumerator using the UDisks2 DBus API
type DBusEnumerator struct {
	conn      UDisksBus
	connectFn func() (UDisksBus, error)
}

// DBusEnumeratorOption is a functional option for DBusEnumerator
type DBusEnumeratorOption func(*DBusEnumerator)

// WithConnection sets the bus the enumerator talks to (for testing)
func WithConnection(conn UDisksBus) DBusEnumeratorOption {
	return func(e *DBusEnumerator) {
		e.conn = conn
		e.connectFn = nil
	}
}

// NewDBusEnumerator creates a UDisks2 based Enumerator
func NewDBusEnumerator(opts ...DBusEnumeratorOption) (*DBusEnumerator, error) {
	e := &DBusEnumerator{
		connectFn: ConnectUDisks,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.conn == nil {
		conn, err := e.connectFn()
		if err != nil {
			return nil, fmt.Errorf("connect to system bus: %w", err)
		}
		e.conn = conn
	}

	return e, nil
}

// Close disconnects from the system bus
func (e *DBusEnumerator) Close() error {
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// getManagedObjects calls GetManagedObjects on the UDisks2 ObjectManager
// Returns: map[ObjectPath]map[InterfaceName]map[PropertyName]Variant
func (e *DBusEnumerator) getManagedObjects(ctx context.Context) (managedObjects, error) {
	obj := e.conn.Object(udisksService, dbus.ObjectPath(udisksRootPath))

	var result managedObjects
	call := obj.CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}

	if err := call.Store(&result); err != nil {
		return nil, fmt.Errorf("store GetManagedObjects result: %w", err)
	}

	return result, nil
}

// List returns the USB disks known to UDisks2
func (e *DBusEnumerator) List(ctx context.Context) []BlockDevice {
	log.Debug("listing usb devices", "backend", BackendUDisks)

	objects, err := e.getManagedObjects(ctx)
	if err != nil {
		log.Warn("unable to query udisks", "error", err)
		return []BlockDevice{}
	}

	return devicesFromObjects(objects)
}

// devicesFromObjects maps UDisks2 objects to devices. A USB disk is a block
// object without the Partition interface whose Drive has ConnectionBus "usb";
// its partitions are the blocks whose Partition.Table points back at it.
func devicesFromObjects(objects managedObjects) []BlockDevice {
	devices := []BlockDevice{}

	// Sort paths so the output is stable
	paths := make([]dbus.ObjectPath, 0, len(objects))
	for path := range objects {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	for _, path := range paths {
		ifaces := objects[path]
		block, ok := ifaces[udisksBlockInterface]
		if !ok {
			continue
		}
		if _, isPartition := ifaces[udisksPartitionInterface]; isPartition {
			continue
		}

		drive, ok := objects[variantPath(block["Drive"])][udisksDriveInterface]
		if !ok || variantString(drive["ConnectionBus"]) != "usb" {
			continue
		}

		bytes := variantUint64(block["Size"])
		device := BlockDevice{
			Path:       variantBytes(block["Device"]),
			Size:       bytes,
			SizeGB:     size.ToGigabytes(bytes),
			SizeStr:    size.Format(bytes),
			Model:      orUnknown(strings.TrimSpace(variantString(drive["Model"]))),
			Vendor:     orUnknown(strings.TrimSpace(variantString(drive["Vendor"]))),
			MountPoint: firstMountPoint(ifaces),
			Partitions: partitionsOf(objects, paths, path),
		}
		if device.Path == "" {
			continue
		}

		devices = append(devices, device)
	}

	return devices
}

func partitionsOf(objects managedObjects, paths []dbus.ObjectPath, table dbus.ObjectPath) []Partition {
	parts := []Partition{}
	for _, path := range paths {
		ifaces := objects[path]
		part, ok := ifaces[udisksPartitionInterface]
		if !ok || variantPath(part["Table"]) != table {
			continue
		}
		block := ifaces[udisksBlockInterface]

		bytes := variantUint64(block["Size"])
		parts = append(parts, Partition{
			Path:       variantBytes(block["Device"]),
			Size:       bytes,
			SizeStr:    size.Format(bytes),
			MountPoint: firstMountPoint(ifaces),
			Label:      variantString(block["IdLabel"]),
			FSType:     variantString(block["IdType"]),
		})
	}
	return parts
}

func firstMountPoint(ifaces map[string]map[string]dbus.Variant) string {
	fs, ok := ifaces[udisksFilesystemInterface]
	if !ok {
		return ""
	}
	points, ok := fs["MountPoints"].Value().([][]byte)
	if !ok || len(points) == 0 {
		return ""
	}
	return strings.TrimRight(string(points[0]), "\x00")
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantUint64(v dbus.Variant) uint64 {
	n, _ := v.Value().(uint64)
	return n
}

func variantPath(v dbus.Variant) dbus.ObjectPath {
	p, _ := v.Value().(dbus.ObjectPath)
	return p
}

// variantBytes decodes the NUL terminated byte strings UDisks2 uses for paths
func variantBytes(v dbus.Variant) string {
	b, _ := v.Value().([]byte)
	return strings.TrimRight(string(b), "\x00")
}
