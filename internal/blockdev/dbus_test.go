package blockdev

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"
)

// mockBusObject implements dbus.BusObject for testing
type mockBusObject struct {
	callResults map[string]*dbus.Call
}

func (m *mockBusObject) Call(method string, flags dbus.Flags, args ...any) *dbus.Call {
	if call, ok := m.callResults[method]; ok {
		return call
	}
	return &dbus.Call{Err: dbus.ErrMsgNoObject}
}

func (m *mockBusObject) CallWithContext(_ context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call {
	return m.Call(method, flags, args...)
}

func (m *mockBusObject) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...any) *dbus.Call {
	return m.Call(method, flags, args...)
}

func (m *mockBusObject) GoWithContext(_ context.Context, method string, flags dbus.Flags, ch chan *dbus.Call, args ...any) *dbus.Call {
	return m.Call(method, flags, args...)
}

func (m *mockBusObject) AddMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (m *mockBusObject) RemoveMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (m *mockBusObject) GetProperty(p string) (dbus.Variant, error) {
	return dbus.Variant{}, nil
}

func (m *mockBusObject) StoreProperty(p string, value any) error {
	return nil
}

func (m *mockBusObject) SetProperty(p string, v any) error {
	return nil
}

func (m *mockBusObject) Destination() string {
	return udisksService
}

func (m *mockBusObject) Path() dbus.ObjectPath {
	return dbus.ObjectPath(udisksRootPath)
}

// mockUDisksBus implements UDisksBus for testing
type mockUDisksBus struct {
	objects map[dbus.ObjectPath]*mockBusObject
	closed  bool
}

func (m *mockUDisksBus) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	if obj, ok := m.objects[path]; ok {
		return obj
	}
	return &mockBusObject{callResults: map[string]*dbus.Call{}}
}

func (m *mockUDisksBus) Close() error {
	m.closed = true
	return nil
}

func newMockConnection(call *dbus.Call) *mockUDisksBus {
	return &mockUDisksBus{
		objects: map[dbus.ObjectPath]*mockBusObject{
			dbus.ObjectPath(udisksRootPath): {
				callResults: map[string]*dbus.Call{
					dbusObjectManager + ".GetManagedObjects": call,
				},
			},
		},
	}
}

type mockDrive struct {
	path   dbus.ObjectPath
	vendor string
	model  string
	bus    string
}

type mockBlock struct {
	path       dbus.ObjectPath
	device     string
	size       uint64
	drive      dbus.ObjectPath
	table      dbus.ObjectPath // set for partitions
	label      string
	fsType     string
	mountPoint string
}

// Helper to create mock managed objects
func makeManagedObjects(drives []mockDrive, blocks []mockBlock) managedObjects {
	result := make(managedObjects)

	for _, d := range drives {
		result[d.path] = map[string]map[string]dbus.Variant{
			udisksDriveInterface: {
				"Vendor":        dbus.MakeVariant(d.vendor),
				"Model":         dbus.MakeVariant(d.model),
				"ConnectionBus": dbus.MakeVariant(d.bus),
			},
		}
	}

	for _, b := range blocks {
		ifaces := map[string]map[string]dbus.Variant{
			udisksBlockInterface: {
				"Device":  dbus.MakeVariant(append([]byte(b.device), 0)),
				"Size":    dbus.MakeVariant(b.size),
				"Drive":   dbus.MakeVariant(b.drive),
				"IdLabel": dbus.MakeVariant(b.label),
				"IdType":  dbus.MakeVariant(b.fsType),
			},
		}
		if b.table != "" {
			ifaces[udisksPartitionInterface] = map[string]dbus.Variant{
				"Table": dbus.MakeVariant(b.table),
			}
		}
		if b.fsType != "" {
			var points [][]byte
			if b.mountPoint != "" {
				points = append(points, append([]byte(b.mountPoint), 0))
			}
			ifaces[udisksFilesystemInterface] = map[string]dbus.Variant{
				"MountPoints": dbus.MakeVariant(points),
			}
		}
		result[b.path] = ifaces
	}

	return result
}

const (
	gib         = 1024 * 1024 * 1024
	drivesPath  = "/org/freedesktop/UDisks2/drives/"
	devicesPath = "/org/freedesktop/UDisks2/block_devices/"
)

func TestDBusEnumerator_List(t *testing.T) {
	objects := makeManagedObjects(
		[]mockDrive{
			{path: drivesPath + "Cruzer", vendor: "SanDisk", model: "Cruzer ", bus: "usb"},
			{path: drivesPath + "Samsung_SSD", vendor: "", model: "Samsung SSD", bus: ""},
		},
		[]mockBlock{
			{path: devicesPath + "sda", device: "/dev/sda", size: 500 * gib, drive: drivesPath + "Samsung_SSD"},
			{path: devicesPath + "sda1", device: "/dev/sda1", size: 500 * gib, drive: drivesPath + "Samsung_SSD",
				table: devicesPath + "sda", fsType: "ext4", mountPoint: "/"},
			{path: devicesPath + "sdb", device: "/dev/sdb", size: 16 * gib, drive: drivesPath + "Cruzer"},
			{path: devicesPath + "sdb1", device: "/dev/sdb1", size: 16*gib - 32*1024*1024, drive: drivesPath + "Cruzer",
				table: devicesPath + "sdb", label: "Ventoy", fsType: "exfat", mountPoint: "/run/media/user/Ventoy"},
			{path: devicesPath + "sdb2", device: "/dev/sdb2", size: 32 * 1024 * 1024, drive: drivesPath + "Cruzer",
				table: devicesPath + "sdb", label: "VTOYEFI", fsType: "vfat"},
			// Loop devices have no drive
			{path: devicesPath + "loop0", device: "/dev/loop0", size: gib, drive: "/"},
		},
	)

	conn := newMockConnection(&dbus.Call{Body: []any{objects}})
	e, err := NewDBusEnumerator(WithConnection(conn))
	if err != nil {
		t.Fatalf("NewDBusEnumerator() error = %v", err)
	}

	got := e.List(context.Background())
	want := []BlockDevice{
		{
			Path:    "/dev/sdb",
			Size:    16 * gib,
			SizeGB:  16,
			SizeStr: "16 GiB",
			Model:   "Cruzer",
			Vendor:  "SanDisk",
			Partitions: []Partition{
				{Path: "/dev/sdb1", Size: 16*gib - 32*1024*1024, SizeStr: "16 GiB",
					MountPoint: "/run/media/user/Ventoy", Label: "Ventoy", FSType: "exfat"},
				{Path: "/dev/sdb2", Size: 32 * 1024 * 1024, SizeStr: "32 MiB", Label: "VTOYEFI", FSType: "vfat"},
			},
		},
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("List() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestDBusEnumerator_ListError(t *testing.T) {
	conn := newMockConnection(&dbus.Call{Err: errors.New("org.freedesktop.DBus.Error.ServiceUnknown")})
	e, err := NewDBusEnumerator(WithConnection(conn))
	if err != nil {
		t.Fatalf("NewDBusEnumerator() error = %v", err)
	}

	got := e.List(context.Background())
	if got == nil || len(got) != 0 {
		t.Errorf("List() = %#v, want an empty list", got)
	}
}

func TestDBusEnumerator_Close(t *testing.T) {
	conn := newMockConnection(&dbus.Call{})
	e, err := NewDBusEnumerator(WithConnection(conn))
	if err != nil {
		t.Fatalf("NewDBusEnumerator() error = %v", err)
	}

	if err := e.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !conn.closed {
		t.Error("Close() did not close the connection")
	}
}

func TestRequireUDisks(t *testing.T) {
	tests := []struct {
		name    string
		call    *dbus.Call
		wantErr error
	}{
		{name: "running", call: &dbus.Call{Body: []any{true}}},
		{name: "not running", call: &dbus.Call{Body: []any{false}}, wantErr: ErrUDisksUnavailable},
		{name: "bus error", call: &dbus.Call{Err: dbus.ErrMsgNoObject}, wantErr: dbus.ErrMsgNoObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &mockBusObject{callResults: map[string]*dbus.Call{nameHasOwner: tt.call}}

			err := requireUDisks(bus)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("requireUDisks() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
