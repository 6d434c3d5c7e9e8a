package blockdev

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const nameHasOwner = "org.freedesktop.DBus.NameHasOwner"

// ErrUDisksUnavailable is returned when no UDisks2 daemon owns its name on the system bus
var ErrUDisksUnavailable = errors.New("udisks2 is not running")

// UDisksBus is the part of the system bus the UDisks2 enumerator talks to
type UDisksBus interface {
	// Object returns the UDisks2 object at path
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Close() error
}

type systemBus struct {
	*dbus.Conn
}

// ConnectUDisks connects to the system bus and makes sure UDisks2 is there,
// so a missing daemon fails at startup instead of on every listing
func ConnectUDisks() (UDisksBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}

	if err := requireUDisks(conn.BusObject()); err != nil {
		conn.Close()
		return nil, err
	}
	return systemBus{conn}, nil
}

// requireUDisks asks the bus daemon whether the UDisks2 name has an owner
func requireUDisks(bus dbus.BusObject) error {
	var running bool
	if err := bus.Call(nameHasOwner, 0, udisksService).Store(&running); err != nil {
		return fmt.Errorf("look up %s: %w", udisksService, err)
	}
	if !running {
		return ErrUDisksUnavailable
	}
	return nil
}
