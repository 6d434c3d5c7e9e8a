package workflow

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDeviceBusy is returned when another operation is running on the same device
var ErrDeviceBusy = errors.New("device is busy with another operation")

// DeviceLocks allows one operation per device at a time
type DeviceLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewDeviceLocks creates an empty lock set
func NewDeviceLocks() *DeviceLocks {
	return &DeviceLocks{held: make(map[string]struct{})}
}

// Acquire takes the lock of device without waiting. The returned function
// releases it and is safe to call more than once.
func (l *DeviceLocks) Acquire(device string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[device]; busy {
		return nil, fmt.Errorf("%s: %w", device, ErrDeviceBusy)
	}
	l.held[device] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, device)
			l.mu.Unlock()
		})
	}, nil
}
