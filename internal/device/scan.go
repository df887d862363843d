// internal/device/scan.go
// Device discovery. Tries the transports in order of how much the host
// already knows about the chip: a kernel-attached sysfs node first, then
// the USB bridge. Explicit adapter/address arguments skip discovery
// entirely (see OpenI2C).

package device

import "github.com/charmbracelet/log"

// Open discovers a controller and returns the first transport that
// claims one.
func Open() (Device, error) {
	log.Debug("Scanning for kernel-attached device")
	if d, err := OpenSysfs(); err == nil {
		return d, nil
	}

	log.Debug("Scanning USB")
	if d, err := OpenUSB(); err == nil {
		return d, nil
	}

	return nil, ErrNoDevice
}
