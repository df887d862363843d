// internal/device/sysfs_device.go
// Kernel-driver-attached transport. When the atmel_mxt_ts driver owns
// the chip, its sysfs node tells us the adapter and slave address; the
// actual byte traffic still goes through i2c-dev, so this flavor wraps
// an I2CDevice once the node has been located.

package device

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/jochenvg/go-udev"
)

const sysfsDriverPath = "/sys/bus/i2c/drivers/atmel_mxt_ts"

// SysfsDevice is an I2CDevice discovered through the kernel driver's
// sysfs tree rather than explicit adapter/address arguments.
type SysfsDevice struct {
	I2CDevice
}

// OpenSysfs locates a controller bound to the atmel_mxt_ts driver and
// opens its bus through i2c-dev.
func OpenSysfs() (*SysfsDevice, error) {
	adapter, address, err := findSysfsDevice()
	if err != nil {
		return nil, err
	}

	log.Infof("Found kernel-attached device at %d-%04x, switching to i2c-dev mode", adapter, address)

	d := &SysfsDevice{I2CDevice: I2CDevice{adapter: -1, address: -1}}
	if err := d.SetSlave(adapter, address); err != nil {
		return nil, err
	}
	return d, nil
}

// Kind reports TypeSysfs.
func (d *SysfsDevice) Kind() Type {
	return TypeSysfs
}

// Scan re-checks that the sysfs node is still present.
func (d *SysfsDevice) Scan() (int, error) {
	if _, _, err := findSysfsDevice(); err != nil {
		return 0, err
	}
	return 1, nil
}

// findSysfsDevice walks the i2c subsystem via udev looking for a client
// bound to atmel_mxt_ts, falling back to globbing the driver directory
// when udev has nothing.
func findSysfsDevice() (adapter, address int, err error) {
	u := udev.Udev{}
	e := u.NewEnumerate()
	e.AddMatchSubsystem("i2c")

	devices, err := e.Devices()
	if err == nil {
		for _, dev := range devices {
			if dev.Driver() != "atmel_mxt_ts" {
				continue
			}
			if a, addr, ok := parseI2CSysname(dev.Sysname()); ok {
				return a, addr, nil
			}
		}
	}

	// udev can be absent in minimal images; the driver directory holds
	// the same client names.
	matches, globErr := filepath.Glob(filepath.Join(sysfsDriverPath, "*-*"))
	if globErr == nil {
		for _, m := range matches {
			if _, statErr := os.Stat(m); statErr != nil {
				continue
			}
			if a, addr, ok := parseI2CSysname(filepath.Base(m)); ok {
				return a, addr, nil
			}
		}
	}

	return 0, 0, ErrNoDevice
}

// parseI2CSysname splits an i2c client name like "1-004a" into adapter
// and hex slave address.
func parseI2CSysname(name string) (adapter, address int, ok bool) {
	if _, err := fmt.Sscanf(name, "%d-%x", &adapter, &address); err != nil {
		return 0, 0, false
	}
	return adapter, address, true
}
