// internal/device/i2c_device.go
// Raw i2c-dev transport. Opens /dev/i2c-N and selects the slave with the
// I2C_SLAVE ioctl; reads and writes are plain file I/O on the bus.

package device

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// I2CDevice talks to the controller over a /dev/i2c-N character device.
type I2CDevice struct {
	file    *os.File
	adapter int
	address int

	// Optional CHG interrupt line. When present, Ready reflects the
	// line level instead of always reporting not-ready.
	chg *ChgLine

	info *InfoBlock
}

// OpenI2C opens /dev/i2c-<adapter> and selects the given slave address.
func OpenI2C(adapter, address int) (*I2CDevice, error) {
	d := &I2CDevice{adapter: -1, address: -1}
	if err := d.SetSlave(adapter, address); err != nil {
		return nil, err
	}
	return d, nil
}

// AttachChg wires a GPIO CHG line into the device. Ready then polls the
// line level. Safe to skip; the flash driver falls back to fixed delays.
func (d *I2CDevice) AttachChg(chg *ChgLine) {
	d.chg = chg
}

// SetSlave selects a slave address, reopening the bus device if the
// adapter number changed.
func (d *I2CDevice) SetSlave(adapter, address int) error {
	if d.file == nil || adapter != d.adapter {
		if d.file != nil {
			d.file.Close()
			d.file = nil
		}

		path := fmt.Sprintf("/dev/i2c-%d", adapter)
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		d.file = f
		d.adapter = adapter
	}

	if err := unix.IoctlSetInt(int(d.file.Fd()), unix.I2C_SLAVE, address); err != nil {
		return fmt.Errorf("set i2c slave 0x%02x: %w", address, err)
	}
	d.address = address

	log.Debugf("i2c-dev: adapter %d slave 0x%02x", adapter, address)
	return nil
}

// Slave reports the selected adapter and address.
func (d *I2CDevice) Slave() (int, int) {
	return d.adapter, d.address
}

// Read fills p from the current slave.
func (d *I2CDevice) Read(p []byte) error {
	if _, err := io.ReadFull(d.file, p); err != nil {
		return fmt.Errorf("i2c read %d bytes: %w", len(p), err)
	}
	return nil
}

// Write sends p to the current slave.
func (d *I2CDevice) Write(p []byte) error {
	n, err := d.file.Write(p)
	if err != nil {
		return fmt.Errorf("i2c write %d bytes: %w", len(p), err)
	}
	if n != len(p) {
		return fmt.Errorf("i2c short write: %d of %d bytes", n, len(p))
	}
	return nil
}

// ReadRegister reads from an application-mode register address. The
// chip expects the 16-bit address little-endian before the read.
func (d *I2CDevice) ReadRegister(reg uint16, p []byte) error {
	if err := d.Write([]byte{byte(reg), byte(reg >> 8)}); err != nil {
		return err
	}
	return d.Read(p)
}

// WriteRegister writes to an application-mode register address.
func (d *I2CDevice) WriteRegister(reg uint16, p []byte) error {
	buf := make([]byte, 2+len(p))
	buf[0] = byte(reg)
	buf[1] = byte(reg >> 8)
	copy(buf[2:], p)
	return d.Write(buf)
}

// Ready reports the CHG line level when a line is attached.
func (d *I2CDevice) Ready() bool {
	if d.chg == nil {
		return false
	}
	return d.chg.Asserted()
}

// HasChg reports whether a CHG interrupt line is attached.
func (d *I2CDevice) HasChg() bool {
	return d.chg != nil
}

// Scan probes the currently selected slave by reading one byte.
func (d *I2CDevice) Scan() (int, error) {
	var b [1]byte
	if err := d.Read(b[:]); err != nil {
		return 0, err
	}
	return 1, nil
}

// Kind reports TypeI2CDev.
func (d *I2CDevice) Kind() Type {
	return TypeI2CDev
}

// GetInfo reads the info block from application mode.
func (d *I2CDevice) GetInfo() (*InfoBlock, error) {
	ib, err := readInfo(d)
	if err != nil {
		return nil, err
	}
	d.info = ib
	return ib, nil
}

// Reset issues the T6 reset command. The T6 address comes from the info
// block; if GetInfo has not run yet, Reset reads the info block first.
func (d *I2CDevice) Reset(bootloader bool) error {
	if d.info == nil {
		if _, err := d.GetInfo(); err != nil {
			return err
		}
	}
	return resetChip(d, d.info, bootloader)
}

// Close releases the bus handle and the CHG line, if any.
func (d *I2CDevice) Close() error {
	if d.chg != nil {
		d.chg.Close()
		d.chg = nil
	}
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
