// internal/device/usb_device.go
// USB transport via the Atmel bridge chip. The bridge exposes interrupt
// IN/OUT endpoints carrying 64-byte reports; each report starts with a
// command byte. Register access, raw bootloader traffic and the CHG
// line all go through the same report scheme.

package device

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/gousb"
)

const (
	usbVendorAtmel = 0x03eb

	usbReportSize = 64
	// usable payload per report after the 3-byte command header
	usbChunkSize = usbReportSize - 3

	// bridge command set
	usbCmdWrite     = 0x51 // start an i2c write, total length follows
	usbCmdWriteCont = 0x52 // continuation chunk of a started write
	usbCmdRead      = 0x53 // i2c read of the requested length
	usbCmdRegRead   = 0x54 // register-addressed read (app mode)
	usbCmdRegWrite  = 0x55 // register-addressed write (app mode)
	usbCmdChg       = 0x88 // query the CHG line level

	usbStatusOK = 0x00

	usbEndpointOut = 0x01
	usbEndpointIn  = 0x81
)

// Product IDs the tool recognizes. Bootloader-mode chips re-enumerate
// with their own IDs.
var (
	usbAppPIDs  = []gousb.ID{0x211c, 0x211d, 0x2135}
	usbBootPIDs = []gousb.ID{0x211e, 0x2136}
)

// USBDevice talks to the controller through the USB bridge.
type USBDevice struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	bootloader bool
	info       *InfoBlock
}

// OpenUSB scans the bus for a recognized controller and claims it.
func OpenUSB() (*USBDevice, error) {
	d := &USBDevice{ctx: gousb.NewContext()}

	if _, err := d.Scan(); err != nil {
		d.ctx.Close()
		return nil, err
	}
	return d, nil
}

// Scan (re-)enumerates the bus and claims the first matching device,
// releasing any previously claimed one first. Used after a reset, when
// the chip drops off the bus and comes back under another product ID.
func (d *USBDevice) Scan() (int, error) {
	d.release()

	devs, err := d.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != usbVendorAtmel {
			return false
		}
		return pidListed(desc.Product, usbAppPIDs) || pidListed(desc.Product, usbBootPIDs)
	})
	// OpenDevices may return both devices and an error; anything opened
	// beyond the first is closed below.
	for i, dev := range devs {
		if i > 0 {
			dev.Close()
		}
	}
	if len(devs) == 0 {
		if err != nil {
			return 0, fmt.Errorf("usb enumeration: %w", err)
		}
		return 0, ErrNoDevice
	}

	dev := devs[0]
	if claimErr := d.claim(dev); claimErr != nil {
		dev.Close()
		return 0, claimErr
	}

	d.bootloader = pidListed(dev.Desc.Product, usbBootPIDs)
	log.Debugf("usb: claimed %s (bootloader=%v)", dev.Desc.Product, d.bootloader)

	return len(devs), nil
}

func pidListed(pid gousb.ID, list []gousb.ID) bool {
	for _, p := range list {
		if p == pid {
			return true
		}
	}
	return false
}

func (d *USBDevice) claim(dev *gousb.Device) error {
	if err := dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("usb auto-detach: %w", err)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		return fmt.Errorf("usb config: %w", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("usb claim interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(usbEndpointOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		return fmt.Errorf("usb OUT endpoint: %w", err)
	}

	epIn, err := intf.InEndpoint(usbEndpointIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		return fmt.Errorf("usb IN endpoint: %w", err)
	}

	d.dev = dev
	d.cfg = cfg
	d.intf = intf
	d.epOut = epOut
	d.epIn = epIn
	return nil
}

func (d *USBDevice) release() {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
	d.epOut = nil
	d.epIn = nil
}

// Bootloader reports whether the claimed device enumerated with a
// bootloader-mode product ID.
func (d *USBDevice) Bootloader() bool {
	return d.bootloader
}

// sendReport pads a report to the fixed size and writes it.
func (d *USBDevice) sendReport(report []byte) error {
	buf := make([]byte, usbReportSize)
	copy(buf, report)

	n, err := d.epOut.Write(buf)
	if err != nil {
		return fmt.Errorf("usb write report: %w", err)
	}
	if n != usbReportSize {
		return fmt.Errorf("usb short report write: %d of %d bytes", n, usbReportSize)
	}
	return nil
}

// recvReport reads one report and checks the echoed command and status.
func (d *USBDevice) recvReport(cmd byte) ([]byte, error) {
	buf := make([]byte, usbReportSize)
	if _, err := d.epIn.Read(buf); err != nil {
		return nil, fmt.Errorf("usb read report: %w", err)
	}
	if buf[0] != cmd {
		return nil, fmt.Errorf("usb unexpected report 0x%02x (want 0x%02x)", buf[0], cmd)
	}
	if buf[1] != usbStatusOK {
		return nil, fmt.Errorf("usb bridge status 0x%02x for command 0x%02x", buf[1], cmd)
	}
	return buf[2:], nil
}

// Write sends p to the chip as one i2c transaction. The first report
// announces the total length; the rest stream continuation chunks.
func (d *USBDevice) Write(p []byte) error {
	first := p
	if len(first) > usbChunkSize {
		first = first[:usbChunkSize]
	}

	report := make([]byte, 3+len(first))
	report[0] = usbCmdWrite
	report[1] = byte(len(p))
	report[2] = byte(len(p) >> 8)
	copy(report[3:], first)
	if err := d.sendReport(report); err != nil {
		return err
	}

	for rest := p[len(first):]; len(rest) > 0; {
		chunk := rest
		if len(chunk) > usbChunkSize {
			chunk = chunk[:usbChunkSize]
		}

		report := make([]byte, 3+len(chunk))
		report[0] = usbCmdWriteCont
		report[1] = byte(len(chunk))
		copy(report[3:], chunk)
		if err := d.sendReport(report); err != nil {
			return err
		}
		rest = rest[len(chunk):]
	}

	if _, err := d.recvReport(usbCmdWrite); err != nil {
		return err
	}
	return nil
}

// Read fills p from the chip.
func (d *USBDevice) Read(p []byte) error {
	if err := d.sendReport([]byte{usbCmdRead, byte(len(p)), byte(len(p) >> 8)}); err != nil {
		return err
	}

	for got := 0; got < len(p); {
		data, err := d.recvReport(usbCmdRead)
		if err != nil {
			return err
		}
		got += copy(p[got:], data[:min(len(data), len(p)-got)])
	}
	return nil
}

// ReadRegister reads from an application-mode register address.
func (d *USBDevice) ReadRegister(reg uint16, p []byte) error {
	for got := 0; got < len(p); {
		want := min(len(p)-got, usbChunkSize)
		r := reg + uint16(got)

		report := []byte{usbCmdRegRead, byte(r), byte(r >> 8), byte(want)}
		if err := d.sendReport(report); err != nil {
			return err
		}

		data, err := d.recvReport(usbCmdRegRead)
		if err != nil {
			return err
		}
		got += copy(p[got:got+want], data)
	}
	return nil
}

// WriteRegister writes to an application-mode register address.
func (d *USBDevice) WriteRegister(reg uint16, p []byte) error {
	for sent := 0; sent < len(p); {
		chunk := p[sent:]
		if len(chunk) > usbChunkSize-3 {
			chunk = chunk[:usbChunkSize-3]
		}
		r := reg + uint16(sent)

		report := make([]byte, 6+len(chunk))
		report[0] = usbCmdRegWrite
		report[3] = byte(r)
		report[4] = byte(r >> 8)
		report[5] = byte(len(chunk))
		copy(report[6:], chunk)
		if err := d.sendReport(report); err != nil {
			return err
		}
		if _, err := d.recvReport(usbCmdRegWrite); err != nil {
			return err
		}
		sent += len(chunk)
	}
	return nil
}

// SetSlave is a no-op; the bridge owns the bus addressing.
func (d *USBDevice) SetSlave(adapter, address int) error {
	return nil
}

// Slave reports no i2c addressing.
func (d *USBDevice) Slave() (int, int) {
	return -1, -1
}

// Ready queries the CHG line through the bridge. The line is active low.
func (d *USBDevice) Ready() bool {
	if err := d.sendReport([]byte{usbCmdChg}); err != nil {
		return false
	}
	data, err := d.recvReport(usbCmdChg)
	if err != nil {
		return false
	}
	return data[0] == 0
}

// Kind reports TypeUSB.
func (d *USBDevice) Kind() Type {
	return TypeUSB
}

// GetInfo reads the info block from application mode.
func (d *USBDevice) GetInfo() (*InfoBlock, error) {
	ib, err := readInfo(d)
	if err != nil {
		return nil, err
	}
	d.info = ib
	return ib, nil
}

// Reset issues the T6 reset command.
func (d *USBDevice) Reset(bootloader bool) error {
	if d.info == nil {
		if _, err := d.GetInfo(); err != nil {
			return err
		}
	}
	return resetChip(d, d.info, bootloader)
}

// Close releases the claimed interface and the USB context.
func (d *USBDevice) Close() error {
	d.release()
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Close()
	d.ctx = nil
	return err
}
