// internal/bootloader/flash.go
// Flash driver. Owns one FlashSession from "open the image" to "verify
// the new firmware version": puts the chip into bootloader mode, walks
// the per-frame handshake with its single-retry allowance, then brings
// the chip back up in application mode and checks what it reports.

package bootloader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jal2/mxt-app/internal/device"
)

const (
	// resetTime is how long the chip needs to reboot after a reset
	// command or after the last frame.
	resetTime = 2 * time.Second

	// bootloaderDelay paces handshake reads on transports without a
	// CHG readiness signal.
	bootloaderDelay = 50 * time.Millisecond

	chgPollInterval = time.Millisecond
	chgPollLimit    = 100

	progressInterval = 20
)

// unlockSequence is the one-shot bootloader unlock command.
var unlockSequence = []byte{0xdc, 0xaa}

var (
	// ErrBootloaderNotFound means the initial handshake never showed a
	// known bootloader state.
	ErrBootloaderNotFound = errors.New("bootloader not found")

	// ErrAlreadyAtVersion means the chip already runs the requested
	// firmware version; nothing was flashed.
	ErrAlreadyAtVersion = errors.New("firmware already at requested version")

	// ErrNoBootloaderAddress means the application-mode address has no
	// known bootloader-mode counterpart.
	ErrNoBootloaderAddress = errors.New("no bootloader address")

	// ErrPostResetScan means the device did not come back after the
	// post-flash reset.
	ErrPostResetScan = errors.New("could not find device after reset")
)

// CRCError reports a frame whose CRC still failed after the permitted
// retry.
type CRCError struct {
	Frame   int
	Retries int
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("frame %d: CRC failed after %d retries", e.Frame, e.Retries)
}

// VerifyError reports a post-flash version mismatch.
type VerifyError struct {
	Got  string
	Want string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("detected version is %s, expected %s", e.Got, e.Want)
}

// Config selects what to flash and over which slave.
type Config struct {
	// Path of the ASCII-hex firmware image.
	Path string

	// NewVersion, when non-empty, is required to match the chip's
	// version after flashing — and must not match before. Both checks
	// run only when the session starts in application mode; a chip
	// addressed directly in bootloader mode is flashed without either.
	NewVersion string

	// Adapter and Address pin the chip on a specific i2c bus. Leave
	// Adapter negative to let the transport's own discovery decide.
	Adapter int
	Address int
}

// FlashSession carries the state of one flash attempt. Created per
// call; nothing survives it.
type FlashSession struct {
	dev    device.Device
	reader *FrameReader

	adapter  int
	appAddr  int
	bootAddr int

	familyID    byte
	currVersion string
	newVersion  string

	verifyAfter bool

	haveBootloaderID  bool
	extendedIDMode    bool
	bootloaderID      byte
	bootloaderVersion byte

	framesSent int

	resetDelay  time.Duration
	frameDelay  time.Duration
	chgInterval time.Duration

	cfg Config
}

// Flash writes the firmware image at cfg.Path to the chip behind dev
// and verifies the result. It is the single entry point of the
// bootloader protocol driver.
func Flash(dev device.Device, cfg Config) error {
	log.Infof("Opening firmware file %s", cfg.Path)

	f, err := os.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("cannot open firmware file %s: %w", cfg.Path, err)
	}
	defer f.Close()

	s := newSession(dev, NewFrameReader(f), cfg)
	return s.run()
}

func newSession(dev device.Device, r *FrameReader, cfg Config) *FlashSession {
	return &FlashSession{
		dev:         dev,
		reader:      r,
		adapter:     -1,
		appAddr:     -1,
		bootAddr:    -1,
		newVersion:  cfg.NewVersion,
		resetDelay:  resetTime,
		frameDelay:  bootloaderDelay,
		chgInterval: chgPollInterval,
		cfg:         cfg,
	}
}

// FramesSent reports how many frames the session transmitted
// successfully.
func (s *FlashSession) FramesSent() int {
	return s.framesSent
}

func (s *FlashSession) run() error {
	if err := s.initChip(); err != nil {
		return err
	}

	if err := s.attachBootloader(); err != nil {
		return err
	}

	if err := s.sendFrames(); err != nil {
		return err
	}

	if !s.verifyAfter {
		log.Info("Sent all firmware frames")
		return nil
	}

	return s.verify()
}

// usbModer is the optional capability of the USB transport to report
// whether the chip enumerated in bootloader mode.
type usbModer interface {
	Bootloader() bool
}

// chgPoller is the optional capability of a transport to expose a real
// CHG readiness signal.
type chgPoller interface {
	HasChg() bool
}

// initChip brings the session to the point where the chip is in
// bootloader mode and the bootloader slave address is known.
func (s *FlashSession) initChip() error {
	if s.cfg.Adapter >= 0 && s.cfg.Address > 0 {
		s.adapter = s.cfg.Adapter

		if bootloaderAddress(s.cfg.Address, 0) == -1 {
			// Not a known application address; assume the chip is
			// already sitting in bootloader mode at this address.
			log.Info("Trying bootloader")
			s.bootAddr = s.cfg.Address
			return nil
		}

		s.appAddr = s.cfg.Address
		if err := s.dev.SetSlave(s.adapter, s.appAddr); err != nil {
			return err
		}
	} else {
		n, err := s.dev.Scan()
		if err != nil || n < 1 {
			if err != nil {
				return fmt.Errorf("could not find a device: %w", err)
			}
			return device.ErrNoDevice
		}
		log.Info("Chip detected")

		switch s.dev.Kind() {
		case device.TypeI2CDev, device.TypeSysfs:
			s.adapter, s.appAddr = s.dev.Slave()
		case device.TypeUSB:
			if b, ok := s.dev.(usbModer); ok && b.Bootloader() {
				log.Info("USB device in bootloader mode")
				return nil
			}
		default:
			return fmt.Errorf("unsupported device type %s", s.dev.Kind())
		}
	}

	info, err := s.dev.GetInfo()
	if err != nil {
		return fmt.Errorf("could not read info block: %w", err)
	}

	s.familyID = info.FamilyID
	s.currVersion = info.FirmwareVersion()
	s.verifyAfter = true
	log.Infof("Current firmware version: %s", s.currVersion)

	if s.newVersion != "" && s.currVersion == s.newVersion {
		return ErrAlreadyAtVersion
	}

	log.Info("Resetting chip into bootloader mode")
	if err := s.dev.Reset(true); err != nil {
		return fmt.Errorf("reset failure: %w", err)
	}
	time.Sleep(s.resetDelay)

	if s.appAddr > 0 {
		s.bootAddr = bootloaderAddress(s.appAddr, s.familyID)
	}

	return nil
}

// attachBootloader points the transport at the bootloader: the
// bootloader slave address on i2c, a re-enumerated device on USB.
func (s *FlashSession) attachBootloader() error {
	switch s.dev.Kind() {
	case device.TypeI2CDev, device.TypeSysfs:
		if s.bootAddr == -1 {
			return ErrNoBootloaderAddress
		}

		log.Debugf("appmode_address:%02X bootloader_address:%02X", s.appAddr, s.bootAddr)
		if err := s.dev.SetSlave(s.adapter, s.bootAddr); err != nil {
			return err
		}

	case device.TypeUSB:
		if b, ok := s.dev.(usbModer); ok && !b.Bootloader() {
			n, err := s.dev.Scan()
			if err != nil || n < 1 {
				return fmt.Errorf("%w: no device in bootloader mode", ErrPostResetScan)
			}
		}
	}

	return nil
}

// sendFrames unlocks the bootloader and streams every frame of the
// image through the three-phase handshake.
func (s *FlashSession) sendFrames() error {
	s.haveBootloaderID = false
	s.extendedIDMode = false

	err := s.checkState(statusWaitingBootloadCmd)
	switch {
	case err == nil:
		log.Info("Unlocking bootloader")
		if werr := s.dev.Write(unlockSequence); werr != nil {
			return fmt.Errorf("failure to unlock bootloader: %w", werr)
		}
		log.Info("Bootloader unlocked")

	case errors.Is(err, errAlreadyUnlocked):
		log.Info("Bootloader found")

	default:
		var ise *InvalidStateError
		if errors.As(err, &ise) {
			return fmt.Errorf("%w: %v", ErrBootloaderNotFound, err)
		}
		return err
	}

	log.Info("Sending frames...")

	frame := 1
	for {
		fr, err := s.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("End of file")
				break
			}
			return err
		}

		if err := s.sendFrame(frame, fr); err != nil {
			return err
		}
		frame++
	}

	log.Info("Done")
	time.Sleep(s.resetDelay)

	return nil
}

// sendFrame transmits one frame, retrying the same bytes once on a CRC
// failure.
func (s *FlashSession) sendFrame(frame int, fr *Frame) error {
	retry := 0

	for {
		if err := s.checkState(statusWaitingFrameData); err != nil {
			return fmt.Errorf("unexpected bootloader state: %w", err)
		}

		if err := s.dev.Write(fr.Data); err != nil {
			return fmt.Errorf("write frame %d: %w", frame, err)
		}

		log.Debug("Checking CRC")
		err := s.checkState(statusFrameCRCPass)
		if err == nil {
			s.framesSent++
			if frame%progressInterval == 0 {
				log.Infof("Frame %d: Sent %d bytes", frame, fr.Size())
			} else {
				log.Debugf("Frame %d: Sent %d bytes", frame, fr.Size())
			}
			return nil
		}

		if errors.Is(err, errFrameCRCFail) {
			if retry > 0 {
				log.Errorf("Failure sending frame %d - aborting", frame)
				return &CRCError{Frame: frame, Retries: retry}
			}
			retry++
			log.Errorf("Frame %d: CRC fail, retry %d", frame, retry)
			continue
		}

		return fmt.Errorf("unexpected bootloader state: %w", err)
	}
}

// verify switches back to application mode and checks the firmware
// version the chip now reports.
func (s *FlashSession) verify() error {
	switch s.dev.Kind() {
	case device.TypeI2CDev, device.TypeSysfs:
		if err := s.dev.SetSlave(s.adapter, s.appAddr); err != nil {
			return err
		}

	case device.TypeUSB:
		n, err := s.dev.Scan()
		if err != nil || n < 1 {
			return fmt.Errorf("%w: device did not re-enumerate", ErrPostResetScan)
		}
	}

	info, err := s.dev.GetInfo()
	if err != nil {
		return fmt.Errorf("%w: chip did not reset: %v", ErrPostResetScan, err)
	}

	s.currVersion = info.FirmwareVersion()

	if s.newVersion == "" {
		log.Infof("SUCCESS - version is %s", s.currVersion)
		return nil
	}

	if s.currVersion == s.newVersion {
		log.Infof("SUCCESS - version %s verified", s.currVersion)
		return nil
	}

	return &VerifyError{Got: s.currVersion, Want: s.newVersion}
}

// waitChg waits for the chip to signal readiness. Transports with a
// real CHG line are polled; the rest get a fixed settle delay.
func (s *FlashSession) waitChg() {
	poll := s.dev.Kind() == device.TypeUSB
	if !poll {
		if c, ok := s.dev.(chgPoller); ok && c.HasChg() {
			poll = true
		}
	}

	if !poll {
		time.Sleep(s.frameDelay)
		return
	}

	for try := 0; try < chgPollLimit; try++ {
		if s.dev.Ready() {
			log.Debugf("CHG line cycles %d", try)
			return
		}
		time.Sleep(s.chgInterval)
	}

	// Recoverable: the next status read decides whether anything is
	// actually wrong.
	log.Warn("Timed out awaiting CHG")
}
