// internal/bootloader/status.go
// Bootloader handshake state machine. The chip answers each poll with a
// status byte; for the two WAITING states the low six bits carry the
// bootloader identity and only the high bits are state. The driver
// tells checkState which state it expects next and gets back a
// committed decision: success, a recognized detour, or an error.

package bootloader

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
)

// Bootloader status codes. The WAITING and APP_CRC_FAIL codes are valid
// in the top two bits only; the FRAME_CRC codes use the full byte.
const (
	statusWaitingBootloadCmd = 0xc0
	statusWaitingFrameData   = 0x80
	statusFrameCRCCheck      = 0x02
	statusFrameCRCFail       = 0x03
	statusFrameCRCPass       = 0x04
	statusAppCRCFail         = 0x40

	bootStatusMask = 0x3f
	extendedIDBit  = 0x20
)

// maxTransientReads bounds the re-read loop so a stuck chip that keeps
// reporting a transient state cannot spin the driver forever.
const maxTransientReads = 10

// errAlreadyUnlocked is the recognized detour out of the unlock
// handshake: the chip skipped straight to waiting for frame data.
var errAlreadyUnlocked = errors.New("bootloader already unlocked")

// errFrameCRCFail reports a failed frame CRC; the caller decides
// whether a retry is still allowed.
var errFrameCRCFail = errors.New("bootloader reports FRAME_CRC_FAIL")

// InvalidStateError is a status byte that matched no expected
// transition.
type InvalidStateError struct {
	Observed byte
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid bootloader mode state 0x%02X", e.Observed)
}

// checkState reads the bootloader status until it can commit to a
// decision about the expected state. Transient observations re-read, at
// most maxTransientReads times.
func (s *FlashSession) checkState(expected byte) error {
	var v byte

	for attempt := 0; ; attempt++ {
		if attempt > maxTransientReads {
			return &InvalidStateError{Observed: v}
		}

		// Polls for the unlock handshake race the chip's own boot and
		// skip the wait (re-reads included); polls for every later
		// state wait for the CHG handshake.
		if expected != statusWaitingBootloadCmd {
			s.waitChg()
		}

		var err error
		v, err = s.readStatus(expected)
		if err != nil {
			return err
		}

		log.Debugf("Bootloader status %02X", v)

		switch expected {
		case statusWaitingBootloadCmd:
			id := v & bootStatusMask

			switch v &^ bootStatusMask {
			case statusAppCRCFail:
				log.Info("Bootloader reports APP CRC failure")
				continue
			case statusWaitingFrameData:
				log.Info("Bootloader already unlocked")
				return errAlreadyUnlocked
			case statusWaitingBootloadCmd:
				s.latchIdentity(id)
				return nil
			}

		case statusWaitingFrameData:
			if v == statusFrameCRCPass {
				log.Info("Bootloader still giving CRC PASS")
				continue
			}
			if v&^bootStatusMask == statusWaitingFrameData {
				return nil
			}

		case statusFrameCRCPass:
			if v == statusFrameCRCCheck {
				continue
			}
			if v == statusFrameCRCFail {
				return errFrameCRCFail
			}
			if v == statusFrameCRCPass {
				return nil
			}
		}

		return &InvalidStateError{Observed: v}
	}
}

// readStatus reads one status byte, or the three-byte extended-ID
// response when the identity is still pending and the chip is about to
// accept frame data.
func (s *FlashSession) readStatus(expected byte) (byte, error) {
	if !s.haveBootloaderID && s.extendedIDMode && expected == statusWaitingFrameData {
		log.Info("Attempting to retrieve bootloader version")

		var buf [3]byte
		if err := s.dev.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("read bootloader status: %w", err)
		}

		s.bootloaderID = buf[1]
		s.bootloaderVersion = buf[2]
		s.haveBootloaderID = true
		log.Infof("Bootloader ID:%d Version:%d", s.bootloaderID, s.bootloaderVersion)

		return buf[0], nil
	}

	var buf [1]byte
	if err := s.dev.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read bootloader status: %w", err)
	}
	return buf[0], nil
}

// latchIdentity records the identity field from a WAITING_BOOTLOAD_CMD
// status. Bit 0x20 selects extended-ID mode, in which the real identity
// arrives with the next WAITING_FRAME_DATA read instead.
func (s *FlashSession) latchIdentity(id byte) {
	if s.haveBootloaderID {
		return
	}

	if id&extendedIDBit != 0 {
		log.Info("Bootloader using extended ID mode")
		s.extendedIDMode = true
		return
	}

	s.bootloaderID = id & 0x1f
	s.haveBootloaderID = true
	log.Infof("Bootloader ID:%d", s.bootloaderID)
}
