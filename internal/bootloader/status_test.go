package bootloader

import (
	"errors"
	"testing"

	"github.com/jal2/mxt-app/internal/device"
)

func statusSession(t *testing.T, reads ...[]byte) (*FlashSession, *mockDevice) {
	m := newMock(t, device.TypeI2CDev)
	m.reads = reads
	s := testSession(m, "", Config{})
	return s, m
}

func TestCheckStateWaitingCmd(t *testing.T) {
	s, _ := statusSession(t, []byte{0xc0})
	if err := s.checkState(statusWaitingBootloadCmd); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !s.haveBootloaderID {
		t.Error("identity should be latched from a non-extended status")
	}
	if s.bootloaderID != 0 {
		t.Errorf("unexpected bootloader ID %d", s.bootloaderID)
	}
}

func TestCheckStateWaitingCmdLatchesID(t *testing.T) {
	// 0xc7: state bits 0xc0, identity field 0x07 (no extended bit).
	s, _ := statusSession(t, []byte{0xc7})
	if err := s.checkState(statusWaitingBootloadCmd); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if s.bootloaderID != 0x07 {
		t.Errorf("bootloader ID = %d, want 7", s.bootloaderID)
	}
	if s.extendedIDMode {
		t.Error("extended ID mode should not be set")
	}
}

func TestCheckStateAppCRCFailTransient(t *testing.T) {
	s, _ := statusSession(t, []byte{0x40}, []byte{0xc0})
	if err := s.checkState(statusWaitingBootloadCmd); err != nil {
		t.Fatalf("APP_CRC_FAIL should re-read, got %v", err)
	}
}

func TestCheckStateAlreadyUnlocked(t *testing.T) {
	s, _ := statusSession(t, []byte{0x80})
	err := s.checkState(statusWaitingBootloadCmd)
	if !errors.Is(err, errAlreadyUnlocked) {
		t.Fatalf("expected errAlreadyUnlocked, got %v", err)
	}
}

func TestCheckStateWaitingFrameTransientPass(t *testing.T) {
	s, _ := statusSession(t, []byte{0x04}, []byte{0x80})
	if err := s.checkState(statusWaitingFrameData); err != nil {
		t.Fatalf("lingering CRC PASS should re-read, got %v", err)
	}
}

func TestCheckStateCRCPassAfterCheck(t *testing.T) {
	s, _ := statusSession(t, []byte{0x02}, []byte{0x04})
	if err := s.checkState(statusFrameCRCPass); err != nil {
		t.Fatalf("CRC CHECK should re-read, got %v", err)
	}
}

func TestCheckStateCRCFail(t *testing.T) {
	s, _ := statusSession(t, []byte{0x03})
	err := s.checkState(statusFrameCRCPass)
	if !errors.Is(err, errFrameCRCFail) {
		t.Fatalf("expected errFrameCRCFail, got %v", err)
	}
}

func TestCheckStateInvalid(t *testing.T) {
	s, _ := statusSession(t, []byte{0xff})
	err := s.checkState(statusFrameCRCPass)
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if ise.Observed != 0xff {
		t.Errorf("Observed = 0x%02X, want 0xFF", ise.Observed)
	}
}

func TestCheckStateTransientBound(t *testing.T) {
	// A chip stuck reporting CRC CHECK forever must not spin the
	// driver: after the re-read budget the state is rejected.
	reads := make([][]byte, maxTransientReads+2)
	for i := range reads {
		reads[i] = []byte{0x02}
	}

	s, m := statusSession(t, reads...)
	err := s.checkState(statusFrameCRCPass)
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError after transient bound, got %v", err)
	}
	if len(m.reads) != 1 {
		t.Errorf("driver consumed %d of %d scripted reads", len(reads)-len(m.reads), len(reads))
	}
}

func TestIdentityLatchedOnce(t *testing.T) {
	s, _ := statusSession(t,
		[]byte{0xe0},             // extended ID announced
		[]byte{0x80, 0x2a, 0x05}, // identity arrives with the frame wait
		[]byte{0x80},             // later waits are single-byte again
	)

	if err := s.checkState(statusWaitingBootloadCmd); err != nil {
		t.Fatalf("unlock handshake: %v", err)
	}
	if s.haveBootloaderID {
		t.Fatal("identity must not be latched before the extended read")
	}

	if err := s.checkState(statusWaitingFrameData); err != nil {
		t.Fatalf("first frame wait: %v", err)
	}
	if !s.haveBootloaderID || s.bootloaderID != 0x2a || s.bootloaderVersion != 0x05 {
		t.Fatalf("identity not latched: have=%v id=0x%02X ver=%d",
			s.haveBootloaderID, s.bootloaderID, s.bootloaderVersion)
	}

	if err := s.checkState(statusWaitingFrameData); err != nil {
		t.Fatalf("second frame wait: %v", err)
	}
}
