// internal/device/info_block.go
// Info block parsing. The info block sits at register 0 in application
// mode: a 7-byte ID header followed by one 6-byte object table entry per
// object. Layout per the maXTouch object protocol.

package device

import "fmt"

const (
	idHeaderSize    = 7
	objectEntrySize = 6

	objT6CommandProcessor = 6

	t6ResetOffset     = 0
	t6ResetValue      = 0x01
	t6BootloaderValue = 0xa5
)

// ObjectTableEntry describes one object in the chip's object table.
type ObjectTableEntry struct {
	Type         byte
	Start        uint16
	Size         byte
	Instances    byte
	NumReportIDs byte
}

// InfoBlock is the chip identity read from application mode.
type InfoBlock struct {
	FamilyID   byte
	VariantID  byte
	Version    byte
	Build      byte
	MatrixX    byte
	MatrixY    byte
	NumObjects byte
	Objects    []ObjectTableEntry
}

func parseIDHeader(hdr []byte) *InfoBlock {
	return &InfoBlock{
		FamilyID:   hdr[0],
		VariantID:  hdr[1],
		Version:    hdr[2],
		Build:      hdr[3],
		MatrixX:    hdr[4],
		MatrixY:    hdr[5],
		NumObjects: hdr[6],
	}
}

func parseObjectTable(tbl []byte) []ObjectTableEntry {
	n := len(tbl) / objectEntrySize
	objects := make([]ObjectTableEntry, 0, n)

	for i := 0; i < n; i++ {
		e := tbl[i*objectEntrySize:]
		objects = append(objects, ObjectTableEntry{
			Type:         e[0],
			Start:        uint16(e[1]) | uint16(e[2])<<8,
			Size:         e[3] + 1,
			Instances:    e[4] + 1,
			NumReportIDs: e[5],
		})
	}

	return objects
}

// Object returns the first object table entry of the given type, or nil.
func (ib *InfoBlock) Object(typ byte) *ObjectTableEntry {
	for i := range ib.Objects {
		if ib.Objects[i].Type == typ {
			return &ib.Objects[i]
		}
	}
	return nil
}

// FirmwareVersion formats the application firmware version the way the
// chip documentation spells it, e.g. "1.0.AA".
func (ib *InfoBlock) FirmwareVersion() string {
	return fmt.Sprintf("%d.%d.%02X", ib.Version>>4, ib.Version&0x0f, ib.Build)
}
