// internal/device/chg.go
// CHG interrupt line access through the GPIO character device. The
// controller pulls CHG low when it has data or has finished an
// operation; polling it beats the fixed bootloader delay on boards that
// route the line to a host GPIO.

package device

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// ChgLine wraps a requested GPIO line carrying the CHG signal.
type ChgLine struct {
	line *gpiocdev.Line
}

// OpenChg requests the CHG line as an input, e.g. OpenChg("gpiochip0", 17).
func OpenChg(chip string, offset int) (*ChgLine, error) {
	l, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsInput)
	if err != nil {
		return nil, fmt.Errorf("request CHG line %s:%d: %w", chip, offset, err)
	}
	return &ChgLine{line: l}, nil
}

// Asserted reports whether CHG is active. The line is active low.
func (c *ChgLine) Asserted() bool {
	v, err := c.line.Value()
	if err != nil {
		return false
	}
	return v == 0
}

// Close releases the line.
func (c *ChgLine) Close() error {
	return c.line.Close()
}
