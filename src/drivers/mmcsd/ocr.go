package mmcsd

import (
	"fmt"
	"math/bits"
	"strings"
)

// OCR voltage windows
const (
	VDD165To195 = 1 << 7 // low voltage range, not fully defined
	VDD20To21   = 1 << 8
	VDD21To22   = 1 << 9
	VDD22To23   = 1 << 10
	VDD23To24   = 1 << 11
	VDD24To25   = 1 << 12
	VDD25To26   = 1 << 13
	VDD26To27   = 1 << 14
	VDD27To28   = 1 << 15
	VDD28To29   = 1 << 16
	VDD29To30   = 1 << 17
	VDD30To31   = 1 << 18
	VDD31To32   = 1 << 19
	VDD32To33   = 1 << 20
	VDD33To34   = 1 << 21
	VDD34To35   = 1 << 22
	VDD35To36   = 1 << 23
)

// OCR status bits
const (
	OCRHighCapacity = 1 << 30 // CCS in a response, HCS in an argument
	OCRBusy         = 1 << 31 // set once power up has finished
	OCRVoltageMask  = 0x00ffff80
)

var vddNames = map[string]uint32{
	"1.65-1.95": VDD165To195,
	"2.0-2.1":   VDD20To21,
	"2.1-2.2":   VDD21To22,
	"2.2-2.3":   VDD22To23,
	"2.3-2.4":   VDD23To24,
	"2.4-2.5":   VDD24To25,
	"2.5-2.6":   VDD25To26,
	"2.6-2.7":   VDD26To27,
	"2.7-2.8":   VDD27To28,
	"2.8-2.9":   VDD28To29,
	"2.9-3.0":   VDD29To30,
	"3.0-3.1":   VDD30To31,
	"3.1-3.2":   VDD31To32,
	"3.2-3.3":   VDD32To33,
	"3.3-3.4":   VDD33To34,
	"3.4-3.5":   VDD34To35,
	"3.5-3.6":   VDD35To36,
}

// ParseVoltageWindows turns names like "3.2-3.3" into an OCR mask.
func ParseVoltageWindows(names []string) (uint32, error) {
	var ocr uint32
	for _, n := range names {
		bit, ok := vddNames[strings.TrimSpace(n)]
		if !ok {
			return 0, fmt.Errorf("unknown voltage window %q", n)
		}
		ocr |= bit
	}
	return ocr, nil
}

// maskLowVoltage drops the 1.65-1.95V window, which we never use.
func maskLowVoltage(ocr uint32) uint32 {
	return ocr &^ VDD165To195
}

// lowestVoltage picks the lowest window both sides support and the one
// above it, returning the bit index of the lowest.  ok is false if there is
// no overlap.
func lowestVoltage(ocr, valid uint32) (uint32, int, bool) {
	ocr &= valid
	if ocr == 0 {
		return 0, 0, false
	}
	bit := bits.TrailingZeros32(ocr)
	return ocr & (3 << uint(bit)), bit, true
}

// highestVoltage returns the bit index of the highest window in valid.
func highestVoltage(valid uint32) int {
	return 31 - bits.LeadingZeros32(valid)
}
