// Package spibridge runs the byte-serial (SPI) personality of an SD card
// over a USB to SPI bridge.  The bridge here is a Bus Pirate in binary SPI
// mode, reached through a serial port.
package spibridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pkg/term"

	"mmcsd/src/lib/trust"
)

// Bus Pirate binary mode commands
const (
	bpReset       = 0x00 // in SPI mode: back to bitbang; in bitbang: "BBIO1"
	bpEnterSPI    = 0x01
	bpCSLow       = 0x02
	bpCSHigh      = 0x03
	bpExit        = 0x0f // leave binary mode
	bpBulk        = 0x10 // | count-1, up to 16 bytes
	bpPeripherals = 0x40 // | power, pull-ups, aux, cs
	bpSpeed       = 0x60 // | speed code
	bpSPIConfig   = 0x80 // | output, idle, edge, sample
)

const (
	periphPower   = 1 << 3
	periphPullups = 1 << 2
	periphCS      = 1 << 0

	// 3.3V outputs, clock idle low, data out on the falling edge and
	// sampled in the middle: SPI mode 0
	spiMode0 = 1<<3 | 1<<1

	maxBulk    = 16
	enterTries = 20
)

// SpeedTable holds the clocks selectable with the speed command, by code.
var SpeedTable = [8]uint32{30000, 125000, 250000, 1000000, 2000000, 2600000, 4000000, 8000000}

var errNoAck = errors.New("buspirate: command not acknowledged")

// speedCode returns the fastest code not above hz, the slowest if none is.
func speedCode(hz uint32) uint8 {
	code := uint8(0)
	for i, s := range SpeedTable {
		if s <= hz {
			code = uint8(i)
		}
	}
	return code
}

// BusPirate speaks the binary SPI protocol over rw.
type BusPirate struct {
	rw    io.ReadWriter
	speed int
}

func NewBusPirate(rw io.ReadWriter) *BusPirate {
	return &BusPirate{rw: rw, speed: -1}
}

// DefaultBaud is what a Bus Pirate's serial port runs at out of the box.
const DefaultBaud = 115200

// OpenSerial opens the Bus Pirate's serial port raw at baud (DefaultBaud
// when 0).  Reads give up after timeout so a dead bridge can't hang us.
func OpenSerial(dev string, baud int, timeout time.Duration) (*term.Term, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	t, err := term.Open(dev, term.Speed(baud), term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("buspirate: open %s: %w", dev, err)
	}
	if err := t.SetReadTimeout(timeout); err != nil {
		t.Close()
		return nil, fmt.Errorf("buspirate: %s: %w", dev, err)
	}
	return t, nil
}

func (b *BusPirate) send(p ...byte) error {
	_, err := b.rw.Write(p)
	return err
}

func (b *BusPirate) expect(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(b.rw, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *BusPirate) command(c byte) error {
	if err := b.send(c); err != nil {
		return err
	}
	r, err := b.expect(1)
	if err != nil {
		return err
	}
	if r[0] != 0x01 {
		return fmt.Errorf("%w: %02x answered %02x", errNoAck, c, r[0])
	}
	return nil
}

// Enter takes the Bus Pirate from its terminal into binary SPI mode and
// sets it up for an SD card: mode 0, power and pull-ups on, CS high.
func (b *BusPirate) Enter() error {
	var seen []byte
	ok := false
	for i := 0; i < enterTries && !ok; i++ {
		if err := b.send(bpReset); err != nil {
			return err
		}
		buf := make([]byte, 64)
		n, err := b.rw.Read(buf)
		seen = append(seen, buf[:n]...)
		if bytes.Contains(seen, []byte("BBIO1")) {
			ok = true
			break
		}
		if err != nil && err != io.EOF {
			return err
		}
	}
	if !ok {
		return fmt.Errorf("buspirate: no bitbang mode after %d tries", enterTries)
	}

	if err := b.send(bpEnterSPI); err != nil {
		return err
	}
	r, err := b.expect(4)
	if err != nil {
		return err
	}
	if string(r) != "SPI1" {
		return fmt.Errorf("buspirate: expected SPI1, got %q", r)
	}
	trust.Debugf("buspirate: in binary SPI mode")

	if err := b.command(bpSPIConfig | spiMode0); err != nil {
		return err
	}
	return b.Power(true)
}

// Exit drops back to the Bus Pirate's user terminal.
func (b *BusPirate) Exit() error {
	if err := b.send(bpReset); err != nil {
		return err
	}
	if _, err := b.expect(5); err != nil {
		return err
	}
	return b.command(bpExit)
}

// Power switches the card supply (and the MISO pull-up) with CS held high.
func (b *BusPirate) Power(on bool) error {
	c := byte(bpPeripherals | periphCS)
	if on {
		c |= periphPower | periphPullups
	}
	return b.command(c)
}

// Select drives chip select; true pulls it low.
func (b *BusPirate) Select(on bool) error {
	if on {
		return b.command(bpCSLow)
	}
	return b.command(bpCSHigh)
}

// SetClock picks the fastest speed not above hz and returns it.
func (b *BusPirate) SetClock(hz uint32) (uint32, error) {
	code := speedCode(hz)
	if int(code) == b.speed {
		return SpeedTable[code], nil
	}
	if err := b.command(bpSpeed | code); err != nil {
		return 0, err
	}
	b.speed = int(code)
	return SpeedTable[code], nil
}

// Transfer clocks out and returns the bytes clocked in at the same time.
func (b *BusPirate) Transfer(out []byte) ([]byte, error) {
	in := make([]byte, 0, len(out))
	for len(out) > 0 {
		n := len(out)
		if n > maxBulk {
			n = maxBulk
		}
		if err := b.send(append([]byte{bpBulk | byte(n-1)}, out[:n]...)...); err != nil {
			return nil, err
		}
		r, err := b.expect(n + 1)
		if err != nil {
			return nil, err
		}
		if r[0] != 0x01 {
			return nil, fmt.Errorf("%w: bulk transfer answered %02x", errNoAck, r[0])
		}
		in = append(in, r[1:]...)
		out = out[n:]
	}
	return in, nil
}
