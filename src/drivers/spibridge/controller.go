package spibridge

import (
	"errors"

	"mmcsd/src/drivers/mmcsd"
	"mmcsd/src/lib/trust"
)

// Link is a raw SPI master: chip select, a clock and a full duplex byte
// exchange.  *BusPirate is one.
type Link interface {
	Select(on bool) error
	SetClock(hz uint32) (uint32, error)
	Transfer(out []byte) ([]byte, error)
	Power(on bool) error
}

const (
	// Ncr: bytes the card may take before its response starts
	ncrBytes = 8
	// bytes to poll for a data start token or the end of busy
	tokenPolls = 4096
	busyPolls  = 65536

	chunk = 16

	tokenStartBlock = 0xfe
)

var errDataToken = errors.New("spibridge: card sent a data error token")

// Controller is an mmcsd.Controller for the byte-serial protocol on top of
// a Link.
type Controller struct {
	link  Link
	clock uint32
	power mmcsd.PowerMode
	crc   bool

	pending []byte
}

func NewController(link Link) *Controller {
	return &Controller{link: link}
}

func (c *Controller) Mode() mmcsd.TransportMode {
	return mmcsd.ByteSerial
}

// Clock is what the link is actually running at.
func (c *Controller) Clock() uint32 {
	return c.clock
}

func (c *Controller) SetIOConfig(cfg mmcsd.IOConfig) {
	on := cfg.PowerMode != mmcsd.PowerOff
	if on != (c.power != mmcsd.PowerOff) {
		if err := c.link.Power(on); err != nil {
			trust.Errorf("spibridge: power %v: %v", on, err)
		}
	}
	wake := cfg.PowerMode == mmcsd.PowerOn && c.power != mmcsd.PowerOn
	c.power = cfg.PowerMode

	if cfg.Clock != 0 {
		clk, err := c.link.SetClock(cfg.Clock)
		if err != nil {
			trust.Errorf("spibridge: set clock %dHz: %v", cfg.Clock, err)
		} else if clk != c.clock {
			trust.Debugf("spibridge: asked for %dHz, running at %dHz", cfg.Clock, clk)
			c.clock = clk
		}
	}
	if wake {
		// at least 74 clocks with CS high before the first command
		if _, err := c.link.Transfer(ones(10)); err != nil {
			trust.Errorf("spibridge: wake up clocks: %v", err)
		}
	}
	if cfg.BusWidth != mmcsd.BusWidth1 {
		trust.Warnf("spibridge: %d bit bus asked for on a one bit link", cfg.BusWidth.Lines())
	}
}

func ones(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

// next returns the next byte the card sends, reading ahead a chunk at a
// time.
func (c *Controller) next() (byte, error) {
	if len(c.pending) == 0 {
		in, err := c.link.Transfer(ones(chunk))
		if err != nil {
			return 0, err
		}
		c.pending = in
	}
	b := c.pending[0]
	c.pending = c.pending[1:]
	return b, nil
}

func (c *Controller) read(buf []byte) error {
	for i := range buf {
		b, err := c.next()
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

// Request runs one command with chip select held low for all of it.
func (c *Controller) Request(req *mmcsd.Request) {
	cmd := req.Cmd
	if err := c.link.Select(true); err != nil {
		cmd.Err = err
		return
	}
	defer func() {
		c.pending = nil
		if err := c.link.Select(false); err != nil {
			trust.Warnf("spibridge: deselect: %v", err)
		}
		// one more byte so the card lets go of MISO
		_, _ = c.link.Transfer(ones(1))
	}()

	c.pending = nil
	cmd.Err = c.command(cmd)
	if cmd.Err != nil || req.Data == nil {
		return
	}
	data := req.Data
	if data.Flags&mmcsd.DataDirWrite != 0 {
		trust.Warnf("spibridge: writes are not supported")
		data.Err = mmcsd.BadArgument
		return
	}
	data.Err = c.readData(data)
}

func (c *Controller) command(cmd *mmcsd.Command) error {
	frame := mmcsd.CommandFrame(cmd.Index, cmd.Arg)
	if _, err := c.link.Transfer(append([]byte{0xff}, frame[:]...)); err != nil {
		return err
	}

	r1 := byte(0xff)
	for i := 0; i < ncrBytes; i++ {
		b, err := c.next()
		if err != nil {
			return err
		}
		if b&0x80 == 0 {
			r1 = b
			break
		}
	}
	cmd.Resp[0] = uint32(r1)
	if err := mmcsd.SPIR1Error(r1); err != nil {
		return err
	}

	switch cmd.Flags.SPIResponseType() {
	case mmcsd.RespSPIR2:
		b, err := c.next()
		if err != nil {
			return err
		}
		cmd.Resp[1] = uint32(b)
	case mmcsd.RespSPIR3, mmcsd.RespSPIR7:
		var w [4]byte
		if err := c.read(w[:]); err != nil {
			return err
		}
		cmd.Resp[1] = uint32(w[0])<<24 | uint32(w[1])<<16 | uint32(w[2])<<8 | uint32(w[3])
	case mmcsd.RespSPIR1B:
		if err := c.waitNotBusy(); err != nil {
			return err
		}
	}

	if cmd.Index == mmcsd.SPICRCOnOff {
		c.crc = cmd.Arg&1 != 0
	}
	return nil
}

func (c *Controller) waitNotBusy() error {
	for i := 0; i < busyPolls; i++ {
		b, err := c.next()
		if err != nil {
			return err
		}
		if b != 0 {
			return nil
		}
	}
	return mmcsd.CommandTimeout
}

func (c *Controller) readData(data *mmcsd.Data) error {
	buf := data.Buf[:data.Len()]
	for blk := uint32(0); blk < data.Blocks; blk++ {
		if err := c.waitToken(); err != nil {
			return err
		}
		b := buf[blk*data.BlockSize : (blk+1)*data.BlockSize]
		if err := c.read(b); err != nil {
			return err
		}
		var crc [2]byte
		if err := c.read(crc[:]); err != nil {
			return err
		}
		if c.crc && uint16(crc[0])<<8|uint16(crc[1]) != mmcsd.CRC16(b) {
			return mmcsd.DataCRC
		}
		data.BytesXfered += data.BlockSize
	}
	return nil
}

func (c *Controller) waitToken() error {
	for i := 0; i < tokenPolls; i++ {
		b, err := c.next()
		if err != nil {
			return err
		}
		switch {
		case b == tokenStartBlock:
			return nil
		case b&0xf0 == 0:
			trust.Debugf("spibridge: data error token %02x", b)
			return errDataToken
		}
	}
	return mmcsd.DataTimeout
}
