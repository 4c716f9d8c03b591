// Package emmc drives the Broadcom EMMC block as a native SD host
// controller.  It was adapted from the plan 9 bcm2835 driver, by way of
// a bare metal port.
package emmc

import (
	"errors"
	"time"

	"mmcsd/src/drivers/mmcsd"
	"mmcsd/src/lib/trust"
)

const (
	cmdPolls   = 1000 // 1ms each
	dataPolls  = 1000
	resetPolls = 100
	clockPolls = 1000
)

var everythingButCardIntr = ^uint32(Cardintr)

var errResetTimeout = errors.New("emmc: controller reset did not finish")

// Config describes the controller instance.
type Config struct {
	// ExtClock is the clock feeding the SD clock divider; Extfreq when 0
	ExtClock uint32
	// Delay is how the driver waits between polls; time.Sleep when nil
	Delay func(time.Duration)
}

// Ctlr is an mmcsd.Controller on top of the EMMC registers.
type Ctlr struct {
	regs   Registers
	extclk uint32
	delay  func(time.Duration)

	clock   uint32
	powered bool
}

func New(regs Registers, cfg Config) *Ctlr {
	c := &Ctlr{
		regs:   regs,
		extclk: cfg.ExtClock,
		delay:  cfg.Delay,
	}
	if c.extclk == 0 {
		c.extclk = Extfreq
		trust.Infof("emmc: assuming external clock %d Mhz", c.extclk/Mhz)
	}
	if c.delay == nil {
		c.delay = time.Sleep
	}
	return c
}

func (c *Ctlr) wait(ms int) {
	c.delay(time.Duration(ms) * time.Millisecond)
}

// Init resets the controller and leaves it with interrupts masked into the
// status register and the clock at the identification rate.
func (c *Ctlr) Init() error {
	trust.Debugf("emmc control %08x %08x %08x",
		c.regs.Read(Control0), c.regs.Read(Control1), c.regs.Read(Control2))

	c.regs.Write(Control1, Srsthc)
	if !c.waitClear(Control1, Srsthc, resetPolls) {
		return errResetTimeout
	}
	c.regs.Write(Control1, 0)

	if err := c.setClock(Initfreq); err != nil {
		return err
	}
	c.regs.Write(Irpten, 0)
	c.regs.Write(Irptmask, ^uint32(0))
	c.regs.Write(Interrupt, ^uint32(0))
	v := c.regs.Read(Slotisrver)
	trust.Debugf("emmc: host version %d vendor %d", (v>>16)&0xff, v>>24)
	return nil
}

func (c *Ctlr) Mode() mmcsd.TransportMode {
	return mmcsd.Native
}

// waitClear polls reg until bits read back as zero.
func (c *Ctlr) waitClear(reg, bits uint32, polls int) bool {
	for i := 0; i < polls; i++ {
		if c.regs.Read(reg)&bits == 0 {
			return true
		}
		c.wait(1)
	}
	return c.regs.Read(reg)&bits == 0
}

// waitSet polls the interrupt register until any of bits is set.
func (c *Ctlr) waitSet(bits uint32, polls int) uint32 {
	for i := 0; i < polls; i++ {
		if v := c.regs.Read(Interrupt); v&bits != 0 {
			return v
		}
		c.wait(1)
	}
	return c.regs.Read(Interrupt)
}

func (c *Ctlr) setClock(freq uint32) error {
	if freq == 0 {
		c.regs.Write(Control1, c.regs.Read(Control1)&^Clken)
		c.clock = 0
		return nil
	}
	div := c.extclk / (freq << 1)
	if div == 0 {
		div = 1
	}
	if c.extclk/(div<<1) > freq {
		div++
	}
	if div > 0x3ff {
		div = 0x3ff
	}
	c.regs.Write(Control1, clkdiv(div)|DTO<<Datatoshift|Clken|Clkintlen)
	for i := 0; i < clockPolls; i++ {
		if c.regs.Read(Control1)&Clkstable != 0 {
			c.clock = freq
			trust.Debugf("emmc: clock %dHz (divider %d)", freq, div)
			return nil
		}
		c.wait(1)
	}
	return errors.New("emmc: clock did not stabilize")
}

// SetIOConfig applies the clock, width and power state.  Chip select has
// no meaning on this controller.
func (c *Ctlr) SetIOConfig(cfg mmcsd.IOConfig) {
	if cfg.PowerMode == mmcsd.PowerOff {
		if c.powered {
			c.regs.Write(Control1, 0)
			c.clock = 0
			c.powered = false
		}
		return
	}
	c.powered = true

	if cfg.Clock != c.clock {
		if err := c.setClock(cfg.Clock); err != nil {
			trust.Errorf("%v: wanted %dHz", err, cfg.Clock)
		}
	}

	ctl0 := c.regs.Read(Control0) &^ (Dwidth4 | Hispeed)
	if cfg.BusWidth == mmcsd.BusWidth4 {
		ctl0 |= Dwidth4
	}
	if cfg.Clock > 25*Mhz {
		ctl0 |= Hispeed
	}
	c.regs.Write(Control0, ctl0)
}

// cmdtm encodes the command register value for cmd.
func cmdtm(cmd *mmcsd.Command, data *mmcsd.Data) uint32 {
	c := cmd.Index << Indexshift
	switch cmd.Flags.ResponseType() {
	case mmcsd.RespNone:
		c |= Respnone
	case mmcsd.RespR2:
		c |= Resp136
	case mmcsd.RespR1B:
		c |= Resp48busy | Ixchken | Crcchken
	case mmcsd.RespR3, mmcsd.RespR4:
		c |= Resp48
	default:
		c |= Resp48 | Ixchken | Crcchken
	}
	if data != nil {
		c |= Isdata
		if data.Flags&mmcsd.DataDirWrite == 0 {
			c |= Card2host
		} else {
			c |= Host2card
		}
		if data.Blocks > 1 {
			c |= Multiblock | Blkcnten
		}
	}
	return c
}

func commandError(i uint32) error {
	switch {
	case i&Ctoerr != 0:
		return mmcsd.CommandTimeout
	case i&Ccrcerr != 0:
		return mmcsd.CommandCRC
	case i&Err != 0:
		return mmcsd.BusError
	}
	return mmcsd.CommandTimeout
}

func dataError(i uint32) error {
	switch {
	case i&Dtoerr != 0:
		return mmcsd.DataTimeout
	case i&Dcrcerr != 0:
		return mmcsd.DataCRC
	case i&Err != 0:
		return mmcsd.BusError
	}
	return mmcsd.DataTimeout
}

func (c *Ctlr) resetCircuit(bit uint32) {
	c.regs.Write(Control1, c.regs.Read(Control1)|bit)
	if !c.waitClear(Control1, bit, resetPolls) {
		trust.Warnf("emmc: reset %x did not clear", bit)
	}
}

// Request runs one command and its data phase, if any, to completion.
func (c *Ctlr) Request(req *mmcsd.Request) {
	cmd := req.Cmd
	data := req.Data
	tm := cmdtm(cmd, data)

	if c.regs.Read(Status)&Cmdinhibit != 0 {
		trust.Infof("emmc: need to reset Cmdinhibit intr %x stat %x",
			c.regs.Read(Interrupt), c.regs.Read(Status))
		c.resetCircuit(Srstcmd)
	}
	if tm&Isdata != 0 || tm&Respmask == Resp48busy {
		if !c.waitClear(Status, Datinhibit, dataPolls) {
			c.resetCircuit(Srstdata)
		}
	}
	if data != nil {
		c.regs.Write(Blksizecnt, data.Blocks<<16|data.BlockSize)
	}

	c.regs.Write(Arg1, cmd.Arg)
	if i := c.regs.Read(Interrupt); i&everythingButCardIntr != 0 {
		if i != Cardinsert {
			trust.Debugf("emmc: before command, intr was %x", i)
		}
		c.regs.Write(Interrupt, i)
	}
	c.regs.Write(Cmdtm, tm)

	i := c.waitSet(Cmddone|Err, cmdPolls)
	if i&(Cmddone|Err) != Cmddone {
		if i&^(Cmddone|Err) != Ctoerr {
			trust.Infof("emmc: cmd %x arg %x error intr %x stat %x",
				tm, cmd.Arg, i, c.regs.Read(Status))
		}
		c.regs.Write(Interrupt, i)
		c.resetCircuit(Srstcmd)
		cmd.Err = commandError(i)
		return
	}
	c.regs.Write(Interrupt, i&(Cmddone|Err))

	switch tm & Respmask {
	case Resp136:
		// the controller drops the CRC byte, so everything is 8 bits low
		r0, r1 := c.regs.Read(Resp0), c.regs.Read(Resp1)
		r2, r3 := c.regs.Read(Resp2), c.regs.Read(Resp3)
		cmd.Resp[0] = r3<<8 | r2>>24
		cmd.Resp[1] = r2<<8 | r1>>24
		cmd.Resp[2] = r1<<8 | r0>>24
		cmd.Resp[3] = r0 << 8
	case Resp48, Resp48busy:
		cmd.Resp[0] = c.regs.Read(Resp0)
	}

	if tm&Respmask == Resp48busy {
		i = c.waitSet(Datadone|Err, dataPolls)
		if i&Datadone == 0 {
			trust.Errorf("emmc: no datadone after CMD%d", cmd.Index)
		}
		c.regs.Write(Interrupt, i)
	}

	if data != nil {
		c.transfer(cmd, data)
	}
}

// transfer moves the data phase through the FIFO, a word at a time.
func (c *Ctlr) transfer(cmd *mmcsd.Command, data *mmcsd.Data) {
	if data.Flags&mmcsd.DataDirWrite != 0 {
		data.Err = c.write(data)
	} else {
		data.Err = c.read(data)
	}
	if data.Err != nil {
		c.resetCircuit(Srstdata)
		return
	}
	i := c.waitSet(Datadone|Err, dataPolls)
	c.regs.Write(Interrupt, i)
	if i&(Datadone|Err) != Datadone {
		trust.Errorf("emmc: no datadone after CMD%d, intr %x", cmd.Index, i)
		data.Err = dataError(i)
	}
}

func (c *Ctlr) read(data *mmcsd.Data) error {
	buf := data.Buf[:data.Len()]
	for blk := uint32(0); blk < data.Blocks; blk++ {
		i := c.waitSet(Readrdy|Err, dataPolls)
		if i&(Readrdy|Err) != Readrdy {
			c.regs.Write(Interrupt, i)
			return dataError(i)
		}
		c.regs.Write(Interrupt, Readrdy)
		b := buf[blk*data.BlockSize : (blk+1)*data.BlockSize]
		for n := 0; n+4 <= len(b); n += 4 {
			w := c.regs.Read(Data)
			b[n] = byte(w)
			b[n+1] = byte(w >> 8)
			b[n+2] = byte(w >> 16)
			b[n+3] = byte(w >> 24)
		}
		data.BytesXfered += data.BlockSize
	}
	return nil
}

func (c *Ctlr) write(data *mmcsd.Data) error {
	buf := data.Buf[:data.Len()]
	for blk := uint32(0); blk < data.Blocks; blk++ {
		i := c.waitSet(Writerdy|Err, dataPolls)
		if i&(Writerdy|Err) != Writerdy {
			c.regs.Write(Interrupt, i)
			return dataError(i)
		}
		c.regs.Write(Interrupt, Writerdy)
		b := buf[blk*data.BlockSize : (blk+1)*data.BlockSize]
		for n := 0; n+4 <= len(b); n += 4 {
			c.regs.Write(Data, uint32(b[n])|uint32(b[n+1])<<8|uint32(b[n+2])<<16|uint32(b[n+3])<<24)
		}
		data.BytesXfered += data.BlockSize
	}
	return nil
}
