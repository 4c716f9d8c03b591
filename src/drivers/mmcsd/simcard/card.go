// Package simcard emulates an SD card well enough to run the bring-up
// sequence against, in either bus personality, and records every command
// it is sent.
package simcard

import (
	"fmt"

	"mmcsd/src/drivers/mmcsd"
)

// State is the card state machine as the SD physical layer names it.
type State int

const (
	StateIdle State = iota
	StateReady
	StateIdent
	StateStandby
	StateTransfer
	StateInactive
)

var stateNames = [...]string{"idle", "ready", "ident", "stby", "tran", "ina"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Op is one command as the card saw it.
type Op struct {
	Index uint32
	Arg   uint32
	App   bool
}

func (o Op) String() string {
	if o.App {
		return fmt.Sprintf("ACMD%d(%08x)", o.Index, o.Arg)
	}
	return fmt.Sprintf("CMD%d(%08x)", o.Index, o.Arg)
}

// Response is what the card puts on the bus for one command.
type Response struct {
	// Words is the native response; R2 uses all four, the rest only
	// Words[0].
	Words [4]uint32
	// R1 and Extra are the byte-serial response: the R1 byte and the four
	// bytes that follow it for R3 and R7.
	R1    byte
	Extra uint32
	// Data is the block that follows, nil if there is none.
	Data []byte
	// Err is set when a native card does not answer at all.
	Err error
}

// Card is a scripted SD card.  Fill in the exported fields, then hand it to
// a Controller or an SPI.
type Card struct {
	CID [4]uint32
	CSD [4]uint32
	SCR [2]uint32
	// OCR holds the voltage windows; the busy and CCS bits are added by the
	// card.
	OCR uint32
	// HighCapacity makes the card report CCS when the host sent HCS.
	HighCapacity bool
	// RCA is published in response to CMD3.
	RCA uint16
	// V1 cards don't know CMD8.
	V1 bool
	// BusyPolls is how many initializing ACMD41s are answered busy.
	BusyPolls int
	// HighSpeed is advertised in function group 1 of CMD6.
	HighSpeed bool
	// RefuseSwitch makes the card decline the high-speed switch even
	// though it advertised it.
	RefuseSwitch bool
	// DropAppCmd makes the card answer CMD55 without setting APP_CMD.
	DropAppCmd bool

	Log []Op

	spi          bool
	state        State
	app          bool
	polls        int
	ready        bool
	crc          bool
	width4       bool
	highSpeedOn  bool
	blockLen     uint32
	published    bool
	lastInitArgs uint32
}

// NewSDHC returns a 32GB high capacity card that supports everything the
// bring-up can use.
func NewSDHC() *Card {
	return &Card{
		CID:          CID(0x03, "SU32G", 0x0badcafe),
		CSD:          HighCapacityCSD(65535, 0x32),
		SCR:          SCR(mmcsd.SCRSpecVer2, mmcsd.SCRBusWidth1|mmcsd.SCRBusWidth4),
		OCR:          0x00ff8000,
		HighCapacity: true,
		RCA:          0x1234,
		BusyPolls:    2,
		HighSpeed:    true,
	}
}

// NewSDSC returns a 1.x standard capacity card: no CMD8, no CMD6 and a
// one bit bus.
func NewSDSC() *Card {
	return &Card{
		CID: CID(0x1d, "SD128", 0x00001234),
		// 4095+1 << 5 blocks of 1024 bytes is 128MB
		CSD:       StandardCSD(4095, 3, 10, 0x32, 0x26, 0),
		SCR:       SCR(mmcsd.SCRSpecVer0, mmcsd.SCRBusWidth1),
		OCR:       0x00ff8000,
		RCA:       0x0001,
		V1:        true,
		BusyPolls: 1,
	}
}

// SetSPI picks the personality the card answers in.
func (c *Card) SetSPI(on bool) {
	c.spi = on
}

func (c *Card) State() State      { return c.state }
func (c *Card) CRCEnabled() bool  { return c.crc }
func (c *Card) Width4() bool      { return c.width4 }
func (c *Card) HighSpeedOn() bool { return c.highSpeedOn }
func (c *Card) BlockLen() uint32  { return c.blockLen }

// Count returns how many times a command was received.
func (c *Card) Count(index uint32, app bool) int {
	n := 0
	for _, op := range c.Log {
		if op.Index == index && op.App == app {
			n++
		}
	}
	return n
}

// Ops returns the log rendered one command per entry, handy for test
// failure messages.
func (c *Card) Ops() []string {
	s := make([]string, len(c.Log))
	for i, op := range c.Log {
		s[i] = op.String()
	}
	return s
}

func (c *Card) reset() {
	c.state = StateIdle
	c.app = false
	c.polls = 0
	c.ready = false
	c.crc = false
	c.width4 = false
	c.highSpeedOn = false
	c.blockLen = 512
	c.published = false
}

// status is the native R1 card status for the current state.
func (c *Card) status() uint32 {
	st := uint32(c.state)
	if c.state == StateInactive {
		st = 0
	}
	s := st << 9
	if c.state == StateTransfer {
		s |= mmcsd.R1ReadyForData
	}
	if c.app {
		s |= mmcsd.R1AppCmd
	}
	return s
}

func (c *Card) r1() byte {
	if !c.ready {
		return mmcsd.R1SPIIdle
	}
	return 0
}

func (c *Card) illegal() Response {
	if c.spi {
		return Response{R1: c.r1() | mmcsd.R1SPIIllegalCmd}
	}
	return Response{Err: mmcsd.CommandTimeout}
}

func (c *Card) silent() Response {
	return Response{Err: mmcsd.CommandTimeout, R1: 0xff}
}

func (c *Card) ok() Response {
	if c.spi {
		return Response{R1: c.r1()}
	}
	return Response{Words: [4]uint32{c.status()}}
}

func (c *Card) ocr() uint32 {
	ocr := c.OCR & mmcsd.OCRVoltageMask
	if c.ready {
		ocr |= mmcsd.OCRBusy
		if c.HighCapacity && c.lastInitArgs&mmcsd.OCRHighCapacity != 0 {
			ocr |= mmcsd.OCRHighCapacity
		}
	}
	return ocr
}

// Command runs one command through the card and returns what it answers.
func (c *Card) Command(index, arg uint32) Response {
	app := c.app
	c.app = false
	c.Log = append(c.Log, Op{Index: index, Arg: arg, App: app})

	if c.state == StateInactive && index != mmcsd.GoIdleState {
		return c.silent()
	}
	if app {
		if r, ok := c.appCommand(index, arg); ok {
			return r
		}
	}

	switch index {
	case mmcsd.GoIdleState:
		c.reset()
		if c.spi {
			return Response{R1: mmcsd.R1SPIIdle}
		}
		return Response{}

	case mmcsd.SendIfCond:
		if c.V1 {
			return c.illegal()
		}
		echo := arg & 0xfff
		if c.spi {
			return Response{R1: c.r1(), Extra: echo}
		}
		return Response{Words: [4]uint32{echo}}

	case mmcsd.AppCmd:
		if !c.spi && c.published && arg>>16 != 0 && uint16(arg>>16) != c.RCA {
			return c.silent()
		}
		c.app = !c.DropAppCmd
		return c.ok()

	case mmcsd.AllSendCID:
		if c.spi {
			return c.illegal()
		}
		if c.state != StateReady {
			return c.silent()
		}
		c.state = StateIdent
		return Response{Words: c.CID}

	case mmcsd.SendRelativeAddr:
		if c.spi {
			return c.illegal()
		}
		if c.state != StateIdent && c.state != StateStandby {
			return c.silent()
		}
		status := c.status()
		c.state = StateStandby
		c.published = true
		// R6 folds bits 23, 22, 19 and 12..0 of the status
		r6 := status&0x1fff | (status>>22&3)<<14 | (status>>19&1)<<13
		return Response{Words: [4]uint32{uint32(c.RCA)<<16 | r6}}

	case mmcsd.SendCSD, mmcsd.SendCID:
		reg := c.CSD
		if index == mmcsd.SendCID {
			reg = c.CID
		}
		if c.spi {
			return Response{R1: c.r1(), Data: Reg128(reg).Bytes()}
		}
		if c.state != StateStandby || uint16(arg>>16) != c.RCA {
			return c.silent()
		}
		return Response{Words: reg}

	case mmcsd.SelectCard:
		if c.spi {
			return c.illegal()
		}
		rca := uint16(arg >> 16)
		if rca != c.RCA || !c.published {
			if c.state == StateTransfer {
				c.state = StateStandby
			}
			// deselect has no response
			return c.silent()
		}
		r := c.ok()
		c.state = StateTransfer
		return r

	case mmcsd.SDSwitch:
		return c.switchFunction(arg)

	case mmcsd.SendStatus:
		if c.spi {
			return Response{R1: c.r1()}
		}
		if uint16(arg>>16) != c.RCA {
			return c.silent()
		}
		return c.ok()

	case mmcsd.SetBlockLen:
		if arg == 0 || arg > 2048 {
			if c.spi {
				return Response{R1: c.r1() | mmcsd.R1SPIParameter}
			}
			return Response{Words: [4]uint32{c.status() | 1<<29}}
		}
		c.blockLen = arg
		return c.ok()

	case mmcsd.SPIReadOCR:
		if !c.spi {
			return c.illegal()
		}
		return Response{R1: c.r1(), Extra: c.ocr()}

	case mmcsd.SPICRCOnOff:
		if !c.spi {
			return c.illegal()
		}
		c.crc = arg&1 != 0
		return Response{R1: c.r1()}
	}
	return c.illegal()
}

// appCommand handles the commands that only exist after CMD55.  ok is false
// for indexes that fall through to the standard set.
func (c *Card) appCommand(index, arg uint32) (Response, bool) {
	switch index {
	case mmcsd.AppSendOpCond:
		return c.opCond(arg), true

	case mmcsd.AppSendSCR:
		if !c.spi && c.state != StateTransfer {
			return c.silent(), true
		}
		b := make([]byte, 8)
		for i, w := range c.SCR {
			b[i*4] = byte(w >> 24)
			b[i*4+1] = byte(w >> 16)
			b[i*4+2] = byte(w >> 8)
			b[i*4+3] = byte(w)
		}
		r := c.ok()
		r.Data = b
		return r, true

	case mmcsd.AppSetBusWidth:
		if c.spi {
			return c.illegal(), true
		}
		switch arg & 3 {
		case 0:
			c.width4 = false
		case 2:
			c.width4 = true
		default:
			return Response{Words: [4]uint32{c.status() | 1<<31}}, true
		}
		return c.ok(), true
	}
	return Response{}, false
}

func (c *Card) opCond(arg uint32) Response {
	if c.state != StateIdle && c.state != StateReady {
		return c.silent()
	}
	// an inquiry: report the windows and do nothing else
	if arg&mmcsd.OCRVoltageMask == 0 && !c.spi {
		return Response{Words: [4]uint32{c.ocr()}}
	}
	if !c.spi && arg&c.OCR&mmcsd.OCRVoltageMask == 0 {
		c.state = StateInactive
		return c.silent()
	}
	c.lastInitArgs = arg
	c.polls++
	if c.polls > c.BusyPolls {
		c.ready = true
		c.state = StateReady
	}
	if c.spi {
		return Response{R1: c.r1()}
	}
	return Response{Words: [4]uint32{c.ocr()}}
}

// switchFunction answers CMD6 with a 64 byte status block.  Only function
// group 1 is modelled.
func (c *Card) switchFunction(arg uint32) Response {
	if c.SCR[0]>>24&0xf < mmcsd.SCRSpecVer1 {
		return c.illegal()
	}
	if !c.spi && c.state != StateTransfer {
		return c.silent()
	}
	status := make([]byte, 64)
	// group 1 support: default always, high speed if we have it
	status[13] = 0x01
	if c.HighSpeed {
		status[13] |= 0x02
	}
	fn := arg & 0xf
	result := byte(0xf)
	switch {
	case fn == 0xf:
		result = 0
	case fn == 0:
		result = 0
	case fn == 1 && c.HighSpeed:
		result = 1
	}
	if arg&(1<<31) != 0 {
		if result == 1 && c.RefuseSwitch {
			result = 0xf
		}
		if result != 0xf {
			c.highSpeedOn = result == 1
		}
	}
	status[16] = result
	r := c.ok()
	r.Data = status
	return r
}
