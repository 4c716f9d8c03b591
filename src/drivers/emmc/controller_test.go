package emmc

import (
	"testing"
	"time"

	"mmcsd/src/drivers/mmcsd"
	"mmcsd/src/drivers/mmcsd/simcard"
)

// fakeRegs is the EMMC register file with a simulated card behind it.
type fakeRegs struct {
	card *simcard.Card
	r    map[uint32]uint32
	fifo []byte
}

func newFakeRegs(card *simcard.Card) *fakeRegs {
	return &fakeRegs{card: card, r: map[uint32]uint32{Slotisrver: 0x99020000}}
}

func (f *fakeRegs) Read(off uint32) uint32 {
	switch off {
	case Data:
		var w uint32
		for i := 0; i < 4 && len(f.fifo) > 0; i++ {
			w |= uint32(f.fifo[0]) << (8 * i)
			f.fifo = f.fifo[1:]
		}
		if len(f.fifo) == 0 {
			f.r[Interrupt] |= Datadone
		}
		return w
	case Control1:
		v := f.r[Control1]
		if v&Clken != 0 {
			v |= Clkstable
		}
		return v
	}
	return f.r[off]
}

func (f *fakeRegs) Write(off uint32, v uint32) {
	switch off {
	case Interrupt:
		f.r[Interrupt] &^= v
	case Control1:
		f.r[Control1] = v &^ (Srsthc | Srstcmd | Srstdata)
	case Cmdtm:
		f.command(v)
	default:
		f.r[off] = v
	}
}

func (f *fakeRegs) command(tm uint32) {
	if f.card == nil {
		f.r[Interrupt] |= Err | Ctoerr
		return
	}
	resp := f.card.Command(tm>>Indexshift, f.r[Arg1])
	if resp.Err != nil {
		f.r[Interrupt] |= Err | Ctoerr
		return
	}
	w := resp.Words
	switch tm & Respmask {
	case Resp136:
		f.r[Resp3] = w[0] >> 8
		f.r[Resp2] = w[1]>>8 | w[0]<<24
		f.r[Resp1] = w[2]>>8 | w[1]<<24
		f.r[Resp0] = w[3]>>8 | w[2]<<24
	case Resp48, Resp48busy:
		f.r[Resp0] = w[0]
	}
	f.r[Interrupt] |= Cmddone
	if tm&Respmask == Resp48busy {
		f.r[Interrupt] |= Datadone
	}
	if tm&Isdata != 0 {
		if resp.Data == nil {
			f.r[Interrupt] |= Err | Dtoerr
			return
		}
		f.fifo = append([]byte(nil), resp.Data...)
		f.r[Interrupt] |= Readrdy
	}
}

func noDelay(time.Duration) {}

type nullBlock struct{}

func (nullBlock) Probe(*mmcsd.Card) error { return nil }
func (nullBlock) Remove(*mmcsd.Card)      {}

func TestBringUpThroughRegisters(t *testing.T) {
	card := simcard.NewSDHC()
	regs := newFakeRegs(card)
	c := New(regs, Config{Delay: noDelay})
	if err := c.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	h := mmcsd.NewHost(c, mmcsd.HostConfig{Caps: mmcsd.CapBusWidth4 | mmcsd.CapHighSpeed, Delay: noDelay})
	if err := mmcsd.Probe(h, nullBlock{}); err != nil {
		t.Fatalf("bring up failed: %v\n%v", err, card.Ops())
	}

	h.Lock()
	got := h.Card()
	h.Unlock()
	if got.RCA != 0x1234 {
		t.Errorf("expected rca 1234, got %04x", got.RCA)
	}
	if got.CapacityKB != 33554432 {
		t.Errorf("expected 33554432KB, got %d", got.CapacityKB)
	}
	// the controller strips the CRC byte of a long response
	want := card.CID
	want[3] &^= 0xff
	if got.CID != want {
		t.Errorf("CID read as %08x, expected %08x", got.CID, want)
	}
	ctl0 := regs.r[Control0]
	if ctl0&Dwidth4 == 0 {
		t.Errorf("controller not switched to 4 bit bus")
	}
	if ctl0&Hispeed == 0 {
		t.Errorf("controller not switched to high speed timing")
	}
	if div := regs.r[Control1] & (Clkfreq8mask | Clkfreqms2mask); div != clkdiv(1) {
		t.Errorf("expected divider 1 for 50MHz, got control1 %x", regs.r[Control1])
	}
}

func TestClockDivider(t *testing.T) {
	cases := []struct {
		freq uint32
		div  uint32
	}{
		{400000, 125},
		{100000, 500},
		{25 * Mhz, 2},
		{30 * Mhz, 2},
		{50 * Mhz, 1},
		{200 * Mhz, 1},
	}
	for _, tc := range cases {
		regs := newFakeRegs(nil)
		c := New(regs, Config{ExtClock: Extfreq, Delay: noDelay})
		c.SetIOConfig(mmcsd.IOConfig{PowerMode: mmcsd.PowerOn, Clock: tc.freq})
		got := regs.r[Control1] & (Clkfreq8mask | Clkfreqms2mask)
		if got != clkdiv(tc.div) {
			t.Errorf("%dHz: expected divider %d (%x), got %x", tc.freq, tc.div, clkdiv(tc.div), got)
		}
		if regs.r[Control1]&Clken == 0 {
			t.Errorf("%dHz: clock not enabled", tc.freq)
		}
	}
	if v := clkdiv(500); v != 0xf440 {
		t.Errorf("clkdiv(500) should split into f4 and 1, got %x", v)
	}
}

func TestPowerOffStopsClock(t *testing.T) {
	regs := newFakeRegs(nil)
	c := New(regs, Config{Delay: noDelay})
	c.SetIOConfig(mmcsd.IOConfig{PowerMode: mmcsd.PowerOn, Clock: Initfreq})
	c.SetIOConfig(mmcsd.IOConfig{PowerMode: mmcsd.PowerOff})
	if regs.r[Control1] != 0 {
		t.Errorf("control1 should be cleared on power off, got %x", regs.r[Control1])
	}
}

func TestCmdtmEncoding(t *testing.T) {
	read1 := &mmcsd.Data{BlockSize: 512, Blocks: 1, Flags: mmcsd.DataDirRead}
	readN := &mmcsd.Data{BlockSize: 512, Blocks: 8, Flags: mmcsd.DataDirRead}
	write1 := &mmcsd.Data{BlockSize: 512, Blocks: 1, Flags: mmcsd.DataDirWrite}
	cases := []struct {
		cmd  mmcsd.Command
		data *mmcsd.Data
		want uint32
	}{
		{mmcsd.Command{Index: 0, Flags: mmcsd.RespNone | mmcsd.CmdBC}, nil, 0},
		{mmcsd.Command{Index: 2, Flags: mmcsd.RespR2 | mmcsd.CmdBCR}, nil, 2<<Indexshift | Resp136},
		{mmcsd.Command{Index: 7, Flags: mmcsd.RespR1B | mmcsd.CmdAC}, nil, 7<<Indexshift | Resp48busy | Ixchken | Crcchken},
		{mmcsd.Command{Index: 41, Flags: mmcsd.RespR3 | mmcsd.CmdBCR}, nil, 41<<Indexshift | Resp48},
		{mmcsd.Command{Index: 17, Flags: mmcsd.RespR1 | mmcsd.CmdADTC}, read1,
			17<<Indexshift | Resp48 | Ixchken | Crcchken | Isdata | Card2host},
		{mmcsd.Command{Index: 18, Flags: mmcsd.RespR1 | mmcsd.CmdADTC}, readN,
			18<<Indexshift | Resp48 | Ixchken | Crcchken | Isdata | Card2host | Multiblock | Blkcnten},
		{mmcsd.Command{Index: 24, Flags: mmcsd.RespR1 | mmcsd.CmdADTC}, write1,
			24<<Indexshift | Resp48 | Ixchken | Crcchken | Isdata | Host2card},
	}
	for _, tc := range cases {
		cmd := tc.cmd
		if got := cmdtm(&cmd, tc.data); got != tc.want {
			t.Errorf("CMD%d: expected %08x, got %08x", cmd.Index, tc.want, got)
		}
	}
}

func TestEmptySlotTimesOut(t *testing.T) {
	regs := newFakeRegs(nil)
	c := New(regs, Config{Delay: noDelay})
	cmd := &mmcsd.Command{Index: mmcsd.SendIfCond, Arg: 0x1aa, Flags: mmcsd.RespR7 | mmcsd.CmdBCR}
	c.Request(&mmcsd.Request{Cmd: cmd})
	if cmd.Err != mmcsd.CommandTimeout {
		t.Errorf("expected CommandTimeout, got %v", cmd.Err)
	}
	if regs.r[Interrupt] != 0 {
		t.Errorf("error interrupts left pending: %x", regs.r[Interrupt])
	}
}
