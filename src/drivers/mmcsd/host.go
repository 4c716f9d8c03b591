package mmcsd

import (
	"sync"
	"time"

	"mmcsd/src/lib/trust"
)

// TransportMode is the personality of the command bus.  It is fixed by the
// controller when the Host is built.
type TransportMode int

const (
	Native TransportMode = iota
	ByteSerial
)

func (m TransportMode) String() string {
	if m == ByteSerial {
		return "byte-serial"
	}
	return "native"
}

type BusMode int

const (
	BusModeOpenDrain BusMode = 1
	BusModePushPull  BusMode = 2
)

type ChipSelect int

const (
	ChipSelectIgnore ChipSelect = 0
	ChipSelectHigh   ChipSelect = 1
	ChipSelectLow    ChipSelect = 2
)

type PowerMode int

const (
	PowerOff PowerMode = 0
	PowerUp  PowerMode = 1
	PowerOn  PowerMode = 2
)

// BusWidth values double as the ACMD6 argument.
type BusWidth uint32

const (
	BusWidth1 BusWidth = 0
	BusWidth4 BusWidth = 2
	BusWidth8 BusWidth = 3
)

// Lines is the number of data lines the width uses.
func (w BusWidth) Lines() int {
	switch w {
	case BusWidth4:
		return 4
	case BusWidth8:
		return 8
	}
	return 1
}

// IOConfig is the electrical state the controller is asked to hold.
type IOConfig struct {
	Clock      uint32
	Vdd        uint32 // bit index into the OCR
	BusMode    BusMode
	ChipSelect ChipSelect
	PowerMode  PowerMode
	BusWidth   BusWidth
}

// Controller is the transport below the core.  Request is synchronous: when
// it returns, req.Cmd.Resp, req.Cmd.Err and (if present) req.Data.Err are
// filled in.
type Controller interface {
	Mode() TransportMode
	Request(req *Request)
	SetIOConfig(cfg IOConfig)
}

type HostCaps uint32

const (
	CapBusWidth4 HostCaps = 1 << 0
	CapBusWidth8 HostCaps = 1 << 1
	CapHighSpeed HostCaps = 1 << 2
)

type HostConfig struct {
	Name          string
	ValidOCR      uint32
	FreqMin       uint32
	FreqMax       uint32
	Caps          HostCaps
	MaxBlockSize  uint32
	MaxBlockCount uint32
	MaxSegSize    uint32
	MaxDMASegs    uint32
	Allocator     CardAllocator
	// Delay is how the host waits; time.Sleep when nil
	Delay func(time.Duration)
}

// Host is one slot: a controller, what it can do and the card (if any)
// currently bound to it.  The bus lock covers every field below it.
type Host struct {
	Name          string
	ValidOCR      uint32
	FreqMin       uint32
	FreqMax       uint32
	Caps          HostCaps
	MaxBlockSize  uint32
	MaxBlockCount uint32
	MaxSegSize    uint32
	MaxDMASegs    uint32

	ctrl  Controller
	mode  TransportMode
	alloc CardAllocator
	delay func(time.Duration)

	busLock sync.Mutex
	io      IOConfig
	spiCRC  bool
	card    *Card
}

const (
	defaultFreqMin = 400000
	defaultFreqMax = 50000000
)

func NewHost(ctrl Controller, cfg HostConfig) *Host {
	h := &Host{
		Name:          cfg.Name,
		ValidOCR:      cfg.ValidOCR,
		FreqMin:       cfg.FreqMin,
		FreqMax:       cfg.FreqMax,
		Caps:          cfg.Caps,
		MaxBlockSize:  cfg.MaxBlockSize,
		MaxBlockCount: cfg.MaxBlockCount,
		MaxSegSize:    cfg.MaxSegSize,
		MaxDMASegs:    cfg.MaxDMASegs,
		ctrl:          ctrl,
		mode:          ctrl.Mode(),
		alloc:         cfg.Allocator,
		delay:         cfg.Delay,
	}
	if h.Name == "" {
		h.Name = "sdio0"
	}
	if h.ValidOCR == 0 {
		h.ValidOCR = VDD32To33 | VDD33To34
	}
	if h.FreqMin == 0 {
		h.FreqMin = defaultFreqMin
	}
	if h.FreqMax == 0 {
		h.FreqMax = defaultFreqMax
	}
	if h.MaxSegSize == 0 {
		h.MaxSegSize = 65535
	}
	if h.MaxDMASegs == 0 {
		h.MaxDMASegs = 1
	}
	if h.MaxBlockSize == 0 {
		h.MaxBlockSize = 512
	}
	if h.MaxBlockCount == 0 {
		h.MaxBlockCount = 4096
	}
	if h.alloc == nil {
		h.alloc = NewCardPool(1)
	}
	if h.delay == nil {
		h.delay = time.Sleep
	}
	return h
}

func (h *Host) Lock()   { h.busLock.Lock() }
func (h *Host) Unlock() { h.busLock.Unlock() }

// IsByteSerial reports whether the controller runs the SPI-like protocol.
func (h *Host) IsByteSerial() bool {
	return h.mode == ByteSerial
}

func (h *Host) Mode() TransportMode {
	return h.mode
}

// Card returns the card bound to the slot, nil if the slot is empty.  The
// caller holds the bus lock.
func (h *Host) Card() *Card {
	return h.card
}

// IOConfig returns the last configuration handed to the controller.
func (h *Host) IOConfig() IOConfig {
	return h.io
}

func (h *Host) delayMs(ms int) {
	h.delay(time.Duration(ms) * time.Millisecond)
}

func (h *Host) setIOConfig() {
	trust.Debugf("%s: clock %dHz busmode %d powermode %d cs %d vdd %d width %d",
		h.Name, h.io.Clock, h.io.BusMode, h.io.PowerMode, h.io.ChipSelect,
		h.io.Vdd, h.io.BusWidth.Lines())
	h.ctrl.SetIOConfig(h.io)
}

func (h *Host) setChipSelect(cs ChipSelect) {
	h.io.ChipSelect = cs
	h.setIOConfig()
}

// setClock programs the bus clock, never above what the host can drive.
func (h *Host) setClock(clk uint32) {
	if clk < h.FreqMin {
		trust.Warnf("%s: clock %dHz is below the host minimum %dHz", h.Name, clk, h.FreqMin)
	}
	if clk > h.FreqMax {
		clk = h.FreqMax
	}
	h.io.Clock = clk
	h.setIOConfig()
}

func (h *Host) setBusMode(mode BusMode) {
	h.io.BusMode = mode
	h.setIOConfig()
}

func (h *Host) setBusWidth(width BusWidth) {
	h.io.BusWidth = width
	h.setIOConfig()
}

// selectVoltage narrows ocr to the lowest window the host also supports
// (plus the one above it) and powers the bus at that window.  Zero means
// no overlap.
func (h *Host) selectVoltage(ocr uint32) uint32 {
	chosen, bit, ok := lowestVoltage(ocr, h.ValidOCR)
	if !ok {
		trust.Warnf("%s: host doesn't support card's voltages (ocr %08x, host %08x)",
			h.Name, ocr, h.ValidOCR)
		return 0
	}
	h.io.Vdd = uint32(bit)
	h.setIOConfig()
	return chosen
}

func (h *Host) powerUp() {
	h.io.Vdd = uint32(highestVoltage(h.ValidOCR))
	if h.IsByteSerial() {
		h.io.ChipSelect = ChipSelectHigh
		h.io.BusMode = BusModePushPull
	} else {
		h.io.ChipSelect = ChipSelectIgnore
		h.io.BusMode = BusModeOpenDrain
	}
	h.io.PowerMode = PowerUp
	h.io.BusWidth = BusWidth1
	h.setIOConfig()

	// supply ramp
	h.delayMs(10)

	h.io.Clock = h.FreqMin
	h.io.PowerMode = PowerOn
	h.setIOConfig()

	// at least 74 clocks before the first command
	h.delayMs(10)
}

func (h *Host) powerOff() {
	h.io.Clock = 0
	h.io.Vdd = 0
	if !h.IsByteSerial() {
		h.io.BusMode = BusModeOpenDrain
		h.io.ChipSelect = ChipSelectIgnore
	}
	h.io.PowerMode = PowerOff
	h.io.BusWidth = BusWidth1
	h.setIOConfig()
}

// SendRequest hands req to the controller, re-issuing it while the command
// fails and it has retries left.
func (h *Host) SendRequest(req *Request) {
	cmd := req.Cmd
	for {
		cmd.Retries--
		cmd.Err = nil
		cmd.Data = req.Data
		if req.Data != nil {
			req.Data.Err = nil
			req.Data.BytesXfered = 0
		}
		if req.Stop != nil {
			req.Stop.Err = nil
		}
		h.ctrl.Request(req)
		if cmd.Err == nil || cmd.Retries <= 0 {
			return
		}
	}
}

// SendCommand issues a command with no data, returning the controller's
// error as is.
func (h *Host) SendCommand(cmd *Command, retries int) error {
	cmd.Resp = [4]uint32{}
	cmd.Retries = retries
	cmd.Data = nil
	h.SendRequest(&Request{Cmd: cmd})
	return cmd.Err
}
