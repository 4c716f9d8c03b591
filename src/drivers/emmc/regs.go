package emmc

// Broadcom's SD host, as found on the Raspberry Pi.  The register layout
// follows the SD host controller standard loosely; offsets are in bytes.
const (
	PeripheralBase = 0x3f000000
	RegisterBase   = PeripheralBase + 0x300000
	RegisterSize   = 0x100
)

const (
	Mhz      = 1000000
	Extfreq  = 100 * Mhz // assumed when firmware does not tell us
	Initfreq = 400000
	DTO      = 14 // data timeout exponent (guesswork)
)

const (
	Arg2       = 0x00
	Blksizecnt = 0x04
	Arg1       = 0x08
	Cmdtm      = 0x0c
	Resp0      = 0x10
	Resp1      = 0x14
	Resp2      = 0x18
	Resp3      = 0x1c
	Data       = 0x20
	Status     = 0x24
	Control0   = 0x28
	Control1   = 0x2c
	Interrupt  = 0x30
	Irptmask   = 0x34
	Irpten     = 0x38
	Control2   = 0x3c
	Slotisrver = 0xfc
)

// Control0
const (
	Hispeed = 1 << 2
	Dwidth4 = 1 << 1
)

// Control1
const (
	Srstdata        = 1 << 26 // reset data circuit
	Srstcmd         = 1 << 25 // reset command circuit
	Srsthc          = 1 << 24 // reset complete host controller
	Datatoshift     = 16      // data timeout unit exponent
	Clkfreq8shift   = 8       // SD clock base divider LSBs
	Clkfreq8mask    = 0xff00
	Clkfreqms2shift = 6 // SD clock base divider MSBs
	Clkfreqms2mask  = 0xc0
	Clken           = 1 << 2 // SD clock enable
	Clkstable       = 1 << 1
	Clkintlen       = 1 << 0 // enable internal EMMC clocks
)

// Cmdtm
const (
	Indexshift = 24
	Isdata     = 1 << 21
	Ixchken    = 1 << 20
	Crcchken   = 1 << 19
	Respmask   = 3 << 16
	Respnone   = 0 << 16
	Resp136    = 1 << 16
	Resp48     = 2 << 16
	Resp48busy = 3 << 16
	Multiblock = 1 << 5
	Host2card  = 0 << 4
	Card2host  = 1 << 4
	Blkcnten   = 1 << 1
)

// Interrupt
const (
	Dcrcerr    = 1 << 21
	Dtoerr     = 1 << 20
	Ccrcerr    = 1 << 17
	Ctoerr     = 1 << 16
	Err        = 1 << 15
	Cardintr   = 1 << 8
	Cardinsert = 1 << 6 // not in Broadcom datasheet
	Readrdy    = 1 << 5
	Writerdy   = 1 << 4
	Datadone   = 1 << 1
	Cmddone    = 1 << 0
)

// Status, which natch the documentation says to not use
const (
	Datinhibit = 1 << 1
	Cmdinhibit = 1 << 0
)

// Registers is the controller's register window.
type Registers interface {
	Read(off uint32) uint32
	Write(off uint32, v uint32)
}

func clkdiv(d uint32) uint32 {
	v := (d << Clkfreq8shift) & Clkfreq8mask
	v |= ((d >> 8) << Clkfreqms2shift) & Clkfreqms2mask
	return v
}
