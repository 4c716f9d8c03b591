package mmcsd

// standard commands
const (
	GoIdleState      = 0  // bc
	AllSendCID       = 2  // bcr  R2
	SendRelativeAddr = 3  // bcr  R6
	SDSwitch         = 6  // adtc R1
	SelectCard       = 7  // ac   R1b
	SendIfCond       = 8  // bcr  R7
	SendCSD          = 9  // ac   R2
	SendCID          = 10 // ac   R2
	StopTransmission = 12 // ac   R1b
	SendStatus       = 13 // ac   R1
	SetBlockLen      = 16 // ac   R1
	AppCmd           = 55 // ac   R1
	SPIReadOCR       = 58 // spi  R3
	SPICRCOnOff      = 59 // spi  R1
)

// application commands, only valid after AppCmd
const (
	AppSetBusWidth = 6  // ac   R1
	AppSendOpCond  = 41 // bcr  R3
	AppSendSCR     = 51 // adtc R1
)

// R1 card status bits, native mode
const (
	R1AppCmd        = 1 << 5
	R1ReadyForData  = 1 << 8
	R1IllegalCmd    = 1 << 22
	R1ComCRCError   = 1 << 23
	R1CurrentState  = 0xf << 9
	R1ErrorsMask    = 0xfff9c004
	R6StatusErrors  = 0xe000
	R6CardStatusLow = 0x1fff
)

// R1 bits as seen on the byte-serial bus, one byte
const (
	R1SPIIdle          = 1 << 0
	R1SPIEraseReset    = 1 << 1
	R1SPIIllegalCmd    = 1 << 2
	R1SPIComCRC        = 1 << 3
	R1SPIEraseSequence = 1 << 4
	R1SPIAddress       = 1 << 5
	R1SPIParameter     = 1 << 6
)

// CMD6 arguments: query or set function group 1 to high speed
const (
	SwitchCheckHighSpeed = 0x00FFFFF1
	SwitchSetHighSpeed   = 0x80FFFFF1
	switchStatusSize     = 64
)

// IfCondCheckPattern is echoed back by an SD 2.0 card in response to CMD8.
const IfCondCheckPattern = 0xAA

// CommandFlags carries the native response type, the byte-serial response
// type and the command class of a command.
type CommandFlags uint32

const (
	RespNone CommandFlags = 0
	RespR1   CommandFlags = 1
	RespR1B  CommandFlags = 2
	RespR2   CommandFlags = 3
	RespR3   CommandFlags = 4
	RespR4   CommandFlags = 5
	RespR5   CommandFlags = 6
	RespR6   CommandFlags = 7
	RespR7   CommandFlags = 8
	RespMask CommandFlags = 0xf

	CmdAC   CommandFlags = 0 << 4
	CmdADTC CommandFlags = 1 << 4
	CmdBC   CommandFlags = 2 << 4
	CmdBCR  CommandFlags = 3 << 4
	CmdMask CommandFlags = 3 << 4

	RespSPIR1   CommandFlags = 1 << 8
	RespSPIR1B  CommandFlags = 2 << 8
	RespSPIR2   CommandFlags = 3 << 8
	RespSPIR3   CommandFlags = 4 << 8
	RespSPIR4   CommandFlags = 5 << 8
	RespSPIR5   CommandFlags = 6 << 8
	RespSPIR7   CommandFlags = 7 << 8
	RespSPIMask CommandFlags = 0xf << 8
)

func (f CommandFlags) ResponseType() CommandFlags    { return f & RespMask }
func (f CommandFlags) SPIResponseType() CommandFlags { return f & RespSPIMask }
func (f CommandFlags) CommandType() CommandFlags     { return f & CmdMask }

type DataFlags uint32

const (
	DataDirRead  DataFlags = 1 << 0
	DataDirWrite DataFlags = 1 << 1
	DataStream   DataFlags = 1 << 2
)

// Command is one protocol step.  It is built, sent and thrown away; nothing
// holds on to it after the step that made it returns.
type Command struct {
	Index   uint32
	Arg     uint32
	Resp    [4]uint32
	Flags   CommandFlags
	Retries int
	Err     error
	Data    *Data
}

// Data describes the block attached to an adtc command.  Buf must be at
// least BlockSize*Blocks bytes long.
type Data struct {
	BlockSize   uint32
	Blocks      uint32
	Flags       DataFlags
	Buf         []byte
	TimeoutNs   uint32
	TimeoutClks uint32
	BytesXfered uint32
	Err         error
}

func (d *Data) Len() uint32 {
	return d.BlockSize * d.Blocks
}

type Request struct {
	Cmd  *Command
	Data *Data
	Stop *Command
}
