package mmcsd

// SCR spec versions
const (
	SCRSpecVer0 = 0 // 1.0 - 1.01
	SCRSpecVer1 = 1 // 1.10, first version with CMD6
	SCRSpecVer2 = 2 // 2.00 - 3.0x
)

// SCR bus width bitmap
const (
	SCRBusWidth1 = 1 << 0
	SCRBusWidth4 = 1 << 2
)

const (
	SCRCmdSetBlockCount = 1 << 1
	SCRCmdSpeedClass    = 1 << 0
)

// fields are given in the 128 bit frame the extractor uses; the 64 bit SCR
// occupies the low half.
var (
	scrStructure  = Field{60, 4}
	scrSpecVer    = Field{56, 4}
	scrBusWidths  = Field{48, 4}
	scrCmdSupport = Field{32, 2}
)

type SCR struct {
	Structure  uint8
	SpecVer    uint8
	BusWidths  uint8
	CmdSupport uint8
}

// DecodeSCR decodes the two big-endian words read by ACMD51, raw[0]
// holding bits 63..32.
func DecodeSCR(raw [2]uint32) SCR {
	var resp [4]uint32
	resp[3] = raw[1]
	resp[2] = raw[0]
	return SCR{
		Structure:  uint8(scrStructure.From(&resp)),
		SpecVer:    uint8(scrSpecVer.From(&resp)),
		BusWidths:  uint8(scrBusWidths.From(&resp)),
		CmdSupport: uint8(scrCmdSupport.From(&resp)),
	}
}

func (s SCR) Supports4Bit() bool {
	return s.BusWidths&SCRBusWidth4 != 0
}
