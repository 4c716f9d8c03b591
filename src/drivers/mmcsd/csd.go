package mmcsd

// transfer speed: unit (bits 2..0) and multiplier (bits 6..3) of TRAN_SPEED
var tranUnit = [8]uint32{
	10000, 100000, 1000000, 10000000,
	0, 0, 0, 0,
}

var tranValue = [16]uint32{
	0, 10, 12, 13, 15, 20, 25, 30,
	35, 40, 45, 50, 55, 60, 70, 80,
}

// access time: unit (bits 2..0) and multiplier (bits 6..3) of TAAC
var taccUnit = [8]uint32{
	1, 10, 100, 1000, 10000, 100000, 1000000, 10000000,
}

var taccValue = [16]uint32{
	0, 10, 12, 13, 15, 20, 25, 30,
	35, 40, 45, 50, 55, 60, 70, 80,
}

// CSD fields.  The structure field is read first; everything else depends on
// it.
var (
	csdStructure         = Field{126, 2}
	csdTAAC              = Field{112, 8}
	csdNSAC              = Field{104, 8}
	csdTranSpeed         = Field{96, 8}
	csdCCC               = Field{84, 12}
	csdReadBlockLen      = Field{80, 4}
	csdReadBlockPartial  = Field{79, 1}
	csdWriteBlkMisalign  = Field{78, 1}
	csdReadBlkMisalign   = Field{77, 1}
	csdDSRImp            = Field{76, 1}
	csdCSizeV0           = Field{62, 12}
	csdCSizeMultV0       = Field{47, 3}
	csdCSizeV1           = Field{48, 22}
	csdR2WFactor         = Field{26, 3}
	csdWriteBlockLen     = Field{22, 4}
	csdWriteBlockPartial = Field{21, 1}
	csdCRC               = Field{1, 7}
)

const (
	CSDVersion1 = 0 // standard capacity
	CSDVersion2 = 1 // high/extended capacity
)

// CSD is the decoded Card-Specific Data register.
type CSD struct {
	Structure          uint8
	TAAC               uint8
	NSAC               uint8
	TranSpeed          uint8
	CCC                uint16
	ReadBlockLen       uint8
	ReadBlockPartial   bool
	WriteBlockMisalign bool
	ReadBlockMisalign  bool
	DSRImplemented     bool
	CSize              uint32
	CSizeMult          uint8
	R2WFactor          uint8
	WriteBlockLen      uint8
	WriteBlockPartial  bool
	CRC                uint8
}

// CardParams are the scalars derived from a CSD.
type CardParams struct {
	HighCapacity   bool
	BlockSize      uint32
	CapacityKB     uint64
	MaxDataRate    uint32
	AccessTimeNs   uint32
	AccessTimeClks uint32
}

// MaxDataRate converts a TRAN_SPEED byte to Hz.
func MaxDataRate(tranSpeed uint8) uint32 {
	return tranUnit[tranSpeed&0x07] * tranValue[(tranSpeed&0x78)>>3]
}

// AccessTimeNs converts a TAAC byte to nanoseconds, rounded up to a whole
// tenth of the table product.
func AccessTimeNs(taac uint8) uint32 {
	return (taccUnit[taac&0x07]*taccValue[(taac&0x78)>>3] + 9) / 10
}

// DecodeCSD decodes a raw CSD image.  Nothing is returned but the error
// when the structure version is not one we know.
func DecodeCSD(raw [4]uint32) (CSD, CardParams, error) {
	var csd CSD
	var p CardParams

	version := csdStructure.From(&raw)
	switch version {
	case CSDVersion1, CSDVersion2:
	default:
		return CSD{}, CardParams{}, UnrecognizedCsdVersion
	}

	csd.Structure = uint8(version)
	csd.TAAC = uint8(csdTAAC.From(&raw))
	csd.NSAC = uint8(csdNSAC.From(&raw))
	csd.TranSpeed = uint8(csdTranSpeed.From(&raw))
	csd.CCC = uint16(csdCCC.From(&raw))
	csd.ReadBlockLen = uint8(csdReadBlockLen.From(&raw))
	csd.ReadBlockPartial = csdReadBlockPartial.From(&raw) != 0
	csd.WriteBlockMisalign = csdWriteBlkMisalign.From(&raw) != 0
	csd.ReadBlockMisalign = csdReadBlkMisalign.From(&raw) != 0
	csd.DSRImplemented = csdDSRImp.From(&raw) != 0
	csd.R2WFactor = uint8(csdR2WFactor.From(&raw))
	csd.WriteBlockLen = uint8(csdWriteBlockLen.From(&raw))
	csd.WriteBlockPartial = csdWriteBlockPartial.From(&raw) != 0
	csd.CRC = uint8(csdCRC.From(&raw))

	p.MaxDataRate = MaxDataRate(csd.TranSpeed)

	if version == CSDVersion1 {
		csd.CSize = csdCSizeV0.From(&raw)
		csd.CSizeMult = uint8(csdCSizeMultV0.From(&raw))

		p.BlockSize = 1 << csd.ReadBlockLen
		capacity := uint64(csd.CSize+1) << (csd.CSizeMult + 2)
		capacity *= uint64(p.BlockSize)
		p.CapacityKB = capacity >> 10
		p.AccessTimeClks = uint32(csd.NSAC) * 100
		p.AccessTimeNs = AccessTimeNs(csd.TAAC)
		return csd, p, nil
	}

	// TAAC is fixed at 1ms for this class; the host uses fixed timeouts
	// and never looks at TAAC, NSAC or R2W_FACTOR.
	csd.CSize = csdCSizeV1.From(&raw)
	p.HighCapacity = true
	p.BlockSize = 512
	p.CapacityKB = uint64(csd.CSize+1) * 512
	return csd, p, nil
}
