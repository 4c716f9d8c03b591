package simcard

import "mmcsd/src/drivers/mmcsd"

// Reg128 builds a 128 bit register image field by field, in the same word
// order the core decodes (word 0 holds bits 127..96).
type Reg128 [4]uint32

// Set stores v in the size bits starting at start.  Bits of v above size
// are dropped.
func (r *Reg128) Set(start, size uint, v uint32) *Reg128 {
	for i := uint(0); i < size; i++ {
		pos := start + i
		word := 3 - pos/32
		bit := uint32(1) << (pos % 32)
		if v&(1<<i) != 0 {
			r[word] |= bit
		} else {
			r[word] &^= bit
		}
	}
	return r
}

func (r *Reg128) SetField(f mmcsd.Field, v uint32) *Reg128 {
	return r.Set(f.Start, f.Size, v)
}

// Bytes is the register as a card sends it in a data block, most
// significant byte first.
func (r Reg128) Bytes() []byte {
	b := make([]byte, 16)
	for i, w := range r {
		b[i*4] = byte(w >> 24)
		b[i*4+1] = byte(w >> 16)
		b[i*4+2] = byte(w >> 8)
		b[i*4+3] = byte(w)
	}
	return b
}

// CSD field positions, as the card lays them out
var (
	csdStructure  = mmcsd.Field{Start: 126, Size: 2}
	csdTAAC       = mmcsd.Field{Start: 112, Size: 8}
	csdNSAC       = mmcsd.Field{Start: 104, Size: 8}
	csdTranSpeed  = mmcsd.Field{Start: 96, Size: 8}
	csdCCC        = mmcsd.Field{Start: 84, Size: 12}
	csdReadBlLen  = mmcsd.Field{Start: 80, Size: 4}
	csdCSizeV0    = mmcsd.Field{Start: 62, Size: 12}
	csdCSizeMult  = mmcsd.Field{Start: 47, Size: 3}
	csdCSizeV1    = mmcsd.Field{Start: 48, Size: 22}
	csdR2W        = mmcsd.Field{Start: 26, Size: 3}
	csdWriteBlLen = mmcsd.Field{Start: 22, Size: 4}
	csdEnd        = mmcsd.Field{Start: 0, Size: 1}
)

// StandardCSD is a version 1.0 CSD: capacity is
// (cSize+1) << (mult+2) blocks of 1<<readBlLen bytes.
func StandardCSD(cSize uint32, mult, readBlLen uint8, tranSpeed, taac, nsac uint8) [4]uint32 {
	var r Reg128
	r.SetField(csdStructure, mmcsd.CSDVersion1).
		SetField(csdTAAC, uint32(taac)).
		SetField(csdNSAC, uint32(nsac)).
		SetField(csdTranSpeed, uint32(tranSpeed)).
		SetField(csdCCC, 0x5b5).
		SetField(csdReadBlLen, uint32(readBlLen)).
		SetField(csdCSizeV0, cSize).
		SetField(csdCSizeMult, uint32(mult)).
		SetField(csdR2W, 2).
		SetField(csdWriteBlLen, uint32(readBlLen)).
		SetField(csdEnd, 1)
	return r
}

// HighCapacityCSD is a version 2.0 CSD of (cSize+1) * 512KB.
func HighCapacityCSD(cSize uint32, tranSpeed uint8) [4]uint32 {
	var r Reg128
	r.SetField(csdStructure, mmcsd.CSDVersion2).
		SetField(csdTAAC, 0x0e).
		SetField(csdTranSpeed, uint32(tranSpeed)).
		SetField(csdCCC, 0x5b5).
		SetField(csdReadBlLen, 9).
		SetField(csdCSizeV1, cSize).
		SetField(csdR2W, 2).
		SetField(csdWriteBlLen, 9).
		SetField(csdEnd, 1)
	return r
}

// CSDWithVersion returns csd with its structure field replaced.
func CSDWithVersion(csd [4]uint32, version uint32) [4]uint32 {
	r := Reg128(csd)
	r.SetField(csdStructure, version)
	return r
}

// SCR builds the two words of an SCR with the given spec version and bus
// width bitmap.
func SCR(specVer, busWidths uint8) [2]uint32 {
	// structure 0, spec, data after erase 0, security 2
	hi := uint32(specVer&0xf)<<24 | 2<<20 | uint32(busWidths&0xf)<<16
	return [2]uint32{hi, 0}
}

// CID builds a CID with a manufacturer id, product name and serial number.
func CID(mid uint8, name string, serial uint32) [4]uint32 {
	var r Reg128
	r.Set(120, 8, uint32(mid))
	r.Set(104, 16, 0x5344) // "SD"
	pnm := []byte(name + "     ")[:5]
	for i, c := range pnm {
		r.Set(uint(96-i*8), 8, uint32(c))
	}
	r.Set(56, 8, 0x10) // revision 1.0
	r.Set(24, 32, serial)
	r.Set(0, 1, 1)
	return r
}
