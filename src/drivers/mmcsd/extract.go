package mmcsd

// Field names a bitfield of a 128 bit register image by its offset from the
// register's LSB and its width in bits (at most 32).
type Field struct {
	Start uint
	Size  uint
}

// GetBits pulls a field out of a register image held as four 32 bit words,
// most significant word first (resp[0] holds bits 127..96).  A field that
// straddles two words takes its low bits from one word and its high bits
// from the word before it.
func GetBits(resp *[4]uint32, start, size uint) uint32 {
	mask := uint32(0)
	if size < 32 {
		mask = 1 << size
	}
	mask--

	off := 3 - start/32
	shift := start & 31

	res := resp[off] >> shift
	if size+shift > 32 {
		res |= resp[off-1] << ((32 - shift) % 32)
	}
	return res & mask
}

func (f Field) From(resp *[4]uint32) uint32 {
	return GetBits(resp, f.Start, f.Size)
}
