package mmcsd

// crc7 table for x^7 + x^3 + 1, pre-shifted into the top 7 bits
var crc7Table = func() [256]byte {
	var t [256]byte
	for i := 0; i < 256; i++ {
		c := byte(i)
		for b := 0; b < 8; b++ {
			if c&0x80 != 0 {
				c = (c << 1) ^ (0x09 << 1)
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC7 is the command checksum.  The result is already shifted left one
// bit with the end bit set, ready to be the last byte of a command frame.
func CRC7(b []byte) byte {
	var crc byte
	for _, v := range b {
		crc = crc7Table[crc^v]
	}
	return crc | 1
}

// CRC16 is the data block checksum (CCITT, initial value 0).
func CRC16(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc ^= uint16(v) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CommandFrame builds the six bytes of a command on a byte-serial bus.
func CommandFrame(index, arg uint32) [6]byte {
	f := [6]byte{
		0x40 | byte(index&0x3f),
		byte(arg >> 24),
		byte(arg >> 16),
		byte(arg >> 8),
		byte(arg),
	}
	f[5] = CRC7(f[:5])
	return f
}

// SPIR1Error maps the error bits of a byte-serial R1 to a transport error.
// The idle bit is not an error.
func SPIR1Error(r1 byte) error {
	switch {
	case r1&0x80 != 0:
		return CommandTimeout
	case r1&R1SPIIllegalCmd != 0:
		return IllegalCommand
	case r1&R1SPIComCRC != 0:
		return CommandCRC
	case r1&(R1SPIEraseReset|R1SPIEraseSequence|R1SPIAddress|R1SPIParameter) != 0:
		return BusError
	}
	return nil
}
