package mmcsd

import (
	"bytes"
	"testing"
)

func TestCommandFrames(t *testing.T) {
	f := CommandFrame(GoIdleState, 0)
	if !bytes.Equal(f[:], []byte{0x40, 0, 0, 0, 0, 0x95}) {
		t.Errorf("CMD0 frame is % x", f)
	}
	f = CommandFrame(SendIfCond, 0x1aa)
	if !bytes.Equal(f[:], []byte{0x48, 0, 0, 0x01, 0xaa, 0x87}) {
		t.Errorf("CMD8 frame is % x", f)
	}
}

func TestCRC16(t *testing.T) {
	block := bytes.Repeat([]byte{0xff}, 512)
	if c := CRC16(block); c != 0x7fa1 {
		t.Errorf("expected 7fa1 for a block of ff, got %04x", c)
	}
}

func TestSPIR1Error(t *testing.T) {
	cases := []struct {
		r1  byte
		err error
	}{
		{0, nil},
		{R1SPIIdle, nil},
		{R1SPIIdle | R1SPIIllegalCmd, IllegalCommand},
		{R1SPIComCRC, CommandCRC},
		{R1SPIParameter, BusError},
		{0xff, CommandTimeout},
	}
	for _, c := range cases {
		if err := SPIR1Error(c.r1); err != c.err {
			t.Errorf("r1 %02x: expected %v, got %v", c.r1, c.err, err)
		}
	}
}
