package simcard

import (
	"encoding/binary"

	"mmcsd/src/drivers/mmcsd"
)

// SPI puts a Card behind a byte exchange, the way it looks at the pins of
// an SPI bus: command frames in, R1 (and friends) and data tokens out.
type SPI struct {
	card     *Card
	selected bool
	frame    []byte
	out      []byte
}

const dataStartToken = 0xfe

func NewSPI(card *Card) *SPI {
	card.SetSPI(true)
	return &SPI{card: card}
}

func (s *SPI) Card() *Card {
	return s.card
}

// Select drives chip select; true is asserted (low).
func (s *SPI) Select(on bool) {
	s.selected = on
	if !on {
		s.frame = s.frame[:0]
		s.out = s.out[:0]
	}
}

// Exchange clocks one byte each way.
func (s *SPI) Exchange(in byte) byte {
	if !s.selected {
		return 0xff
	}
	out := byte(0xff)
	if len(s.out) > 0 {
		out = s.out[0]
		s.out = s.out[1:]
	}

	if len(s.frame) == 0 && in&0xc0 != 0x40 {
		return out
	}
	s.frame = append(s.frame, in)
	if len(s.frame) == 6 {
		s.command(s.frame)
		s.frame = s.frame[:0]
	}
	return out
}

func (s *SPI) command(f []byte) {
	index := uint32(f[0] & 0x3f)
	arg := binary.BigEndian.Uint32(f[1:5])

	// CMD0 and CMD8 are always checked; the rest only once CMD59 turned
	// checking on
	check := s.card.crc || index == mmcsd.GoIdleState || index == mmcsd.SendIfCond
	if check && mmcsd.CRC7(f[:5]) != f[5] {
		s.out = append(s.out[:0], 0xff, s.card.r1()|mmcsd.R1SPIComCRC)
		return
	}

	app := s.card.app
	r := s.card.Command(index, arg)

	// one byte of Ncr before the response
	s.out = append(s.out[:0], 0xff, r.R1)
	if r.R1&(mmcsd.R1SPIIllegalCmd|0x80) != 0 {
		return
	}

	switch {
	case index == mmcsd.SendIfCond, index == mmcsd.SPIReadOCR:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], r.Extra)
		s.out = append(s.out, b[:]...)
	case index == mmcsd.SendStatus && !app:
		s.out = append(s.out, 0)
	}

	if r.Data != nil && r.R1&^mmcsd.R1SPIIdle == 0 {
		s.out = append(s.out, 0xff, dataStartToken)
		s.out = append(s.out, r.Data...)
		crc := mmcsd.CRC16(r.Data)
		s.out = append(s.out, byte(crc>>8), byte(crc))
	}
}
