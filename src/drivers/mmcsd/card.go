package mmcsd

import "fmt"

type CardType int

const (
	CardTypeSD CardType = 1
)

func (t CardType) String() string {
	if t == CardTypeSD {
		return "SD"
	}
	return fmt.Sprintf("CardType(%d)", int(t))
}

type CardFlags uint32

const (
	FlagHighCapacity CardFlags = 1 << 0 // block addressed (SDHC/SDXC)
	FlagHighSpeed    CardFlags = 1 << 1
)

// Card is one detected card for as long as it stays in the slot.  The
// bring-up sequence owns it until it is published on the Host; after that
// the Host and the block layer do.
type Card struct {
	Host  *Host
	Type  CardType
	RCA   uint16
	Flags CardFlags
	// SD2 is set when the card answered CMD8, i.e. it is SD 2.0 or later
	SD2 bool

	CID    [4]uint32
	RawCSD [4]uint32
	RawSCR [2]uint32
	CSD    CSD
	SCR    SCR

	BlockSize            uint32
	CapacityKB           uint64
	MaxDataRate          uint32
	HighSpeedMaxDataRate uint32
	AccessTimeNs         uint32
	AccessTimeClks       uint32

	slot int
}

func (c *Card) IsHighCapacity() bool {
	return c.Flags&FlagHighCapacity != 0
}

func (c *Card) IsHighSpeed() bool {
	return c.Flags&FlagHighSpeed != 0
}

// Name is a one line description, for logs and the probe tool.
func (c *Card) Name() string {
	kind := "SDSC"
	if c.IsHighCapacity() {
		kind = "SDHC/SDXC"
	}
	return fmt.Sprintf("%s %s rca %04x %dKB", c.Type, kind, c.RCA, c.CapacityKB)
}

// applyCSD decodes raw and copies the result onto the card.  The card is
// left alone if the decode fails.
func (c *Card) applyCSD(raw [4]uint32) error {
	csd, p, err := DecodeCSD(raw)
	if err != nil {
		return err
	}
	c.RawCSD = raw
	c.CSD = csd
	if p.HighCapacity {
		c.Flags |= FlagHighCapacity
	}
	c.BlockSize = p.BlockSize
	c.CapacityKB = p.CapacityKB
	c.MaxDataRate = p.MaxDataRate
	c.AccessTimeNs = p.AccessTimeNs
	c.AccessTimeClks = p.AccessTimeClks
	return nil
}

func (c *Card) applySCR(raw [2]uint32) {
	c.RawSCR = raw
	c.SCR = DecodeSCR(raw)
}

// sd read and write ceilings, in microseconds
const (
	readTimeoutLimitUs  = 100000
	writeTimeoutLimitUs = 300000
)

// SetDataTimeout fills in the timeout fields of data for a transfer to or
// from card at the host's current clock.
func SetDataTimeout(data *Data, card *Card) {
	// SD uses a multiplier of 100 where MMC uses 10
	mult := uint32(100)
	if data.Flags&DataDirWrite != 0 {
		mult <<= card.CSD.R2WFactor
	}
	// a slow TAAC times a large R2W_FACTOR does not fit in 32 bits
	ns := uint64(card.AccessTimeNs) * uint64(mult)
	clks := uint64(card.AccessTimeClks) * uint64(mult)

	timeoutUs := ns / 1000
	if clock := card.Host.io.Clock; clock >= 1000 {
		timeoutUs += clks * 1000 / uint64(clock/1000)
	}
	limitUs := uint64(readTimeoutLimitUs)
	if data.Flags&DataDirWrite != 0 {
		limitUs = writeTimeoutLimitUs
	}
	if timeoutUs > limitUs || card.IsHighCapacity() {
		ns = limitUs * 1000
		clks = 0
	}
	data.TimeoutNs = uint32(ns)
	data.TimeoutClks = uint32(clks)

	if card.Host.IsByteSerial() {
		if data.Flags&DataDirWrite != 0 {
			if data.TimeoutNs < 1000000000 {
				data.TimeoutNs = 1000000000
			}
		} else if data.TimeoutNs < 100000000 {
			data.TimeoutNs = 100000000
		}
	}
}

// bigEndianWords turns a register read as a data block into words, most
// significant first.
func bigEndianWords(buf []byte, words []uint32) {
	for i := range words {
		b := buf[i*4 : i*4+4]
		words[i] = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	}
}

// CapacityString renders a KB figure with a binary suffix.
func CapacityString(kb uint64) string {
	if kb == 0 {
		return "0KB"
	}
	units := []string{"KB", "MB", "GB", "TB"}
	i := 0
	for i < len(units)-1 && kb >= 1024 && kb%1024 == 0 {
		kb /= 1024
		i++
	}
	return fmt.Sprintf("%d%s", kb, units[i])
}
