// Package hostcfg reads the description of an SD host (which controller,
// how it is reached and what it can do) from a TOML profile.
package hostcfg

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mmcsd/src/drivers/mmcsd"
)

const defaultSpeedMax = 25000000

type Transport string

const (
	TransportSim       Transport = "sim"
	TransportBusPirate Transport = "buspirate"
	TransportEMMC      Transport = "emmc"
)

// Serial is the port a Bus Pirate sits on.
type Serial struct {
	Port    string `toml:"port"`
	Baud    int    `toml:"baud"`
	Timeout string `toml:"timeout"`
}

// EMMC locates the controller's registers.
type EMMC struct {
	Base     int64  `toml:"base"`
	ExtClock uint32 `toml:"ext_clock"`
}

// Sim picks the emulated card and which personality the host sees.
type Sim struct {
	Card string `toml:"card"` // sdhc or sdsc
	SPI  bool   `toml:"spi"`
}

// Profile is one host.  Zero values mean "use the default".
type Profile struct {
	Name      string    `toml:"name"`
	Transport Transport `toml:"transport"`
	Voltages  []string  `toml:"voltages"`
	FreqMin   uint32    `toml:"freq_min"`
	FreqMax   uint32    `toml:"freq_max"`
	BusWidth4 bool      `toml:"bus_width_4"`
	HighSpeed bool      `toml:"high_speed"`

	MaxBlockSize  uint32 `toml:"max_block_size"`
	MaxBlockCount uint32 `toml:"max_block_count"`
	MaxSegSize    uint32 `toml:"max_seg_size"`
	MaxDMASegs    uint32 `toml:"max_dma_segs"`
	CardPool      int    `toml:"card_pool"`

	Serial Serial `toml:"serial"`
	EMMC   EMMC   `toml:"emmc"`
	Sim    Sim    `toml:"sim"`
}

// Default is the profile used when there is no file: an emulated SDHC
// card on a 4 bit, high speed capable host.
func Default() Profile {
	return Profile{
		Name:      "sdio0",
		Transport: TransportSim,
		Voltages:  []string{"3.2-3.3", "3.3-3.4"},
		FreqMin:   400000,
		FreqMax:   50000000,
		BusWidth4: true,
		HighSpeed: true,
		CardPool:  1,
		Serial: Serial{
			Port:    "/dev/ttyUSB0",
			Baud:    115200,
			Timeout: "1s",
		},
		EMMC: EMMC{
			Base:     0x3f300000,
			ExtClock: 100000000,
		},
		Sim: Sim{Card: "sdhc"},
	}
}

// Load reads the profile at path on top of Default.  Keys the profile
// does not know are an error, so a typo doesn't silently fall back to a
// default.
func Load(path string) (Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	p, err := Parse(string(b))
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse is Load for a profile already in memory.
func Parse(data string) (Profile, error) {
	p := Default()
	md, err := toml.Decode(data, &p)
	if err != nil {
		return Profile{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Profile{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks the fields that have a fixed set of values.
func (p *Profile) Validate() error {
	switch p.Transport {
	case TransportSim, TransportBusPirate, TransportEMMC:
	default:
		return fmt.Errorf("unknown transport %q", p.Transport)
	}
	switch p.Sim.Card {
	case "sdhc", "sdsc":
	default:
		return fmt.Errorf("unknown emulated card %q", p.Sim.Card)
	}
	if _, err := mmcsd.ParseVoltageWindows(p.Voltages); err != nil {
		return err
	}
	if p.FreqMin != 0 && p.FreqMax != 0 && p.FreqMin > p.FreqMax {
		return fmt.Errorf("freq_min %d is above freq_max %d", p.FreqMin, p.FreqMax)
	}
	if _, err := p.SerialTimeout(); err != nil {
		return err
	}
	return nil
}

// SerialTimeout is the serial read timeout as a duration.
func (p *Profile) SerialTimeout() (time.Duration, error) {
	if p.Serial.Timeout == "" {
		return time.Second, nil
	}
	d, err := time.ParseDuration(p.Serial.Timeout)
	if err != nil {
		return 0, fmt.Errorf("serial timeout: %w", err)
	}
	return d, nil
}

// HostConfig turns the profile into what mmcsd.NewHost wants, with a card
// pool of the configured size.  Delay is left for the caller.
func (p *Profile) HostConfig() (mmcsd.HostConfig, error) {
	ocr, err := mmcsd.ParseVoltageWindows(p.Voltages)
	if err != nil {
		return mmcsd.HostConfig{}, err
	}
	var caps mmcsd.HostCaps
	if p.BusWidth4 {
		caps |= mmcsd.CapBusWidth4
	}
	freqMax := p.FreqMax
	if p.HighSpeed {
		caps |= mmcsd.CapHighSpeed
	} else if freqMax == 0 || freqMax > defaultSpeedMax {
		// without high speed timing the bus tops out at 25MHz
		freqMax = defaultSpeedMax
	}
	return mmcsd.HostConfig{
		Name:          p.Name,
		ValidOCR:      ocr,
		FreqMin:       p.FreqMin,
		FreqMax:       freqMax,
		Caps:          caps,
		MaxBlockSize:  p.MaxBlockSize,
		MaxBlockCount: p.MaxBlockCount,
		MaxSegSize:    p.MaxSegSize,
		MaxDMASegs:    p.MaxDMASegs,
		Allocator:     mmcsd.NewCardPool(p.CardPool),
	}, nil
}
