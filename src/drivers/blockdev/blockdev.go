// Package blockdev is the block layer side of card bring-up: it takes a
// finished card, puts it in 512 byte sector mode and registers it under a
// name.
package blockdev

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mmcsd/src/drivers/mmcsd"
	"mmcsd/src/lib/trust"
)

const (
	SectorSize     = 512
	sectorShift    = 9
	setBlockLenTry = 5
)

// Device is one registered block device.
type Device struct {
	Name       string
	Card       *mmcsd.Card
	BlockSize  uint32
	Capacity   uint64 // bytes
	MaxReqSize uint32 // sectors per request
}

func (d *Device) Sectors() uint64 {
	return d.Capacity / SectorSize
}

func (d *Device) String() string {
	return fmt.Sprintf("%s: %s, %s in %d byte sectors, %d sectors per request",
		d.Name, d.Card.Name(), mmcsd.CapacityString(d.Capacity/1024), d.BlockSize, d.MaxReqSize)
}

// Registry is an mmcsd.BlockDevice that keeps every probed card as a
// named Device.  Names are sd0, sd1, ... with the lowest free number
// used first.
type Registry struct {
	mu      sync.Mutex
	prefix  string
	devices map[string]*Device
}

func NewRegistry() *Registry {
	return &Registry{prefix: "sd", devices: make(map[string]*Device)}
}

// maxRequestSize is the number of sectors the host can move in one go.
func maxRequestSize(h *mmcsd.Host) uint32 {
	dma := uint64(h.MaxDMASegs) * uint64(h.MaxSegSize) >> sectorShift
	blk := uint64(h.MaxBlockCount) * uint64(h.MaxBlockSize) >> sectorShift
	if blk < dma {
		dma = blk
	}
	return uint32(dma)
}

// setBlockSize moves a byte addressed card to 512 byte blocks.  Block
// addressed cards are fixed at 512 already.
func setBlockSize(card *mmcsd.Card) error {
	if card.IsHighCapacity() {
		return nil
	}
	h := card.Host
	h.Lock()
	defer h.Unlock()

	cmd := &mmcsd.Command{
		Index: mmcsd.SetBlockLen,
		Arg:   SectorSize,
		Flags: mmcsd.RespSPIR1 | mmcsd.RespR1 | mmcsd.CmdAC,
	}
	if err := h.SendCommand(cmd, setBlockLenTry); err != nil {
		trust.Errorf("%s: unable to set block size to %d: %v", h.Name, cmd.Arg, err)
		return &mmcsd.TransportError{Op: "set block length", Index: mmcsd.SetBlockLen, Err: err}
	}
	return nil
}

func (r *Registry) freeName() string {
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s%d", r.prefix, i)
		if _, taken := r.devices[name]; !taken {
			return name
		}
	}
}

// Probe registers card.  It is called with the host's bus lock released.
func (r *Registry) Probe(card *mmcsd.Card) error {
	if card == nil || card.Host == nil {
		return mmcsd.BadArgument
	}
	if err := setBlockSize(card); err != nil {
		return err
	}

	dev := &Device{
		Card:       card,
		BlockSize:  SectorSize,
		Capacity:   card.CapacityKB * 1024,
		MaxReqSize: maxRequestSize(card.Host),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	dev.Name = r.freeName()
	r.devices[dev.Name] = dev
	trust.Infof("%s: registered %s", card.Host.Name, dev)
	return nil
}

// Remove unregisters every device bound to card.
func (r *Registry) Remove(card *mmcsd.Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, dev := range r.devices {
		if dev.Card == card {
			delete(r.devices, name)
			trust.Infof("%s: unregistered", name)
		}
	}
}

// Lookup returns the device registered as name.
func (r *Registry) Lookup(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[name]
	return dev, ok
}

// unit is the number after the prefix in a device name.
func (r *Registry) unit(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, r.prefix))
	if err != nil {
		return -1
	}
	return n
}

// Devices lists what is registered in unit order, so sd10 follows sd9.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool {
		ui, uj := r.unit(out[i].Name), r.unit(out[j].Name)
		if ui != uj {
			return ui < uj
		}
		return out[i].Name < out[j].Name
	})
	return out
}
