package simcard

import (
	"sync"

	"mmcsd/src/drivers/mmcsd"
)

type fault struct {
	index uint32
	app   bool
	times int
	err   error
}

// Controller is an mmcsd.Controller wired straight to a Card, with no bus
// timing.  The slot can be emptied and refilled, and commands can be made
// to fail a set number of times.
type Controller struct {
	mu     sync.Mutex
	mode   mmcsd.TransportMode
	card   *Card
	faults []*fault
	app    bool

	// Configs holds every IOConfig the host asked for, oldest first.
	Configs []mmcsd.IOConfig
}

func NewController(mode mmcsd.TransportMode, card *Card) *Controller {
	c := &Controller{mode: mode}
	c.Insert(card)
	return c
}

func (c *Controller) Mode() mmcsd.TransportMode {
	return c.mode
}

// Insert puts card in the slot; nil empties it.
func (c *Controller) Insert(card *Card) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if card != nil {
		card.SetSPI(c.mode == mmcsd.ByteSerial)
	}
	c.card = card
}

func (c *Controller) Eject() {
	c.Insert(nil)
}

func (c *Controller) Card() *Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.card
}

// Fail makes the next times sends of a command fail with err before they
// reach the card.
func (c *Controller) Fail(index uint32, app bool, times int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, &fault{index: index, app: app, times: times, err: err})
}

func (c *Controller) injected(index uint32, app bool) error {
	for _, f := range c.faults {
		if f.index == index && f.app == app && f.times > 0 {
			f.times--
			return f.err
		}
	}
	return nil
}

func (c *Controller) SetIOConfig(cfg mmcsd.IOConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Configs = append(c.Configs, cfg)
}

// Last is the configuration currently applied.
func (c *Controller) Last() mmcsd.IOConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Configs) == 0 {
		return mmcsd.IOConfig{}
	}
	return c.Configs[len(c.Configs)-1]
}

// Widths returns each bus width change, in order.
func (c *Controller) Widths() []mmcsd.BusWidth {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []mmcsd.BusWidth
	prev := mmcsd.BusWidth1
	for _, cfg := range c.Configs {
		if cfg.BusWidth != prev {
			out = append(out, cfg.BusWidth)
			prev = cfg.BusWidth
		}
	}
	return out
}

func (c *Controller) Request(req *mmcsd.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := req.Cmd
	app := c.app
	c.app = false

	if err := c.injected(cmd.Index, app); err != nil {
		cmd.Err = err
		return
	}
	if c.card == nil {
		cmd.Err = mmcsd.CommandTimeout
		return
	}

	r := c.card.Command(cmd.Index, cmd.Arg)
	if cmd.Index == mmcsd.AppCmd {
		c.app = c.card.app
	}

	if c.mode == mmcsd.ByteSerial {
		cmd.Resp[0] = uint32(r.R1)
		cmd.Resp[1] = r.Extra
		cmd.Err = mmcsd.SPIR1Error(r.R1)
	} else {
		cmd.Resp = r.Words
		cmd.Err = r.Err
		if cmd.Flags.ResponseType() == mmcsd.RespNone && r.Err == mmcsd.CommandTimeout {
			// nothing was expected back
			cmd.Err = nil
		}
	}
	if cmd.Err != nil || req.Data == nil {
		return
	}

	data := req.Data
	if r.Data == nil {
		data.Err = mmcsd.DataTimeout
		return
	}
	n := copy(data.Buf[:data.Len()], r.Data)
	data.BytesXfered = uint32(n)
	if uint32(n) < data.Len() {
		data.Err = mmcsd.DataTimeout
	}
}
