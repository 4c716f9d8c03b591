package mmcsd

import (
	"context"
	"time"

	"mmcsd/src/lib/trust"
)

const mailboxDepth = 4

// mailbox sends give up after this long, like a full mailbox would
const mailboxTimeout = time.Second

// HotplugEvent reports the slot state after a change was handled.
type HotplugEvent struct {
	Host    *Host
	Plugged bool
	Err     error
}

// Detector serializes card insertion and removal for any number of hosts.
// A controller (or anything watching a card-detect line) calls Change; the
// detector either brings up the new card or tears down the old one.
type Detector struct {
	blk     BlockDevice
	changes chan *Host
	events  chan HotplugEvent
}

func NewDetector(blk BlockDevice) *Detector {
	return &Detector{
		blk:     blk,
		changes: make(chan *Host, mailboxDepth),
		events:  make(chan HotplugEvent, mailboxDepth),
	}
}

// Change tells the detector the card-detect state of h changed.  It
// returns false if the request could not be queued.
func (d *Detector) Change(h *Host) bool {
	select {
	case d.changes <- h:
		return true
	case <-time.After(mailboxTimeout):
		trust.Warnf("%s: detect mailbox full, change dropped", h.Name)
		return false
	}
}

// Events delivers one event per handled change.
func (d *Detector) Events() <-chan HotplugEvent {
	return d.events
}

// Run handles changes until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case h := <-d.changes:
			ev := d.handle(h)
			select {
			case d.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(mailboxTimeout):
				trust.Warnf("%s: hotplug event dropped", h.Name)
			}
		}
	}
}

func (d *Detector) handle(h *Host) HotplugEvent {
	h.Lock()
	defer h.Unlock()

	if h.card != nil {
		trust.Infof("%s: card removed", h.Name)
		h.RemoveCard(d.blk)
		return HotplugEvent{Host: h, Plugged: false}
	}

	h.powerUp()
	_ = h.goIdle()
	_ = h.sendIfCond(h.ValidOCR)

	ocr, err := h.sendAppOpCond(0)
	if err != nil {
		trust.Infof("%s: no SD card answered: %v", h.Name, err)
		h.powerOff()
		return HotplugEvent{Host: h, Err: err}
	}
	if err = h.InitSD(ocr, d.blk); err != nil {
		h.powerOff()
		return HotplugEvent{Host: h, Err: err}
	}
	return HotplugEvent{Host: h, Plugged: true}
}

// Probe runs one insertion synchronously, without a Detector goroutine.
// A slot that already has a card is left as it is.
func Probe(h *Host, blk BlockDevice) error {
	h.Lock()
	present := h.card != nil
	h.Unlock()
	if present {
		return nil
	}
	d := &Detector{blk: blk}
	return d.handle(h).Err
}
