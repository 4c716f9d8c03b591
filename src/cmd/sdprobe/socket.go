package main

import (
	"fmt"

	"mmcsd/src/drivers/mmcsd"
	"mmcsd/src/drivers/mmcsd/simcard"
	"mmcsd/src/drivers/spibridge"
	"mmcsd/src/lib/hostcfg"
)

// socket is the controller behind the slot plus whatever has to be shut
// down when we are done with it.
type socket struct {
	ctrl    mmcsd.Controller
	closers []func() error

	// only for the emulated card
	sim     *simcard.Controller
	newCard func() *simcard.Card
}

func openSocket(p *hostcfg.Profile) (*socket, error) {
	switch p.Transport {
	case hostcfg.TransportSim:
		return openSim(p), nil
	case hostcfg.TransportBusPirate:
		return openBusPirate(p)
	case hostcfg.TransportEMMC:
		return openEMMC(p)
	}
	return nil, fmt.Errorf("unknown transport %q", p.Transport)
}

func openSim(p *hostcfg.Profile) *socket {
	newCard := simcard.NewSDHC
	if p.Sim.Card == "sdsc" {
		newCard = simcard.NewSDSC
	}
	mode := mmcsd.Native
	if p.Sim.SPI {
		mode = mmcsd.ByteSerial
	}
	ctrl := simcard.NewController(mode, newCard())
	return &socket{ctrl: ctrl, sim: ctrl, newCard: newCard}
}

func openBusPirate(p *hostcfg.Profile) (*socket, error) {
	timeout, err := p.SerialTimeout()
	if err != nil {
		return nil, err
	}
	port, err := spibridge.OpenSerial(p.Serial.Port, p.Serial.Baud, timeout)
	if err != nil {
		return nil, err
	}
	bp := spibridge.NewBusPirate(port)
	if err := bp.Enter(); err != nil {
		port.Close()
		return nil, fmt.Errorf("%s: %w", p.Serial.Port, err)
	}
	return &socket{
		ctrl:    spibridge.NewController(bp),
		closers: []func() error{bp.Exit, port.Close},
	}, nil
}

// insert and eject move the emulated card; a real slot has to be changed
// by hand before the key is pressed.
func (s *socket) insert() {
	if s.sim != nil {
		s.sim.Insert(s.newCard())
	}
}

func (s *socket) eject() {
	if s.sim != nil {
		s.sim.Eject()
	}
}

// Close shuts everything down in order, keeping the first error.  It is
// safe to call more than once.
func (s *socket) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
