package main

import (
	"mmcsd/src/drivers/emmc"
	"mmcsd/src/lib/hostcfg"
)

func openEMMC(p *hostcfg.Profile) (*socket, error) {
	mem, err := emmc.OpenDevMem(p.EMMC.Base, emmc.RegisterSize)
	if err != nil {
		return nil, err
	}
	ctlr := emmc.New(mem, emmc.Config{ExtClock: p.EMMC.ExtClock})
	if err := ctlr.Init(); err != nil {
		mem.Close()
		return nil, err
	}
	return &socket{ctrl: ctlr, closers: []func() error{mem.Close}}, nil
}
