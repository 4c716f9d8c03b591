//go:build !linux

package main

import (
	"errors"

	"mmcsd/src/lib/hostcfg"
)

func openEMMC(p *hostcfg.Profile) (*socket, error) {
	return nil, errors.New("emmc: /dev/mem access is only supported on linux")
}
