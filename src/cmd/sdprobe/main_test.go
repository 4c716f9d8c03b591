package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mmcsd/src/drivers/blockdev"
	"mmcsd/src/drivers/mmcsd"
	"mmcsd/src/lib/hostcfg"
)

func simHost(t *testing.T, card string, spi bool) (*mmcsd.Host, *socket) {
	t.Helper()
	p := hostcfg.Default()
	p.Sim.Card = card
	p.Sim.SPI = spi
	cfg, err := p.HostConfig()
	if err != nil {
		t.Fatalf("host config: %v", err)
	}
	cfg.Delay = func(time.Duration) {}
	sock, err := openSocket(&p)
	if err != nil {
		t.Fatalf("open socket: %v", err)
	}
	t.Cleanup(func() { sock.Close() })
	return mmcsd.NewHost(sock.ctrl, cfg), sock
}

func TestProbeOnceRegisters(t *testing.T) {
	for _, c := range []struct {
		card string
		spi  bool
	}{
		{"sdhc", false},
		{"sdhc", true},
		{"sdsc", false},
		{"sdsc", true},
	} {
		host, _ := simHost(t, c.card, c.spi)
		reg := blockdev.NewRegistry()
		if err := probeOnce(host, reg); err != nil {
			t.Errorf("%s spi=%v: %v", c.card, c.spi, err)
			continue
		}
		if n := len(reg.Devices()); n != 1 {
			t.Errorf("%s spi=%v: expected one device, got %d", c.card, c.spi, n)
		}
	}
}

func TestSocketInsertEject(t *testing.T) {
	host, sock := simHost(t, "sdhc", false)
	reg := blockdev.NewRegistry()

	sock.eject()
	if err := probeOnce(host, reg); err == nil {
		t.Errorf("expected probing an empty slot to fail")
	}
	if bound(host) {
		t.Errorf("nothing should be bound")
	}

	sock.insert()
	if err := probeOnce(host, reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bound(host) {
		t.Errorf("expected a bound card")
	}
}

func TestMemvizDump(t *testing.T) {
	out := filepath.Join(t.TempDir(), "card.dot")
	old := *memvizFlag
	*memvizFlag = out
	defer func() { *memvizFlag = old }()

	host, _ := simHost(t, "sdhc", false)
	if err := probeOnce(host, blockdev.NewRegistry()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("no dump written: %v", err)
	}
	if !strings.Contains(string(b), "digraph") {
		t.Errorf("expected a graphviz file, got %q", b)
	}
}

func TestUnknownTransport(t *testing.T) {
	p := hostcfg.Default()
	p.Transport = "usb"
	if _, err := openSocket(&p); err == nil {
		t.Errorf("expected an error")
	}
}
