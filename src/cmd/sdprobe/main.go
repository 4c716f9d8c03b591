// sdprobe brings up the SD card in one slot and reports what it found.
// The slot is an emulated card, a card wired to a Bus Pirate, or the EMMC
// controller of a Raspberry Pi, as chosen by a host profile.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/bradleyjkemp/memviz"
	"github.com/mattn/go-tty"

	"mmcsd/src/drivers/blockdev"
	"mmcsd/src/drivers/mmcsd"
	"mmcsd/src/lib/hostcfg"
	"mmcsd/src/lib/trust"
)

var helpFlag = flag.Bool("h", false, "get usage info")
var configFlag = flag.String("config", "", "host profile (TOML); built in defaults when empty")
var transportFlag = flag.String("transport", "", "override the profile's transport: sim, buspirate or emmc")
var portFlag = flag.String("port", "", "override the profile's serial port")
var simFlag = flag.String("sim", "", "override the emulated card: sdhc or sdsc")
var spiFlag = flag.Bool("spi", false, "run the emulated card in byte-serial mode")
var watchFlag = flag.Bool("watch", false, "stay up and handle insert (i) and remove (r) from the keyboard, q quits")
var memvizFlag = flag.String("memviz", "", "write a graphviz dump of the card record to this file")
var verbose = flag.Int("v", 0, "verbosity level: 0 terse (default), 1 info, 2 debug")

func usage() {
	fmt.Fprintf(os.Stderr, "usage: sdprobe [flags]\n")
	flag.PrintDefaults()
	os.Exit(1)
}

func main() {
	flag.Parse()
	if *helpFlag || flag.NArg() != 0 {
		usage()
	}
	trust.SetVerbosity(*verbose)

	profile, err := loadProfile()
	if err != nil {
		trust.Fatalf(1, "%v", err)
	}
	cfg, err := profile.HostConfig()
	if err != nil {
		trust.Fatalf(1, "%v", err)
	}

	sock, err := openSocket(&profile)
	if err != nil {
		trust.Fatalf(1, "%v", err)
	}
	defer sock.Close()

	host := mmcsd.NewHost(sock.ctrl, cfg)
	reg := blockdev.NewRegistry()
	trust.Infof("%s: %s transport, %s", host.Name, profile.Transport, host.Mode())

	if *watchFlag {
		err = watch(host, sock, reg)
	} else {
		err = probeOnce(host, reg)
	}
	if err != nil {
		sock.Close()
		trust.Fatalf(1, "%v", err)
	}
}

// loadProfile reads the profile and applies the flags on top of it.
func loadProfile() (hostcfg.Profile, error) {
	p := hostcfg.Default()
	if *configFlag != "" {
		var err error
		if p, err = hostcfg.Load(*configFlag); err != nil {
			return p, err
		}
	}
	if *transportFlag != "" {
		p.Transport = hostcfg.Transport(*transportFlag)
	}
	if *portFlag != "" {
		p.Serial.Port = *portFlag
	}
	if *simFlag != "" {
		p.Sim.Card = *simFlag
	}
	if *spiFlag {
		p.Sim.SPI = true
	}
	return p, p.Validate()
}

func probeOnce(host *mmcsd.Host, reg *blockdev.Registry) error {
	if err := mmcsd.Probe(host, reg); err != nil {
		return fmt.Errorf("%s: %w", host.Name, err)
	}
	report(host, reg)
	return dumpCard(host)
}

func report(host *mmcsd.Host, reg *blockdev.Registry) {
	host.Lock()
	card := host.Card()
	bus := host.IOConfig()
	host.Unlock()
	if card == nil {
		fmt.Printf("%s: no card\n", host.Name)
		return
	}
	fmt.Printf("%s: %s\n", host.Name, card.Name())
	fmt.Printf("  capacity   %s\n", mmcsd.CapacityString(card.CapacityKB))
	fmt.Printf("  scr spec   %d (answered CMD8: %v)\n", card.SCR.SpecVer, card.SD2)
	fmt.Printf("  bus        %d bit at %dHz", bus.BusWidth.Lines(), bus.Clock)
	if card.IsHighSpeed() {
		fmt.Printf(" (high speed)")
	}
	fmt.Printf("\n  cid        %08x %08x %08x %08x\n", card.CID[0], card.CID[1], card.CID[2], card.CID[3])
	for _, dev := range reg.Devices() {
		if dev.Card == card {
			fmt.Printf("  %s\n", dev)
		}
	}
}

func dumpCard(host *mmcsd.Host) error {
	if *memvizFlag == "" {
		return nil
	}
	host.Lock()
	card := host.Card()
	host.Unlock()
	if card == nil {
		return nil
	}
	f, err := os.Create(*memvizFlag)
	if err != nil {
		return err
	}
	// the host is shared state, leave it out of the picture
	rec := *card
	rec.Host = nil
	memviz.Map(f, &rec)
	return f.Close()
}

// watch runs a Detector and turns key presses into card detect changes.
func watch(host *mmcsd.Host, sock *socket, reg *blockdev.Registry) error {
	t, err := tty.Open()
	if err != nil {
		return err
	}
	defer t.Close()
	restore := t.MustRaw()
	defer restore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	det := mmcsd.NewDetector(reg)
	go det.Run(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-det.Events():
				switch {
				case ev.Err != nil:
					fmt.Printf("%s: bring up failed: %v\r\n", ev.Host.Name, ev.Err)
				case ev.Plugged:
					report(ev.Host, reg)
				default:
					fmt.Printf("%s: card removed\r\n", ev.Host.Name)
				}
			}
		}
	}()

	fmt.Printf("i: insert, r: remove, q: quit\r\n")
	for {
		r, err := t.ReadRune()
		if err != nil {
			return err
		}
		switch r {
		case 'i':
			if bound(host) {
				fmt.Printf("%s: already has a card\r\n", host.Name)
				continue
			}
			sock.insert()
			det.Change(host)
		case 'r':
			if !bound(host) {
				fmt.Printf("%s: slot is empty\r\n", host.Name)
				continue
			}
			sock.eject()
			det.Change(host)
		case 'q', 3:
			return dumpCard(host)
		}
	}
}

func bound(host *mmcsd.Host) bool {
	host.Lock()
	defer host.Unlock()
	return host.Card() != nil
}
