package mmcsd_test

import (
	"errors"
	"testing"

	"mmcsd/src/drivers/mmcsd"
	"mmcsd/src/drivers/mmcsd/simcard"
)

func TestNativeHighCapacityBringUp(t *testing.T) {
	r := newRig(t, mmcsd.Native, simcard.NewSDHC(), mmcsd.CapBusWidth4|mmcsd.CapHighSpeed)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("bring up failed: %v\n%v", err, r.card.Ops())
	}
	c := r.bound()
	if c == nil {
		t.Fatalf("no card bound after bring up")
	}
	if c.RCA != 0x1234 {
		t.Errorf("expected rca 1234, got %04x", c.RCA)
	}
	if !c.IsHighCapacity() || c.BlockSize != 512 {
		t.Errorf("expected a high capacity card with 512 byte blocks")
	}
	if c.CapacityKB != 33554432 {
		t.Errorf("expected 33554432KB, got %d", c.CapacityKB)
	}
	if !c.SD2 {
		t.Errorf("card answered CMD8 but was not marked SD 2.0")
	}
	if !c.IsHighSpeed() || !r.card.HighSpeedOn() {
		t.Errorf("card should have switched to high speed")
	}
	if clk := r.ctrl.Last().Clock; clk != 50000000 {
		t.Errorf("expected a 50MHz clock, got %d", clk)
	}
	if n, _ := r.blk.counts(); n != 1 {
		t.Errorf("expected one block device probe, got %d", n)
	}
	if r.card.State() != simcard.StateTransfer {
		t.Errorf("card left in state %s", r.card.State())
	}
}

func TestWidthSwitchHappensOnce(t *testing.T) {
	r := newRig(t, mmcsd.Native, simcard.NewSDHC(), mmcsd.CapBusWidth4)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("bring up failed: %v", err)
	}
	if n := r.card.Count(mmcsd.AppSetBusWidth, true); n != 1 {
		t.Fatalf("expected one ACMD6, got %d", n)
	}
	for _, op := range r.card.Log {
		if op.App && op.Index == mmcsd.AppSetBusWidth && op.Arg != 2 {
			t.Errorf("ACMD6 sent with argument %d, expected 2", op.Arg)
		}
	}
	w := r.ctrl.Widths()
	if len(w) != 1 || w[0] != mmcsd.BusWidth4 {
		t.Errorf("expected a single switch to 4 bits, got %v", w)
	}
	if !r.card.Width4() {
		t.Errorf("card is not using 4 data lines")
	}
}

func TestNoWidthSwitchWithoutHostSupport(t *testing.T) {
	r := newRig(t, mmcsd.Native, simcard.NewSDHC(), 0)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("bring up failed: %v", err)
	}
	if n := r.card.Count(mmcsd.AppSetBusWidth, true); n != 0 {
		t.Errorf("ACMD6 sent to a host with no 4 bit support")
	}
	if w := r.host.IOConfig().BusWidth; w != mmcsd.BusWidth1 {
		t.Errorf("expected 1 bit bus, got %d lines", w.Lines())
	}
}

func TestNoHighSpeedSupport(t *testing.T) {
	card := simcard.NewSDHC()
	card.HighSpeed = false
	r := newRig(t, mmcsd.Native, card, mmcsd.CapBusWidth4)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("bring up failed: %v", err)
	}
	if n := r.card.Count(mmcsd.SDSwitch, false); n != 1 {
		t.Errorf("expected only the CMD6 query, got %d CMD6s", n)
	}
	c := r.bound()
	if c.IsHighSpeed() {
		t.Errorf("card marked high speed without support")
	}
	if c.HighSpeedMaxDataRate != 0 {
		t.Errorf("high speed rate set to %d without support", c.HighSpeedMaxDataRate)
	}
	if clk := r.ctrl.Last().Clock; clk != c.MaxDataRate || clk != 25000000 {
		t.Errorf("expected the CSD rate of 25MHz, got %d", clk)
	}
}

func TestHighSpeedNeedsHostSupport(t *testing.T) {
	r := newRig(t, mmcsd.Native, simcard.NewSDHC(), mmcsd.CapBusWidth4)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("bring up failed: %v", err)
	}
	if n := r.card.Count(mmcsd.SDSwitch, false); n != 1 {
		t.Errorf("expected only the CMD6 query, got %d CMD6s", n)
	}
	for _, op := range r.card.Log {
		if op.Index == mmcsd.SDSwitch && op.Arg == mmcsd.SwitchSetHighSpeed {
			t.Errorf("switch to high speed sent to a host without high speed timing")
		}
	}
	c := r.bound()
	if c.IsHighSpeed() || r.card.HighSpeedOn() {
		t.Errorf("card switched to high speed")
	}
	if c.HighSpeedMaxDataRate != 0 {
		t.Errorf("high speed rate set to %d", c.HighSpeedMaxDataRate)
	}
	if clk := r.ctrl.Last().Clock; clk != 25000000 {
		t.Errorf("expected 25MHz, got %d", clk)
	}
}

func TestHighSpeedRefused(t *testing.T) {
	card := simcard.NewSDHC()
	card.RefuseSwitch = true
	r := newRig(t, mmcsd.Native, card, mmcsd.CapHighSpeed)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("a refused switch should not fail bring up: %v", err)
	}
	if n := r.card.Count(mmcsd.SDSwitch, false); n != 2 {
		t.Errorf("expected query and set, got %d CMD6s", n)
	}
	if r.bound().IsHighSpeed() {
		t.Errorf("card marked high speed after refusing the switch")
	}
	if clk := r.ctrl.Last().Clock; clk != 25000000 {
		t.Errorf("expected 25MHz, got %d", clk)
	}
}

func TestUnknownCSDVersionFreesCard(t *testing.T) {
	card := simcard.NewSDHC()
	card.CSD = simcard.CSDWithVersion(card.CSD, 3)
	r := newRig(t, mmcsd.Native, card, mmcsd.CapBusWidth4)
	err := mmcsd.Probe(r.host, r.blk)
	expectError(t, err, mmcsd.UnrecognizedCsdVersion)
	r.expectEmpty(t)
	if n, _ := r.blk.counts(); n != 0 {
		t.Errorf("block device probed for a card that failed bring up")
	}
	if r.ctrl.Last().PowerMode != mmcsd.PowerOff {
		t.Errorf("slot left powered after a failed bring up")
	}
}

func TestStandardCapacityV1Card(t *testing.T) {
	r := newRig(t, mmcsd.Native, simcard.NewSDSC(), mmcsd.CapBusWidth4)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("bring up failed: %v\n%v", err, r.card.Ops())
	}
	c := r.bound()
	if c.SD2 || c.IsHighCapacity() {
		t.Errorf("1.x card misidentified: sd2 %v hc %v", c.SD2, c.IsHighCapacity())
	}
	if c.CapacityKB != 131072 || c.BlockSize != 1024 {
		t.Errorf("expected 131072KB in 1024 byte blocks, got %dKB/%d", c.CapacityKB, c.BlockSize)
	}
	for _, op := range r.card.Log {
		if op.App && op.Index == mmcsd.AppSendOpCond && op.Arg&mmcsd.OCRHighCapacity != 0 {
			t.Errorf("HCS offered to a card that did not answer CMD8")
		}
	}
	if n := r.card.Count(mmcsd.SDSwitch, false); n != 0 {
		t.Errorf("CMD6 sent to a spec 1.0 card")
	}
	if n := r.card.Count(mmcsd.AppSetBusWidth, true); n != 0 {
		t.Errorf("ACMD6 sent to a 1 bit only card")
	}
}

func TestByteSerialBringUp(t *testing.T) {
	r := newRig(t, mmcsd.ByteSerial, simcard.NewSDHC(), mmcsd.CapBusWidth4)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("bring up failed: %v\n%v", err, r.card.Ops())
	}
	c := r.bound()
	if c.RCA != 0 {
		t.Errorf("byte-serial card got an rca: %04x", c.RCA)
	}
	for _, idx := range []uint32{mmcsd.AllSendCID, mmcsd.SendRelativeAddr, mmcsd.SelectCard} {
		if n := r.card.Count(idx, false); n != 0 {
			t.Errorf("CMD%d sent on a byte-serial bus", idx)
		}
	}
	if r.card.Count(mmcsd.SPIReadOCR, false) != 1 {
		t.Errorf("expected one CMD58")
	}
	if !r.card.CRCEnabled() || !r.host.SPIUseCRC() {
		t.Errorf("CRC checking was not turned on")
	}
	if c.CapacityKB != 33554432 {
		t.Errorf("expected 33554432KB, got %d", c.CapacityKB)
	}
	if c.CID != r.card.CID {
		t.Errorf("CID read as %08x, expected %08x", c.CID, r.card.CID)
	}
	if n := r.card.Count(mmcsd.AppSetBusWidth, true); n != 0 {
		t.Errorf("ACMD6 sent on a byte-serial bus")
	}
	if w := r.host.IOConfig().BusWidth; w != mmcsd.BusWidth1 {
		t.Errorf("byte-serial bus width changed")
	}
}

func TestVoltageNegotiationGivesUp(t *testing.T) {
	card := simcard.NewSDHC()
	card.BusyPolls = 1000
	r := newRig(t, mmcsd.Native, card, 0)
	err := mmcsd.Probe(r.host, r.blk)
	expectError(t, err, mmcsd.VoltageNegotiationTimeout)
	// one inquiry, then the full set of polls
	if n := card.Count(mmcsd.AppSendOpCond, true); n != 101 {
		t.Errorf("expected 101 ACMD41s, got %d", n)
	}
	r.expectEmpty(t)
}

func TestByteSerialInquiryIsOnePass(t *testing.T) {
	card := simcard.NewSDHC()
	card.BusyPolls = 1000
	r := newRig(t, mmcsd.ByteSerial, card, 0)
	err := mmcsd.Probe(r.host, r.blk)
	expectError(t, err, mmcsd.VoltageNegotiationTimeout)
	// the inquiry goes out once with no HCS, the card still busy
	inquiries := 0
	for _, op := range card.Log {
		if op.App && op.Index == mmcsd.AppSendOpCond && op.Arg == 0 {
			inquiries++
		}
	}
	if inquiries != 1 {
		t.Errorf("expected a single ACMD41 inquiry, got %d", inquiries)
	}
	if n := card.Count(mmcsd.AppSendOpCond, true); n != 101 {
		t.Errorf("expected 101 ACMD41s, got %d", n)
	}
	r.expectEmpty(t)
}

func TestNoCompatibleVoltage(t *testing.T) {
	card := simcard.NewSDHC()
	card.OCR = mmcsd.VDD20To21
	r := newRig(t, mmcsd.Native, card, 0)
	err := mmcsd.Probe(r.host, r.blk)
	expectError(t, err, mmcsd.NoCompatibleVoltage)
	if n := card.Count(mmcsd.AllSendCID, false); n != 0 {
		t.Errorf("identification started with no usable voltage")
	}
	r.expectEmpty(t)
}

func TestLowVoltageRangeIgnored(t *testing.T) {
	card := simcard.NewSDHC()
	card.OCR = mmcsd.VDD165To195 | mmcsd.VDD33To34
	r := newRig(t, mmcsd.Native, card, 0)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("bring up failed: %v", err)
	}
	if vdd := r.host.IOConfig().Vdd; vdd != 21 {
		t.Errorf("expected vdd bit 21, got %d", vdd)
	}
}

func TestCommandRetries(t *testing.T) {
	r := newRig(t, mmcsd.Native, simcard.NewSDHC(), 0)
	r.ctrl.Fail(mmcsd.AllSendCID, false, 2, mmcsd.CommandCRC)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("two CRC errors should have been retried: %v", err)
	}

	r = newRig(t, mmcsd.Native, simcard.NewSDHC(), 0)
	r.ctrl.Fail(mmcsd.AllSendCID, false, 3, mmcsd.CommandCRC)
	err := mmcsd.Probe(r.host, r.blk)
	expectError(t, err, mmcsd.CommandCRC)
	var te *mmcsd.TransportError
	if !errors.As(err, &te) || te.Index != mmcsd.AllSendCID {
		t.Errorf("expected a transport error for CMD2, got %v", err)
	}
	r.expectEmpty(t)
}

func TestAppCmdRetries(t *testing.T) {
	// an app command the card doesn't know: native cards stay silent and
	// get asked again
	r := newRig(t, mmcsd.Native, simcard.NewSDHC(), 0)
	cmd := &mmcsd.Command{Index: 42, Flags: mmcsd.RespSPIR1 | mmcsd.RespR1 | mmcsd.CmdAC}
	err := r.host.SendAppCmd(nil, cmd, 3)
	expectError(t, err, mmcsd.CommandTimeout)
	if n := r.card.Count(mmcsd.AppCmd, false); n != 4 {
		t.Errorf("expected 4 CMD55s, got %d", n)
	}

	// a byte-serial card says illegal and is left alone
	r = newRig(t, mmcsd.ByteSerial, simcard.NewSDHC(), 0)
	cmd = &mmcsd.Command{Index: 42, Flags: mmcsd.RespSPIR1 | mmcsd.RespR1 | mmcsd.CmdAC}
	err = r.host.SendAppCmd(nil, cmd, 3)
	expectError(t, err, mmcsd.IllegalCommand)
	if n := r.card.Count(mmcsd.AppCmd, false); n != 1 {
		t.Errorf("expected 1 CMD55, got %d", n)
	}
}

func TestAppCmdRejected(t *testing.T) {
	card := simcard.NewSDHC()
	card.DropAppCmd = true
	r := newRig(t, mmcsd.Native, card, 0)
	cmd := &mmcsd.Command{Index: mmcsd.AppSendOpCond, Flags: mmcsd.RespR3 | mmcsd.CmdBCR}
	err := r.host.SendAppCmd(nil, cmd, 1)
	expectError(t, err, mmcsd.ApplicationCommandRejected)
	if n := card.Count(mmcsd.AppCmd, false); n != 2 {
		t.Errorf("expected 2 CMD55s, got %d", n)
	}
	if n := card.Count(mmcsd.AppSendOpCond, true); n != 0 {
		t.Errorf("ACMD41 sent after CMD55 was rejected")
	}
}

func TestRegistrationFailureUnwinds(t *testing.T) {
	r := newRig(t, mmcsd.Native, simcard.NewSDHC(), mmcsd.CapBusWidth4)
	probeErr := errors.New("no room for another disk")
	r.blk.err = probeErr
	err := mmcsd.Probe(r.host, r.blk)
	expectError(t, err, mmcsd.RegistrationFailed)
	expectError(t, err, probeErr)
	probed, removed := r.blk.counts()
	if probed != 1 || removed != 1 {
		t.Errorf("expected one probe and one remove, got %d and %d", probed, removed)
	}
	r.expectEmpty(t)
}

func TestPoolExhaustedIsOutOfMemory(t *testing.T) {
	r := newRig(t, mmcsd.Native, simcard.NewSDHC(), 0)
	hog := r.pool.Alloc()
	defer r.pool.Free(hog)
	err := mmcsd.Probe(r.host, r.blk)
	expectError(t, err, mmcsd.OutOfMemory)
	if r.bound() != nil {
		t.Errorf("card bound without a record")
	}
}

func TestSetDataTimeout(t *testing.T) {
	r := newRig(t, mmcsd.Native, simcard.NewSDHC(), 0)
	if err := mmcsd.Probe(r.host, r.blk); err != nil {
		t.Fatalf("bring up failed: %v", err)
	}
	data := &mmcsd.Data{Flags: mmcsd.DataDirRead}
	mmcsd.SetDataTimeout(data, r.bound())
	if data.TimeoutNs != 100000000 || data.TimeoutClks != 0 {
		t.Errorf("high capacity read timeout should be 100ms, got %dns %dclks",
			data.TimeoutNs, data.TimeoutClks)
	}
	data = &mmcsd.Data{Flags: mmcsd.DataDirWrite}
	mmcsd.SetDataTimeout(data, r.bound())
	if data.TimeoutNs != 300000000 {
		t.Errorf("high capacity write timeout should be 300ms, got %dns", data.TimeoutNs)
	}
}

func TestSetDataTimeoutSlowCard(t *testing.T) {
	h := mmcsd.NewHost(simcard.NewController(mmcsd.Native, nil), mmcsd.HostConfig{})
	// TAAC 0x5f is 50ms; with writes 128 times slower that is 640s, which
	// wraps to under 50ms in 32 bits
	card := &mmcsd.Card{
		Host:         h,
		AccessTimeNs: mmcsd.AccessTimeNs(0x5f),
	}
	card.CSD.R2WFactor = 7

	data := &mmcsd.Data{Flags: mmcsd.DataDirWrite}
	mmcsd.SetDataTimeout(data, card)
	if data.TimeoutNs != 300000000 || data.TimeoutClks != 0 {
		t.Errorf("expected the 300ms write ceiling, got %dns %dclks", data.TimeoutNs, data.TimeoutClks)
	}
	data = &mmcsd.Data{Flags: mmcsd.DataDirRead}
	mmcsd.SetDataTimeout(data, card)
	if data.TimeoutNs != 100000000 {
		t.Errorf("expected the 100ms read ceiling, got %dns", data.TimeoutNs)
	}

	// 150us x 100 stays under the ceiling
	card.AccessTimeNs = mmcsd.AccessTimeNs(0x25)
	card.CSD.R2WFactor = 0
	data = &mmcsd.Data{Flags: mmcsd.DataDirRead}
	mmcsd.SetDataTimeout(data, card)
	if data.TimeoutNs != 15000000 {
		t.Errorf("expected 15ms, got %dns", data.TimeoutNs)
	}
}
