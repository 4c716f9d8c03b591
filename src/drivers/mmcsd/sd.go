package mmcsd

import (
	"errors"

	"mmcsd/src/lib/trust"
)

const (
	opCondAttempts = 100
	opCondDelayMs  = 10
	appCmdRetries  = 3

	highSpeedDataRate = 50000000
)

// BlockDevice is the block layer a finished card is handed to.
type BlockDevice interface {
	Probe(card *Card) error
	Remove(card *Card)
}

// Stage names a step of card bring-up, for diagnostics.
type Stage int

const (
	StageIdle Stage = iota
	StageInterfaceCheck
	StageVoltageNegotiation
	StageIdentification
	StageAddressing
	StageCsdFetch
	StageSelect
	StageScrFetch
	StageCrcEnable
	StageHighSpeedSwitch
	StageClockSet
	StageWidthSwitch
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "Idle"
	case StageInterfaceCheck:
		return "InterfaceCheck"
	case StageVoltageNegotiation:
		return "VoltageNegotiation"
	case StageIdentification:
		return "Identification"
	case StageAddressing:
		return "Addressing"
	case StageCsdFetch:
		return "CsdFetch"
	case StageSelect:
		return "Select"
	case StageScrFetch:
		return "ScrFetch"
	case StageCrcEnable:
		return "CrcEnable"
	case StageHighSpeedSwitch:
		return "HighSpeedSwitch"
	case StageClockSet:
		return "ClockSet"
	case StageWidthSwitch:
		return "WidthSwitch"
	case StageDone:
		return "Done"
	}
	return "UnknownStage"
}

// appCmd sends CMD55 so the card reads the next command as an application
// command.  The command is returned so callers can look at its response.
func (h *Host) appCmd(card *Card) (*Command, error) {
	cmd := &Command{Index: AppCmd}
	if card != nil {
		cmd.Arg = uint32(card.RCA) << 16
		cmd.Flags = RespSPIR1 | RespR1 | CmdAC
	} else {
		cmd.Flags = RespSPIR1 | RespR1 | CmdBCR
	}
	if err := h.SendCommand(cmd, 0); err != nil {
		return cmd, transportError("app cmd", AppCmd, err)
	}
	// byte-serial R1 has no APP_CMD bit to look at
	if !h.IsByteSerial() && cmd.Resp[0]&R1AppCmd == 0 {
		return cmd, ApplicationCommandRejected
	}
	return cmd, nil
}

// SendAppCmd sends CMD55 followed by cmd, up to retries+1 times.  CMD55 is
// re-sent on every attempt since it only applies to the command right after
// it.  A byte-serial card that calls either command illegal is not asked
// again.
func (h *Host) SendAppCmd(card *Card, cmd *Command, retries int) error {
	var err error = ApplicationCommandRejected

	for i := 0; i <= retries; i++ {
		var app *Command
		app, err = h.appCmd(card)
		if err != nil {
			if h.IsByteSerial() && app.Resp[0]&R1SPIIllegalCmd != 0 {
				break
			}
			continue
		}

		cmd.Resp = [4]uint32{}
		cmd.Retries = 0
		h.SendRequest(&Request{Cmd: cmd, Data: cmd.Data})

		err = transportError("app cmd", cmd.Index, cmd.Err)
		if err == nil {
			break
		}
		if h.IsByteSerial() && cmd.Resp[0]&R1SPIIllegalCmd != 0 {
			break
		}
	}
	return err
}

// sendAppOpCond runs ACMD41 until the card finishes powering up.  An ocr of
// zero only probes: one pass, no waiting.  The card's OCR is returned on
// native buses.
func (h *Host) sendAppOpCond(ocr uint32) (uint32, error) {
	cmd := &Command{
		Index: AppSendOpCond,
		Flags: RespSPIR1 | RespR3 | CmdBCR,
	}
	if h.IsByteSerial() {
		// only HCS means anything on a byte-serial bus
		cmd.Arg = ocr & OCRHighCapacity
	} else {
		cmd.Arg = ocr
	}

	var err error
	polls := 0
	for i := opCondAttempts; i > 0; i-- {
		polls++
		err = h.SendAppCmd(nil, cmd, appCmdRetries)
		if err != nil {
			break
		}
		if ocr == 0 {
			break
		}
		if h.IsByteSerial() {
			if cmd.Resp[0]&R1SPIIdle == 0 {
				break
			}
		} else if cmd.Resp[0]&OCRBusy != 0 {
			break
		}
		err = VoltageNegotiationTimeout
		h.delayMs(opCondDelayMs)
	}
	trust.Statsf("acmd41", "%s: %d polls, arg %08x", h.Name, polls, cmd.Arg)

	if h.IsByteSerial() {
		return 0, err
	}
	return cmd.Resp[0], err
}

// ifCondArg builds the CMD8 argument: the 2.7-3.6V flag if the host has any
// window in that range and the check pattern.
func ifCondArg(ocr uint32) uint32 {
	arg := uint32(IfCondCheckPattern)
	if ocr&0xFF8000 != 0 {
		arg |= 1 << 8
	}
	return arg
}

// sendIfCond sends CMD8.  SD 1.x cards don't know it and fail; that is
// how they are told apart from 2.0 cards.
func (h *Host) sendIfCond(ocr uint32) error {
	cmd := &Command{
		Index: SendIfCond,
		Arg:   ifCondArg(ocr),
		Flags: RespSPIR7 | RespR7 | CmdBCR,
	}
	if err := h.SendCommand(cmd, 0); err != nil {
		return transportError("send if cond", SendIfCond, err)
	}
	pattern := cmd.Resp[0] & 0xFF
	if h.IsByteSerial() {
		pattern = cmd.Resp[1] & 0xFF
	}
	if pattern != IfCondCheckPattern {
		return InterfaceCheckMismatch
	}
	return nil
}

// getCardAddr asks the card to publish a new RCA with CMD3.
func (h *Host) getCardAddr() (uint16, error) {
	cmd := &Command{
		Index: SendRelativeAddr,
		Flags: RespR6 | CmdBCR,
	}
	if err := h.SendCommand(cmd, 3); err != nil {
		return 0, transportError("send relative addr", SendRelativeAddr, err)
	}
	return uint16(cmd.Resp[0] >> 16), nil
}

// getSCR reads the 8 byte SCR with ACMD51.  The card must be selected.
func (h *Host) getSCR(card *Card) ([2]uint32, error) {
	var buf [8]byte
	var scr [2]uint32

	if _, err := h.appCmd(card); err != nil {
		return scr, err
	}

	cmd := &Command{
		Index: AppSendSCR,
		Flags: RespSPIR1 | RespR1 | CmdADTC,
	}
	data := &Data{
		BlockSize: 8,
		Blocks:    1,
		Flags:     DataDirRead,
		Buf:       buf[:],
	}
	SetDataTimeout(data, card)
	h.SendRequest(&Request{Cmd: cmd, Data: data})
	if cmd.Err != nil {
		return scr, transportError("send scr", AppSendSCR, cmd.Err)
	}
	if data.Err != nil {
		return scr, transportError("send scr", AppSendSCR, data.Err)
	}
	bigEndianWords(buf[:], scr[:])
	return scr, nil
}

// appSetBusWidth tells the card which width to use with ACMD6.
func (h *Host) appSetBusWidth(card *Card, width BusWidth) error {
	cmd := &Command{
		Index: AppSetBusWidth,
		Flags: RespR1 | CmdAC,
	}
	switch width {
	case BusWidth1, BusWidth4:
		cmd.Arg = uint32(width)
	default:
		return BadArgument
	}
	return h.SendAppCmd(card, cmd, appCmdRetries)
}

// switchFunction sends one CMD6 and returns the 64 byte status block.
func (h *Host) switchFunction(card *Card, arg uint32, status []byte) error {
	cmd := &Command{
		Index: SDSwitch,
		Arg:   arg,
		Flags: RespSPIR1 | RespR1 | CmdADTC,
	}
	data := &Data{
		BlockSize: switchStatusSize,
		Blocks:    1,
		Flags:     DataDirRead,
		Buf:       status,
	}
	SetDataTimeout(data, card)
	h.SendRequest(&Request{Cmd: cmd, Data: data})
	if cmd.Err != nil {
		return transportError("switch", SDSwitch, cmd.Err)
	}
	if data.Err != nil {
		return transportError("switch", SDSwitch, data.Err)
	}
	return nil
}

// switchHighSpeed moves the card to high-speed timing when both ends can.
// Cards older than SCR spec 1.10 don't know CMD6 and are left alone; so is
// a card that accepts the query but refuses the switch.
func (h *Host) switchHighSpeed(card *Card) error {
	if card.Type != CardTypeSD {
		return nil
	}
	if card.SCR.SpecVer < SCRSpecVer1 {
		return nil
	}

	var status [switchStatusSize]byte
	if err := h.switchFunction(card, SwitchCheckHighSpeed, status[:]); err != nil {
		return err
	}
	// function group 1 support bits, bit 1 is high speed
	if status[13]&0x02 == 0 {
		return nil
	}
	if h.Caps&CapHighSpeed == 0 {
		trust.Debugf("%s: card supports high speed, host does not", h.Name)
		return nil
	}
	card.HighSpeedMaxDataRate = highSpeedDataRate

	if err := h.switchFunction(card, SwitchSetHighSpeed, status[:]); err != nil {
		return err
	}
	if status[16]&0xF != 1 {
		trust.Infof("%s: switching card to high speed failed", h.Name)
		return nil
	}
	card.Flags |= FlagHighSpeed
	return nil
}

// busClock is the fastest clock the card will take in its current timing
// mode.
func busClock(card *Card) uint32 {
	max := ^uint32(0)
	if card.IsHighSpeed() {
		if max > card.HighSpeedMaxDataRate {
			max = card.HighSpeedMaxDataRate
		}
	} else if max > card.MaxDataRate {
		max = card.MaxDataRate
	}
	return max
}

// initCard runs the bring-up sequence for one card whose voltage has
// already been chosen.  Nothing is left allocated if it fails.
func (h *Host) initCard(ocr uint32) (card *Card, stage Stage, err error) {
	defer func() {
		if err != nil && card != nil {
			h.alloc.Free(card)
			card = nil
		}
	}()

	stage = StageIdle
	_ = h.goIdle()

	// rebuilt every time; nothing is carried over from an earlier card
	arg := ocr &^ OCRHighCapacity

	stage = StageInterfaceCheck
	sd2 := h.sendIfCond(ocr) == nil
	if sd2 {
		// we can handle block addressing
		arg |= OCRHighCapacity
	}

	stage = StageVoltageNegotiation
	if _, err = h.sendAppOpCond(arg); err != nil {
		return nil, stage, err
	}

	stage = StageIdentification
	var cid [4]uint32
	if h.IsByteSerial() {
		cid, err = h.getCID(nil)
	} else {
		cid, err = h.allGetCID()
	}
	if err != nil {
		return nil, stage, err
	}

	card = h.alloc.Alloc()
	if card == nil {
		trust.Errorf("%s: no card record available", h.Name)
		return nil, stage, OutOfMemory
	}
	card.Type = CardTypeSD
	card.Host = h
	card.CID = cid
	card.SD2 = sd2

	if !h.IsByteSerial() {
		stage = StageAddressing
		if card.RCA, err = h.getCardAddr(); err != nil {
			return card, stage, err
		}
		h.setBusMode(BusModePushPull)
	}

	stage = StageCsdFetch
	raw, err := h.getCSD(card)
	if err != nil {
		return card, stage, err
	}
	if err = card.applyCSD(raw); err != nil {
		trust.Errorf("%s: unrecognised CSD structure version %d", h.Name, csdStructure.From(&raw))
		return card, stage, err
	}
	trust.Infof("%s: SD card capacity %d KB", h.Name, card.CapacityKB)

	if !h.IsByteSerial() {
		stage = StageSelect
		if err = h.selectCard(card); err != nil {
			return card, stage, err
		}
	}

	stage = StageScrFetch
	scr, err := h.getSCR(card)
	if err != nil {
		return card, stage, err
	}
	card.applySCR(scr)

	if h.IsByteSerial() {
		stage = StageCrcEnable
		if err = h.spiUseCRC(true); err != nil {
			return card, stage, err
		}
	}

	stage = StageHighSpeedSwitch
	if err = h.switchHighSpeed(card); err != nil {
		return card, stage, err
	}

	stage = StageClockSet
	h.setClock(busClock(card))

	if !h.IsByteSerial() && h.Caps&CapBusWidth4 != 0 && card.SCR.Supports4Bit() {
		stage = StageWidthSwitch
		if err = h.appSetBusWidth(card, BusWidth4); err != nil {
			return card, stage, err
		}
		h.setBusWidth(BusWidth4)
	}

	return card, StageDone, nil
}

// InitSD brings up the SD card in the slot and hands it to blk.  ocr is
// what the card reported when it was first probed.  The caller holds the
// bus lock; it is dropped while blk probes the card and held again when
// InitSD returns.
func (h *Host) InitSD(ocr uint32, blk BlockDevice) error {
	var err error

	if h.IsByteSerial() {
		// the probe could not read the OCR, so ask for it properly
		_ = h.goIdle()
		if ocr, err = h.spiReadOCR(false); err != nil {
			trust.Debugf("%s: init SD card failed: %v", h.Name, err)
			return err
		}
	}

	if ocr&VDD165To195 != 0 {
		trust.Infof("%s: SD card claims to support the incompletely defined "+
			"'low voltage range'. This will be ignored.", h.Name)
		ocr = maskLowVoltage(ocr)
	}

	current := h.selectVoltage(ocr)
	if current == 0 {
		trust.Debugf("%s: init SD card failed: %v", h.Name, NoCompatibleVoltage)
		return NoCompatibleVoltage
	}

	card, stage, err := h.initCard(current)
	if err != nil {
		trust.Errorf("%s: init SD card failed at %s: %v", h.Name, stage, err)
		return err
	}

	h.card = card
	h.Unlock()
	err = blk.Probe(card)
	h.Lock()
	if err != nil {
		blk.Remove(card)
		h.alloc.Free(card)
		h.card = nil
		trust.Errorf("%s: block device probe failed: %v", h.Name, err)
		return errors.Join(RegistrationFailed, err)
	}
	trust.Infof("%s: %s ready, clock %dHz, %d bit bus", h.Name, card.Name(),
		h.io.Clock, h.io.BusWidth.Lines())
	return nil
}

// RemoveCard unbinds the slot's card from blk and frees it.  The caller
// holds the bus lock.
func (h *Host) RemoveCard(blk BlockDevice) {
	card := h.card
	if card == nil {
		return
	}
	if !h.IsByteSerial() {
		// the card may already be out of the slot
		if err := h.deselectCards(); err != nil {
			trust.Debugf("%s: deselect on removal: %v", h.Name, err)
		}
	}
	blk.Remove(card)
	h.alloc.Free(card)
	h.card = nil
}
