package mmcsd

// goIdle resets the card with CMD0.  Native buses hold chip select high
// around the command so an SD card does not enter SPI mode.
func (h *Host) goIdle() error {
	if !h.IsByteSerial() {
		h.setChipSelect(ChipSelectHigh)
		h.delayMs(1)
	}

	cmd := &Command{
		Index: GoIdleState,
		Flags: RespSPIR1 | RespNone | CmdBC,
	}
	err := h.SendCommand(cmd, 0)

	h.delayMs(1)

	if !h.IsByteSerial() {
		h.setChipSelect(ChipSelectIgnore)
		h.delayMs(1)
	}
	return transportError("go idle", GoIdleState, err)
}

// spiReadOCR reads the OCR with CMD58; byte-serial only.
func (h *Host) spiReadOCR(highCapacity bool) (uint32, error) {
	cmd := &Command{
		Index: SPIReadOCR,
		Flags: RespSPIR3,
	}
	if highCapacity {
		cmd.Arg = OCRHighCapacity
	}
	err := h.SendCommand(cmd, 0)
	return cmd.Resp[1], transportError("read ocr", SPIReadOCR, err)
}

// allGetCID broadcasts CMD2 and returns the CID of the one card that
// answers.
func (h *Host) allGetCID() ([4]uint32, error) {
	cmd := &Command{
		Index: AllSendCID,
		Flags: RespR2 | CmdBCR,
	}
	if err := h.SendCommand(cmd, 3); err != nil {
		return [4]uint32{}, transportError("all send cid", AllSendCID, err)
	}
	return cmd.Resp, nil
}

// readRegisterBlock reads a 16 byte register as a data block, which is how
// byte-serial cards return CID and CSD.
func (h *Host) readRegisterBlock(op string, index uint32) ([4]uint32, error) {
	var buf [16]byte
	var words [4]uint32

	cmd := &Command{
		Index: index,
		Flags: RespSPIR1 | RespR1 | CmdADTC,
	}
	data := &Data{
		BlockSize: 16,
		Blocks:    1,
		Flags:     DataDirRead,
		Buf:       buf[:],
		// CSD and CID reads time out after 64 clocks
		TimeoutClks: 64,
	}
	h.SendRequest(&Request{Cmd: cmd, Data: data})
	if cmd.Err != nil {
		return words, transportError(op, index, cmd.Err)
	}
	if data.Err != nil {
		return words, transportError(op, index, data.Err)
	}
	bigEndianWords(buf[:], words[:])
	return words, nil
}

// getCID fetches the CID of a single card: with CMD10 addressed to card on a
// native bus, as a data block on a byte-serial one.
func (h *Host) getCID(card *Card) ([4]uint32, error) {
	if h.IsByteSerial() {
		return h.readRegisterBlock("send cid", SendCID)
	}
	if card == nil {
		return [4]uint32{}, NoCard
	}
	cmd := &Command{
		Index: SendCID,
		Arg:   uint32(card.RCA) << 16,
		Flags: RespR2 | CmdAC,
	}
	if err := h.SendCommand(cmd, 3); err != nil {
		return [4]uint32{}, transportError("send cid", SendCID, err)
	}
	return cmd.Resp, nil
}

// getCSD fetches the raw CSD of card.
func (h *Host) getCSD(card *Card) ([4]uint32, error) {
	if h.IsByteSerial() {
		return h.readRegisterBlock("send csd", SendCSD)
	}
	cmd := &Command{
		Index: SendCSD,
		Arg:   uint32(card.RCA) << 16,
		Flags: RespR2 | CmdAC,
	}
	if err := h.SendCommand(cmd, 3); err != nil {
		return [4]uint32{}, transportError("send csd", SendCSD, err)
	}
	return cmd.Resp, nil
}

func (h *Host) selectCardAt(card *Card) error {
	cmd := &Command{Index: SelectCard}
	if card != nil {
		cmd.Arg = uint32(card.RCA) << 16
		cmd.Flags = RespR1 | CmdAC
	} else {
		cmd.Flags = RespNone | CmdAC
	}
	return transportError("select card", SelectCard, h.SendCommand(cmd, 3))
}

// selectCard moves card into the transfer state with CMD7.
func (h *Host) selectCard(card *Card) error {
	return h.selectCardAt(card)
}

// deselectCards sends every card back to stand-by.
func (h *Host) deselectCards() error {
	return h.selectCardAt(nil)
}

// spiUseCRC turns CRC checking on the card on or off with CMD59.
func (h *Host) spiUseCRC(on bool) error {
	cmd := &Command{
		Index: SPICRCOnOff,
		Flags: RespSPIR1,
	}
	if on {
		cmd.Arg = 1
	}
	err := h.SendCommand(cmd, 0)
	if err == nil {
		h.spiCRC = on
	}
	return transportError("crc on/off", SPICRCOnOff, err)
}

// SPIUseCRC reports whether CRC checking was last turned on.
func (h *Host) SPIUseCRC() bool {
	return h.spiCRC
}
