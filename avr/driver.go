// Package avr implements the AVR ISP programming state machine:
// program-enable, signature read, paged flash load/flush, chip erase, and
// fuse read/write, all expressed as 32-bit SPI instructions shifted through
// Bridge.IspIO.
package avr

import (
	"fmt"

	"github.com/zolotov-av/pigro/bridge"
	"github.com/zolotov-av/pigro/device"
	"github.com/zolotov-av/pigro/firmware"
)

// SPI instruction words. Low-order bytes vary per call; these are the
// fixed high bytes/command nibbles.
const (
	instrProgramEnable = 0xAC530000
	instrChipErase     = 0xAC800000
	instrReadSig0      = 0x30000000
	instrReadSig1      = 0x30000100
	instrReadSig2      = 0x30000200
	instrReadFuseLow   = 0x50000000
	instrReadFuseHigh  = 0x58080000
	instrReadFuseExt   = 0x50080000
	instrWriteFuseLow  = 0xACA00000
	instrWriteFuseHigh = 0xACA80000
	instrWriteFuseExt  = 0xACA40000
	instrReadLowByte   = 0x20 // cmd nibble, low program memory byte
	instrReadHighByte  = 0x28
	instrLoadLowByte   = 0x40
	instrLoadHighByte  = 0x48
	instrWritePage     = 0x4C
)

// Fuses is the three AVR fuse bytes.
type Fuses struct {
	Low, High, Ext byte
}

// Driver drives one AVR target through a Bridge for the lifetime of one
// orchestrator action; it is owned exclusively by the orchestrator for
// that action's duration.
type Driver struct {
	br   *bridge.Bridge
	desc *device.Descriptor

	// Progress, Message and Cancelled are optional hooks the orchestrator
	// wires to its event channel; nil is a valid no-op.
	Progress  func(addr uint32)
	Message   func(line string)
	Cancelled func() bool
}

// New returns a Driver for desc over br. desc.Kind must be device.KindAVR.
func New(br *bridge.Bridge, desc *device.Descriptor) *Driver {
	return &Driver{br: br, desc: desc}
}

func (d *Driver) message(format string, args ...any) {
	if d.Message != nil {
		d.Message(fmt.Sprintf(format, args...))
	}
}

func (d *Driver) progress(addr uint32) {
	if d.Progress != nil {
		d.Progress(addr)
	}
}

func (d *Driver) cancelled() bool {
	return d.Cancelled != nil && d.Cancelled()
}

// PageByteSize is the per-page size in bytes.
func (d *Driver) PageByteSize() uint32 {
	return uint32(d.desc.PageByteSize())
}

// FlashLimit is the total flash size in bytes; check_firmware rejects any
// page at or beyond this.
func (d *Driver) FlashLimit() uint32 {
	return d.desc.FlashSizeAVR()
}

// ProgramEnable pulses RESET (0→1→0) then issues the program-enable
// instruction; it fails with ErrProgramEnableFailed unless the echoed byte
// at position 2 (the second byte of the MSB-first reply) is 0x53.
func (d *Driver) ProgramEnable() error {
	if err := d.br.IspReset(false); err != nil {
		return err
	}
	if err := d.br.IspReset(true); err != nil {
		return err
	}
	if err := d.br.IspReset(false); err != nil {
		return err
	}
	reply, err := d.br.IspIO(instrProgramEnable)
	if err != nil {
		return err
	}
	if echo := byte(reply >> 8); echo != 0x53 {
		return ErrProgramEnableFailed
	}
	return nil
}

// ProgramDisable raises RESET, leaving the target running its application.
func (d *Driver) ProgramDisable() error {
	return d.br.IspReset(true)
}

// ReadSignature issues the three signature-read instructions and returns
// the three low bytes.
func (d *Driver) ReadSignature() ([3]byte, error) {
	var sig [3]byte
	for i, instr := range [3]uint32{instrReadSig0, instrReadSig1, instrReadSig2} {
		v, err := d.br.IspIO(instr)
		if err != nil {
			return sig, err
		}
		sig[i] = byte(v)
	}
	return sig, nil
}

// ChipInfo enables programming, reads the signature, and returns a
// human-readable line comparing it against the descriptor's signature
// (AVR::getIspChipInfo), then disables programming.
func (d *Driver) ChipInfo() (string, error) {
	if err := d.ProgramEnable(); err != nil {
		return "", err
	}
	defer d.ProgramDisable()

	sig, err := d.ReadSignature()
	if err != nil {
		return "", err
	}
	status := "[diff]"
	if sig == d.desc.Signature {
		status = "[ ok ]"
	}
	return fmt.Sprintf("0x%02X, 0x%02X, 0x%02X %s", sig[0], sig[1], sig[2], status), nil
}

func (d *Driver) checkSignature() error {
	sig, err := d.ReadSignature()
	if err != nil {
		return err
	}
	if sig != d.desc.Signature {
		return ErrWrongSignature
	}
	return nil
}

// ReadByte reads one program-memory byte at byte address addr.
func (d *Driver) ReadByte(addr uint32) (byte, error) {
	cmd := uint32(instrReadLowByte)
	if addr&1 != 0 {
		cmd = instrReadHighByte
	}
	offset := addr >> 1
	instr := cmd<<24 | (offset&0xFFFF)<<8
	v, err := d.br.IspIO(instr)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

// loadByte stages one byte into the target's page buffer.
func (d *Driver) loadByte(addr uint32, value byte) error {
	cmd := uint32(instrLoadLowByte)
	if addr&1 != 0 {
		cmd = instrLoadHighByte
	}
	offset := addr >> 1
	instr := cmd<<24 | (offset&0xFFFF)<<8 | uint32(value)
	_, err := d.br.IspIO(instr)
	return err
}

// flushPage commits the staged page buffer to flash at the page starting at
// byte address pageAddr.
func (d *Driver) flushPage(pageAddr uint32) error {
	pageWordAddr := pageAddr >> 1
	instr := uint32(instrWritePage)<<24 | (pageWordAddr&0xFFFF)<<8
	_, err := d.br.IspIO(instr)
	return err
}

// ChipErase issues the chip-erase instruction; fails with ErrChipEraseFailed
// unless the echoed byte at position 2 is 0xAC.
func (d *Driver) ChipErase() error {
	reply, err := d.br.IspIO(instrChipErase)
	if err != nil {
		return err
	}
	if echo := byte(reply >> 8); echo != 0xAC {
		return ErrChipEraseFailed
	}
	return nil
}

// ReadFuse reads back all three fuse bytes.
func (d *Driver) ReadFuse() (Fuses, error) {
	low, err := d.br.IspIO(instrReadFuseLow)
	if err != nil {
		return Fuses{}, err
	}
	high, err := d.br.IspIO(instrReadFuseHigh)
	if err != nil {
		return Fuses{}, err
	}
	ext, err := d.br.IspIO(instrReadFuseExt)
	if err != nil {
		return Fuses{}, err
	}
	return Fuses{Low: byte(low), High: byte(high), Ext: byte(ext)}, nil
}

// CheckFuse reports each fuse byte read back from the target, alongside
// ok/diff/NA against the descriptor's configured fuse_low/high/ext values
// (AVR::check_fuse).
func (d *Driver) CheckFuse() error {
	fuses, err := d.ReadFuse()
	if err != nil {
		return err
	}
	d.message("fuse low:  0x%02X [%s]", fuses.Low, fuseStatus(d.desc.FuseLow, fuses.Low))
	d.message("fuse high: 0x%02X [%s]", fuses.High, fuseStatus(d.desc.FuseHigh, fuses.High))
	d.message("fuse ext:  0x%02X [%s]", fuses.Ext, fuseStatus(d.desc.FuseExt, fuses.Ext))
	return nil
}

func fuseStatus(want *byte, got byte) string {
	if want == nil {
		return " NA "
	}
	if *want == got {
		return " ok "
	}
	return "diff"
}

// WriteFuse writes and verifies every fuse the descriptor configures a
// value for; fuses the descriptor leaves unset are left untouched.
func (d *Driver) WriteFuse() error {
	if d.desc.FuseLow != nil {
		if err := d.writeOneFuse(instrWriteFuseLow, instrReadFuseLow, *d.desc.FuseLow); err != nil {
			return err
		}
	}
	if d.desc.FuseHigh != nil {
		if err := d.writeOneFuse(instrWriteFuseHigh, instrReadFuseHigh, *d.desc.FuseHigh); err != nil {
			return err
		}
	}
	if d.desc.FuseExt != nil {
		if err := d.writeOneFuse(instrWriteFuseExt, instrReadFuseExt, *d.desc.FuseExt); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) writeOneFuse(writeInstr, readInstr uint32, value byte) error {
	if _, err := d.br.IspIO(writeInstr | uint32(value)); err != nil {
		return err
	}
	v, err := d.br.IspIO(readInstr)
	if err != nil {
		return err
	}
	if byte(v) != value {
		return ErrFuseMismatch
	}
	return nil
}

// CheckFirmware validates every page address lies below the flash limit;
// it is the first step of write-firmware.
func (d *Driver) CheckFirmware(fw *firmware.Firmware) error {
	return fw.Validate(d.FlashLimit())
}

// WriteFirmware runs the full write-firmware protocol: validate,
// program-enable + signature check, chip-erase, then for every page, load
// each byte and flush once, finally program-disable. The byte loop polls
// Cancelled; on trip, ErrCancelled propagates and program-disable still
// runs.
func (d *Driver) WriteFirmware(fw *firmware.Firmware) error {
	if err := d.CheckFirmware(fw); err != nil {
		return err
	}
	if err := d.ProgramEnable(); err != nil {
		return err
	}
	defer d.ProgramDisable()

	if err := d.checkSignature(); err != nil {
		return err
	}
	if err := d.ChipErase(); err != nil {
		return err
	}

	counter := 0
	var line []byte
	for _, page := range fw.Pages() {
		for i, b := range page.Data {
			if d.cancelled() {
				return ErrCancelled
			}
			addr := page.Addr + uint32(i)
			if counter == 0 {
				line = []byte(fmt.Sprintf("MEM[0x%04X]", addr))
			}
			if err := d.loadByte(addr, b); err != nil {
				return err
			}
			line = append(line, '.')
			if counter == 0x1F {
				d.message("%s", line)
			}
			counter = (counter + 1) & 0x1F
			d.progress(addr)
		}
		if err := d.flushPage(page.Addr); err != nil {
			return err
		}
	}
	d.message("[ DONE ]")
	return nil
}

// ReadFirmware reads the whole flash back page by page into a Firmware
// (AVR::readFirmware).
func (d *Driver) ReadFirmware() (*firmware.Firmware, error) {
	if err := d.ProgramEnable(); err != nil {
		return nil, err
	}
	defer d.ProgramDisable()

	if err := d.checkSignature(); err != nil {
		return nil, err
	}
	if !d.desc.Paged {
		return nil, ErrUnsupportedChip
	}

	fw, err := firmware.New(uint32(d.desc.PageByteSize()))
	if err != nil {
		return nil, err
	}

	pageSize := uint32(d.desc.PageByteSize())
	for ipage := uint32(0); ipage < uint32(d.desc.PageCount); ipage++ {
		pageAddr := ipage * pageSize
		data := make([]byte, pageSize)
		for i := uint32(0); i < pageSize; i++ {
			if d.cancelled() {
				return nil, ErrCancelled
			}
			addr := pageAddr + i
			b, err := d.ReadByte(addr)
			if err != nil {
				return nil, err
			}
			data[i] = b
			d.progress(addr)
		}
		fw.Put(pageAddr, data)
	}
	return fw, nil
}

// CompareFirmware runs the `check` action's device-facing half
// (AVR::isp_check_firmware): program-enable, a chip-info line, a fuse
// report, then a dot/star mismatch report against fw flushed every 32
// bytes, finally program-disable. It returns true iff every byte matched;
// a signature mismatch is reported but does not by itself fail the
// comparison (the original only warns here, unlike write-firmware's hard
// reject).
func (d *Driver) CompareFirmware(fw *firmware.Firmware) (bool, error) {
	if err := d.ProgramEnable(); err != nil {
		return false, err
	}
	defer d.ProgramDisable()

	sig, err := d.ReadSignature()
	if err != nil {
		return false, err
	}
	status := "[diff]"
	if sig == d.desc.Signature {
		status = "[ ok ]"
	}
	d.message("0x%02X, 0x%02X, 0x%02X %s", sig[0], sig[1], sig[2], status)
	if err := d.CheckFuse(); err != nil {
		return false, err
	}

	differs := false
	counter := 0
	var line []byte
	for _, page := range fw.Pages() {
		for i, want := range page.Data {
			if d.cancelled() {
				return false, ErrCancelled
			}
			addr := page.Addr + uint32(i)
			if counter == 0 {
				line = []byte(fmt.Sprintf("MEM[0x%04X]", addr))
			}
			got, err := d.ReadByte(addr)
			if err != nil {
				return false, err
			}
			if got == want {
				line = append(line, '.')
			} else {
				line = append(line, '*')
				differs = true
			}
			if counter == 0x1F {
				d.message("%s", line)
			}
			counter = (counter + 1) & 0x1F
			d.progress(addr)
		}
	}
	if differs {
		d.message("[ FAIL ] firmware is different")
	} else {
		d.message("[ OK ] firmware is same")
	}
	return !differs, nil
}

// StatFirmware reports each page's address range against the flash limit
// without touching the device (AVR::isp_stat_firmware / check_firmware with
// verbose=true); it returns true iff every page is in range.
func (d *Driver) StatFirmware(fw *firmware.Firmware) bool {
	limit := d.FlashLimit()
	status := true
	for _, page := range fw.Pages() {
		ok := page.Addr < limit
		status = status && ok
		pageStatus := "ok"
		if !ok {
			pageStatus = "out of range [fail]"
		}
		d.message("PAGE[0x%05X] - %s", page.Addr, pageStatus)
	}
	if status {
		d.message("overall status [ ok ]")
	} else {
		d.message("overall status [fail]")
	}
	return status
}
