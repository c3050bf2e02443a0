// Package arm implements the JTAG/ADIv5 debug driver for STM32F1-class
// Cortex-M3 targets: TAP sequencing, DP/AP register access through the
// three-phase xpacc/apacc pipeline, MEM-AP reads/writes, and FPEC flash
// programming.
package arm

import (
	"errors"
	"fmt"

	"github.com/zolotov-av/pigro/bridge"
	"github.com/zolotov-av/pigro/device"
	"github.com/zolotov-av/pigro/firmware"
)

// JTAG TAP instructions, 4 bits each.
const (
	irBypass byte = 0b1111
	irIDCode byte = 0b1110
	irDPACC  byte = 0b1010
	irAPACC  byte = 0b1011
	irAbort  byte = 0b1000
	irBits        = 4
)

// DP register addresses (A[3:2] field of the access command).
const (
	dpAbort    byte = 0x0
	dpCtrlStat byte = 0x4
	dpSelect   byte = 0x8
	dpRdBuff   byte = 0xC
)

const apRegIDR byte = 0xC

const rnwRead byte = 0x1

// expectedIDCode is the Cortex-M3 JTAG-DP ID with the version nibble masked
// off, since the bridge doesn't report it.
const expectedIDCode = 0x3BA00477 & 0x0FFFFFFF

// CTRL/STAT bits.
const (
	ctrlCSysPwrUpReq uint32 = 1 << 30
	ctrlCSysPwrUpAck uint32 = 1 << 31
	ctrlCDbgPwrUpReq uint32 = 1 << 28
	ctrlCDbgPwrUpAck uint32 = 1 << 29
	// stickyMask is bits {1,4,5}: STICKYORUN, STICKYCMP, STICKYERR.
	stickyMask uint32 = 1<<1 | 1<<4 | 1<<5
)

// FPEC (STM32F1 flash controller) registers, relative to base 0x4002_2000.
const (
	fpecBase  uint32 = 0x4002_2000
	fpecKeyR  uint32 = fpecBase + 0x04
	fpecSR    uint32 = fpecBase + 0x0C
	fpecCR    uint32 = fpecBase + 0x10
	fpecKey1  uint32 = 0x4567_0123
	fpecKey2  uint32 = 0xCDEF_89AB
	crLock    uint32 = 1 << 7
	crPG      uint32 = 1 << 0
	crMER     uint32 = 1 << 2
	crSTRT    uint32 = 1 << 6
	srBusy    uint32 = 1 << 0
	srPgErr   uint32 = 1 << 2
	srWrpErr  uint32 = 1 << 4
	srEOP     uint32 = 1 << 5
	srClrMask uint32 = srPgErr | srWrpErr | srEOP
)

const dhcsr uint32 = 0xE000_EDF0
const demcr uint32 = 0xE000_EDFC
const dhcsrDbgKeyEnable uint32 = 0xA05F_0003

// maxWaitRetries bounds the driver-level retry loop for WAIT acks.
const maxWaitRetries = 3

// Driver drives one STM32F1 target through a Bridge for the lifetime of one
// orchestrator action.
type Driver struct {
	br   *bridge.Bridge
	desc *device.Descriptor

	memap byte

	Progress  func(addr uint32)
	Message   func(s string)
	Cancelled func() bool
}

// New returns a Driver for desc over br. desc.Kind must be device.KindARM.
func New(br *bridge.Bridge, desc *device.Descriptor) *Driver {
	return &Driver{br: br, desc: desc}
}

func (d *Driver) message(s string) {
	if d.Message != nil {
		d.Message(s)
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

func regCmd(addr byte, isRead bool) byte {
	cmd := addr & 0xC
	if isRead {
		cmd |= rnwRead
	}
	return cmd
}

// withWaitRetry calls fn at most maxWaitRetries times in all, trying again
// only while it fails with bridge.ErrWait, the only retryable ack class.
func withWaitRetry(fn func() (uint32, error)) (uint32, error) {
	var err error
	for attempt := 0; attempt < maxWaitRetries; attempt++ {
		var v uint32
		v, err = fn()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, bridge.ErrWait) {
			return 0, err
		}
	}
	return 0, err
}

// finish completes phases 2 and 3 of the xpacc/apacc composite transaction:
// a read of CTRL/STAT yields phase 1's pipelined data, and a
// read of RDBUFF yields phase 2's pipelined CTRL/STAT value, which is
// checked for sticky error bits.
func (d *Driver) finish() (uint32, error) {
	data, err := withWaitRetry(func() (uint32, error) {
		return d.br.Xpacc(irDPACC, regCmd(dpCtrlStat, true), 0)
	})
	if err != nil {
		d.recoverAbort()
		return 0, err
	}
	status, err := withWaitRetry(func() (uint32, error) {
		return d.br.Xpacc(irDPACC, regCmd(dpRdBuff, true), 0)
	})
	if err != nil {
		d.recoverAbort()
		return 0, err
	}
	if status&stickyMask != 0 {
		d.recoverAbort()
		return 0, &StickyCtrlStatError{CtrlStat: status}
	}
	return data, nil
}

// recoverAbort writes the ABORT register to clear sticky CTRL/STAT flags
// (best-effort; its own result is deliberately ignored).
func (d *Driver) recoverAbort() {
	_ = d.br.RawIO(irAbort, stickyMask, 32)
}

func (d *Driver) dpRead(addr byte) (uint32, error) {
	if _, err := withWaitRetry(func() (uint32, error) {
		return d.br.Xpacc(irDPACC, regCmd(addr, true), 0)
	}); err != nil {
		return 0, err
	}
	return d.finish()
}

func (d *Driver) dpWrite(addr byte, value uint32) error {
	if _, err := withWaitRetry(func() (uint32, error) {
		return d.br.Xpacc(irDPACC, regCmd(addr, false), value)
	}); err != nil {
		return err
	}
	_, err := d.finish()
	return err
}

func (d *Driver) apRead(ap, addr byte) (uint32, error) {
	if _, err := withWaitRetry(func() (uint32, error) {
		return d.br.Apacc(ap, regCmd(addr, true), 0)
	}); err != nil {
		return 0, err
	}
	return d.finish()
}

// rawIO sets IR=ir then shifts valueBits of value into/out of DR (an
// ArmDriver-level convenience distinct from Bridge.RawIO's ACK-only pin
// level op; grounded in the Bridge's raw JTAG shift primitives, cmds 6/7).
func (d *Driver) rawIO(ir byte, value uint64, valueBits int) (uint64, error) {
	if _, err := d.br.JtagRawIR(uint64(ir), irBits); err != nil {
		return 0, err
	}
	return d.br.JtagRawDR(value, valueBits)
}

// DebugEnable runs the debug-enable sequence: TAP reset, IDCODE check,
// debug/system power-up, MEM-AP discovery, and halting-debug enable.
func (d *Driver) DebugEnable() error {
	if err := d.br.JtagReset(0); err != nil {
		return err
	}
	if err := d.br.JtagReset(2); err != nil {
		return err
	}

	idcode, err := d.rawIO(irIDCode, 0, 32)
	if err != nil {
		return err
	}
	if uint32(idcode)&0x0FFFFFFF != expectedIDCode {
		return ErrUnsupportedDevice
	}

	if err := d.dpWrite(dpCtrlStat, ctrlCSysPwrUpReq|ctrlCDbgPwrUpReq); err != nil {
		return err
	}
	status, err := d.dpRead(dpCtrlStat)
	if err != nil {
		return err
	}
	if status&ctrlCDbgPwrUpAck == 0 {
		return ErrNoDebugPower
	}
	if status&ctrlCSysPwrUpAck == 0 {
		return ErrNoSystemPower
	}

	if err := d.findMemAP(); err != nil {
		return err
	}

	if err := d.WriteMem32(dhcsr, dhcsrDbgKeyEnable); err != nil {
		return err
	}
	if err := d.WriteMem32(demcr, 1); err != nil {
		return err
	}
	return d.br.JtagReset(1)
}

// findMemAP scans AP indices 0..255 for the first MEM-AP class (0x477) and
// records it for SetMemAP.
func (d *Driver) findMemAP() error {
	for ap := 0; ap < 256; ap++ {
		idr, err := d.apRead(byte(ap), apRegIDR)
		if err != nil {
			return err
		}
		if idr == 0 {
			break
		}
		if (idr>>16)&0xFFF == 0x477 {
			d.memap = byte(ap)
			return d.br.SetMemAP(d.memap)
		}
	}
	return ErrMemApNotFound
}

// DebugDisable drops halting debug and debug power (best-effort cleanup
// counterpart to DebugEnable).
func (d *Driver) DebugDisable() error {
	if err := d.WriteMem32(dhcsr, 0xA05F_0000); err != nil {
		return err
	}
	return d.dpWrite(dpCtrlStat, 0)
}

// ReadMem32 reads one 32-bit word at addr.
func (d *Driver) ReadMem32(addr uint32) (uint32, error) {
	return d.br.ReadMem(addr, 32)
}

// WriteMem32 writes one 32-bit word at addr.
func (d *Driver) WriteMem32(addr, value uint32) error {
	return d.br.WriteMem(addr, value, 32)
}

// ReadMem16 reads one 16-bit halfword at addr.
func (d *Driver) ReadMem16(addr uint32) (uint16, error) {
	v, err := d.br.ReadMem(addr, 16)
	return uint16(v), err
}

// WriteMem16 writes one 16-bit halfword at addr.
func (d *Driver) WriteMem16(addr uint32, value uint16) error {
	return d.br.WriteMem(addr, uint32(value), 16)
}

func (d *Driver) readSR() (uint32, error) {
	return d.ReadMem32(fpecSR)
}

// checkSR interprets FLASH_SR: BUSY is a fault, PGERR and WRPRTERR are
// specific faults, EOP is success, anything else is unknown.
func checkSR(sr uint32) error {
	if sr&srBusy != 0 {
		return ErrFlashBusy
	}
	if sr&srPgErr != 0 {
		return ErrFlashCellNotErased
	}
	if sr&srWrpErr != 0 {
		return ErrFlashWriteProtected
	}
	if sr&srEOP != 0 {
		return nil
	}
	return ErrFlashUnknown
}

func (d *Driver) resetSR() error {
	return d.WriteMem32(fpecSR, srClrMask)
}

// UnlockFpec writes the key sequence to FLASH_KEYR if FLASH_CR.LOCK is set,
// and confirms LOCK cleared.
func (d *Driver) UnlockFpec() error {
	cr, err := d.ReadMem32(fpecCR)
	if err != nil {
		return err
	}
	if cr&crLock == 0 {
		return nil
	}
	if err := d.WriteMem32(fpecKeyR, fpecKey1); err != nil {
		return err
	}
	if err := d.WriteMem32(fpecKeyR, fpecKey2); err != nil {
		return err
	}
	cr, err = d.ReadMem32(fpecCR)
	if err != nil {
		return err
	}
	if cr&crLock != 0 {
		return ErrFpecUnlockFailed
	}
	return nil
}

// LockFpec sets FLASH_CR.LOCK.
func (d *Driver) LockFpec() error {
	cr, err := d.ReadMem32(fpecCR)
	if err != nil {
		return err
	}
	return d.WriteMem32(fpecCR, cr|crLock)
}

// MassErase erases the whole flash array.
func (d *Driver) MassErase() error {
	if err := d.resetSR(); err != nil {
		return err
	}
	if err := d.WriteMem32(fpecCR, crMER); err != nil {
		return err
	}
	if err := d.WriteMem32(fpecCR, crMER|crSTRT); err != nil {
		return err
	}
	sr, err := d.readSR()
	if err != nil {
		return err
	}
	return checkSR(sr)
}

// setProgramming toggles FLASH_CR.PG.
func (d *Driver) setProgramming(on bool) error {
	cr, err := d.ReadMem32(fpecCR)
	if err != nil {
		return err
	}
	if on {
		cr |= crPG
	} else {
		cr &^= crPG
	}
	return d.WriteMem32(fpecCR, cr)
}

// ChipInfo reports the MEM-AP and flash range found during debug-enable
// (ARM::isp_chip_info, which the original leaves largely unimplemented; this
// fills in the MEM-AP/flash summary it stubs out).
func (d *Driver) ChipInfo() (string, error) {
	if err := d.DebugEnable(); err != nil {
		return "", err
	}
	defer d.DebugDisable()
	return fmt.Sprintf("MEM-AP %d, flash 0x%08X-0x%08X", d.memap,
		device.ARMFlashBase, device.ARMFlashBase+d.desc.FlashSize-1), nil
}

// StatFirmware reports each page's address range against the flash limit
// without touching the device (ARM::isp_stat_firmware / check_firmware with
// verbose=true); it returns true iff every page is in range.
func (d *Driver) StatFirmware(fw *firmware.Firmware) bool {
	begin := device.ARMFlashBase
	end := device.ARMFlashBase + d.desc.FlashSize
	status := true
	for _, page := range fw.Pages() {
		ok := page.Addr >= begin && page.Addr < end
		status = status && ok
		pageStatus := "ok"
		if !ok {
			pageStatus = "out of range [fail]"
		}
		d.message(fmt.Sprintf("PAGE[0x%08X] - %s", page.Addr, pageStatus))
	}
	if status {
		d.message("overall status [ ok ]")
	} else {
		d.message("overall status [fail]")
	}
	return status
}

// CheckFirmware validates every page lies within the flash range
// [ARMFlashBase, ARMFlashBase+flash_size); it is the first step of
// write-firmware. Page addresses come straight from the HEX linear
// addresses, so for STM32 images they are already 0x0800_0000-based.
func (d *Driver) CheckFirmware(fw *firmware.Firmware) error {
	begin := device.ARMFlashBase
	end := device.ARMFlashBase + d.desc.FlashSize
	for _, p := range fw.Pages() {
		if p.Addr < begin || p.Addr >= end {
			return fmt.Errorf("%w: page 0x%08X outside flash 0x%08X-0x%08X",
				firmware.ErrPageOutOfRange, p.Addr, begin, end-1)
		}
	}
	return nil
}

// WriteFirmware runs the full write-firmware protocol: debug-enable,
// unlock+mass-erase+PG=1, stream every page's words through
// program_next, then PG=0, lock, debug-disable. Cancellation is checked
// between words; on trip, best-effort lock+debug-disable still runs before
// ErrCancelled propagates.
func (d *Driver) WriteFirmware(fw *firmware.Firmware) error {
	if err := d.CheckFirmware(fw); err != nil {
		return err
	}
	if err := d.DebugEnable(); err != nil {
		return err
	}

	cleanup := func() {
		_ = d.setProgramming(false)
		_ = d.LockFpec()
		_ = d.DebugDisable()
	}

	if err := d.UnlockFpec(); err != nil {
		_ = d.DebugDisable()
		return err
	}
	if err := d.MassErase(); err != nil {
		cleanup()
		return err
	}
	if err := d.setProgramming(true); err != nil {
		cleanup()
		return err
	}

	for _, page := range fw.Pages() {
		if err := d.br.SetMemAddr(page.Addr); err != nil {
			cleanup()
			return err
		}
		for off := 0; off+4 <= len(page.Data); off += 4 {
			if d.cancelled() {
				cleanup()
				return ErrCancelled
			}
			word := uint32(page.Data[off]) | uint32(page.Data[off+1])<<8 |
				uint32(page.Data[off+2])<<16 | uint32(page.Data[off+3])<<24
			if err := d.br.ProgramNext(word); err != nil {
				cleanup()
				return err
			}
			d.progress(page.Addr + uint32(off))
		}
	}

	if err := d.setProgramming(false); err != nil {
		_ = d.LockFpec()
		_ = d.DebugDisable()
		return err
	}
	if err := d.LockFpec(); err != nil {
		_ = d.DebugDisable()
		return err
	}
	if err := d.DebugDisable(); err != nil {
		return err
	}
	d.message("[ DONE ]")
	return nil
}

// ReadFirmware reads the whole flash array back into a Firmware.
func (d *Driver) ReadFirmware() (*firmware.Firmware, error) {
	if err := d.DebugEnable(); err != nil {
		return nil, err
	}
	defer d.DebugDisable()

	fw, err := firmware.New(d.desc.PageSize)
	if err != nil {
		return nil, err
	}

	pageCount := d.desc.ARMPageCount()
	for p := uint32(0); p < pageCount; p++ {
		pageAddr := device.ARMFlashBase + p*d.desc.PageSize
		if err := d.br.SetMemAddr(pageAddr); err != nil {
			return nil, err
		}
		data := make([]byte, d.desc.PageSize)
		for off := uint32(0); off+4 <= d.desc.PageSize; off += 4 {
			if d.cancelled() {
				return nil, ErrCancelled
			}
			word, err := d.br.ReadNext(32)
			if err != nil {
				return nil, err
			}
			data[off] = byte(word)
			data[off+1] = byte(word >> 8)
			data[off+2] = byte(word >> 16)
			data[off+3] = byte(word >> 24)
			d.progress(pageAddr + off)
		}
		fw.Put(pageAddr, data)
	}
	return fw, nil
}

// CompareFirmware reads the target back word by word and compares it
// against fw, returning true iff every word matched.
func (d *Driver) CompareFirmware(fw *firmware.Firmware) (bool, error) {
	if err := d.DebugEnable(); err != nil {
		return false, err
	}
	defer d.DebugDisable()

	same := true
	for _, page := range fw.Pages() {
		if err := d.br.SetMemAddr(page.Addr); err != nil {
			return false, err
		}
		for off := 0; off+4 <= len(page.Data); off += 4 {
			if d.cancelled() {
				return false, ErrCancelled
			}
			addr := page.Addr + uint32(off)
			want := uint32(page.Data[off]) | uint32(page.Data[off+1])<<8 |
				uint32(page.Data[off+2])<<16 | uint32(page.Data[off+3])<<24
			got, err := d.br.ReadNext(32)
			if err != nil {
				return false, err
			}
			if got != want {
				same = false
			}
			d.progress(addr)
		}
	}
	return same, nil
}
