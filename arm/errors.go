package arm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedDevice is raised when the read-back IDCODE doesn't match
	// the expected Cortex-M3 debug-port ID.
	ErrUnsupportedDevice = errors.New("arm: unsupported device (unexpected IDCODE)")

	// ErrMemApNotFound is raised when no AP in 0..256 reports the MEM-AP
	// class ID 0x477.
	ErrMemApNotFound = errors.New("arm: no MEM-AP found")

	// ErrNoDebugPower is raised when CDBGPWRUPACK doesn't come back set
	// after requesting debug power-up.
	ErrNoDebugPower = errors.New("arm: debug power-up not acknowledged")

	// ErrNoSystemPower is raised when CSYSPWRUPACK doesn't come back set.
	ErrNoSystemPower = errors.New("arm: system power-up not acknowledged")

	// ErrFpecUnlockFailed is raised when FLASH_CR.LOCK is still set after
	// writing the unlock key sequence.
	ErrFpecUnlockFailed = errors.New("arm: fpec unlock failed")

	// ErrFlashCellNotErased is FLASH_SR.PGERR.
	ErrFlashCellNotErased = errors.New("arm: flash cell not erased")

	// ErrFlashWriteProtected is FLASH_SR.WRPRTERR.
	ErrFlashWriteProtected = errors.New("arm: flash write protected")

	// ErrFlashUnknown is any FLASH_SR outcome that is neither BUSY, PGERR,
	// WRPRTERR, nor EOP.
	ErrFlashUnknown = errors.New("arm: unknown flash status")

	// ErrFlashBusy is FLASH_SR.BUSY still set when a status check was
	// expected to be conclusive.
	ErrFlashBusy = errors.New("arm: flash busy")

	// ErrCancelled is raised when the Cancelled callback trips mid-operation.
	ErrCancelled = errors.New("arm: operation cancelled")

	// ErrNotImplemented is returned by the `test` action (ARM::action_test).
	ErrNotImplemented = errors.New("arm: action_test not implemented")
)

// StickyCtrlStatError is raised by the xpacc/apacc composite transaction
// when, after both ACKs come back OKFAULT, the pipelined CTRL/STAT word
// still has a sticky error bit {1,4,5} set.
type StickyCtrlStatError struct {
	CtrlStat uint32
}

func (e *StickyCtrlStatError) Error() string {
	return fmt.Sprintf("arm: sticky CTRL/STAT error flags set (0x%08X)", e.CtrlStat)
}
