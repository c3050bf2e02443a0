package avr

import "errors"

var (
	// ErrProgramEnableFailed is raised when the program-enable handshake's
	// echo byte doesn't come back as 0x53.
	ErrProgramEnableFailed = errors.New("avr: program enable failed")

	// ErrWrongSignature is raised when the read-back signature doesn't match
	// the device descriptor's signature.
	ErrWrongSignature = errors.New("avr: wrong chip signature")

	// ErrUnsupportedChip is raised for a descriptor that isn't paged, or
	// otherwise can't be driven by this state machine.
	ErrUnsupportedChip = errors.New("avr: unsupported chip")

	// ErrChipEraseFailed is raised when the chip-erase echo byte doesn't
	// come back as 0xAC.
	ErrChipEraseFailed = errors.New("avr: chip erase failed")

	// ErrFuseMismatch is raised when a fuse write doesn't verify.
	ErrFuseMismatch = errors.New("avr: fuse write did not verify")

	// ErrCancelled is raised when the Cancelled callback trips mid-operation.
	ErrCancelled = errors.New("avr: operation cancelled")

	// ErrNotImplemented is returned by the `test` action (AVR::action_test).
	ErrNotImplemented = errors.New("avr: action_test not implemented")
)
