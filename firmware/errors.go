package firmware

import "errors"

var (
	// ErrPageSizeNotPowerOfTwo is raised when Build is called with a
	// non-power-of-two page size.
	ErrPageSizeNotPowerOfTwo = errors.New("firmware: page size is not a power of two")

	// ErrPageOutOfRange is raised by Validate when a page's address lies
	// outside [0, limit).
	ErrPageOutOfRange = errors.New("firmware: page address out of range")

	// ErrBadLinearAddress is raised when a type-0x04 record's payload is
	// not exactly 2 bytes.
	ErrBadLinearAddress = errors.New("firmware: wrong linear base address record")
)
