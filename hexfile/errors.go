package hexfile

import "errors"

var (
	// ErrMalformed covers structurally invalid lines: missing ':', short
	// lines, bad hex digits.
	ErrMalformed = errors.New("hexfile: malformed record")

	// ErrBadChecksum is raised when a record's trailing checksum byte does
	// not match the two's-complement sum of the preceding bytes.
	ErrBadChecksum = errors.New("hexfile: checksum mismatch")

	// ErrUnsupported is raised on an Extended Segment Address record
	// (type 0x02), which this reader does not implement.
	ErrUnsupported = errors.New("hexfile: unsupported record type 0x02")
)
