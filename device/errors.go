package device

import "errors"

var (
	// ErrInvalidDescriptor is raised by Descriptor.Validate.
	ErrInvalidDescriptor = errors.New("device: invalid descriptor")

	// ErrNotFound is raised when no INI file in the search path defines the
	// requested device section.
	ErrNotFound = errors.New("device: descriptor not found")

	// ErrUnknownKind is raised for a Descriptor whose Kind is neither KindAVR
	// nor KindARM. LoadByName never returns it: a section whose type is not
	// an ARM name decodes as AVR.
	ErrUnknownKind = errors.New("device: section has no recognizable kind")

	// ErrBadSignature is raised when a device_code value can't be parsed as
	// three comma-separated byte literals.
	ErrBadSignature = errors.New("device: malformed device_code")

	// ErrNoProjectDevice is raised when a project INI has no device= key.
	ErrNoProjectDevice = errors.New("device: project file has no device key")
)
