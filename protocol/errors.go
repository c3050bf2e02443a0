package protocol

import "errors"

var (
	// ErrTimeout propagates from the underlying link: no byte arrived within
	// the per-byte deadline.
	ErrTimeout = errors.New("protocol: read timeout")

	// ErrOutOfSync is raised when the byte following a sent frame is neither
	// ACK nor NACK.
	ErrOutOfSync = errors.New("protocol: out of sync (unexpected sync byte)")

	// ErrProtocolNack is raised when the peer replies NACK to a sent frame.
	ErrProtocolNack = errors.New("protocol: peer NACKed frame")

	// ErrPacketTooBig is raised when recv() reads a length byte above MaxPayload.
	ErrPacketTooBig = errors.New("protocol: received packet exceeds max payload")

	// ErrProtocolBadHandshake is raised when the handshake reply's sync byte
	// is present but is neither ACK nor a length-2 reply.
	ErrProtocolBadHandshake = errors.New("protocol: malformed handshake reply")
)
