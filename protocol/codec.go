package protocol

import (
	"errors"
	"time"

	"github.com/zolotov-av/pigro/link"
)

// ByteLink is the minimal transport a Codec needs: a per-byte-deadline
// reader and a blocking, writes-until-drained writer. link.Link satisfies
// this; tests use an in-memory fake.
type ByteLink interface {
	ReadByte(timeout time.Duration) (byte, error)
	Write(data []byte) error
}

// Codec frames packets over a ByteLink. Bridge commands are strictly
// sequential FIFO within a session: a Codec never pipelines a send ahead of
// its matching recv.
type Codec struct {
	link    ByteLink
	timeout time.Duration

	// NackSupport is true once Handshake has detected an ACK-capable peer.
	// Every Send after that point is followed by a one-byte ACK/NACK read.
	NackSupport bool

	// VersionMajor/VersionMinor are populated by Handshake; (0, 1) for a
	// legacy peer that never responds to the handshake frame.
	VersionMajor byte
	VersionMinor byte
}

// New wraps link with the default 200ms per-byte read deadline.
func New(l ByteLink) *Codec {
	return &Codec{link: l, timeout: 200 * time.Millisecond}
}

func (c *Codec) readByte() (byte, error) {
	b, err := c.link.ReadByte(c.timeout)
	if err != nil {
		return 0, translateLinkErr(err)
	}
	return b, nil
}

// translateLinkErr maps the underlying link's timeout sentinel onto this
// package's, so callers never need to know about link.ErrTimeout.
func translateLinkErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, link.ErrTimeout) {
		return ErrTimeout
	}
	return err
}

// Send emits cmd/len/data and, once NackSupport is set, synchronously reads
// one ACK/NACK byte.
func (c *Codec) Send(pkt Packet) error {
	if err := c.writeFrame(pkt); err != nil {
		return err
	}
	if !c.NackSupport {
		return nil
	}
	return c.readSync()
}

func (c *Codec) writeFrame(pkt Packet) error {
	if len(pkt.Data) > MaxPayload {
		return ErrPacketTooBig
	}
	frame := make([]byte, 0, 2+len(pkt.Data))
	frame = append(frame, pkt.Cmd, byte(len(pkt.Data)))
	frame = append(frame, pkt.Data...)
	return c.link.Write(frame)
}

func (c *Codec) readSync() error {
	b, err := c.readByte()
	if err != nil {
		return err
	}
	switch b {
	case ackByte:
		return nil
	case nackByte:
		return ErrProtocolNack
	default:
		return ErrOutOfSync
	}
}

// Recv reads one packet: cmd, len, then len payload bytes.
func (c *Codec) Recv() (Packet, error) {
	cmd, err := c.readByte()
	if err != nil {
		return Packet{}, err
	}
	length, err := c.readByte()
	if err != nil {
		return Packet{}, err
	}
	if length > MaxPayload {
		return Packet{}, ErrPacketTooBig
	}
	data := make([]byte, length)
	for i := range data {
		b, err := c.readByte()
		if err != nil {
			return Packet{}, err
		}
		data[i] = b
	}
	return Packet{Cmd: cmd, Data: data}, nil
}

// Handshake probes the peer and, if it is ACK-capable, switches the codec
// into ACK/NACK mode for all subsequent traffic. It must run before
// NackSupport-dependent Send calls, and it bypasses ACK framing for its own
// probe frame.
func (c *Codec) Handshake() error {
	if err := c.writeFrame(Packet{Cmd: CmdHandshake, Data: []byte{0, 0}}); err != nil {
		return err
	}

	b, err := c.readByte()
	if errors.Is(err, ErrTimeout) {
		// legacy peer: no sync byte within the window at all.
		c.NackSupport = false
		c.VersionMajor, c.VersionMinor = 0, 1
		return nil
	}
	if err != nil {
		return err
	}
	if b != ackByte {
		return ErrProtocolBadHandshake
	}

	reply, err := c.Recv()
	if err != nil {
		return err
	}
	if len(reply.Data) != 2 {
		return ErrProtocolBadHandshake
	}

	c.NackSupport = true
	c.VersionMajor = reply.Data[0]
	c.VersionMinor = reply.Data[1]
	return nil
}
