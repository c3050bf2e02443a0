// Package bridge layers the typed operations the AVR and ARM drivers need on
// top of protocol.Codec. Each operation fixes a (cmd, request-layout,
// response-shape); a reply that doesn't match is ErrShape.
//
// Absolute memory access (ReadMem/WriteMem) is implemented as two wire
// packets — a cmd-11 "set memaddr" packet, followed by the cmd-15/16
// packet carrying only the bit-width (and, for writes, the value) — because
// a single packet carrying width, address and a 32-bit value would exceed
// protocol.MaxPayload. This mirrors real ADIv5 MEM-AP access, which is
// itself a TAR-then-DRW pair of transactions.
package bridge

import (
	"github.com/zolotov-av/pigro/protocol"
)

// Bridge exposes the typed ISP/JTAG/MEM-AP operations layered on a
// protocol.Codec. No driver code may be reentered: a Bridge is owned
// exclusively by one Driver for the lifetime of an action.
type Bridge struct {
	codec *protocol.Codec
}

// New wraps codec.
func New(codec *protocol.Codec) *Bridge {
	return &Bridge{codec: codec}
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func beN(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = byte(v >> (8 * i))
	}
	return out
}

func decodeBE(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func (b *Bridge) roundTrip(cmd byte, payload []byte) (protocol.Packet, error) {
	if err := b.codec.Send(protocol.Packet{Cmd: cmd, Data: payload}); err != nil {
		return protocol.Packet{}, err
	}
	return b.codec.Recv()
}

// expectValue sends a request and expects either a value reply of exactly
// wantLen bytes, or a 1-byte error reply.
func (b *Bridge) expectValue(cmd byte, payload []byte, wantLen int) (uint64, error) {
	reply, err := b.roundTrip(cmd, payload)
	if err != nil {
		return 0, err
	}
	switch len(reply.Data) {
	case 1:
		return 0, decodeStatusByte(reply.Data[0])
	case wantLen:
		return decodeBE(reply.Data), nil
	default:
		return 0, ErrShape
	}
}

// expectAck sends a request and expects an empty (success) reply or a
// 1-byte error reply.
func (b *Bridge) expectAck(cmd byte, payload []byte) error {
	reply, err := b.roundTrip(cmd, payload)
	if err != nil {
		return err
	}
	switch len(reply.Data) {
	case 0:
		return nil
	case 1:
		return decodeStatusByte(reply.Data[0])
	default:
		return ErrShape
	}
}

// IspReset pulses or sets the target RESET line through the bridge (cmd 2).
func (b *Bridge) IspReset(level bool) error {
	var v byte
	if level {
		v = 1
	}
	return b.expectAck(protocol.CmdIspReset, []byte{v})
}

// IspIO shifts a 32-bit SPI instruction out and the reply in, MSB-first
// (cmd 3).
func (b *Bridge) IspIO(instr uint32) (uint32, error) {
	v, err := b.expectValue(protocol.CmdIspIO, be32(instr), 4)
	return uint32(v), err
}

// JtagReset drives the TAP through the given reset mode (cmd 5).
func (b *Bridge) JtagReset(mode byte) error {
	return b.expectAck(protocol.CmdJtagReset, []byte{mode})
}

// JtagRawIR shifts bits bits into IR and returns the bits shifted out
// (cmd 6). bits must be small enough that 1+ceil(bits/8) <= MaxPayload.
func (b *Bridge) JtagRawIR(value uint64, bits int) (uint64, error) {
	return b.jtagRaw(protocol.CmdJtagRawIR, value, bits)
}

// JtagRawDR shifts bits bits into DR and returns the bits shifted out
// (cmd 7).
func (b *Bridge) JtagRawDR(value uint64, bits int) (uint64, error) {
	return b.jtagRaw(protocol.CmdJtagRawDR, value, bits)
}

func (b *Bridge) jtagRaw(cmd byte, value uint64, bits int) (uint64, error) {
	nbytes := (bits + 7) / 8
	if 1+nbytes > protocol.MaxPayload {
		return 0, ErrShape
	}
	payload := append([]byte{byte(bits)}, beN(value, nbytes)...)
	reply, err := b.roundTrip(cmd, payload)
	if err != nil {
		return 0, err
	}
	// A shift of 8 bits or fewer legitimately returns a single byte; the
	// 1-byte error-code convention only applies to wider shifts here.
	if len(reply.Data) == 1 && nbytes != 1 {
		return 0, decodeStatusByte(reply.Data[0])
	}
	if len(reply.Data) != nbytes {
		return 0, ErrShape
	}
	return decodeBE(reply.Data), nil
}

// RawIO shifts value (valueBits wide) into ir and reports the bridge's ACK
// for the transaction (cmd 8).
func (b *Bridge) RawIO(ir byte, value uint32, valueBits int) error {
	nbytes := (valueBits + 7) / 8
	payload := append([]byte{ir, byte(valueBits)}, beN(uint64(value), nbytes)...)
	return b.expectAck(protocol.CmdRawIO, payload)
}

// Xpacc performs one DP access phase: ir selects DPACC/APACC, regCmd is the
// A[3:2]+RnW-encoded register command (cmd 9).
func (b *Bridge) Xpacc(ir, regCmd byte, value uint32) (uint32, error) {
	payload := append([]byte{ir, regCmd}, be32(value)...)
	v, err := b.expectValue(protocol.CmdXpacc, payload, 4)
	return uint32(v), err
}

// Apacc performs one AP access phase against AP index ap (cmd 10).
func (b *Bridge) Apacc(ap, regCmd byte, value uint32) (uint32, error) {
	payload := append([]byte{ap, regCmd}, be32(value)...)
	v, err := b.expectValue(protocol.CmdApacc, payload, 4)
	return uint32(v), err
}

// SetMemAP selects the MEM-AP index the bridge will target for subsequent
// memory operations (cmd 11, param=1).
func (b *Bridge) SetMemAP(ap byte) error {
	return b.expectAck(protocol.CmdConfig, []byte{1, ap})
}

// SetMemAddr sets the bridge-side auto-incrementing memory cursor
// (cmd 11, param=2).
func (b *Bridge) SetMemAddr(addr uint32) error {
	return b.expectAck(protocol.CmdConfig, append([]byte{2}, be32(addr)...))
}

// ReadNext reads the next width-bit value at the bridge's memory cursor and
// advances it (cmd 12).
func (b *Bridge) ReadNext(widthBits int) (uint32, error) {
	v, err := b.expectValue(protocol.CmdReadNext, []byte{byte(widthBits)}, widthBits/8)
	return uint32(v), err
}

// WriteNext writes value (width bits wide) at the bridge's memory cursor and
// advances it (cmd 13).
func (b *Bridge) WriteNext(value uint32, widthBits int) error {
	payload := append([]byte{byte(widthBits)}, beN(uint64(value), widthBits/8)...)
	return b.expectAck(protocol.CmdWriteNext, payload)
}

// ProgramNext streams one 32-bit word to the FPEC through the bridge's
// memory cursor (cmd 14). The bridge stores the word as two halfwords: on
// success it echoes the word back in a 4-byte reply; a failing halfword
// comes back as a 1- or 2-byte error reply instead.
func (b *Bridge) ProgramNext(word uint32) error {
	reply, err := b.roundTrip(protocol.CmdProgramNext, be32(word))
	if err != nil {
		return err
	}
	switch len(reply.Data) {
	case 4:
		return nil
	case 1:
		return decodeStatusByte(reply.Data[0])
	case 2:
		if err := decodeStatusByte(reply.Data[0]); err != nil {
			return err
		}
		return decodeStatusByte(reply.Data[1])
	default:
		return ErrShape
	}
}

// ReadMem reads widthBits from addr: it first moves the bridge's memory
// cursor to addr, then issues the width-only read (see package doc).
func (b *Bridge) ReadMem(addr uint32, widthBits int) (uint32, error) {
	if err := b.SetMemAddr(addr); err != nil {
		return 0, err
	}
	v, err := b.expectValue(protocol.CmdReadMem, []byte{byte(widthBits)}, widthBits/8)
	return uint32(v), err
}

// WriteMem writes value (widthBits wide) to addr, moving the cursor first
// (see package doc).
func (b *Bridge) WriteMem(addr uint32, value uint32, widthBits int) error {
	if err := b.SetMemAddr(addr); err != nil {
		return err
	}
	payload := append([]byte{byte(widthBits)}, beN(uint64(value), widthBits/8)...)
	return b.expectAck(protocol.CmdWriteMem, payload)
}
