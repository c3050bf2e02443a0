package avr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zolotov-av/pigro/bridge"
	"github.com/zolotov-av/pigro/device"
	"github.com/zolotov-av/pigro/firmware"
	"github.com/zolotov-av/pigro/protocol"
)

// fakeLink replays a fixed sequence of IspIO/IspReset reply frames; each
// reply frame is queued in order and dequeued on every round trip the
// codec performs. This mirrors how bridge_test.go drives Bridge without
// real hardware.
type fakeLink struct {
	replies [][]byte
	out     []byte
}

func (f *fakeLink) ReadByte(_ time.Duration) (byte, error) {
	if len(f.replies) == 0 {
		return 0, protocol.ErrTimeout
	}
	cur := f.replies[0]
	if len(cur) == 0 {
		f.replies = f.replies[1:]
		return f.ReadByte(0)
	}
	b := cur[0]
	f.replies[0] = cur[1:]
	return b, nil
}

func (f *fakeLink) Write(data []byte) error {
	f.out = append(f.out, data...)
	return nil
}

// queueIspReset appends an empty-ack reply (cmd 2, len 0).
func queueIspReset(f *fakeLink) {
	f.replies = append(f.replies, []byte{protocol.CmdIspReset, 0})
}

// queueIspIO appends a 4-byte value reply (cmd 3, len 4, value).
func queueIspIO(f *fakeLink, v uint32) {
	f.replies = append(f.replies, []byte{protocol.CmdIspIO, 4, byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func newDriver() (*Driver, *fakeLink, *device.Descriptor) {
	f := &fakeLink{}
	codec := protocol.New(f)
	br := bridge.New(codec)
	desc := &device.Descriptor{
		Kind:         device.KindAVR,
		Signature:    [3]byte{0x1E, 0x93, 0x07},
		PageWordSize: 16, // 32-byte pages
		PageCount:    4,
		Paged:        true,
	}
	return New(br, desc), f, desc
}

func TestProgramEnableSuccess(t *testing.T) {
	d, f, _ := newDriver()
	queueIspReset(f)
	queueIspReset(f)
	queueIspReset(f)
	queueIspIO(f, 0x00530000)

	require.NoError(t, d.ProgramEnable())
}

func TestProgramEnableFails(t *testing.T) {
	d, f, _ := newDriver()
	queueIspReset(f)
	queueIspReset(f)
	queueIspReset(f)
	queueIspIO(f, 0x00000000)

	err := d.ProgramEnable()
	assert.ErrorIs(t, err, ErrProgramEnableFailed)
}

func TestReadSignatureMatches(t *testing.T) {
	d, f, desc := newDriver()
	queueIspIO(f, 0x1E)
	queueIspIO(f, 0x93)
	queueIspIO(f, 0x07)

	sig, err := d.ReadSignature()
	require.NoError(t, err)
	assert.Equal(t, desc.Signature, sig)
}

func TestChipEraseFails(t *testing.T) {
	d, f, _ := newDriver()
	queueIspIO(f, 0x00000000)
	err := d.ChipErase()
	assert.ErrorIs(t, err, ErrChipEraseFailed)
}

func TestChipEraseSuccess(t *testing.T) {
	d, f, _ := newDriver()
	queueIspIO(f, 0x0000AC00)
	require.NoError(t, d.ChipErase())
}

func TestWriteFirmwareRejectsOutOfRangePage(t *testing.T) {
	d, _, _ := newDriver()
	// page at 0x1000 exceeds 4 pages * 32 bytes = 128 bytes flash.
	fw, err := firmware.New(32)
	require.NoError(t, err)
	fw.Put(0x1000, make([]byte, 32))

	err = d.WriteFirmware(fw)
	assert.ErrorIs(t, err, firmware.ErrPageOutOfRange)
}

func TestWriteFirmwareSinglePage(t *testing.T) {
	// Writing a single page must issue exactly one flush, after the last
	// load to that page.
	d, f, _ := newDriver()
	fw, err := firmware.New(32)
	require.NoError(t, err)
	page := make([]byte, 32)
	for i := range page {
		page[i] = byte(i)
	}
	fw.Put(0, page)

	queueIspReset(f) // enable pulse
	queueIspReset(f)
	queueIspReset(f)
	queueIspIO(f, 0x00530000) // program enable ok
	queueIspIO(f, 0x1E)       // signature
	queueIspIO(f, 0x93)
	queueIspIO(f, 0x07)
	queueIspIO(f, 0x0000AC00) // chip erase ok
	for i := 0; i < 32; i++ {
		queueIspIO(f, 0) // load byte ack value (unused)
	}
	queueIspIO(f, 0) // flush page
	queueIspReset(f) // program disable

	var progressed []uint32
	d.Progress = func(addr uint32) { progressed = append(progressed, addr) }

	require.NoError(t, d.WriteFirmware(fw))
	assert.Len(t, progressed, 32)
}

func TestWriteFirmwareCancelled(t *testing.T) {
	// Tripping Cancelled mid-loop must abort before the page flush is issued.
	d, f, _ := newDriver()
	fw, err := firmware.New(32)
	require.NoError(t, err)
	fw.Put(0, make([]byte, 32))

	queueIspReset(f)
	queueIspReset(f)
	queueIspReset(f)
	queueIspIO(f, 0x00530000)
	queueIspIO(f, 0x1E)
	queueIspIO(f, 0x93)
	queueIspIO(f, 0x07)
	queueIspIO(f, 0x0000AC00)
	queueIspIO(f, 0) // load byte 0, consumed before the cancel trips
	queueIspReset(f) // program disable in the deferred cleanup

	calls := 0
	d.Cancelled = func() bool {
		calls++
		return calls > 1
	}

	err = d.WriteFirmware(fw)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCheckFuseReportsStatus(t *testing.T) {
	d, f, desc := newDriver()
	low := byte(0xE1)
	desc.FuseLow = &low
	queueIspIO(f, 0xE1) // fuse low readback matches
	queueIspIO(f, 0x00) // fuse high readback (no expected value set -> NA)
	queueIspIO(f, 0x00) // fuse ext readback (no expected value set -> NA)

	var lines []string
	d.Message = func(s string) { lines = append(lines, s) }

	require.NoError(t, d.CheckFuse())
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ok")
	assert.Contains(t, lines[1], "NA")
	assert.Contains(t, lines[2], "NA")
}
