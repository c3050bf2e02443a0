package arm

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

// fakeLink queues whole reply frames in order, mirroring bridge_test.go and
// avr/driver_test.go's approach.
type fakeLink struct {
	replies [][]byte
	out     []byte
}

func (f *fakeLink) ReadByte(_ time.Duration) (byte, error) {
	for len(f.replies) > 0 && len(f.replies[0]) == 0 {
		f.replies = f.replies[1:]
	}
	if len(f.replies) == 0 {
		return 0, protocol.ErrTimeout
	}
	b := f.replies[0][0]
	f.replies[0] = f.replies[0][1:]
	return b, nil
}

func (f *fakeLink) Write(data []byte) error {
	f.out = append(f.out, data...)
	return nil
}

func queueAck(f *fakeLink, cmd byte) {
	f.replies = append(f.replies, []byte{cmd, 0})
}

func queueValue32(f *fakeLink, cmd byte, v uint32) {
	f.replies = append(f.replies, []byte{cmd, 4, byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func queueValue16(f *fakeLink, cmd byte, v uint16) {
	f.replies = append(f.replies, []byte{cmd, 2, byte(v >> 8), byte(v)})
}

// queueWriteMem32/queueReadMem32 queue the two wire packets
// Bridge.WriteMem/ReadMem each send: a SetMemAddr config packet, then the
// width-only mem op (see bridge package doc).
func queueWriteMem32(f *fakeLink) {
	queueAck(f, protocol.CmdConfig)
	queueAck(f, protocol.CmdWriteMem)
}

func queueReadMem32(f *fakeLink, v uint32) {
	queueAck(f, protocol.CmdConfig)
	queueValue32(f, protocol.CmdReadMem, v)
}

func newDriver() (*Driver, *fakeLink) {
	f := &fakeLink{}
	codec := protocol.New(f)
	br := bridge.New(codec)
	desc := &device.Descriptor{
		Kind:      device.KindARM,
		PageSize:  1024,
		FlashSize: 64 * 1024,
	}
	return New(br, desc), f
}

func TestRegCmd(t *testing.T) {
	assert.Equal(t, byte(0xC|rnwRead), regCmd(0xFC, true))
	assert.Equal(t, byte(0x4), regCmd(dpCtrlStat, false))
}

func TestCheckSR(t *testing.T) {
	assert.ErrorIs(t, checkSR(srBusy), ErrFlashBusy)
	assert.ErrorIs(t, checkSR(srPgErr), ErrFlashCellNotErased)
	assert.ErrorIs(t, checkSR(srWrpErr), ErrFlashWriteProtected)
	assert.NoError(t, checkSR(srEOP))
	assert.ErrorIs(t, checkSR(0), ErrFlashUnknown)
}

func TestFinishDetectsStickyError(t *testing.T) {
	d, f := newDriver()
	queueValue32(f, protocol.CmdXpacc, 0x1234_5678) // ctrl/stat phase: pipelined data
	queueValue32(f, protocol.CmdXpacc, stickyMask)  // rdbuff phase: CTRL/STAT with sticky bit
	queueAck(f, protocol.CmdRawIO)                  // recoverAbort's RawIO

	_, err := d.finish()
	var stickyErr *StickyCtrlStatError
	require.ErrorAs(t, err, &stickyErr)
	assert.Equal(t, stickyMask, stickyErr.CtrlStat)
}

func TestFinishSuccess(t *testing.T) {
	d, f := newDriver()
	queueValue32(f, protocol.CmdXpacc, 0xAABBCCDD)
	queueValue32(f, protocol.CmdXpacc, 0) // no sticky bits
	v, err := d.finish()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xAABBCCDD), v)
}

func TestFindMemAPSkipsNonMatchingThenFinds(t *testing.T) {
	d, f := newDriver()

	// ap=0: apacc post (dummy reply), finish() ctrl/stat -> idr not matching, rdbuff -> clean.
	queueValue32(f, protocol.CmdApacc, 0)
	queueValue32(f, protocol.CmdXpacc, 0x0001_0000)
	queueValue32(f, protocol.CmdXpacc, 0)

	// ap=1: apacc post, finish() ctrl/stat -> idr matching class 0x477, rdbuff clean.
	queueValue32(f, protocol.CmdApacc, 0)
	queueValue32(f, protocol.CmdXpacc, 0x0477_0000)
	queueValue32(f, protocol.CmdXpacc, 0)

	queueAck(f, protocol.CmdConfig) // SetMemAP

	require.NoError(t, d.findMemAP())
	assert.Equal(t, byte(1), d.memap)
}

func TestFindMemAPNotFound(t *testing.T) {
	d, f := newDriver()
	// ap=0 returns IDR == 0: the search must give up rather than loop forever.
	queueValue32(f, protocol.CmdApacc, 0)
	queueValue32(f, protocol.CmdXpacc, 0)
	queueValue32(f, protocol.CmdXpacc, 0)

	err := d.findMemAP()
	assert.ErrorIs(t, err, ErrMemApNotFound)
}

// TestDebugEnableSequence replays a full happy-path debug-enable: TAP reset,
// IDCODE read, power-up handshake, MEM-AP discovery at ap=0, DHCSR/DEMCR
// writes, and the trailing jtag_reset(1).
func TestDebugEnableSequence(t *testing.T) {
	d, f := newDriver()

	queueAck(f, protocol.CmdJtagReset) // jtag_reset(0)
	queueAck(f, protocol.CmdJtagReset) // jtag_reset(2)

	// IDCODE: a 4-bit IR shift, then a 32-bit DR shift.
	f.replies = append(f.replies, []byte{protocol.CmdJtagRawIR, 1, 0x01})
	queueValue32(f, protocol.CmdJtagRawDR, 0x3BA0_0477)

	// dpWrite CTRL/STAT: post, then finish's two pipelined reads.
	queueValue32(f, protocol.CmdXpacc, 0)
	queueValue32(f, protocol.CmdXpacc, 0)
	queueValue32(f, protocol.CmdXpacc, 0)

	// dpRead CTRL/STAT: post, data with both power-up ACK bits, clean status.
	queueValue32(f, protocol.CmdXpacc, 0)
	queueValue32(f, protocol.CmdXpacc, ctrlCDbgPwrUpAck|ctrlCSysPwrUpAck)
	queueValue32(f, protocol.CmdXpacc, 0)

	// findMemAP: ap=0 reports IDR class 0x477, then SetMemAP.
	queueValue32(f, protocol.CmdApacc, 0)
	queueValue32(f, protocol.CmdXpacc, 0x0477_0000)
	queueValue32(f, protocol.CmdXpacc, 0)
	queueAck(f, protocol.CmdConfig)

	queueWriteMem32(f) // DHCSR
	queueWriteMem32(f) // DEMCR

	queueAck(f, protocol.CmdJtagReset) // jtag_reset(1)

	require.NoError(t, d.DebugEnable())
	assert.Equal(t, byte(0), d.memap)
}

func TestDebugEnableRejectsForeignIDCode(t *testing.T) {
	d, f := newDriver()
	queueAck(f, protocol.CmdJtagReset)
	queueAck(f, protocol.CmdJtagReset)
	f.replies = append(f.replies, []byte{protocol.CmdJtagRawIR, 1, 0x01})
	queueValue32(f, protocol.CmdJtagRawDR, 0x0BB1_1477) // not a Cortex-M3 JTAG-DP

	err := d.DebugEnable()
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}

func TestReadMem16WriteMem16LanePlacement(t *testing.T) {
	// The bridge picks the DRW lane from addr&2; ReadMem16/WriteMem16 pass the
	// address and the 16-bit value through unchanged, so a halfword written at
	// an upper-lane address reads back as the same value.
	d, f := newDriver()
	queueAck(f, protocol.CmdConfig)   // SetMemAddr (inside WriteMem)
	queueAck(f, protocol.CmdWriteMem) // WriteMem ack
	require.NoError(t, d.WriteMem16(0x0800_0002, 0xBEEF))

	queueAck(f, protocol.CmdConfig) // SetMemAddr (inside ReadMem)
	queueValue16(f, protocol.CmdReadMem, 0xBEEF)
	v, err := d.ReadMem16(0x0800_0002)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v)
}

func TestMassEraseChecksStatus(t *testing.T) {
	d, f := newDriver()
	queueWriteMem32(f)       // resetSR write
	queueWriteMem32(f)       // CR = MER
	queueWriteMem32(f)       // CR = MER|STRT
	queueReadMem32(f, srEOP) // readSR

	require.NoError(t, d.MassErase())
}

func TestUnlockFpecFailure(t *testing.T) {
	d, f := newDriver()
	queueReadMem32(f, crLock) // initial CR read: locked
	queueWriteMem32(f)        // KEY1
	queueWriteMem32(f)        // KEY2
	queueReadMem32(f, crLock) // still locked after keys

	err := d.UnlockFpec()
	assert.ErrorIs(t, err, ErrFpecUnlockFailed)
}

func TestUnlockFpecAlreadyUnlocked(t *testing.T) {
	d, f := newDriver()
	queueReadMem32(f, 0) // CR read: LOCK clear

	require.NoError(t, d.UnlockFpec())
}

func TestWriteFirmwareRejectsOutOfRangePage(t *testing.T) {
	d, _ := newDriver()
	fw, err := firmware.New(1024)
	require.NoError(t, err)
	fw.Put(device.ARMFlashBase+64*1024, make([]byte, 1024)) // one page past flash end

	err = d.WriteFirmware(fw)
	assert.ErrorIs(t, err, firmware.ErrPageOutOfRange)
}

// queueDebugEnable queues the whole happy-path debug-enable exchange.
func queueDebugEnable(f *fakeLink) {
	queueAck(f, protocol.CmdJtagReset) // jtag_reset(0)
	queueAck(f, protocol.CmdJtagReset) // jtag_reset(2)
	f.replies = append(f.replies, []byte{protocol.CmdJtagRawIR, 1, 0x01})
	queueValue32(f, protocol.CmdJtagRawDR, 0x3BA0_0477)
	queueValue32(f, protocol.CmdXpacc, 0) // dpWrite CTRL/STAT: post + finish
	queueValue32(f, protocol.CmdXpacc, 0)
	queueValue32(f, protocol.CmdXpacc, 0)
	queueValue32(f, protocol.CmdXpacc, 0) // dpRead CTRL/STAT
	queueValue32(f, protocol.CmdXpacc, ctrlCDbgPwrUpAck|ctrlCSysPwrUpAck)
	queueValue32(f, protocol.CmdXpacc, 0)
	queueValue32(f, protocol.CmdApacc, 0) // findMemAP at ap=0
	queueValue32(f, protocol.CmdXpacc, 0x0477_0000)
	queueValue32(f, protocol.CmdXpacc, 0)
	queueAck(f, protocol.CmdConfig)
	queueWriteMem32(f)                 // DHCSR
	queueWriteMem32(f)                 // DEMCR
	queueAck(f, protocol.CmdJtagReset) // jtag_reset(1)
}

// TestWriteFirmwareStreamsWholeWords walks the full write protocol against a
// tiny 8-byte page: exactly one program_next round trip per 32-bit word, at
// the page's absolute flash address.
func TestWriteFirmwareStreamsWholeWords(t *testing.T) {
	f := &fakeLink{}
	codec := protocol.New(f)
	br := bridge.New(codec)
	desc := &device.Descriptor{Kind: device.KindARM, PageSize: 8, FlashSize: 16}
	d := New(br, desc)

	fw, err := firmware.New(8)
	require.NoError(t, err)
	fw.Put(device.ARMFlashBase, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	queueDebugEnable(f)
	queueReadMem32(f, 0)     // UnlockFpec: CR already unlocked
	queueWriteMem32(f)       // MassErase: resetSR
	queueWriteMem32(f)       // CR = MER
	queueWriteMem32(f)       // CR = MER|STRT
	queueReadMem32(f, srEOP) // readSR
	queueReadMem32(f, 0)     // setProgramming(true): CR read
	queueWriteMem32(f)       // CR write
	queueAck(f, protocol.CmdConfig) // SetMemAddr(page)
	// two little-endian words, echoed back on success
	queueValue32(f, protocol.CmdProgramNext, 0x04030201)
	queueValue32(f, protocol.CmdProgramNext, 0x08070605)
	queueReadMem32(f, crPG) // setProgramming(false): CR read
	queueWriteMem32(f)      // CR write
	queueReadMem32(f, 0)    // LockFpec: CR read
	queueWriteMem32(f)      // CR write
	queueWriteMem32(f)      // DebugDisable: DHCSR
	queueValue32(f, protocol.CmdXpacc, 0) // dpWrite CTRL/STAT = 0
	queueValue32(f, protocol.CmdXpacc, 0)
	queueValue32(f, protocol.CmdXpacc, 0)

	require.NoError(t, d.WriteFirmware(fw))
	for _, r := range f.replies {
		assert.Empty(t, r, "every queued reply must be consumed exactly once")
	}
}

func TestCheckFirmwareAbsoluteAddresses(t *testing.T) {
	// HEX linear addresses for STM32 images are already 0x0800_0000-based;
	// pages below the flash base (e.g. a 0-based image) are rejected too.
	d, _ := newDriver()

	fw, err := firmware.New(1024)
	require.NoError(t, err)
	fw.Put(device.ARMFlashBase, make([]byte, 1024))
	fw.Put(device.ARMFlashBase+63*1024, make([]byte, 1024))
	assert.NoError(t, d.CheckFirmware(fw))

	zeroBased, err := firmware.New(1024)
	require.NoError(t, err)
	zeroBased.Put(0, make([]byte, 1024))
	assert.ErrorIs(t, d.CheckFirmware(zeroBased), firmware.ErrPageOutOfRange)
}
