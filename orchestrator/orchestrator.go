package orchestrator

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/zolotov-av/pigro/arm"
	"github.com/zolotov-av/pigro/avr"
	"github.com/zolotov-av/pigro/bridge"
	"github.com/zolotov-av/pigro/device"
	"github.com/zolotov-av/pigro/firmware"
	"github.com/zolotov-av/pigro/hexfile"
	"github.com/zolotov-av/pigro/link"
	"github.com/zolotov-av/pigro/protocol"
)

// linkConn is the transport Run needs: protocol.ByteLink plus Close and
// DrainInput. link.Link satisfies it; tests substitute an in-memory fake so
// the whole Run loop runs without a real serial port.
type linkConn interface {
	protocol.ByteLink
	DrainInput() error
	Close() error
}

// Orchestrator runs one programmer action end to end: load the project and
// device descriptor, open the Link, handshake the Codec, build the matching
// Driver, run the action, and tear everything down again. It is single-use
// — construct one per Run.
type Orchestrator struct {
	DB *device.Database

	// dialLink opens the transport for Run's tty argument. It defaults to
	// link.Open; tests override it to avoid touching real hardware.
	dialLink func(tty string) (linkConn, error)

	events chan Event
	cancel atomic.Bool
	state  atomic.Int32
}

// New returns an Orchestrator backed by db.
func New(db *device.Database) *Orchestrator {
	return &Orchestrator{
		DB: db,
		dialLink: func(tty string) (linkConn, error) {
			return link.Open(tty)
		},
		events: make(chan Event, 64),
	}
}

// Events is the worker->shell channel; it closes when Run returns.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// State reports where Run currently is in the programmer lifecycle. Safe to
// call from the shell's thread while Run executes on the worker's.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// Cancel requests cooperative cancellation; drivers poll it between units of
// work (bytes, words, pages) and return ErrCancelled.
func (o *Orchestrator) Cancel() {
	o.cancel.Store(true)
}

func (o *Orchestrator) cancelled() bool {
	return o.cancel.Load()
}

func (o *Orchestrator) emit(e Event) {
	o.events <- e
}

func (o *Orchestrator) message(format string, args ...any) {
	o.emit(Event{Kind: ReportMessage, Message: fmt.Sprintf(format, args...)})
}

// Run opens tty, loads projectPath and its device, and executes action
// against it, writing the read-back firmware to outPath when action is
// ActionRead. It always emits Stopped before returning and closes the Link
// whenever it was opened; EndProgress is emitted only once the handshake has
// succeeded, so a failure while loading the project or device, opening the
// Link, or handshaking ends with ReportException and Stopped alone. It
// drives State through the programmer lifecycle as it goes.
func (o *Orchestrator) Run(tty, projectPath string, action Action, outPath string) {
	defer close(o.events)
	o.emit(Event{Kind: Started})
	defer o.emit(Event{Kind: Stopped})
	defer o.setState(Idle)

	proj, err := device.LoadProject(projectPath)
	if err != nil {
		o.reportException(err)
		return
	}

	desc, err := o.DB.LoadByName(proj.Device)
	if err != nil {
		o.reportException(err)
		return
	}

	o.setState(LinkOpening)
	conn, err := o.dialLink(tty)
	if err != nil {
		o.reportException(err)
		return
	}
	defer func() {
		o.setState(LinkClosing)
		conn.Close()
	}()

	o.setState(Handshaking)
	_ = conn.DrainInput() // stale bytes from a previous session would desync the handshake
	codec := protocol.New(conn)
	if err := codec.Handshake(); err != nil {
		o.reportException(err)
		o.setState(ActionFailed)
		o.setState(Ready)
		return
	}
	o.emit(Event{Kind: SessionStarted, Major: codec.VersionMajor, Minor: codec.VersionMinor})
	o.setState(Ready)

	br := bridge.New(codec)
	defer o.emit(Event{Kind: EndProgress})

	o.setState(ActionRunning)
	var runErr error
	switch desc.Kind {
	case device.KindAVR:
		runErr = o.runAVR(br, desc, proj, action, outPath)
	case device.KindARM:
		runErr = o.runARM(br, desc, proj, action, outPath)
	default:
		runErr = device.ErrUnknownKind
		o.reportException(runErr)
	}

	switch {
	case runErr != nil && o.cancelled():
		o.setState(Cancelling)
	case runErr != nil:
		o.setState(ActionFailed)
	}
	o.setState(Ready)
}

func (o *Orchestrator) reportException(err error) {
	o.emit(Event{Kind: ReportException, Message: err.Error()})
}

func (o *Orchestrator) reportResult(ok bool, okMsg, failMsg string) {
	if ok {
		o.emit(Event{Kind: ReportResult, Message: okMsg})
	} else {
		o.emit(Event{Kind: ReportResult, Message: failMsg})
	}
}

// loadProjectFirmware reads proj's HEX file and pages it at pageSize.
func (o *Orchestrator) loadProjectFirmware(proj *device.Project, pageSize uint32) (*firmware.Firmware, error) {
	f, err := os.Open(proj.HexFilePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := hexfile.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return firmware.Build(records, pageSize, firmware.DefaultFill)
}

// writeFirmwareHex dumps fw as an Intel HEX file at path (the `read`
// action's DataReady artifact).
func writeFirmwareHex(path string, fw *firmware.Firmware) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	for _, page := range fw.Pages() {
		if err := hexfile.WriteBytes(out, page.Addr, page.Data); err != nil {
			return err
		}
	}
	return hexfile.WriteEOF(out)
}

func (o *Orchestrator) runAVR(br *bridge.Bridge, desc *device.Descriptor, proj *device.Project, action Action, outPath string) error {
	d := avr.New(br, desc)
	d.Message = func(s string) { o.emit(Event{Kind: ReportMessage, Message: s}) }
	d.Progress = func(addr uint32) { o.emit(Event{Kind: ReportProgress, Value: addr}) }
	d.Cancelled = o.cancelled

	pageSize := uint32(desc.PageByteSize())

	switch action {
	case ActionInfo:
		info, err := d.ChipInfo()
		if err != nil {
			o.reportException(err)
			return err
		}
		o.emit(Event{Kind: ChipInfo, Message: info})
		o.reportResult(true, "[ DONE ]", "")

	case ActionStat:
		fw, err := o.loadProjectFirmware(proj, pageSize)
		if err != nil {
			o.reportException(err)
			return err
		}
		o.emit(Event{Kind: BeginProgress, Min: 0, Max: d.FlashLimit()})
		ok := d.StatFirmware(fw)
		o.reportResult(ok, "[ ok ]", "[fail]")

	case ActionCheck:
		fw, err := o.loadProjectFirmware(proj, pageSize)
		if err != nil {
			o.reportException(err)
			return err
		}
		o.emit(Event{Kind: BeginProgress, Min: 0, Max: d.FlashLimit()})
		same, err := d.CompareFirmware(fw)
		if err != nil {
			o.reportException(err)
			return err
		}
		o.reportResult(same, "[ OK ] firmware is same", "[ FAIL ] firmware is different")

	case ActionWrite:
		fw, err := o.loadProjectFirmware(proj, pageSize)
		if err != nil {
			o.reportException(err)
			return err
		}
		o.emit(Event{Kind: BeginProgress, Min: 0, Max: d.FlashLimit()})
		if err := d.WriteFirmware(fw); err != nil {
			o.reportException(err)
			return err
		}
		o.reportResult(true, "[ DONE ]", "")

	case ActionErase:
		if err := d.ProgramEnable(); err != nil {
			o.reportException(err)
			return err
		}
		err := d.ChipErase()
		_ = d.ProgramDisable()
		if err != nil {
			o.reportException(err)
			return err
		}
		o.reportResult(true, "[ DONE ]", "")

	case ActionReadFuse:
		if err := d.ProgramEnable(); err != nil {
			o.reportException(err)
			return err
		}
		err := d.CheckFuse()
		_ = d.ProgramDisable()
		if err != nil {
			o.reportException(err)
			return err
		}
		o.reportResult(true, "[ DONE ]", "")

	case ActionWriteFuse:
		if err := d.ProgramEnable(); err != nil {
			o.reportException(err)
			return err
		}
		err := d.WriteFuse()
		_ = d.ProgramDisable()
		if err != nil {
			o.reportException(err)
			return err
		}
		o.reportResult(true, "[ DONE ]", "")

	case ActionRead:
		o.emit(Event{Kind: BeginProgress, Min: 0, Max: d.FlashLimit()})
		fw, err := d.ReadFirmware()
		if err != nil {
			o.reportException(err)
			return err
		}
		if err := writeFirmwareHex(outPath, fw); err != nil {
			o.reportException(err)
			return err
		}
		o.emit(Event{Kind: DataReady, HexPath: outPath})

	case ActionTest:
		o.reportException(avr.ErrNotImplemented)
		return avr.ErrNotImplemented

	default:
		err := fmt.Errorf("orchestrator: unknown action %q", action)
		o.reportException(err)
		return err
	}
	return nil
}

func (o *Orchestrator) runARM(br *bridge.Bridge, desc *device.Descriptor, proj *device.Project, action Action, outPath string) error {
	d := arm.New(br, desc)
	d.Message = func(s string) { o.emit(Event{Kind: ReportMessage, Message: s}) }
	d.Progress = func(addr uint32) { o.emit(Event{Kind: ReportProgress, Value: addr}) }
	d.Cancelled = o.cancelled

	pageSize := desc.PageSize

	switch action {
	case ActionInfo:
		info, err := d.ChipInfo()
		if err != nil {
			o.reportException(err)
			return err
		}
		o.emit(Event{Kind: ChipInfo, Message: info})
		o.reportResult(true, "[ DONE ]", "")

	case ActionStat:
		fw, err := o.loadProjectFirmware(proj, pageSize)
		if err != nil {
			o.reportException(err)
			return err
		}
		o.emit(Event{Kind: BeginProgress, Min: device.ARMFlashBase, Max: device.ARMFlashBase + desc.FlashSize})
		ok := d.StatFirmware(fw)
		o.reportResult(ok, "[ ok ]", "[fail]")

	case ActionCheck:
		fw, err := o.loadProjectFirmware(proj, pageSize)
		if err != nil {
			o.reportException(err)
			return err
		}
		o.emit(Event{Kind: BeginProgress, Min: device.ARMFlashBase, Max: device.ARMFlashBase + desc.FlashSize})
		same, err := d.CompareFirmware(fw)
		if err != nil {
			o.reportException(err)
			return err
		}
		o.reportResult(same, "[ OK ] firmware is same", "[ FAIL ] firmware is different")

	case ActionWrite:
		fw, err := o.loadProjectFirmware(proj, pageSize)
		if err != nil {
			o.reportException(err)
			return err
		}
		o.emit(Event{Kind: BeginProgress, Min: device.ARMFlashBase, Max: device.ARMFlashBase + desc.FlashSize})
		if err := d.WriteFirmware(fw); err != nil {
			o.reportException(err)
			return err
		}
		o.reportResult(true, "[ DONE ]", "")

	case ActionErase:
		if err := d.DebugEnable(); err != nil {
			o.reportException(err)
			return err
		}
		err := func() error {
			if err := d.UnlockFpec(); err != nil {
				return err
			}
			defer d.LockFpec()
			return d.MassErase()
		}()
		_ = d.DebugDisable()
		if err != nil {
			o.reportException(err)
			return err
		}
		o.reportResult(true, "[ DONE ]", "")

	case ActionReadFuse, ActionWriteFuse:
		o.message("fuses are not applicable to ARM/Cortex-M3 targets")
		o.reportResult(true, "[ DONE ]", "")

	case ActionRead:
		o.emit(Event{Kind: BeginProgress, Min: device.ARMFlashBase, Max: device.ARMFlashBase + desc.FlashSize})
		fw, err := d.ReadFirmware()
		if err != nil {
			o.reportException(err)
			return err
		}
		if err := writeFirmwareHex(outPath, fw); err != nil {
			o.reportException(err)
			return err
		}
		o.emit(Event{Kind: DataReady, HexPath: outPath})

	case ActionTest:
		o.reportException(arm.ErrNotImplemented)
		return arm.ErrNotImplemented

	default:
		err := fmt.Errorf("orchestrator: unknown action %q", action)
		o.reportException(err)
		return err
	}
	return nil
}
